package query

import (
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/errs"
)

func mustValidate(t *testing.T, req dsl.Request) dsl.Validated {
	t.Helper()
	v, err := dsl.Validate(req)
	require.NoError(t, err)
	return v
}

func assertGolden(t *testing.T, name string, c Compiled) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(c.Text+"\n"))
}

func TestCompileSingleCondition(t *testing.T) {
	v := mustValidate(t, dsl.Request{Conditions: []dsl.Condition{
		dsl.Simple{Field: "pe_ratio", Operator: "<", Value: 15.0},
	}})

	c, err := Compile(v)
	require.NoError(t, err)
	assert.Equal(t, []any{15.0, dsl.DefaultLimit}, c.Values)
	assertGolden(t, "pe_below_15", c)
}

func TestCompileMixedTree(t *testing.T) {
	v := mustValidate(t, dsl.Request{Limit: 50, Conditions: []dsl.Condition{
		dsl.Simple{Field: "pe", Operator: "<", Value: 20.0},
		dsl.Range{Field: "roe", Min: 10, Max: 30},
		dsl.Logical{Logic: dsl.Or, Conditions: []dsl.Condition{
			dsl.Simple{Field: "sector", Operator: "=", Value: "IT"},
			dsl.Simple{Field: "sector", Operator: "in", Value: []any{"Banking", "Finance"}},
		}},
	}})

	c, err := Compile(v)
	require.NoError(t, err)
	assert.Equal(t, []any{20.0, 10.0, 30.0, "IT", "Banking", "Finance", 50}, c.Values)
	assertGolden(t, "mixed_tree", c)
}

func TestCompileFiltersLatestRowsOnly(t *testing.T) {
	v := mustValidate(t, dsl.Request{Conditions: []dsl.Condition{
		dsl.Simple{Field: "pe", Operator: "<", Value: 15.0},
		dsl.Simple{Field: "price", Operator: ">", Value: 100.0},
	}})

	c, err := Compile(v)
	require.NoError(t, err)

	// Each ticker contributes one fundamentals and one price row, chosen by
	// recency alone; the conditions apply only after that choice.
	latestQuarter := strings.Index(c.Text, "ORDER BY fq.period_end DESC\n  LIMIT 1\n) AS fundamentals")
	latestPrice := strings.Index(c.Text, "ORDER BY ph.time DESC\n  LIMIT 1\n) AS price_history")
	where := strings.Index(c.Text, "WHERE fundamentals.pe_ratio < $1 AND price_history.close > $2")
	require.Positive(t, latestQuarter)
	require.Positive(t, latestPrice)
	require.Positive(t, where)
	assert.Less(t, latestQuarter, where)
	assert.Less(t, latestPrice, where)

	lateral := c.Text[:where]
	assert.NotContains(t, lateral, "$", "conditions must not leak into the latest-row subqueries")
	assert.Equal(t, 1, strings.Count(c.Text, "WHERE fundamentals."))
	assert.Equal(t, []any{15.0, 100.0, dsl.DefaultLimit}, c.Values)
}

func TestCompileTemporalAndNested(t *testing.T) {
	v := mustValidate(t, dsl.Request{Limit: 10, Conditions: []dsl.Condition{
		dsl.Temporal{
			Field: "revenue", Operator: ">", Value: 0.0,
			Window: &dsl.Window{Period: dsl.Quarter, Count: 4}, Aggregation: dsl.All,
		},
		dsl.Logical{Logic: dsl.And, Conditions: []dsl.Condition{
			dsl.Simple{Field: "price", Operator: ">=", Value: 100.0},
			dsl.Logical{Logic: dsl.Or, Conditions: []dsl.Condition{
				dsl.Simple{Field: "name", Operator: "ilike", Value: "tata"},
				dsl.Simple{Field: "exchange", Operator: "not  in", Value: "BSE"},
			}},
		}},
	}})

	c, err := Compile(v)
	require.NoError(t, err)
	assert.Equal(t, []any{0.0, 100.0, "%tata%", "BSE", 10}, c.Values)
	assertGolden(t, "temporal_and_nested", c)
}

func TestCompileIsDeterministic(t *testing.T) {
	v := mustValidate(t, dsl.Request{Conditions: []dsl.Condition{
		dsl.Simple{Field: "pe", Operator: "<", Value: 20.0},
		dsl.Logical{Logic: dsl.Or, Conditions: []dsl.Condition{
			dsl.Simple{Field: "roe", Operator: ">", Value: 15.0},
			dsl.Range{Field: "eps", Min: 1, Max: 5},
		}},
	}})

	first, err := Compile(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Compile(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCompilePlaceholdersAreContiguous(t *testing.T) {
	v := mustValidate(t, dsl.Request{Conditions: []dsl.Condition{
		dsl.Simple{Field: "industry", Operator: "IN", Value: []string{"Software", "Hardware", "Services"}},
		dsl.Range{Field: "pe", Min: 1, Max: 40},
		dsl.Simple{Field: "sector", Operator: "NOT IN", Value: []any{"Energy", "Mining"}},
	}})

	c, err := Compile(v)
	require.NoError(t, err)
	require.Len(t, c.Values, 8)
	for i := 1; i <= len(c.Values); i++ {
		assert.Contains(t, c.Text, "$"+strconv.Itoa(i))
	}
	assert.NotContains(t, c.Text, "$9")
	assert.True(t, strings.HasSuffix(c.Text, "LIMIT $8"))
	assert.Contains(t, c.Text, "companies.industry IN ($1, $2, $3)")
	assert.Contains(t, c.Text, "companies.sector NOT IN ($6, $7)")
}

func TestCompileConditionFragments(t *testing.T) {
	tests := []struct {
		name   string
		cond   dsl.Condition
		text   string
		values []any
	}{
		{"less than", dsl.Simple{Field: "pe_ratio", Operator: "<", Value: 15.0}, "fundamentals.pe_ratio < $1", []any{15.0}},
		{"alias", dsl.Simple{Field: "price", Operator: "<=", Value: 500.0}, "price_history.close <= $1", []any{500.0}},
		{"upper case name", dsl.Simple{Field: "PE", Operator: "<", Value: 15.0}, "fundamentals.pe_ratio < $1", []any{15.0}},
		{"range", dsl.Range{Field: "roe", Min: 12, Max: 25}, "fundamentals.roe BETWEEN $1 AND $2", []any{12.0, 25.0}},
		{"in scalar", dsl.Simple{Field: "sector", Operator: "IN", Value: "IT"}, "companies.sector IN ($1)", []any{"IT"}},
		{"not in scalar", dsl.Simple{Field: "sector", Operator: "NOT IN", Value: "IT"}, "companies.sector != $1", []any{"IT"}},
		{"like keeps explicit pattern", dsl.Simple{Field: "name", Operator: "like", Value: "Tata%"}, "companies.name LIKE $1", []any{"Tata%"}},
		{"diamond", dsl.Simple{Field: "eps", Operator: "<>", Value: 0.0}, "fundamentals.eps <> $1", []any{0.0}},
		{"group", dsl.Logical{Logic: dsl.Or, Conditions: []dsl.Condition{
			dsl.Simple{Field: "pe", Operator: "<", Value: 10.0},
			dsl.Simple{Field: "pb", Operator: "<", Value: 1.0},
		}}, "(fundamentals.pe_ratio < $1 OR fundamentals.pb_ratio < $2)", []any{10.0, 1.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := CompileCondition(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.text, c.Text)
			assert.Equal(t, tt.values, c.Values)
		})
	}
}

func TestCompileConditionErrors(t *testing.T) {
	tests := []struct {
		name string
		cond dsl.Condition
		want errs.Code
	}{
		{"unsupported operator", dsl.Simple{Field: "pe", Operator: "~", Value: 1.0}, errs.UnsupportedOperator},
		{"sql in operator", dsl.Simple{Field: "pe", Operator: "< 1 OR 1 =", Value: 1.0}, errs.UnsupportedOperator},
		{"unknown field", dsl.Simple{Field: "secret", Operator: "=", Value: 1.0}, errs.InvalidField},
		{"empty in", dsl.Simple{Field: "sector", Operator: "IN", Value: []any{}}, errs.InvalidDSL},
		{"list with comparison", dsl.Simple{Field: "pe", Operator: "<", Value: []any{1.0, 2.0}}, errs.InvalidDSL},
		{"empty group", dsl.Logical{Logic: dsl.And}, errs.InvalidDSL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileCondition(tt.cond)
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.CodeOf(err))
		})
	}
}

func TestCompileRejectsUnvalidated(t *testing.T) {
	_, err := Compile(dsl.Validated{})
	assert.Equal(t, errs.InvalidDSL, errs.CodeOf(err))
}

func TestCompileUnsupportedOperatorAfterValidation(t *testing.T) {
	v := mustValidate(t, dsl.Request{Conditions: []dsl.Condition{
		dsl.Simple{Field: "pe", Operator: "REGEXP", Value: "1"},
	}})
	_, err := Compile(v)
	assert.Equal(t, errs.UnsupportedOperator, errs.CodeOf(err))
}
