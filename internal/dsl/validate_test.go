package dsl

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algomatic/screener-service/internal/errs"
)

func simple(field, op string, v any) Simple {
	return Simple{Field: field, Operator: op, Value: v}
}

func nestedAnd(depth int) Condition {
	var c Condition = simple("pe", "<", 10.0)
	for i := 0; i < depth; i++ {
		c = Logical{Logic: And, Conditions: []Condition{c}}
	}
	return c
}

func TestValidateAccepts(t *testing.T) {
	req := Request{Conditions: []Condition{
		simple("pe", "<", 15.0),
		simple("pe", ">", 5.0),
		Range{Field: "roe", Min: 10, Max: 30},
		Temporal{Field: "revenue", Operator: ">", Value: 0.0, Window: &Window{Period: Quarter, Count: 4}, Aggregation: All},
		Logical{Logic: Or, Conditions: []Condition{simple("sector", "=", "IT")}},
		nestedAnd(MaxDepth - 1),
	}}

	v, err := Validate(req)
	require.NoError(t, err)
	assert.True(t, v.Valid())
	assert.Equal(t, DefaultLimit, v.Limit())
	assert.Equal(t, CurrentVersion, v.Request().Version)
	assert.Len(t, v.Conditions(), 6)
}

func TestValidateAggregationWithoutWindow(t *testing.T) {
	v, err := Validate(Request{Conditions: []Condition{
		Temporal{Field: "eps", Operator: ">", Value: 0.0, Aggregation: Trend},
	}})
	require.NoError(t, err)
	got := v.Conditions()[0].(Temporal)
	assert.Nil(t, got.Window)
	assert.Equal(t, Trend, got.Aggregation)
}

func TestValidateErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want errs.Code
	}{
		{"no conditions", Request{}, errs.InvalidDSL},
		{"empty conditions", Request{Conditions: []Condition{}}, errs.InvalidDSL},
		{"bad version", Request{Version: 2, Conditions: []Condition{simple("pe", "<", 1.0)}}, errs.InvalidDSL},
		{"limit too high", Request{Limit: MaxLimit + 1, Conditions: []Condition{simple("pe", "<", 1.0)}}, errs.InvalidDSL},
		{"negative limit", Request{Limit: -1, Conditions: []Condition{simple("pe", "<", 1.0)}}, errs.InvalidDSL},
		{"unknown field", Request{Conditions: []Condition{simple("unknown_metric", ">", 5.0)}}, errs.InvalidField},
		{"unknown nested field", Request{Conditions: []Condition{
			Logical{Logic: And, Conditions: []Condition{simple("pe", "<", 1.0), simple("password", "=", "x")}},
		}}, errs.InvalidField},
		{"missing value", Request{Conditions: []Condition{Simple{Field: "pe", Operator: "<"}}}, errs.InvalidDSL},
		{"inverted range", Request{Conditions: []Condition{Range{Field: "pe", Min: 50, Max: 10}}}, errs.InvalidRange},
		{"empty range", Request{Conditions: []Condition{Range{Field: "pe", Min: 10, Max: 10}}}, errs.InvalidRange},
		{"window without aggregation", Request{Conditions: []Condition{
			Temporal{Field: "revenue", Operator: ">", Value: 0.0, Window: &Window{Period: Quarter, Count: 4}},
		}}, errs.AmbiguousTemporalRule},
		{"unknown aggregation", Request{Conditions: []Condition{
			Temporal{Field: "revenue", Operator: ">", Value: 0.0, Window: &Window{Period: Quarter, Count: 4}, Aggregation: "MOST"},
		}}, errs.InvalidDSL},
		{"unknown period", Request{Conditions: []Condition{
			Temporal{Field: "revenue", Operator: ">", Value: 0.0, Window: &Window{Period: "decade", Count: 4}, Aggregation: Any},
		}}, errs.InvalidDSL},
		{"zero count", Request{Conditions: []Condition{
			Temporal{Field: "revenue", Operator: ">", Value: 0.0, Window: &Window{Period: Year, Count: 0}, Aggregation: Any},
		}}, errs.InvalidDSL},
		{"bad logic", Request{Conditions: []Condition{
			Logical{Logic: "XOR", Conditions: []Condition{simple("pe", "<", 1.0)}},
		}}, errs.InvalidDSL},
		{"empty group", Request{Conditions: []Condition{Logical{Logic: And}}}, errs.InvalidDSL},
		{"too deep", Request{Conditions: []Condition{nestedAnd(MaxDepth)}}, errs.InvalidDSL},
		{"nil condition", Request{Conditions: []Condition{nil}}, errs.InvalidDSL},
		{"contradiction", Request{Conditions: []Condition{
			simple("pe_ratio", "<", 5.0),
			simple("pe_ratio", ">", 50.0),
		}}, errs.UnsatisfiableRule},
		{"contradiction with int values", Request{Conditions: []Condition{
			simple("pe", "<", 5),
			simple("pe", ">", 50),
		}}, errs.UnsatisfiableRule},
		{"contradiction with mixed numeric types", Request{Conditions: []Condition{
			simple("pe", "<", int64(5)),
			simple("pe", ">", json.Number("50")),
		}}, errs.UnsatisfiableRule},
		{"contradiction through alias", Request{Conditions: []Condition{
			simple("pe", "<", 10.0),
			simple("pe_ratio", ">", 10.0),
		}}, errs.UnsatisfiableRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Validate(tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.CodeOf(err), err.Error())
			assert.False(t, v.Valid())
		})
	}
}

func TestValidateFieldCheckedBeforeContradiction(t *testing.T) {
	_, err := Validate(Request{Conditions: []Condition{
		simple("pe", "<", 5.0),
		simple("pe", ">", 50.0),
		simple("bogus", "=", 1.0),
	}})
	assert.Equal(t, errs.InvalidField, errs.CodeOf(err))
}

func TestValidateNestedContradictionIsNotDetected(t *testing.T) {
	_, err := Validate(Request{Conditions: []Condition{
		Logical{Logic: And, Conditions: []Condition{
			simple("pe", "<", 5.0),
			simple("pe", ">", 50.0),
		}},
	}})
	assert.NoError(t, err)
}

func TestValidateDoesNotAliasInput(t *testing.T) {
	conds := []Condition{
		simple("pe", "<", 15.0),
		Logical{Logic: Or, Conditions: []Condition{simple("roe", ">", 10.0)}},
	}
	v, err := Validate(Request{Conditions: conds, Limit: 20})
	require.NoError(t, err)

	conds[0] = simple("pe", "<", 99.0)
	conds[1].(Logical).Conditions[0] = simple("roe", ">", 99.0)

	assert.Equal(t, simple("pe", "<", 15.0), v.Conditions()[0])
	assert.Equal(t, simple("roe", ">", 10.0), v.Conditions()[1].(Logical).Conditions[0])
	assert.Equal(t, 20, v.Limit())
}

func TestValidateParsedRequest(t *testing.T) {
	req, err := Parse([]byte(`{"conditions":[{"field":"pe","operator":"<","value":15},{"field":"revenue","operator":">","value":0,"window":{"period":"quarter","count":4}}]}`))
	require.NoError(t, err)

	_, err = Validate(req)
	assert.Equal(t, errs.AmbiguousTemporalRule, errs.CodeOf(err))
}
