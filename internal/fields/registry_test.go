package fields

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryFieldHasAMapping(t *testing.T) {
	seen := make(map[string]bool)
	for _, f := range All() {
		s := f.Spec()
		require.NotEmpty(t, s.Name, "field %d has no name", int(f))
		require.NotEmpty(t, s.Table, "field %s has no table", s.Name)
		require.NotEmpty(t, s.Column, "field %s has no column", s.Name)
		assert.False(t, seen[s.Name], "duplicate canonical name %s", s.Name)
		seen[s.Name] = true
	}
}

func TestResolveCanonicalAndAlias(t *testing.T) {
	tests := []struct {
		name   string
		want   Field
		column string
	}{
		{"pe_ratio", PERatio, "fundamentals.pe_ratio"},
		{"pe", PERatio, "fundamentals.pe_ratio"},
		{"revenue", Revenue, "fundamentals.revenue"},
		{"sector", Sector, "companies.sector"},
		{"close", Close, "price_history.close"},
		{"price", Close, "price_history.close"},
		{"PE_RATIO", PERatio, "fundamentals.pe_ratio"},
		{"PE", PERatio, "fundamentals.pe_ratio"},
		{"Sector", Sector, "companies.sector"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := Resolve(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, f)
			assert.Equal(t, tt.column, f.Column())
		})
	}
}

func TestResolveRejectsUnknownAndInjection(t *testing.T) {
	for _, name := range []string{"", "PE RATIO", "pe_ratio; DROP TABLE companies", "fundamentals.pe_ratio", "password"} {
		_, ok := Resolve(name)
		assert.False(t, ok, "expected %q to be rejected", name)
	}
}

func TestColumnsAreIdentifiersOnly(t *testing.T) {
	for _, f := range All() {
		col := f.Column()
		assert.False(t, strings.ContainsAny(col, " ;'\"()$"), "unsafe column text %q", col)
	}
}

func TestDerivedFields(t *testing.T) {
	var derived []string
	for _, f := range All() {
		if f.Derived() {
			derived = append(derived, f.Name())
		}
	}
	assert.Equal(t, []string{"peg_ratio", "debt_to_fcf", "fcf_margin"}, derived)
}

func TestNamesSortedAndIncludeAliases(t *testing.T) {
	names := Names()
	assert.Contains(t, names, "pe")
	assert.Contains(t, names, "pe_ratio")
	assert.IsIncreasing(t, names)
}
