// Package fields is the closed whitelist of screenable attributes.
//
// The registry is the only place that knows physical table and column names.
// Anything the DSL references must resolve here first; there is no
// pass-through for unknown names and no registration at request time.
package fields

import (
	"sort"
	"strings"
)

// Field identifies one screenable attribute.
type Field int

const (
	Ticker Field = iota
	Name
	Sector
	Industry
	Exchange
	MarketCap

	Revenue
	GrossProfit
	OperatingIncome
	NetIncome
	EPS
	EBITDA
	PERatio
	PBRatio
	PEGRatio
	ROE
	ROA
	OperatingMargin
	EPSGrowth
	RevenueGrowthYoY
	EBITDAGrowthYoY
	TotalDebt
	FreeCashFlow
	DebtToFCF
	FCFMargin
	PromoterHolding

	Open
	High
	Low
	Close
	Volume

	fieldCount
)

// Kind is the value domain of a field.
type Kind int

const (
	Numeric Kind = iota
	Text
)

// Physical table aliases used by the compiled query.
const (
	TableCompanies    = "companies"
	TableFundamentals = "fundamentals"
	TablePrices       = "price_history"
)

// Spec describes how a field maps onto the store.
type Spec struct {
	Name    string // canonical DSL name, also the result column alias
	Table   string
	Column  string
	Kind    Kind
	Derived bool // ratio computed by the metrics engine for explanations
}

// specs is indexed by Field. The assertion below fails to compile when a new
// Field is added without a table entry at the end of the enum.
var specs = [...]Spec{
	Ticker:    {Name: "ticker", Table: TableCompanies, Column: "ticker", Kind: Text},
	Name:      {Name: "name", Table: TableCompanies, Column: "name", Kind: Text},
	Sector:    {Name: "sector", Table: TableCompanies, Column: "sector", Kind: Text},
	Industry:  {Name: "industry", Table: TableCompanies, Column: "industry", Kind: Text},
	Exchange:  {Name: "exchange", Table: TableCompanies, Column: "exchange", Kind: Text},
	MarketCap: {Name: "market_cap", Table: TableCompanies, Column: "market_cap", Kind: Numeric},

	Revenue:          {Name: "revenue", Table: TableFundamentals, Column: "revenue", Kind: Numeric},
	GrossProfit:      {Name: "gross_profit", Table: TableFundamentals, Column: "gross_profit", Kind: Numeric},
	OperatingIncome:  {Name: "operating_income", Table: TableFundamentals, Column: "operating_income", Kind: Numeric},
	NetIncome:        {Name: "net_income", Table: TableFundamentals, Column: "net_income", Kind: Numeric},
	EPS:              {Name: "eps", Table: TableFundamentals, Column: "eps", Kind: Numeric},
	EBITDA:           {Name: "ebitda", Table: TableFundamentals, Column: "ebitda", Kind: Numeric},
	PERatio:          {Name: "pe_ratio", Table: TableFundamentals, Column: "pe_ratio", Kind: Numeric},
	PBRatio:          {Name: "pb_ratio", Table: TableFundamentals, Column: "pb_ratio", Kind: Numeric},
	PEGRatio:         {Name: "peg_ratio", Table: TableFundamentals, Column: "peg_ratio", Kind: Numeric, Derived: true},
	ROE:              {Name: "roe", Table: TableFundamentals, Column: "roe", Kind: Numeric},
	ROA:              {Name: "roa", Table: TableFundamentals, Column: "roa", Kind: Numeric},
	OperatingMargin:  {Name: "operating_margin", Table: TableFundamentals, Column: "operating_margin", Kind: Numeric},
	EPSGrowth:        {Name: "eps_growth", Table: TableFundamentals, Column: "eps_growth", Kind: Numeric},
	RevenueGrowthYoY: {Name: "revenue_growth_yoy", Table: TableFundamentals, Column: "revenue_growth_yoy", Kind: Numeric},
	EBITDAGrowthYoY:  {Name: "ebitda_growth_yoy", Table: TableFundamentals, Column: "ebitda_growth_yoy", Kind: Numeric},
	TotalDebt:        {Name: "total_debt", Table: TableFundamentals, Column: "total_debt", Kind: Numeric},
	FreeCashFlow:     {Name: "free_cash_flow", Table: TableFundamentals, Column: "free_cash_flow", Kind: Numeric},
	DebtToFCF:        {Name: "debt_to_fcf", Table: TableFundamentals, Column: "debt_to_fcf", Kind: Numeric, Derived: true},
	FCFMargin:        {Name: "fcf_margin", Table: TableFundamentals, Column: "fcf_margin", Kind: Numeric, Derived: true},
	PromoterHolding:  {Name: "promoter_holding", Table: TableFundamentals, Column: "promoter_holding", Kind: Numeric},

	Open:   {Name: "open", Table: TablePrices, Column: "open", Kind: Numeric},
	High:   {Name: "high", Table: TablePrices, Column: "high", Kind: Numeric},
	Low:    {Name: "low", Table: TablePrices, Column: "low", Kind: Numeric},
	Close:  {Name: "close", Table: TablePrices, Column: "close", Kind: Numeric},
	Volume: {Name: "volume", Table: TablePrices, Column: "volume", Kind: Numeric},
}

var _ = [1]struct{}{}[len(specs)-int(fieldCount)]

// aliases are alternative DSL spellings accepted for convenience.
var aliases = map[string]Field{
	"pe":         PERatio,
	"pb":         PBRatio,
	"peg":        PEGRatio,
	"price":      Close,
	"debt":       TotalDebt,
	"fcf":        FreeCashFlow,
	"mcap":       MarketCap,
	"net_profit": NetIncome,
}

var byName map[string]Field

func init() {
	byName = make(map[string]Field, len(specs)+len(aliases))
	for i, s := range specs {
		byName[s.Name] = Field(i)
	}
	for alias, f := range aliases {
		byName[alias] = f
	}
}

// Resolve looks up a DSL field name (canonical or alias). Names are matched
// case-insensitively, so "PE" and "Pe_Ratio" resolve like their lower-case forms.
func Resolve(name string) (Field, bool) {
	f, ok := byName[strings.ToLower(name)]
	return f, ok
}

// Known reports whether name resolves to a registered field.
func Known(name string) bool {
	_, ok := Resolve(name)
	return ok
}

// Spec returns the registry entry of a field.
func (f Field) Spec() Spec {
	return specs[f]
}

// Name returns the canonical DSL name.
func (f Field) Name() string {
	return specs[f].Name
}

// Column returns the qualified physical column, e.g. "fundamentals.pe_ratio".
func (f Field) Column() string {
	s := specs[f]
	return s.Table + "." + s.Column
}

// Derived reports whether the field is a ratio the metrics engine can recompute.
func (f Field) Derived() bool {
	return specs[f].Derived
}

func (f Field) String() string {
	if f < 0 || f >= fieldCount {
		return "Field(?)"
	}
	return specs[f].Name
}

// All returns every registered field in declaration order.
func All() []Field {
	out := make([]Field, fieldCount)
	for i := range out {
		out[i] = Field(i)
	}
	return out
}

// Selectable returns the fields projected by every screen, in declaration
// order. Each appears in the result under its canonical name.
func Selectable() []Field {
	return All()
}

// Names returns all accepted DSL names (canonical and aliases), sorted.
func Names() []string {
	out := make([]string, 0, len(byName))
	for n := range byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
