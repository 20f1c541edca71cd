// Package metrics derives valuation ratios and growth trends from quarterly
// fundamentals.
//
// Every exported function is pure and returns nil for a metric that cannot be
// computed (missing input, zero or non-finite denominator). Nothing here
// panics or returns NaN/Inf.
package metrics

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/algomatic/screener-service/internal/errs"
)

const (
	// Lookback is the number of quarters loaded for history-based metrics.
	Lookback = 8
	// TTMQuarters is the trailing window summed for TTM figures.
	TTMQuarters = 4
)

// QuarterlyRecord is one fiscal quarter for a ticker. Records are always
// handled newest first.
type QuarterlyRecord struct {
	Ticker          string    `json:"ticker"`
	PeriodEnd       time.Time `json:"period_end"`
	Quarter         string    `json:"quarter,omitempty"`
	Revenue         *float64  `json:"revenue"`
	GrossProfit     *float64  `json:"gross_profit"`
	OperatingIncome *float64  `json:"operating_income"`
	NetIncome       *float64  `json:"net_income"`
	EPS             *float64  `json:"eps"`
	EBITDA          *float64  `json:"ebitda"`
	PERatio         *float64  `json:"pe_ratio"`
	PBRatio         *float64  `json:"pb_ratio"`
	TotalDebt       *float64  `json:"total_debt"`
	FreeCashFlow    *float64  `json:"free_cash_flow"`
}

// TTM holds trailing-twelve-month aggregates.
type TTM struct {
	Revenue   float64  `json:"revenue"`
	EPS       float64  `json:"eps"`
	EBITDA    float64  `json:"ebitda"`
	NetIncome float64  `json:"net_income"`
	PERatio   *float64 `json:"pe_ratio"`
	EPSGrowth *float64 `json:"eps_growth"`
	PEG       *float64 `json:"peg_ratio"`
	DebtToFCF *float64 `json:"debt_to_fcf"`
	FCFMargin *float64 `json:"fcf_margin"`
}

// Trends holds quarter-over-quarter and year-over-year growth percentages.
type Trends struct {
	RevenueQoQ   *float64 `json:"revenue_qoq"`
	RevenueYoY   *float64 `json:"revenue_yoy"`
	EPSQoQ       *float64 `json:"eps_qoq"`
	EPSYoY       *float64 `json:"eps_yoy"`
	EBITDAQoQ    *float64 `json:"ebitda_qoq"`
	EBITDAYoY    *float64 `json:"ebitda_yoy"`
	NetIncomeQoQ *float64 `json:"net_income_qoq"`
	NetIncomeYoY *float64 `json:"net_income_yoy"`
}

// divide is the strict form of SafeDivide: an unusable operand is an
// UNSAFE_DIVISION error naming the metric.
func divide(a, b *float64, name string) (float64, error) {
	if a == nil || b == nil {
		return 0, errs.New(errs.UnsafeDivision, "%s: missing operand", name)
	}
	if !isFinite(*a) || !isFinite(*b) || *b == 0 {
		return 0, errs.New(errs.UnsafeDivision, "%s: cannot divide %v by %v", name, *a, *b)
	}
	q := *a / *b
	if !isFinite(q) {
		return 0, errs.New(errs.UnsafeDivision, "%s: result out of range", name)
	}
	return q, nil
}

// SafeDivide returns a/b, or nil when either operand is missing, the
// denominator is zero or the result is not finite.
func SafeDivide(a, b *float64) *float64 {
	q, err := divide(a, b, "ratio")
	if err != nil {
		return nil
	}
	return &q
}

// Growth returns (current-previous)/previous*100.
func Growth(current, previous *float64) *float64 {
	if current == nil || previous == nil {
		return nil
	}
	diff := *current - *previous
	q := SafeDivide(&diff, previous)
	if q == nil {
		return nil
	}
	return ptr(*q * 100)
}

// PEG returns pe/growth rounded to two decimals. Growth must be positive.
func PEG(pe, growth *float64) *float64 {
	if pe == nil || growth == nil || *growth <= 0 {
		return nil
	}
	return Round2Ptr(SafeDivide(pe, growth))
}

// DebtToFCF returns debt/fcf rounded to two decimals.
func DebtToFCF(debt, fcf *float64) *float64 {
	return Round2Ptr(SafeDivide(debt, fcf))
}

// FCFMargin returns fcf as a percentage of revenue, rounded to two decimals.
func FCFMargin(fcf, revenue *float64) *float64 {
	q := SafeDivide(fcf, revenue)
	if q == nil {
		return nil
	}
	return Round2Ptr(ptr(*q * 100))
}

// ComputeTTM aggregates the latest TTMQuarters records. Missing quarterly
// values count as zero in the sums. Returns nil for no records.
func ComputeTTM(records []QuarterlyRecord) *TTM {
	if len(records) == 0 {
		return nil
	}

	window := records
	if len(window) > TTMQuarters {
		window = window[:TTMQuarters]
	}

	var t TTM
	for _, r := range window {
		t.Revenue += valueOrZero(r.Revenue)
		t.EPS += valueOrZero(r.EPS)
		t.EBITDA += valueOrZero(r.EBITDA)
		t.NetIncome += valueOrZero(r.NetIncome)
	}

	latest := records[0]
	t.PERatio = latest.PERatio
	if len(records) >= 2 {
		t.EPSGrowth = Growth(latest.EPS, records[1].EPS)
	}
	t.PEG = PEG(t.PERatio, t.EPSGrowth)
	t.DebtToFCF = DebtToFCF(latest.TotalDebt, latest.FreeCashFlow)
	t.FCFMargin = FCFMargin(latest.FreeCashFlow, latest.Revenue)
	return &t
}

// ComputeTrends returns QoQ growth against records[1] and YoY growth against
// records[3]. Fewer than two records yields an all-nil Trends.
func ComputeTrends(records []QuarterlyRecord) Trends {
	if len(records) < 2 {
		return Trends{}
	}

	cur, prev := records[0], records[1]
	t := Trends{
		RevenueQoQ:   Growth(cur.Revenue, prev.Revenue),
		EPSQoQ:       Growth(cur.EPS, prev.EPS),
		EBITDAQoQ:    Growth(cur.EBITDA, prev.EBITDA),
		NetIncomeQoQ: Growth(cur.NetIncome, prev.NetIncome),
	}
	if len(records) >= 4 {
		ago := records[3]
		t.RevenueYoY = Growth(cur.Revenue, ago.Revenue)
		t.EPSYoY = Growth(cur.EPS, ago.EPS)
		t.EBITDAYoY = Growth(cur.EBITDA, ago.EBITDA)
		t.NetIncomeYoY = Growth(cur.NetIncome, ago.NetIncome)
	}
	return t
}

// RevenueCAGR returns the compound per-quarter growth rate (as a fraction)
// between the oldest and newest reported revenue within Lookback quarters.
func RevenueCAGR(records []QuarterlyRecord) *float64 {
	rev := series(records, func(r QuarterlyRecord) *float64 { return r.Revenue })
	if len(rev) < 2 {
		return nil
	}
	start, end := rev[0], rev[len(rev)-1]
	if start <= 0 {
		return nil
	}
	n := float64(len(rev) - 1)
	v := math.Pow(end/start, 1/n) - 1
	if !isFinite(v) {
		return nil
	}
	return &v
}

// TrendSlope fits a least-squares line through the picked series over up to
// Lookback quarters, oldest first, and returns its slope per quarter.
func TrendSlope(records []QuarterlyRecord, pick func(QuarterlyRecord) *float64) *float64 {
	ys := series(records, pick)
	if len(ys) < 2 {
		return nil
	}
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	if !isFinite(beta) {
		return nil
	}
	return &beta
}

// Round2 rounds half away from zero to two decimals. Non-finite input is
// returned unchanged.
func Round2(v float64) float64 {
	if !isFinite(v) {
		return v
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// Round2Ptr is Round2 for optional values.
func Round2Ptr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return ptr(Round2(*v))
}

// series returns the non-nil picked values of the newest Lookback records,
// oldest first.
func series(records []QuarterlyRecord, pick func(QuarterlyRecord) *float64) []float64 {
	if len(records) > Lookback {
		records = records[:Lookback]
	}
	out := make([]float64, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if v := pick(records[i]); v != nil && isFinite(*v) {
			out = append(out, *v)
		}
	}
	return out
}

func valueOrZero(v *float64) float64 {
	if v == nil || !isFinite(*v) {
		return 0
	}
	return *v
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func ptr(v float64) *float64 {
	return &v
}
