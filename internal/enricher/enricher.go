// Package enricher attaches explanations and derived context to screener rows.
package enricher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/fields"
	"github.com/algomatic/screener-service/internal/metrics"
	"github.com/algomatic/screener-service/internal/runner"
)

// History loads recent quarters for a set of tickers.
type History interface {
	GetQuarterlyBatch(ctx context.Context, tickers []string, limit int) (map[string][]metrics.QuarterlyRecord, error)
}

// TimeContext describes the window of the temporal condition that shaped a
// screen. Slope is only set for TREND aggregations with enough history.
type TimeContext struct {
	Field       string          `json:"field" msgpack:"field"`
	Period      dsl.Period      `json:"period,omitempty" msgpack:"period,omitempty"`
	Count       int             `json:"count,omitempty" msgpack:"count,omitempty"`
	Aggregation dsl.Aggregation `json:"aggregation" msgpack:"aggregation"`
	Slope       *float64        `json:"slope,omitempty" msgpack:"slope,omitempty"`
}

// Result is one enriched row.
type Result struct {
	Row               runner.Row          `msgpack:"row"`
	MatchedConditions []string            `msgpack:"matched_conditions"`
	DerivedMetrics    map[string]*float64 `msgpack:"derived_metrics"`
	TimeContext       *TimeContext        `msgpack:"time_context"`
}

// MarshalJSON flattens the row columns next to the enrichment keys.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Row)+3)
	for k, v := range r.Row {
		out[k] = v
	}
	matched := r.MatchedConditions
	if matched == nil {
		matched = []string{}
	}
	out["matched_conditions"] = matched
	if r.DerivedMetrics != nil {
		out["derived_metrics"] = r.DerivedMetrics
	} else {
		out["derived_metrics"] = nil
	}
	if r.TimeContext != nil {
		out["time_context"] = r.TimeContext
	} else {
		out["time_context"] = nil
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON: the enrichment keys are lifted out
// and every other key becomes a row column.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Result{Row: make(runner.Row, len(raw))}
	for k, v := range raw {
		var err error
		switch k {
		case "matched_conditions":
			err = json.Unmarshal(v, &r.MatchedConditions)
		case "derived_metrics":
			err = json.Unmarshal(v, &r.DerivedMetrics)
		case "time_context":
			err = json.Unmarshal(v, &r.TimeContext)
		default:
			var col any
			err = json.Unmarshal(v, &col)
			r.Row[k] = col
		}
		if err != nil {
			return fmt.Errorf("decoding result key %q: %w", k, err)
		}
	}
	return nil
}

// Enricher builds Results from raw rows.
type Enricher struct {
	history  History
	quarters int
	logger   *slog.Logger
}

// New creates an Enricher. history may be nil, in which case derived
// metrics come only from the row's own columns.
func New(history History, quarters int, logger *slog.Logger) *Enricher {
	if quarters <= 0 {
		quarters = metrics.Lookback
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{history: history, quarters: quarters, logger: logger}
}

// Enrich annotates each row. It never fails: a history lookup error only
// leaves the affected metrics null.
func (e *Enricher) Enrich(ctx context.Context, v dsl.Validated, rows []runner.Row) []Result {
	conds := v.Conditions()
	matched := MatchedConditions(conds)
	derived := derivedFields(conds)
	temporal := dsl.FirstTemporal(conds)

	var history map[string][]metrics.QuarterlyRecord
	if tickers := e.tickersNeedingHistory(rows, derived, temporal); len(tickers) > 0 && e.history != nil {
		h, err := e.history.GetQuarterlyBatch(ctx, tickers, e.quarters)
		if err != nil {
			e.logger.Warn("History lookup failed, derived metrics degraded",
				"tickers", len(tickers),
				"error", err,
			)
		} else {
			history = h
		}
	}

	out := make([]Result, 0, len(rows))
	for _, row := range rows {
		quarters := history[row.String("ticker")]

		res := Result{
			Row:               row,
			MatchedConditions: matched,
		}
		if len(derived) > 0 {
			res.DerivedMetrics = make(map[string]*float64, len(derived))
			for _, f := range derived {
				res.DerivedMetrics[f.Name()] = computeDerived(f, row, quarters)
			}
		}
		if temporal != nil {
			res.TimeContext = timeContext(*temporal, quarters)
		}
		out = append(out, res)
	}
	return out
}

func (e *Enricher) tickersNeedingHistory(rows []runner.Row, derived []fields.Field, temporal *dsl.Temporal) []string {
	trend := temporal != nil && temporal.Aggregation == dsl.Trend && pickerFor(temporal.Field) != nil
	if len(derived) == 0 && !trend {
		return nil
	}

	seen := make(map[string]bool)
	var tickers []string
	for _, row := range rows {
		ticker := row.String("ticker")
		if ticker == "" || seen[ticker] {
			continue
		}
		need := trend
		for _, f := range derived {
			if computeDerived(f, row, nil) == nil {
				need = true
				break
			}
		}
		if need {
			seen[ticker] = true
			tickers = append(tickers, ticker)
		}
	}
	return tickers
}

// MatchedConditions renders the top-level Simple and Range conditions in
// their original order and spelling.
func MatchedConditions(conds []dsl.Condition) []string {
	out := make([]string, 0, len(conds))
	for _, c := range conds {
		switch n := c.(type) {
		case dsl.Simple:
			out = append(out, n.Field+" "+n.Operator+" "+formatValue(n.Value))
		case dsl.Range:
			out = append(out, n.Field+" between "+formatFloat(n.Min)+" and "+formatFloat(n.Max))
		}
	}
	return out
}

func derivedFields(conds []dsl.Condition) []fields.Field {
	var out []fields.Field
	for _, name := range dsl.ReferencedFields(conds) {
		if f, ok := fields.Resolve(name); ok && f.Derived() {
			out = append(out, f)
		}
	}
	return out
}

func computeDerived(f fields.Field, row runner.Row, quarters []metrics.QuarterlyRecord) *float64 {
	var latest *metrics.QuarterlyRecord
	if len(quarters) > 0 {
		latest = &quarters[0]
	}

	switch f {
	case fields.PEGRatio:
		if v := metrics.PEG(row.Float("pe_ratio"), row.Float("eps_growth")); v != nil {
			return v
		}
		if ttm := metrics.ComputeTTM(quarters); ttm != nil {
			pe := row.Float("pe_ratio")
			if pe == nil {
				pe = ttm.PERatio
			}
			return metrics.PEG(pe, ttm.EPSGrowth)
		}

	case fields.DebtToFCF:
		if v := metrics.DebtToFCF(row.Float("total_debt"), row.Float("free_cash_flow")); v != nil {
			return v
		}
		if latest != nil {
			return metrics.DebtToFCF(latest.TotalDebt, latest.FreeCashFlow)
		}

	case fields.FCFMargin:
		if v := metrics.FCFMargin(row.Float("free_cash_flow"), row.Float("revenue")); v != nil {
			return v
		}
		if latest != nil {
			return metrics.FCFMargin(latest.FreeCashFlow, latest.Revenue)
		}
	}
	return nil
}

func timeContext(t dsl.Temporal, quarters []metrics.QuarterlyRecord) *TimeContext {
	tc := &TimeContext{
		Field:       t.Field,
		Aggregation: t.Aggregation,
	}
	if f, ok := fields.Resolve(t.Field); ok {
		tc.Field = f.Name()
	}
	if t.Window != nil {
		tc.Period = t.Window.Period
		tc.Count = t.Window.Count
	}
	if t.Aggregation == dsl.Trend {
		if pick := pickerFor(t.Field); pick != nil {
			tc.Slope = metrics.TrendSlope(quarters, pick)
		}
	}
	return tc
}

func pickerFor(name string) func(metrics.QuarterlyRecord) *float64 {
	f, ok := fields.Resolve(name)
	if !ok {
		return nil
	}
	switch f {
	case fields.Revenue:
		return func(r metrics.QuarterlyRecord) *float64 { return r.Revenue }
	case fields.GrossProfit:
		return func(r metrics.QuarterlyRecord) *float64 { return r.GrossProfit }
	case fields.OperatingIncome:
		return func(r metrics.QuarterlyRecord) *float64 { return r.OperatingIncome }
	case fields.NetIncome:
		return func(r metrics.QuarterlyRecord) *float64 { return r.NetIncome }
	case fields.EPS:
		return func(r metrics.QuarterlyRecord) *float64 { return r.EPS }
	case fields.EBITDA:
		return func(r metrics.QuarterlyRecord) *float64 { return r.EBITDA }
	case fields.PERatio:
		return func(r metrics.QuarterlyRecord) *float64 { return r.PERatio }
	case fields.PBRatio:
		return func(r metrics.QuarterlyRecord) *float64 { return r.PBRatio }
	case fields.TotalDebt:
		return func(r metrics.QuarterlyRecord) *float64 { return r.TotalDebt }
	case fields.FreeCashFlow:
		return func(r metrics.QuarterlyRecord) *float64 { return r.FreeCashFlow }
	}
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return formatFloat(x)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = formatValue(item)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case nil:
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
