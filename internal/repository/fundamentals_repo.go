package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/algomatic/screener-service/internal/metrics"
)

// DB is the read surface of *pgxpool.Pool used by repositories.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CompanyFundamentals is a ticker's recent quarters with derived aggregates.
type CompanyFundamentals struct {
	Ticker    string                    `json:"ticker"`
	Quarterly []metrics.QuarterlyRecord `json:"quarterly"`
	TTM       *metrics.TTM              `json:"ttm"`
	Trends    *metrics.Trends           `json:"trends"`
	// RevenueCAGR is the compound per-quarter revenue growth, as a fraction.
	RevenueCAGR *float64 `json:"revenue_cagr"`
}

// FundamentalsRepo reads fundamentals_quarterly. It never writes.
type FundamentalsRepo struct {
	db     DB
	logger *slog.Logger
}

// NewFundamentalsRepo creates a new FundamentalsRepo.
func NewFundamentalsRepo(db DB, logger *slog.Logger) *FundamentalsRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &FundamentalsRepo{db: db, logger: logger}
}

const quarterlyColumns = `ticker, period_end, COALESCE(quarter, ''),
	revenue::float8, gross_profit::float8, operating_income::float8, net_income::float8,
	eps::float8, ebitda::float8, pe_ratio::float8, pb_ratio::float8,
	total_debt::float8, free_cash_flow::float8`

// GetQuarterly returns up to limit quarters for one ticker, newest first.
func (r *FundamentalsRepo) GetQuarterly(ctx context.Context, ticker string, limit int) ([]metrics.QuarterlyRecord, error) {
	if limit <= 0 {
		limit = metrics.Lookback
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+quarterlyColumns+`
		 FROM fundamentals_quarterly
		 WHERE ticker = $1
		 ORDER BY period_end DESC
		 LIMIT $2`,
		ticker, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying quarterly fundamentals for %q: %w", ticker, err)
	}
	defer rows.Close()

	var out []metrics.QuarterlyRecord
	for rows.Next() {
		rec, err := scanQuarter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetQuarterlyBatch returns up to limit quarters per ticker, newest first,
// in one round trip. Tickers with no data are absent from the map.
func (r *FundamentalsRepo) GetQuarterlyBatch(ctx context.Context, tickers []string, limit int) (map[string][]metrics.QuarterlyRecord, error) {
	out := make(map[string][]metrics.QuarterlyRecord, len(tickers))
	if len(tickers) == 0 {
		return out, nil
	}
	if limit <= 0 {
		limit = metrics.Lookback
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+quarterlyColumns+`
		 FROM (
		   SELECT *, ROW_NUMBER() OVER (PARTITION BY ticker ORDER BY period_end DESC) AS rn
		   FROM fundamentals_quarterly
		   WHERE ticker = ANY($1)
		 ) recent
		 WHERE rn <= $2
		 ORDER BY ticker, period_end DESC`,
		tickers, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying quarterly fundamentals for %d tickers: %w", len(tickers), err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		rec, err := scanQuarter(rows)
		if err != nil {
			return nil, err
		}
		out[rec.Ticker] = append(out[rec.Ticker], rec)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating quarterly fundamentals: %w", err)
	}

	r.logger.Debug("GetQuarterlyBatch",
		"tickers", len(tickers),
		"with_data", len(out),
		"rows", n,
	)
	return out, nil
}

// CompanyFundamentals loads a ticker's recent quarters and derives TTM and
// trend figures from them. A ticker with no quarters returns empty history
// and nil aggregates.
func (r *FundamentalsRepo) CompanyFundamentals(ctx context.Context, ticker string) (*CompanyFundamentals, error) {
	quarters, err := r.GetQuarterly(ctx, ticker, metrics.Lookback)
	if err != nil {
		return nil, err
	}

	cf := &CompanyFundamentals{Ticker: ticker, Quarterly: quarters}
	if len(quarters) == 0 {
		cf.Quarterly = []metrics.QuarterlyRecord{}
		return cf, nil
	}

	cf.TTM = metrics.ComputeTTM(quarters)
	trends := metrics.ComputeTrends(quarters)
	cf.Trends = &trends
	cf.RevenueCAGR = metrics.RevenueCAGR(quarters)
	return cf, nil
}

func scanQuarter(rows pgx.Rows) (metrics.QuarterlyRecord, error) {
	var q metrics.QuarterlyRecord
	err := rows.Scan(
		&q.Ticker, &q.PeriodEnd, &q.Quarter,
		&q.Revenue, &q.GrossProfit, &q.OperatingIncome, &q.NetIncome,
		&q.EPS, &q.EBITDA, &q.PERatio, &q.PBRatio,
		&q.TotalDebt, &q.FreeCashFlow,
	)
	if err != nil {
		return q, fmt.Errorf("scanning quarterly row: %w", err)
	}
	return q, nil
}
