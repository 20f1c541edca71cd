// Package runner executes compiled screener statements against Postgres.
package runner

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/query"
)

// Querier is the subset of *pgxpool.Pool the runner needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Row is one result row keyed by column name. Numeric columns hold float64,
// SQL NULL is nil.
type Row map[string]any

// Float returns a numeric column, or nil when absent or NULL.
func (r Row) Float(name string) *float64 {
	if v, ok := r[name].(float64); ok {
		return &v
	}
	return nil
}

// String returns a text column, or "" when absent or NULL.
func (r Row) String(name string) string {
	s, _ := r[name].(string)
	return s
}

// Options configures a Runner.
type Options struct {
	AcquireTimeout   time.Duration
	StatementTimeout time.Duration
	Logger           *slog.Logger
}

// Runner executes compiled queries through an injected pool.
type Runner struct {
	db      Querier
	timeout time.Duration
	logger  *slog.Logger
}

const (
	defaultAcquireTimeout   = 2 * time.Second
	defaultStatementTimeout = 5 * time.Second
)

// New creates a Runner. Each Run is bounded by AcquireTimeout plus
// StatementTimeout so an exhausted pool fails instead of blocking.
func New(db Querier, opts Options) *Runner {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = defaultStatementTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		db:      db,
		timeout: opts.AcquireTimeout + opts.StatementTimeout,
		logger:  opts.Logger,
	}
}

// Run executes q and returns its rows. Zero matches is an empty, non-nil
// slice. Every failure, including timeouts, is reported as DATABASE_ERROR.
func (r *Runner) Run(ctx context.Context, q query.Compiled) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	rows, err := r.db.Query(ctx, q.Text, q.Values...)
	if err != nil {
		r.logger.Error("Screener query failed", "error", err, "params", len(q.Values))
		return nil, errs.Wrap(errs.DatabaseError, err, "running screener query")
	}
	defer rows.Close()

	descs := rows.FieldDescriptions()
	out := make([]Row, 0)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, errs.Wrap(errs.DatabaseError, err, "reading result row")
		}
		row := make(Row, len(descs))
		for i, fd := range descs {
			if i < len(vals) {
				row[fd.Name] = normalize(vals[i])
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("Screener query failed while reading rows", "error", err)
		return nil, errs.Wrap(errs.DatabaseError, err, "reading screener results")
	}

	r.logger.Debug("Screener query executed",
		"rows", len(out),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func normalize(v any) any {
	switch n := v.(type) {
	case pgtype.Numeric:
		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return finite(f.Float64)
	case float64:
		return finite(n)
	case float32:
		return finite(float64(n))
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case int16:
		return float64(n)
	}
	return v
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
