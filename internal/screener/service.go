// Package screener runs a DSL request through validation, compilation,
// execution and enrichment while tracking the invocation's lifecycle.
package screener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/enricher"
	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/query"
	"github.com/algomatic/screener-service/internal/runner"
	"github.com/algomatic/screener-service/internal/runtracker"
	"github.com/algomatic/screener-service/internal/tracing"
)

// Executor runs a compiled statement. *runner.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, q query.Compiled) ([]runner.Row, error)
}

// Enricher annotates raw rows. *enricher.Enricher satisfies it.
type Enricher interface {
	Enrich(ctx context.Context, v dsl.Validated, rows []runner.Row) []enricher.Result
}

// Response is the outcome of one screen.
type Response struct {
	InvocationID string            `json:"invocation_id"`
	Results      []enricher.Result `json:"results"`
	Count        int               `json:"count"`
	Stale        bool              `json:"stale"`
	StaleAsOf    *time.Time        `json:"stale_as_of,omitempty"`
}

// InvocationError ties a pipeline failure to its tracked invocation.
type InvocationError struct {
	InvocationID string
	Err          error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation %s: %v", e.InvocationID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// InvocationIDOf returns the invocation id carried by err, if any.
func InvocationIDOf(err error) string {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.InvocationID
	}
	return ""
}

// Service is the screener pipeline. It holds no per-request state; every
// call is independent and safe for concurrent use.
type Service struct {
	exec     Executor
	enricher Enricher
	tracker  *runtracker.Tracker
	logger   *slog.Logger
}

// NewService wires the pipeline stages. tracker may be nil, in which case a
// private tracker with default retention is used.
func NewService(exec Executor, enr Enricher, tracker *runtracker.Tracker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = runtracker.NewTracker(logger, 0)
	}
	return &Service{exec: exec, enricher: enr, tracker: tracker, logger: logger}
}

// Tracker exposes the invocation tracker for status lookups.
func (s *Service) Tracker() *runtracker.Tracker {
	return s.tracker
}

// Screen parses raw DSL JSON (canonical or legacy form) and runs it.
func (s *Service) Screen(ctx context.Context, raw []byte) (*Response, error) {
	return s.execute(ctx, func() (dsl.Request, error) { return dsl.Parse(raw) })
}

// ScreenRequest runs an already decoded request.
func (s *Service) ScreenRequest(ctx context.Context, req dsl.Request) (*Response, error) {
	return s.execute(ctx, func() (dsl.Request, error) { return req, nil })
}

// Prepare validates and compiles a request without executing it.
func Prepare(req dsl.Request) (dsl.Validated, query.Compiled, error) {
	v, err := dsl.Validate(req)
	if err != nil {
		return dsl.Validated{}, query.Compiled{}, err
	}
	q, err := query.Compile(v)
	if err != nil {
		return dsl.Validated{}, query.Compiled{}, err
	}
	return v, q, nil
}

func (s *Service) execute(ctx context.Context, decode func() (dsl.Request, error)) (*Response, error) {
	id := s.tracker.Start()
	ctx, span := tracing.StartSpan(ctx, "screener.Screen", attribute.String("invocation_id", id))
	defer span.End()

	logger := s.logger.With("invocation_id", id)
	logger = logger.With(tracing.LogAttrs(ctx)...)
	start := time.Now()

	fail := func(err error) (*Response, error) {
		code := errs.CodeOf(err)
		if code == "" {
			code = errs.DatabaseError
			err = errs.Wrap(code, err, "screener pipeline")
		}
		s.tracker.Fail(id, code, err.Error())
		tracing.Fail(span, err)
		span.SetAttributes(attribute.String("error_code", string(code)))
		return nil, &InvocationError{InvocationID: id, Err: err}
	}

	req, err := decode()
	if err != nil {
		return fail(err)
	}

	v, err := stage(ctx, logger, "validate", func(context.Context) (dsl.Validated, error) {
		return dsl.Validate(req)
	})
	if err != nil {
		return fail(err)
	}
	s.advance(logger, id, runtracker.Validated)

	q, err := stage(ctx, logger, "compile", func(context.Context) (query.Compiled, error) {
		return query.Compile(v)
	})
	if err != nil {
		return fail(err)
	}
	s.advance(logger, id, runtracker.Compiled)

	rows, err := stage(ctx, logger, "execute", func(ctx context.Context) ([]runner.Row, error) {
		return s.exec.Run(ctx, q)
	})
	if err != nil {
		return fail(err)
	}
	s.advance(logger, id, runtracker.Executed)

	results, _ := stage(ctx, logger, "enrich", func(ctx context.Context) ([]enricher.Result, error) {
		return s.enricher.Enrich(ctx, v, rows), nil
	})
	s.advance(logger, id, runtracker.Enriched)

	if err := s.tracker.Complete(id, len(results)); err != nil {
		logger.Warn("Tracker rejected completion", "error", err)
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	logger.Info("Screen completed",
		"results", len(results),
		"conditions", len(v.Conditions()),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Response{InvocationID: id, Results: results, Count: len(results)}, nil
}

func (s *Service) advance(logger *slog.Logger, id string, to runtracker.State) {
	if err := s.tracker.Advance(id, to); err != nil {
		logger.Warn("Tracker rejected transition", "state", to, "error", err)
	}
}

// stage runs one pipeline step inside its own span and logs its duration.
func stage[T any](ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracing.StartSpan(ctx, "screener."+name)
	defer span.End()

	start := time.Now()
	out, err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		tracing.Fail(span, err)
		logger.Debug("Stage failed", "stage", name, "duration_ms", elapsed.Milliseconds(), "error", err)
		return out, err
	}
	logger.Debug("Stage finished", "stage", name, "duration_ms", elapsed.Milliseconds())
	return out, nil
}
