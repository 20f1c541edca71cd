package screener

import (
	"context"
	"errors"
	"log/slog"

	"github.com/algomatic/screener-service/internal/cache"
	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/enricher"
	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/query"
	"github.com/algomatic/screener-service/internal/runtracker"
)

// ResultStore keeps the last good results per compiled query.
// *cache.ResultCache satisfies it.
type ResultStore interface {
	Get(ctx context.Context, q query.Compiled) (*cache.Entry, error)
	Put(ctx context.Context, q query.Compiled, results []enricher.Result) error
}

// CachedService serves the last cached results, flagged stale, when the
// store is unavailable. Every other failure is returned unchanged.
type CachedService struct {
	svc    *Service
	store  ResultStore
	logger *slog.Logger
}

// NewCachedService wraps svc with a stale-result fallback.
func NewCachedService(svc *Service, store ResultStore, logger *slog.Logger) *CachedService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedService{svc: svc, store: store, logger: logger}
}

// Tracker exposes the wrapped service's invocation tracker.
func (c *CachedService) Tracker() *runtracker.Tracker {
	return c.svc.Tracker()
}

// Screen parses raw DSL and runs it with the stale fallback.
func (c *CachedService) Screen(ctx context.Context, raw []byte) (*Response, error) {
	req, err := dsl.Parse(raw)
	if err != nil {
		// Let the service record the failed invocation.
		return c.svc.Screen(ctx, raw)
	}
	return c.ScreenRequest(ctx, req)
}

// ScreenRequest runs req with the stale fallback.
func (c *CachedService) ScreenRequest(ctx context.Context, req dsl.Request) (*Response, error) {
	resp, err := c.svc.ScreenRequest(ctx, req)
	if err != nil && !errs.Is(err, errs.DatabaseError) {
		return nil, err
	}

	_, q, perr := Prepare(req)
	if perr != nil {
		return resp, err
	}

	if err == nil {
		if perr := c.store.Put(ctx, q, resp.Results); perr != nil {
			c.logger.Warn("Failed to cache screen results",
				"invocation_id", resp.InvocationID,
				"error", perr,
			)
		}
		return resp, nil
	}

	entry, cerr := c.store.Get(ctx, q)
	if cerr != nil {
		if !errors.Is(cerr, cache.ErrMiss) {
			c.logger.Warn("Stale cache lookup failed", "error", cerr)
		}
		return nil, err
	}

	id := InvocationIDOf(err)
	asOf := entry.StoredAt
	c.logger.Warn("Serving stale results",
		"invocation_id", id,
		"results", len(entry.Results),
		"as_of", asOf,
	)
	results := entry.Results
	if results == nil {
		results = []enricher.Result{}
	}
	return &Response{
		InvocationID: id,
		Results:      results,
		Count:        len(results),
		Stale:        true,
		StaleAsOf:    &asOf,
	}, nil
}
