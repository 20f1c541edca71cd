package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// ErrBusy is returned when a rule's slot already has an evaluation running.
var ErrBusy = errors.New("alert evaluation already in flight")

// ErrUnknownRule is returned for rule ids the scheduler does not hold.
var ErrUnknownRule = errors.New("unknown alert rule")

// Options configures a Scheduler.
type Options struct {
	// TickTimeout bounds a single scheduled evaluation. Zero means no bound
	// beyond the screener's own statement timeout.
	TickTimeout time.Duration
	Logger      *slog.Logger
}

// RunResult reports one rule's evaluation from RunAll.
type RunResult struct {
	AlertID string
	Outcome *Outcome
	Err     error
}

// Scheduler fires each enabled rule on its cron schedule. Evaluations are
// serialized per (alert id, window) by a Guard: a tick that finds its slot
// busy is skipped, reported, and never queued.
type Scheduler struct {
	cron      *cron.Cron
	evaluator *Evaluator
	notifier  Notifier
	guard     *Guard
	rules     map[string]Rule
	order     []string
	timeout   time.Duration
	logger    *slog.Logger

	// ctx is cancelled by Stop so running ticks abandon their queries.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers a cron job for every enabled rule.
func NewScheduler(rules []Rule, evaluator *Evaluator, opts Options) (*Scheduler, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      cron.New(cron.WithParser(cronParser)),
		evaluator: evaluator,
		notifier:  evaluator.notifier,
		guard:     NewGuard(),
		rules:     make(map[string]Rule, len(rules)),
		timeout:   opts.TickTimeout,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, r := range rules {
		s.rules[r.ID] = r
		s.order = append(s.order, r.ID)
		if r.Disabled {
			s.logger.Info("Alert rule disabled", "alert_id", r.ID)
			continue
		}

		if _, err := s.cron.AddFunc(r.Schedule, func() { s.tick(r) }); err != nil {
			cancel()
			return nil, fmt.Errorf("scheduling alert %s: %w", r.ID, err)
		}
		s.logger.Info("Alert rule registered",
			"alert_id", r.ID,
			"schedule", r.Schedule,
			"window", r.Key().Window,
		)
	}
	return s, nil
}

// Guard exposes the in-flight guard for inspection.
func (s *Scheduler) Guard() *Guard {
	return s.guard
}

// Start begins firing scheduled ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Alert scheduler started", "rules", len(s.order))
}

// Stop halts scheduling, cancels running ticks and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Alert scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for alert evaluations: %w", ctx.Err())
	}
}

func (s *Scheduler) tick(rule Rule) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err := s.evaluate(ctx, rule)
	switch {
	case errors.Is(err, ErrBusy):
	case err != nil:
		s.logger.Error("Alert evaluation failed", "alert_id", rule.ID, "error", err)
	default:
		s.logger.Debug("Alert tick finished",
			"alert_id", rule.ID,
			"matches", out.Matches,
			"triggered", out.Triggered,
		)
	}
}

// evaluate runs rule under the guard.
func (s *Scheduler) evaluate(ctx context.Context, rule Rule) (*Outcome, error) {
	key := rule.Key()
	release, ok := s.guard.TryAcquire(key)
	if !ok {
		skip := Skip{
			AlertID:   key.AlertID,
			Window:    key.Window,
			Skipped:   s.guard.Skipped(key),
			SkippedAt: time.Now().UTC(),
		}
		if err := s.notifier.NotifySkipped(ctx, skip); err != nil {
			s.logger.Warn("Failed to report skipped tick", "alert_id", rule.ID, "error", err)
		}
		return nil, fmt.Errorf("alert %s: %w", key, ErrBusy)
	}
	defer release()

	return s.evaluator.Evaluate(ctx, rule)
}

// EvaluateNow runs one rule immediately, outside its schedule. It respects
// the guard, so it fails with ErrBusy while a tick for the same slot runs.
func (s *Scheduler) EvaluateNow(ctx context.Context, ruleID string) (*Outcome, error) {
	rule, ok := s.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, ruleID)
	}
	return s.evaluate(ctx, rule)
}

// RunAll evaluates every enabled rule once with at most parallelism
// evaluations in flight. Individual failures are reported per rule.
func (s *Scheduler) RunAll(ctx context.Context, parallelism int) []RunResult {
	if parallelism <= 0 {
		parallelism = 1
	}

	var ids []string
	for _, id := range s.order {
		if !s.rules[id].Disabled {
			ids = append(ids, id)
		}
	}

	results := make([]RunResult, len(ids))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, id := range ids {
		g.Go(func() error {
			out, err := s.evaluate(ctx, s.rules[id])
			results[i] = RunResult{AlertID: id, Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Evaluated all alert rules", "rules", len(ids), "parallelism", parallelism)
	return results
}
