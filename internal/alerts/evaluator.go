package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/screener"
)

// Screener runs one screen. *screener.Service and *screener.CachedService
// satisfy it.
type Screener interface {
	ScreenRequest(ctx context.Context, req dsl.Request) (*screener.Response, error)
}

// Notification is emitted when a rule's match count reaches its threshold.
type Notification struct {
	AlertID      string    `json:"alert_id"`
	AlertName    string    `json:"alert_name,omitempty"`
	Window       string    `json:"window"`
	InvocationID string    `json:"invocation_id"`
	Matches      int       `json:"matches"`
	Tickers      []string  `json:"tickers"`
	Stale        bool      `json:"stale"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Skip describes a tick rejected because its slot was still busy.
type Skip struct {
	AlertID   string    `json:"alert_id"`
	Window    string    `json:"window"`
	Skipped   int       `json:"skipped_total"`
	SkippedAt time.Time `json:"skipped_at"`
}

// Notifier delivers alert outcomes.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	NotifySkipped(ctx context.Context, s Skip) error
}

// Outcome is the result of evaluating one rule once.
type Outcome struct {
	AlertID      string
	InvocationID string
	Matches      int
	Triggered    bool
	Stale        bool
}

// Evaluator runs a rule's screen and notifies when it triggers.
type Evaluator struct {
	screener Screener
	notifier Notifier
	logger   *slog.Logger
}

// NewEvaluator creates an Evaluator. notifier may be nil to only log.
func NewEvaluator(s Screener, notifier Notifier, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Evaluator{screener: s, notifier: notifier, logger: logger}
}

// Evaluate runs rule once. A notification failure is returned but the
// outcome is still reported.
func (e *Evaluator) Evaluate(ctx context.Context, rule Rule) (*Outcome, error) {
	resp, err := e.screener.ScreenRequest(ctx, rule.Request)
	if err != nil {
		return nil, fmt.Errorf("evaluating alert %s: %w", rule.ID, err)
	}

	out := &Outcome{
		AlertID:      rule.ID,
		InvocationID: resp.InvocationID,
		Matches:      resp.Count,
		Stale:        resp.Stale,
		Triggered:    resp.Count >= rule.Threshold(),
	}

	e.logger.Debug("Alert evaluated",
		"alert_id", rule.ID,
		"matches", out.Matches,
		"threshold", rule.Threshold(),
		"triggered", out.Triggered,
		"stale", out.Stale,
	)
	if !out.Triggered {
		return out, nil
	}

	tickers := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		if t := r.Row.String("ticker"); t != "" {
			tickers = append(tickers, t)
		}
	}

	n := Notification{
		AlertID:      rule.ID,
		AlertName:    rule.Name,
		Window:       rule.Key().Window,
		InvocationID: resp.InvocationID,
		Matches:      resp.Count,
		Tickers:      tickers,
		Stale:        resp.Stale,
		EvaluatedAt:  time.Now().UTC(),
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return out, fmt.Errorf("notifying alert %s: %w", rule.ID, err)
	}
	return out, nil
}
