package alerts

import (
	"context"
	"log/slog"

	"github.com/algomatic/screener-service/internal/redisbus"
)

// Publisher sends events. *redisbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event *redisbus.Event) error
}

// BusNotifier publishes alert outcomes on the event bus.
type BusNotifier struct {
	pub    Publisher
	source string
}

// NewBusNotifier creates a notifier that stamps events with source.
func NewBusNotifier(pub Publisher, source string) *BusNotifier {
	if source == "" {
		source = "screener-service"
	}
	return &BusNotifier{pub: pub, source: source}
}

func (b *BusNotifier) Notify(ctx context.Context, n Notification) error {
	ev, err := redisbus.NewEvent(redisbus.EventAlertTriggered, b.source, n.InvocationID, n)
	if err != nil {
		return err
	}
	return b.pub.Publish(ctx, ev)
}

func (b *BusNotifier) NotifySkipped(ctx context.Context, s Skip) error {
	ev, err := redisbus.NewEvent(redisbus.EventAlertSkipped, b.source, s.AlertID, s)
	if err != nil {
		return err
	}
	return b.pub.Publish(ctx, ev)
}

// LogNotifier only logs. It is used when no bus is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info("Alert triggered",
		"alert_id", n.AlertID,
		"window", n.Window,
		"matches", n.Matches,
		"invocation_id", n.InvocationID,
		"stale", n.Stale,
	)
	return nil
}

func (l *LogNotifier) NotifySkipped(_ context.Context, s Skip) error {
	l.logger.Warn("Alert tick skipped, previous evaluation still running",
		"alert_id", s.AlertID,
		"window", s.Window,
		"skipped_total", s.Skipped,
	)
	return nil
}
