// Package redisbus publishes and consumes screener events over Redis pub/sub.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrStop ends a subscription cleanly when returned by a Handler.
var ErrStop = errors.New("stop subscription")

// Handler processes an incoming event. Returning ErrStop ends the
// subscription; any other error is logged and the next event is processed.
type Handler func(ctx context.Context, event *Event) error

// Bus publishes events to "<prefix>:<event_type>" channels.
type Bus struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewBus creates a bus over an existing client. The client is shared with
// the result cache and is not closed by the bus.
func NewBus(client redis.UniversalClient, channelPrefix string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if channelPrefix == "" {
		channelPrefix = "screener"
	}
	return &Bus{client: client, prefix: channelPrefix, logger: logger}
}

// HealthCheck pings Redis.
func (b *Bus) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends event to its channel. Having no subscribers is not an error.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event.EventType, err)
	}

	channel := b.ChannelFor(event.EventType)
	receivers, err := b.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}

	b.logger.Debug("Published event",
		"channel", channel,
		"correlation_id", event.CorrelationID,
		"receivers", receivers,
	)
	return nil
}

// Subscribe delivers events of the given types to handler until ctx is done
// or handler returns ErrStop. Malformed messages are logged and dropped.
func (b *Bus) Subscribe(ctx context.Context, handler Handler, eventTypes ...string) error {
	if len(eventTypes) == 0 {
		return errors.New("subscribe: no event types")
	}
	channels := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		channels[i] = b.ChannelFor(t)
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// The first reply confirms the subscription or surfaces a dial error.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", strings.Join(channels, ","), err)
	}
	b.logger.Info("Subscribed to event channels", "channels", channels)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				b.logger.Warn("Subscription closed by server", "channels", channels)
				return nil
			}
			if b.dispatch(ctx, msg.Channel, []byte(msg.Payload), handler) {
				return nil
			}
		}
	}
}

// dispatch decodes one message and runs handler on it. It reports whether
// the handler asked to stop.
func (b *Bus) dispatch(ctx context.Context, channel string, payload []byte, handler Handler) bool {
	event, err := UnmarshalEvent(payload)
	if err != nil {
		b.logger.Error("Dropping malformed event",
			"channel", channel,
			"error", err,
			"payload_preview", truncate(string(payload), 200),
		)
		return false
	}
	if want := b.ChannelFor(event.EventType); want != channel {
		b.logger.Warn("Dropping event published on the wrong channel",
			"channel", channel,
			"event_type", event.EventType,
		)
		return false
	}

	err = handler(ctx, event)
	switch {
	case errors.Is(err, ErrStop):
		return true
	case err != nil:
		b.logger.Error("Event handler failed",
			"event_type", event.EventType,
			"correlation_id", event.CorrelationID,
			"error", err,
		)
	}
	return false
}

// ChannelFor returns the channel events of eventType are published on.
func (b *Bus) ChannelFor(eventType string) string {
	return b.prefix + ":" + eventType
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
