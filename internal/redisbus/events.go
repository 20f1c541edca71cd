package redisbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types published by the alert scheduler.
const (
	EventAlertTriggered = "alert_triggered"
	EventAlertSkipped   = "alert_skipped"
)

// Event is one message on the bus. Payload is kept raw so subscribers can
// decode it into their own types.
type Event struct {
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
}

// NewEvent encodes payload and stamps the event with the current UTC time.
func NewEvent(eventType, source, correlationID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}
	return &Event{
		EventType:     eventType,
		Payload:       data,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}, nil
}

// Marshal serializes the event to its JSON wire form.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.EventType, err)
	}
	return nil
}

// UnmarshalEvent parses an event from its wire form.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshalling event JSON: %w", err)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("event has no event_type")
	}
	return &e, nil
}
