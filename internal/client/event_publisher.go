package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Quarantine event topics, published as NATS subjects verbatim.
const (
	TopicQuarantineCreated          = "quarantine.created"
	TopicQuarantineReleased         = "quarantine.released"
	TopicQuarantineThresholdReached = "quarantine.threshold-reached"
)

// EventPublisher publishes quarantine lifecycle events to NATS for
// consumption by the automation bus.
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so event delivery failures never interrupt
// ledger operations. A nil connection disables publishing entirely.
type EventPublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Event is the JSON envelope published to NATS.
type Event struct {
	ID         string                 `json:"id"`
	Topic      string                 `json:"topic"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload"`
}

// NewEventPublisher creates a publisher backed by the given NATS connection.
func NewEventPublisher(nc *nats.Conn, log zerolog.Logger) *EventPublisher {
	return &EventPublisher{nc: nc, log: log}
}

// Publish sends one event on the topic's subject, best-effort.
func (p *EventPublisher) Publish(ctx context.Context, topic string, payload map[string]interface{}) {
	if p.nc == nil {
		return
	}

	event := &Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("events: failed to marshal event")
		return
	}

	if err := p.nc.Publish(topic, data); err != nil {
		p.log.Warn().Err(err).
			Str("topic", topic).
			Str("event_id", event.ID).
			Msg("events: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("topic", topic).
		Str("event_id", event.ID).
		Msg("events: event published")
}
