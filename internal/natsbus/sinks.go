package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hivemind/internal/coordination"
	"github.com/mtzanidakis/hivemind/internal/events"
)

// EventPublisher forwards bus events to NATS subjects. It subscribes to
// an events.Bus and never blocks the publishing component: NATS buffers
// outbound messages.
type EventPublisher struct {
	client  *Client
	swarmID string
}

func NewEventPublisher(client *Client, swarmID string) *EventPublisher {
	return &EventPublisher{client: client, swarmID: swarmID}
}

func (p *EventPublisher) Publish(e events.Event) {
	topic := p.topic(e)
	if err := p.client.PublishJSON(topic, e); err != nil {
		slog.Warn("publish event to nats", "type", e.Type, "topic", topic, "error", err)
	}
}

func (p *EventPublisher) topic(e events.Event) string {
	switch e.Type {
	case events.ConflictDetected, events.ConflictResolved, events.ConflictEscalated:
		return TopicConflictEvents(e.ProtocolID)
	}
	switch {
	case e.AgentID != "":
		return TopicAgentEvents(e.AgentID)
	case e.ProtocolID != "":
		return TopicProtocolEvents(e.ProtocolID)
	default:
		return TopicSwarmEvents(p.swarmID)
	}
}

// Attach subscribes the publisher to bus and returns the unsubscribe
// function.
func (p *EventPublisher) Attach(bus *events.Bus) func() {
	return bus.Subscribe(p.Publish)
}

// Relay mirrors activation envelopes onto per-recipient subjects so
// out-of-process agents can consume them.
type Relay struct {
	client *Client
}

func NewRelay(client *Client) *Relay {
	return &Relay{client: client}
}

func (r *Relay) Mirror(env coordination.Envelope) error {
	if err := r.client.PublishJSON(TopicProtocolMessage(env.ProtocolID, env.To), env); err != nil {
		return fmt.Errorf("mirror envelope %s: %w", env.ID, err)
	}
	return nil
}

// SubscribeEvents decodes events published under topic and hands them
// to handler.
func (c *Client) SubscribeEvents(topic string, handler func(events.Event)) (*nats.Subscription, error) {
	return c.Subscribe(topic, func(msg *nats.Msg) {
		var e events.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			slog.Warn("decode nats event", "subject", msg.Subject, "error", err)
			return
		}
		handler(e)
	})
}
