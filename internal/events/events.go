// Package events is the in-process observer bus for lifecycle and
// coordination events. Sinks (NATS, websocket) subscribe to it.
package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

type Type string

const (
	AgentSpawned          Type = "agent_spawned"
	AgentInitialized      Type = "agent_initialized"
	AgentInitFailed       Type = "agent_initialization_failed"
	AgentStateChanged     Type = "agent_state_changed"
	AgentActivity         Type = "agent_activity"
	LearningCompleted     Type = "learning_completed"
	LearningFailed        Type = "learning_failed"
	EvolutionCompleted    Type = "evolution_completed"
	EvolutionFailed       Type = "evolution_failed"
	OptimizationCompleted Type = "optimization_completed"
	OptimizationFailed    Type = "optimization_failed"
	AgentHibernated       Type = "agent_hibernated"
	HibernationFailed     Type = "hibernation_failed"
	AgentAwakened         Type = "agent_awakened"
	WakeFailed            Type = "wake_failed"
	AgentRetired          Type = "agent_retired"
	RetirementFailed      Type = "retirement_failed"
	AgentTerminated       Type = "agent_terminated"
	TerminationFailed     Type = "termination_failed"
	AutoScaledUp          Type = "auto_scaled_up"
	AutoScaledDown        Type = "auto_scaled_down"
	ResourceMetrics       Type = "resource_metrics"
	AgentExpired          Type = "agent_expired"

	ProtocolGenerated   Type = "protocol_generated"
	ProtocolActivated   Type = "protocol_activated"
	ProtocolInvalidated Type = "protocol_invalidated"
	ProtocolExpired     Type = "protocol_expired"
	SyncPointCompleted  Type = "sync_point_completed"
	SyncPointTimedOut   Type = "sync_point_timed_out"
	AgentUnresponsive   Type = "agent_unresponsive"
	MessageDropped      Type = "message_dropped"
	ConflictDetected    Type = "conflict_detected"
	ConflictResolved    Type = "conflict_resolved"
	ConflictEscalated   Type = "conflict_escalated"
)

type Event struct {
	Type       Type           `json:"type"`
	AgentID    string         `json:"agent_id,omitempty"`
	ProtocolID string         `json:"protocol_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

type Handler func(Event)

// Publisher is what emitting components depend on.
type Publisher interface {
	Publish(Event)
}

type subscription struct {
	id      uint64
	types   []Type
	handler Handler
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus delivers events synchronously, in publish order, to every matching
// subscriber. Events published for one agent are serialized by the
// lifecycle engine, so per-agent order is preserved end to end.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers handler for the given types (all types when none
// are given) and returns a function that removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, types: types, handler: handler}
	b.subs = append(b.subs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s.id == sub.id })
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.wants(e.Type) {
			deliver(s, e)
		}
	}
}

func deliver(s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", e.Type, "panic", r)
		}
	}()
	s.handler(e)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
