package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hivemind/internal/events"
)

// Overflow policies of activation channels.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowBlock      = "block"
)

// Handler receives messages delivered synchronously on immediate-QoS
// channels.
type Handler func(ctx context.Context, env Envelope) error

// Relay mirrors routed envelopes to an external transport.
type Relay interface {
	Mirror(env Envelope) error
}

type ActivationMetrics struct {
	MessagesExchanged   int64 `json:"messages_exchanged"`
	MessagesDropped     int64 `json:"messages_dropped"`
	SyncPointsReached   int64 `json:"sync_points_reached"`
	SyncPointsCompleted int64 `json:"sync_points_completed"`
	ConflictsDetected   int64 `json:"conflicts_detected"`
	ConflictsResolved   int64 `json:"conflicts_resolved"`
	ConflictsEscalated  int64 `json:"conflicts_escalated"`
}

type channelKey struct{ from, to string }

type channel struct {
	edge  Edge
	queue chan Envelope
}

type syncState struct {
	point     SyncPoint
	required  map[string]bool
	reached   map[string]bool
	round     int
	completed bool
	done      chan struct{}
	deadline  time.Time
	retried   bool
}

// SyncProgress is a snapshot of one sync point.
type SyncProgress struct {
	ID        string    `json:"id"`
	Round     int       `json:"round"`
	Reached   []string  `json:"reached"`
	Waiting   []string  `json:"waiting"`
	Completed bool      `json:"completed"`
	Deadline  time.Time `json:"deadline"`
}

// TimeoutResult describes a fallback applied to an overdue sync point.
type TimeoutResult struct {
	Activation string   `json:"activation"`
	SyncPoint  string   `json:"sync_point"`
	Fallback   Fallback `json:"fallback"`
	Action     string   `json:"action"`
	Missing    []string `json:"missing,omitempty"`
	Winner     string   `json:"winner,omitempty"`
}

// Activation is the runtime of a protocol over a concrete agent subset:
// bounded channels along topology edges, sync point progress and the
// inputs of conflict detection.
type Activation struct {
	ID       string
	protocol *Protocol

	overflow   string
	capacity   int
	events     events.Publisher
	relay      Relay
	now        func() time.Time
	spawnTimes func(id string) (time.Time, bool)

	members  map[string]bool
	critical map[string]bool
	order    map[string]int

	mu        sync.Mutex
	channels  map[channelKey]*channel
	handlers  map[string]Handler
	syncs     map[string]*syncState
	resources map[string]*resourceState
	waits     map[string]map[string]bool
	outputs   map[string]*outputState
	tasks     map[string][]claimant
	escalated map[string]bool
	seq       uint64
	metrics   ActivationMetrics
	outbox    []events.Event
	closed    bool
	done      chan struct{}
}

type activationOptions struct {
	overflow   string
	capacity   int
	events     events.Publisher
	relay      Relay
	now        func() time.Time
	spawnTimes func(string) (time.Time, bool)
}

func newActivation(p *Protocol, subset []string, opts activationOptions) *Activation {
	a := &Activation{
		ID:         uuid.NewString(),
		protocol:   p,
		overflow:   opts.overflow,
		capacity:   max(opts.capacity, 1),
		events:     opts.events,
		relay:      opts.relay,
		now:        opts.now,
		spawnTimes: opts.spawnTimes,
		members:    make(map[string]bool, len(subset)),
		critical:   make(map[string]bool),
		order:      make(map[string]int, len(p.Agents)),
		channels:   make(map[channelKey]*channel),
		handlers:   make(map[string]Handler),
		syncs:      make(map[string]*syncState),
		resources:  make(map[string]*resourceState),
		waits:      make(map[string]map[string]bool),
		outputs:    make(map[string]*outputState),
		tasks:      make(map[string][]claimant),
		escalated:  make(map[string]bool),
		done:       make(chan struct{}),
	}
	if a.events == nil {
		a.events = events.Discard{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	for _, id := range subset {
		a.members[id] = true
	}
	for i, id := range p.Agents {
		a.order[id] = i
	}
	for _, id := range p.CriticalAgents {
		if a.members[id] {
			a.critical[id] = true
		}
	}

	for _, e := range p.Topology.Edges {
		if a.members[e.From] && a.members[e.To] {
			a.channels[channelKey{e.From, e.To}] = &channel{edge: e, queue: make(chan Envelope, a.capacity)}
		}
	}

	now := a.now()
	for _, sp := range p.SyncPoints {
		st := &syncState{
			point:    sp,
			required: make(map[string]bool),
			reached:  make(map[string]bool),
			done:     make(chan struct{}),
			deadline: now.Add(sp.Interval + sp.Timeout),
		}
		for _, id := range sp.Participants {
			if a.members[id] {
				st.required[id] = true
			}
		}
		if len(st.required) == 0 {
			continue
		}
		a.syncs[sp.ID] = st
	}
	return a
}

func (a *Activation) Protocol() *Protocol { return a.protocol }

// Members returns the agents of the activation, sorted.
func (a *Activation) Members() []string {
	return sortedKeys(a.members)
}

// Channels returns the edges that have a channel in this activation.
func (a *Activation) Channels() []Edge {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Edge, 0, len(a.channels))
	for _, ch := range a.channels {
		out = append(out, ch.edge)
	}
	slices.SortFunc(out, func(x, y Edge) int {
		if x.From != y.From {
			if x.From < y.From {
				return -1
			}
			return 1
		}
		if x.To < y.To {
			return -1
		}
		if x.To > y.To {
			return 1
		}
		return 0
	})
	return out
}

// Handle registers the synchronous handler of agentID.
func (a *Activation) Handle(agentID string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[agentID] = h
}

// Send routes payload from -> to. Immediate-QoS edges with a registered
// recipient handler deliver synchronously; all other messages are queued.
// Under the block policy a full queue makes Send wait for space or ctx.
func (a *Activation) Send(ctx context.Context, from, to string, payload any) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrActivationClosed
	}
	ch, ok := a.channels[channelKey{from, to}]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrChannelNotFound, from, to)
	}
	h := a.handlers[to]
	a.mu.Unlock()

	env := Envelope{
		ID:         uuid.NewString(),
		ProtocolID: a.protocol.ID,
		From:       from,
		To:         to,
		Kind:       ch.edge.Kind,
		Payload:    payload,
		SentAt:     a.now().UTC(),
	}

	var err error
	if ch.edge.Kind.Immediate() && h != nil {
		err = h(ctx, env)
	} else {
		err = a.enqueue(ctx, ch, env)
	}
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.metrics.MessagesExchanged++
	a.mu.Unlock()

	if a.relay != nil {
		if rerr := a.relay.Mirror(env); rerr != nil {
			slog.Warn("relay mirror failed", "protocol", a.protocol.ID, "error", rerr)
		}
	}
	return nil
}

func (a *Activation) enqueue(ctx context.Context, ch *channel, env Envelope) error {
	if a.overflow == OverflowBlock {
		select {
		case ch.queue <- env:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return ErrActivationClosed
		}
	}

	for {
		select {
		case ch.queue <- env:
			return nil
		default:
		}
		select {
		case old := <-ch.queue:
			a.dropped(old)
		default:
		}
	}
}

func (a *Activation) dropped(env Envelope) {
	a.mu.Lock()
	a.metrics.MessagesDropped++
	a.queue(events.MessageDropped, "", map[string]any{
		"activation": a.ID,
		"message":    env.ID,
		"from":       env.From,
		"to":         env.To,
	})
	out := a.takeOutbox()
	a.mu.Unlock()
	a.publish(out)
}

// Receive returns the next queued message on from -> to, waiting until
// one arrives, ctx is done or the activation closes.
func (a *Activation) Receive(ctx context.Context, from, to string) (Envelope, error) {
	a.mu.Lock()
	ch, ok := a.channels[channelKey{from, to}]
	a.mu.Unlock()
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s -> %s", ErrChannelNotFound, from, to)
	}

	select {
	case env := <-ch.queue:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-a.done:
		select {
		case env := <-ch.queue:
			return env, nil
		default:
			return Envelope{}, ErrActivationClosed
		}
	}
}

// Pending returns the number of queued messages on from -> to.
func (a *Activation) Pending(from, to string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.channels[channelKey{from, to}]; ok {
		return len(ch.queue)
	}
	return 0
}

// ReachSyncPoint records that agentID reached sync point id. It returns
// true for the call that completes the point; once completed, further
// arrivals are no-ops.
func (a *Activation) ReachSyncPoint(id, agentID string) (bool, error) {
	a.mu.Lock()
	completed, err := a.reachLocked(id, agentID)
	out := a.takeOutbox()
	a.mu.Unlock()
	a.publish(out)
	return completed, err
}

func (a *Activation) reachLocked(id, agentID string) (bool, error) {
	if a.closed {
		return false, ErrActivationClosed
	}
	st, ok := a.syncs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSyncPointNotFound, id)
	}
	if !st.required[agentID] {
		return false, fmt.Errorf("%w: %s at %s", ErrNotParticipant, agentID, id)
	}
	if st.completed || st.reached[agentID] {
		return false, nil
	}

	st.reached[agentID] = true
	a.metrics.SyncPointsReached++
	if len(st.reached) < len(st.required) {
		return false, nil
	}
	a.completeLocked(st, nil)
	return true, nil
}

// completeLocked closes the current round of st. Recurring points start
// a new round immediately.
func (a *Activation) completeLocked(st *syncState, missing []string) {
	st.completed = true
	close(st.done)
	a.metrics.SyncPointsCompleted++
	a.queue(events.SyncPointCompleted, "", map[string]any{
		"activation": a.ID,
		"sync_point": st.point.ID,
		"round":      st.round,
		"reached":    sortedKeys(st.reached),
		"missing":    missing,
	})
	if st.point.Interval > 0 {
		a.rearmLocked(st)
	}
}

func (a *Activation) rearmLocked(st *syncState) {
	if !st.completed {
		close(st.done)
	}
	st.round++
	st.completed = false
	st.retried = false
	st.reached = make(map[string]bool)
	st.done = make(chan struct{})
	st.deadline = a.now().Add(st.point.Interval + st.point.Timeout)
}

// Wait returns a channel closed when the current round of sync point id
// completes or the activation closes.
func (a *Activation) Wait(id string) (<-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.syncs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSyncPointNotFound, id)
	}
	return st.done, nil
}

func (a *Activation) SyncProgress(id string) (SyncProgress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.syncs[id]
	if !ok {
		return SyncProgress{}, fmt.Errorf("%w: %s", ErrSyncPointNotFound, id)
	}
	return st.progress(), nil
}

// SyncPoints returns the progress of every sync point, sorted by id.
func (a *Activation) SyncPoints() []SyncProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SyncProgress, 0, len(a.syncs))
	for _, id := range sortedKeys(a.syncs) {
		out = append(out, a.syncs[id].progress())
	}
	return out
}

func (st *syncState) progress() SyncProgress {
	p := SyncProgress{
		ID:        st.point.ID,
		Round:     st.round,
		Reached:   sortedKeys(st.reached),
		Completed: st.completed,
		Deadline:  st.deadline,
	}
	for _, id := range sortedKeys(st.required) {
		if !st.reached[id] {
			p.Waiting = append(p.Waiting, id)
		}
	}
	return p
}

// CheckTimeouts applies the fallback of every sync point whose round is
// overdue at now.
func (a *Activation) CheckTimeouts(now time.Time) []TimeoutResult {
	a.mu.Lock()
	var results []TimeoutResult
	if !a.closed {
		for _, id := range sortedKeys(a.syncs) {
			st := a.syncs[id]
			if st.completed || !now.After(st.deadline) {
				continue
			}
			results = append(results, a.timeoutLocked(st, now))
		}
	}
	out := a.takeOutbox()
	a.mu.Unlock()
	a.publish(out)
	return results
}

func (a *Activation) timeoutLocked(st *syncState, now time.Time) TimeoutResult {
	var missing []string
	for _, id := range sortedKeys(st.required) {
		if !st.reached[id] {
			missing = append(missing, id)
		}
	}
	res := TimeoutResult{Activation: a.ID, SyncPoint: st.point.ID, Fallback: st.point.Fallback, Missing: missing}

	switch st.point.Fallback {
	case FallbackWaitAndRetry:
		if !st.retried {
			st.retried = true
			st.deadline = now.Add(st.point.Timeout)
			res.Action = "retry"
		} else {
			res.Action = "abandoned"
			a.completeLocked(st, missing)
		}
	case FallbackPriorityAllocation:
		candidates := sortedKeys(st.reached)
		if len(candidates) == 0 {
			candidates = sortedKeys(st.required)
		}
		res.Winner = a.rankLocked(candidates, st.point.Resource)[0]
		res.Action = "allocated"
		if st.point.Resource != "" {
			a.grantLocked(st.point.Resource, res.Winner)
		}
		a.completeLocked(st, missing)
	case FallbackMarkUnresponsive:
		res.Action = "marked_unresponsive"
		a.rearmLocked(st)
	default:
		res.Action = "continued"
		a.completeLocked(st, missing)
	}

	a.queue(events.SyncPointTimedOut, "", map[string]any{
		"activation": a.ID,
		"sync_point": st.point.ID,
		"fallback":   st.point.Fallback,
		"action":     res.Action,
		"missing":    missing,
		"winner":     res.Winner,
	})
	return res
}

func (a *Activation) Metrics() ActivationMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

func (a *Activation) addEscalated(n int) {
	a.mu.Lock()
	a.metrics.ConflictsEscalated += int64(n)
	a.mu.Unlock()
}

// Close stops the activation. Blocked senders and receivers return
// ErrActivationClosed and sync point waiters are released.
func (a *Activation) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.done)
	for _, st := range a.syncs {
		if !st.completed {
			st.completed = true
			close(st.done)
		}
	}
}

func (a *Activation) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Activation) queue(t events.Type, agentID string, data map[string]any) {
	a.outbox = append(a.outbox, events.Event{
		Type:       t,
		AgentID:    agentID,
		ProtocolID: a.protocol.ID,
		Timestamp:  a.now().UTC(),
		Data:       data,
	})
}

func (a *Activation) takeOutbox() []events.Event {
	out := a.outbox
	a.outbox = nil
	return out
}

// publish delivers queued events after the lock is released, so
// subscribers may call back into the activation.
func (a *Activation) publish(out []events.Event) {
	for _, e := range out {
		a.events.Publish(e)
	}
}
