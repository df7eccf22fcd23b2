package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/events"
)

const defaultHistoryLimit = 1000

// Arbiter settles an escalated conflict by naming a winner among its
// participants.
type Arbiter interface {
	Decide(ctx context.Context, rec ConflictRecord) (string, error)
}

type ArbiterFunc func(ctx context.Context, rec ConflictRecord) (string, error)

func (f ArbiterFunc) Decide(ctx context.Context, rec ConflictRecord) (string, error) {
	return f(ctx, rec)
}

// Notifier is told about conflicts that reached the human level.
type Notifier interface {
	NotifyEscalation(ctx context.Context, rec ConflictRecord) error
}

// HistorySink persists settled conflicts.
type HistorySink interface {
	SaveConflict(ctx context.Context, rec ConflictRecord) error
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithRelay(r Relay) Option {
	return func(m *Manager) { m.relay = r }
}

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithArbiter(level Level, a Arbiter) Option {
	return func(m *Manager) { m.arbiters[level] = a }
}

func WithHistorySink(s HistorySink) Option {
	return func(m *Manager) { m.sink = s }
}

func WithHistoryLimit(n int) Option {
	return func(m *Manager) { m.historyLimit = n }
}

// WithAgentInfo supplies agent spawn times, used to pick the youngest
// agent when breaking deadlocks.
func WithAgentInfo(spawnTimes func(id string) (time.Time, bool)) Option {
	return func(m *Manager) { m.spawnTimes = spawnTimes }
}

type pending struct {
	rec ConflictRecord
	act *Activation
}

// Manager generates, caches and activates protocols, and drives timeout
// checks, conflict detection and escalation across live activations.
type Manager struct {
	cfg          config.CoordinationConfig
	events       events.Publisher
	now          func() time.Time
	relay        Relay
	notifier     Notifier
	sink         HistorySink
	arbiters     map[Level]Arbiter
	spawnTimes   func(string) (time.Time, bool)
	historyLimit int

	mu            sync.RWMutex
	protocols     map[string]*Protocol
	byFingerprint map[uint64]string
	activations   map[string]*Activation
	history       []ConflictRecord
	pending       map[string]*pending

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg config.CoordinationConfig, pub events.Publisher, opts ...Option) *Manager {
	if pub == nil {
		pub = events.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:           cfg,
		events:        pub,
		now:           time.Now,
		arbiters:      make(map[Level]Arbiter),
		historyLimit:  defaultHistoryLimit,
		protocols:     make(map[string]*Protocol),
		byFingerprint: make(map[uint64]string),
		activations:   make(map[string]*Activation),
		pending:       make(map[string]*pending),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Generate builds a new protocol for the work structure and agents. A
// missing critical path is derived from the dependency graph.
func (m *Manager) Generate(work WorkStructure, agents []string) (*Protocol, error) {
	agents = normalizeAgents(agents)
	if len(agents) == 0 {
		return nil, ErrNoAgents
	}
	fp, err := fingerprint(work, agents)
	if err != nil {
		return nil, err
	}
	p, err := m.build(work, agents, fp)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	var superseded string
	var closing []*Activation
	if old, ok := m.byFingerprint[fp]; ok {
		if acts, ok := m.dropLocked(old); ok {
			superseded, closing = old, acts
		}
	}
	m.protocols[p.ID] = p
	m.byFingerprint[fp] = p.ID
	m.mu.Unlock()

	for _, a := range closing {
		a.Close()
	}
	if superseded != "" {
		slog.Info("protocol superseded", "protocol", superseded, "by", p.ID)
		m.emit(events.ProtocolInvalidated, superseded, map[string]any{"superseded_by": p.ID})
	}

	slog.Info("protocol generated",
		"protocol", p.ID,
		"pattern", p.Pattern,
		"agents", len(p.Agents),
		"sync_points", len(p.SyncPoints),
		"resource_policy", p.Strategy.Resource,
	)
	m.emit(events.ProtocolGenerated, p.ID, map[string]any{
		"pattern":     p.Pattern,
		"agents":      p.Agents,
		"sync_points": len(p.SyncPoints),
		"fingerprint": p.Fingerprint,
	})
	return p, nil
}

func (m *Manager) build(work WorkStructure, agents []string, fp uint64) (*Protocol, error) {
	if len(work.CriticalPath) == 0 && len(work.Dependencies) > 0 {
		cp, err := LongestChain(work.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("derive critical path: %w", err)
		}
		work.CriticalPath = cp
	}

	member := make(map[string]bool, len(agents))
	for _, a := range agents {
		member[a] = true
	}
	var critical []string
	for _, node := range work.CriticalPath {
		if id, ok := agentFor(node, work.Assignments, member); ok && !slices.Contains(critical, id) {
			critical = append(critical, id)
		}
	}

	req := Analyze(work, len(agents))
	pattern := SelectPattern(req)
	topo := BuildTopology(pattern, agents)
	syncs := BuildSyncPoints(work, agents, critical)
	now := m.now()

	p := &Protocol{
		ID:             uuid.NewString(),
		Pattern:        pattern,
		Requirements:   req,
		Topology:       topo,
		SyncPoints:     syncs,
		Strategy:       BuildConflictStrategy(req, m.cfg.Escalation),
		Metrics:        DeriveMetrics(topo, len(syncs), m.cfg.BaseLatency),
		Agents:         agents,
		CriticalPath:   slices.Clone(work.CriticalPath),
		CriticalAgents: critical,
		Assignments:    maps.Clone(work.Assignments),
		Fingerprint:    fp,
		ValidFrom:      now.UTC(),
	}
	if m.cfg.ProtocolTTL > 0 {
		p.ValidUntil = now.Add(m.cfg.ProtocolTTL).UTC()
	}
	return p, nil
}

// Ensure returns the cached protocol for an identical work structure and
// agent set while it is valid, generating a new one otherwise.
func (m *Manager) Ensure(work WorkStructure, agents []string) (*Protocol, error) {
	agents = normalizeAgents(agents)
	fp, err := fingerprint(work, agents)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	p, ok := m.protocols[m.byFingerprint[fp]]
	m.mu.RUnlock()
	if ok && !p.Expired(m.now()) {
		return p, nil
	}
	return m.Generate(work, agents)
}

// Activate starts a runtime of protocolID over subset, or over all of its
// agents when subset is empty.
func (m *Manager) Activate(protocolID string, subset []string) (*Activation, error) {
	p, err := m.Get(protocolID)
	if err != nil {
		return nil, err
	}
	if p.Expired(m.now()) {
		return nil, fmt.Errorf("%w: %s", ErrProtocolExpired, protocolID)
	}
	if len(subset) == 0 {
		subset = p.Agents
	}
	subset = normalizeAgents(subset)
	for _, id := range subset {
		if !slices.Contains(p.Agents, id) {
			return nil, fmt.Errorf("%w: %s in protocol %s", ErrNotParticipant, id, protocolID)
		}
	}

	act := newActivation(p, subset, activationOptions{
		overflow:   m.cfg.OverflowPolicy,
		capacity:   m.cfg.QueueCapacity,
		events:     m.events,
		relay:      m.relay,
		now:        m.now,
		spawnTimes: m.spawnTimes,
	})

	m.mu.Lock()
	m.activations[act.ID] = act
	m.mu.Unlock()

	m.emit(events.ProtocolActivated, p.ID, map[string]any{
		"activation": act.ID,
		"agents":     subset,
		"channels":   len(act.channels),
	})
	return act, nil
}

func (m *Manager) Get(protocolID string) (*Protocol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.protocols[protocolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProtocolNotFound, protocolID)
	}
	return p, nil
}

// List returns all cached protocols, oldest first.
func (m *Manager) List() []*Protocol {
	m.mu.RLock()
	out := slices.Collect(maps.Values(m.protocols))
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Protocol) int {
		if c := a.ValidFrom.Compare(b.ValidFrom); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

func (m *Manager) Activation(id string) (*Activation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activations[id]
	return a, ok
}

// Activations returns the live activations, optionally limited to one
// protocol.
func (m *Manager) Activations(protocolID string) []*Activation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Activation
	for _, id := range sortedKeys(m.activations) {
		a := m.activations[id]
		if protocolID == "" || a.protocol.ID == protocolID {
			out = append(out, a)
		}
	}
	return out
}

// Invalidate drops a protocol and closes its activations.
func (m *Manager) Invalidate(protocolID string) error {
	if !m.drop(protocolID) {
		return fmt.Errorf("%w: %s", ErrProtocolNotFound, protocolID)
	}
	slog.Info("protocol invalidated", "protocol", protocolID)
	m.emit(events.ProtocolInvalidated, protocolID, nil)
	return nil
}

func (m *Manager) drop(protocolID string) bool {
	m.mu.Lock()
	closing, ok := m.dropLocked(protocolID)
	m.mu.Unlock()

	for _, a := range closing {
		a.Close()
	}
	return ok
}

// dropLocked removes a protocol and detaches its activations, which the
// caller closes once m.mu is released.
func (m *Manager) dropLocked(protocolID string) ([]*Activation, bool) {
	p, ok := m.protocols[protocolID]
	if !ok {
		return nil, false
	}
	delete(m.protocols, protocolID)
	if m.byFingerprint[p.Fingerprint] == protocolID {
		delete(m.byFingerprint, p.Fingerprint)
	}
	var closing []*Activation
	for id, a := range m.activations {
		if a.protocol.ID == protocolID {
			closing = append(closing, a)
			delete(m.activations, id)
		}
	}
	return closing, true
}

// SweepReport is the outcome of one Sweep.
type SweepReport struct {
	Expired   []string         `json:"expired,omitempty"`
	Timeouts  []TimeoutResult  `json:"timeouts,omitempty"`
	Conflicts []ConflictRecord `json:"conflicts,omitempty"`
}

// Sweep expires stale protocols, applies sync point fallbacks and runs
// conflict detection on every live activation. Unresolved conflicts are
// escalated in the background.
func (m *Manager) Sweep(ctx context.Context) SweepReport {
	var rep SweepReport
	now := m.now()

	for _, p := range m.List() {
		if p.Expired(now) && m.drop(p.ID) {
			rep.Expired = append(rep.Expired, p.ID)
			m.emit(events.ProtocolExpired, p.ID, map[string]any{"valid_until": p.ValidUntil})
		}
	}

	for _, act := range m.Activations("") {
		if ctx.Err() != nil {
			break
		}
		rep.Timeouts = append(rep.Timeouts, act.CheckTimeouts(now)...)
		for _, rec := range act.DetectAndResolveConflicts() {
			rep.Conflicts = append(rep.Conflicts, rec)
			if rec.Resolved {
				m.record(rec)
				continue
			}
			m.escalate(act, rec)
		}
	}

	if len(rep.Expired) > 0 || len(rep.Timeouts) > 0 || len(rep.Conflicts) > 0 {
		slog.Info("coordination sweep",
			"expired", len(rep.Expired),
			"timeouts", len(rep.Timeouts),
			"conflicts", len(rep.Conflicts),
		)
	}
	return rep
}

func (m *Manager) escalate(act *Activation, rec ConflictRecord) {
	act.addEscalated(1)
	m.wg.Go(func() { m.runEscalation(act, rec) })
}

// runEscalation climbs the ladder of the protocol's strategy. Levels with
// an arbiter get their timeout to name a winner. Levels without one wait
// out their timeout for the contention to clear on its own, which ends
// the escalation. The human level parks the conflict until
// ResolveEscalation is called.
func (m *Manager) runEscalation(act *Activation, rec ConflictRecord) {
	for _, step := range act.protocol.Strategy.Escalation {
		if m.ctx.Err() != nil {
			return
		}
		rec.Level = step.Level
		m.emit(events.ConflictEscalated, rec.ProtocolID, conflictData(rec))

		if step.Level == LevelHuman {
			m.park(act, rec)
			return
		}
		arb, ok := m.arbiters[step.Level]
		if !ok {
			if !m.waitOut(act, step.Timeout) {
				return
			}
			if !act.stillContended(rec) {
				m.dissolve(act, rec)
				return
			}
			continue
		}

		ctx, cancel := m.ctx, context.CancelFunc(func() {})
		if step.Timeout > 0 {
			ctx, cancel = context.WithTimeout(m.ctx, step.Timeout)
		}
		winner, err := arb.Decide(ctx, rec)
		cancel()
		if err != nil || winner == "" {
			slog.Warn("escalation level gave no decision", "conflict", rec.ID, "level", step.Level, "error", err)
			continue
		}
		if err := m.settle(act, rec, winner); err != nil {
			slog.Warn("escalation decision rejected", "conflict", rec.ID, "level", step.Level, "error", err)
			continue
		}
		return
	}
}

// waitOut blocks for d and reports whether the escalation should go on.
func (m *Manager) waitOut(act *Activation, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !act.Closed()
	case <-act.done:
		return false
	case <-m.ctx.Done():
		return false
	}
}

// dissolve closes an escalation whose contention cleared while it waited.
func (m *Manager) dissolve(act *Activation, rec ConflictRecord) {
	act.endEscalation(rec)
	rec.Resolved = true
	rec.Resolution = ResolutionDissolved
	rec.ResolvedAt = m.now().UTC()

	slog.Info("escalated conflict dissolved", "conflict", rec.ID, "level", rec.Level, "subject", rec.Subject)
	m.record(rec)
	m.emit(events.ConflictResolved, rec.ProtocolID, conflictData(rec))
}

func (m *Manager) park(act *Activation, rec ConflictRecord) {
	m.mu.Lock()
	m.pending[rec.ID] = &pending{rec: rec, act: act}
	m.mu.Unlock()

	slog.Warn("conflict needs human decision", "conflict", rec.ID, "kind", rec.Kind, "subject", rec.Subject)
	if m.notifier != nil {
		if err := m.notifier.NotifyEscalation(m.ctx, rec); err != nil {
			slog.Error("escalation notification failed", "conflict", rec.ID, "error", err)
		}
	}
}

// ResolveEscalation applies a human decision to a parked conflict.
func (m *Manager) ResolveEscalation(conflictID, winner string) (ConflictRecord, error) {
	m.mu.Lock()
	p, ok := m.pending[conflictID]
	if !ok {
		m.mu.Unlock()
		return ConflictRecord{}, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	delete(m.pending, conflictID)
	m.mu.Unlock()

	if err := m.settle(p.act, p.rec, winner); err != nil {
		if p.act.Closed() {
			return ConflictRecord{}, err
		}
		m.mu.Lock()
		m.pending[conflictID] = p
		m.mu.Unlock()
		return ConflictRecord{}, err
	}
	return m.lastRecord(conflictID), nil
}

func (m *Manager) settle(act *Activation, rec ConflictRecord, winner string) error {
	if err := act.applyDecision(rec, winner); err != nil {
		return err
	}
	rec.Resolved = true
	rec.Resolution = ResolutionArbitrated
	rec.Winner = winner
	rec.Victims = slices.DeleteFunc(slices.Clone(rec.Participants), func(id string) bool { return id == winner })
	rec.ResolvedAt = m.now().UTC()

	slog.Info("conflict resolved by escalation", "conflict", rec.ID, "level", rec.Level, "winner", winner)
	m.record(rec)
	m.emit(events.ConflictResolved, rec.ProtocolID, conflictData(rec))
	return nil
}

// PendingEscalations returns conflicts waiting for a human decision.
func (m *Manager) PendingEscalations() []ConflictRecord {
	m.mu.RLock()
	out := make([]ConflictRecord, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.rec)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b ConflictRecord) int { return a.DetectedAt.Compare(b.DetectedAt) })
	return out
}

func (m *Manager) record(rec ConflictRecord) {
	m.mu.Lock()
	m.history = append(m.history, rec)
	if over := len(m.history) - m.historyLimit; m.historyLimit > 0 && over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.SaveConflict(m.ctx, rec); err != nil {
			slog.Error("save conflict", "conflict", rec.ID, "error", err)
		}
	}
}

func (m *Manager) lastRecord(id string) ConflictRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i]
		}
	}
	return ConflictRecord{}
}

// History returns up to limit settled conflicts, newest last. A
// non-positive limit returns all of them.
func (m *Manager) History(limit int) []ConflictRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return slices.Clone(h)
}

// Close stops escalations and closes every activation.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	acts := slices.Collect(maps.Values(m.activations))
	clear(m.activations)
	m.mu.Unlock()
	for _, a := range acts {
		a.Close()
	}
}

func (m *Manager) emit(t events.Type, protocolID string, data map[string]any) {
	m.events.Publish(events.Event{
		Type:       t,
		ProtocolID: protocolID,
		Timestamp:  m.now().UTC(),
		Data:       data,
	})
}

// normalizeAgents returns the distinct non-empty ids, sorted.
func normalizeAgents(ids []string) []string {
	out := slices.DeleteFunc(slices.Clone(ids), func(s string) bool { return s == "" })
	slices.Sort(out)
	return slices.Compact(out)
}

func fingerprint(work WorkStructure, agents []string) (uint64, error) {
	b, err := json.Marshal(struct {
		Agents []string      `json:"agents"`
		Work   WorkStructure `json:"work"`
	}{agents, work})
	if err != nil {
		return 0, fmt.Errorf("fingerprint work: %w", err)
	}
	return xxhash.Sum64(b), nil
}
