package coordination

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/events"
)

// tieWork puts a and b both on the critical path without assigning t3,
// so contention over t3 cannot be broken by priority.
var tieWork = WorkStructure{
	CriticalPath: []string{"t1", "t2"},
	Assignments:  map[string]string{"t1": "a", "t2": "b"},
}

// shortLadder shrinks every escalation timeout so conflicts climb the
// ladder quickly.
func shortLadder(c *config.CoordinationConfig) {
	c.Escalation = config.EscalationConfig{
		Local:       time.Millisecond,
		TeamLeader:  time.Millisecond,
		Coordinator: time.Millisecond,
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeRelay struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *fakeRelay) Mirror(env Envelope) error {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	return nil
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

type fakeNotifier struct {
	mu   sync.Mutex
	recs []ConflictRecord
}

func (n *fakeNotifier) NotifyEscalation(_ context.Context, rec ConflictRecord) error {
	n.mu.Lock()
	n.recs = append(n.recs, rec)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.recs)
}

type memSink struct {
	mu   sync.Mutex
	recs []ConflictRecord
}

func (s *memSink) SaveConflict(_ context.Context, rec ConflictRecord) error {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type harness struct {
	mgr    *Manager
	clock  *fakeClock
	events *recorder
}

func newHarness(t *testing.T, mutate func(*config.CoordinationConfig), opts ...Option) *harness {
	t.Helper()
	cfg := config.Default().Coordination
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		clock:  &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	h.mgr = NewManager(cfg, h.events, append([]Option{WithClock(h.clock.Now)}, opts...)...)
	t.Cleanup(h.mgr.Close)
	return h
}

func TestGenerateHierarchicalProtocol(t *testing.T) {
	h := newHarness(t, nil)
	agents := agentIDs(12)
	work := WorkStructure{
		CriticalPath: []string{"design", "build"},
		Assignments:  map[string]string{"design": agents[3], "build": agents[7]},
	}

	p, err := h.mgr.Generate(work, agents)
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, HierarchicalDelegation, p.Pattern)
	assert.Equal(t, ResourceLocking, p.Strategy.Resource)
	assert.Equal(t, []string{agents[3], agents[7]}, p.CriticalAgents)
	assert.Equal(t, agents, p.Agents)
	assert.Equal(t, h.clock.Now().Add(time.Hour), p.ValidUntil)
	assert.NotZero(t, p.Fingerprint)
	assert.Len(t, p.Topology.Edges, 22)
	assert.Equal(t, 1, h.events.count(events.ProtocolGenerated))

	got, err := h.mgr.Get(p.ID)
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestGenerateValidation(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.mgr.Generate(WorkStructure{}, nil)
	assert.ErrorIs(t, err, ErrNoAgents)
	_, err = h.mgr.Generate(WorkStructure{}, []string{"", ""})
	assert.ErrorIs(t, err, ErrNoAgents)

	_, err = h.mgr.Generate(WorkStructure{
		Dependencies: map[string][]string{"a": {"b"}, "b": {"a"}},
	}, []string{"x"})
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestGenerateDerivesCriticalPath(t *testing.T) {
	h := newHarness(t, nil)
	work := WorkStructure{Dependencies: map[string][]string{
		"build": {"design"},
		"ship":  {"build"},
	}}

	p, err := h.mgr.Generate(work, []string{"b", "a", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"design", "build", "ship"}, p.CriticalPath)
	assert.Equal(t, []string{"a", "b"}, p.Agents)
	assert.Equal(t, MasterSlave, p.Pattern)
	assert.Empty(t, work.CriticalPath, "caller's work structure is not modified")
}

func TestEnsureCachesByFingerprint(t *testing.T) {
	h := newHarness(t, nil)
	work := WorkStructure{Phases: []Phase{{ID: "1"}}}

	p1, err := h.mgr.Ensure(work, []string{"a", "b"})
	require.NoError(t, err)
	p2, err := h.mgr.Ensure(work, []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	p3, err := h.mgr.Ensure(work, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p3.ID)

	h.clock.Advance(time.Hour + time.Second)
	p4, err := h.mgr.Ensure(work, []string{"a", "b"})
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p4.ID)

	_, err = h.mgr.Get(p1.ID)
	assert.ErrorIs(t, err, ErrProtocolNotFound, "regenerated protocol replaces the stale one")
	assert.Len(t, h.mgr.List(), 2)
}

func TestEnsureAfterExpiryClosesStaleActivation(t *testing.T) {
	h := newHarness(t, nil)
	work := WorkStructure{Phases: []Phase{{ID: "1"}}}

	old, err := h.mgr.Ensure(work, []string{"a", "b"})
	require.NoError(t, err)
	act, err := h.mgr.Activate(old.ID, nil)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	fresh, err := h.mgr.Ensure(work, []string{"a", "b"})
	require.NoError(t, err)
	require.NotEqual(t, old.ID, fresh.ID)

	assert.True(t, act.Closed())
	assert.Empty(t, h.mgr.Activations(""))
	assert.Equal(t, []*Protocol{fresh}, h.mgr.List())
	assert.Equal(t, 1, h.events.count(events.ProtocolInvalidated))

	rep := h.mgr.Sweep(context.Background())
	assert.Empty(t, rep.Timeouts)
	assert.Empty(t, rep.Expired)
}

func TestActivateValidation(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.mgr.Activate("missing", nil)
	assert.ErrorIs(t, err, ErrProtocolNotFound)

	p, err := h.mgr.Generate(masterSlaveWork, []string{"a", "b"})
	require.NoError(t, err)

	_, err = h.mgr.Activate(p.ID, []string{"a", "zed"})
	assert.ErrorIs(t, err, ErrNotParticipant)

	act, err := h.mgr.Activate(p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, act.Members())
	got, ok := h.mgr.Activation(act.ID)
	require.True(t, ok)
	assert.Same(t, act, got)
	assert.Equal(t, 1, h.events.count(events.ProtocolActivated))

	h.clock.Advance(2 * time.Hour)
	_, err = h.mgr.Activate(p.ID, nil)
	assert.ErrorIs(t, err, ErrProtocolExpired)
}

func TestInvalidateClosesActivations(t *testing.T) {
	h := newHarness(t, nil)
	act := activate(t, h, masterSlaveWork, []string{"a", "b"}, nil)
	id := act.Protocol().ID

	require.NoError(t, h.mgr.Invalidate(id))
	assert.True(t, act.Closed())
	assert.Empty(t, h.mgr.Activations(id))
	assert.ErrorIs(t, h.mgr.Invalidate(id), ErrProtocolNotFound)
	assert.Equal(t, 1, h.events.count(events.ProtocolInvalidated))
}

func TestSweepExpiresProtocolsAndAppliesTimeouts(t *testing.T) {
	h := newHarness(t, nil)
	act := activate(t, h, WorkStructure{Phases: []Phase{{ID: "1"}}}, []string{"a", "b"}, nil)

	h.clock.Advance(5*time.Minute + time.Second)
	rep := h.mgr.Sweep(context.Background())
	require.Len(t, rep.Timeouts, 1)
	assert.Equal(t, "phase_1", rep.Timeouts[0].SyncPoint)
	assert.Empty(t, rep.Expired)

	h.clock.Advance(time.Hour)
	rep = h.mgr.Sweep(context.Background())
	assert.Equal(t, []string{act.Protocol().ID}, rep.Expired)
	assert.True(t, act.Closed())
	assert.Empty(t, h.mgr.List())
	assert.Equal(t, 1, h.events.count(events.ProtocolExpired))
}

func TestSweepRecordsResolvedConflicts(t *testing.T) {
	sink := &memSink{}
	h := newHarness(t, nil, WithHistorySink(sink))
	act := activate(t, h, WorkStructure{}, []string{"a", "b"}, nil)

	require.NoError(t, act.WriteOutput("a", "k", 1))
	require.NoError(t, act.WriteOutput("b", "k", 2))

	rep := h.mgr.Sweep(context.Background())
	require.Len(t, rep.Conflicts, 1)
	hist := h.mgr.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, rep.Conflicts[0].ID, hist[0].ID)
	assert.Equal(t, 1, sink.count())
}

func TestEscalationReachesArbiter(t *testing.T) {
	var levels []Level
	var mu sync.Mutex
	arb := ArbiterFunc(func(_ context.Context, rec ConflictRecord) (string, error) {
		mu.Lock()
		levels = append(levels, rec.Level)
		mu.Unlock()
		if rec.Level == LevelTeamLeader {
			return "", errors.New("leader unavailable")
		}
		return "b", nil
	})
	h := newHarness(t, shortLadder,
		WithArbiter(LevelTeamLeader, arb),
		WithArbiter(LevelCoordinator, arb),
	)
	act := activate(t, h, tieWork, []string{"a", "b", "c"}, nil)

	_, _ = act.ClaimTask("a", "t3")
	_, _ = act.ClaimTask("b", "t3")

	rep := h.mgr.Sweep(context.Background())
	require.Len(t, rep.Conflicts, 1)
	require.False(t, rep.Conflicts[0].Resolved)

	require.Eventually(t, func() bool { return len(h.mgr.History(0)) == 1 }, time.Second, 5*time.Millisecond)
	rec := h.mgr.History(0)[0]
	assert.True(t, rec.Resolved)
	assert.Equal(t, ResolutionArbitrated, rec.Resolution)
	assert.Equal(t, LevelCoordinator, rec.Level)
	assert.Equal(t, "b", rec.Winner)
	assert.Equal(t, []string{"a"}, rec.Victims)

	owner, _ := act.TaskOwner("t3")
	assert.Equal(t, "b", owner)

	mu.Lock()
	assert.Equal(t, []Level{LevelTeamLeader, LevelCoordinator}, levels)
	mu.Unlock()

	m := act.Metrics()
	assert.EqualValues(t, 1, m.ConflictsEscalated)
	assert.EqualValues(t, 1, m.ConflictsResolved)
	assert.Empty(t, h.mgr.PendingEscalations())
}

func TestEscalationParksForHuman(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(t, shortLadder, WithNotifier(notifier))
	act := activate(t, h, tieWork, []string{"a", "b", "c"}, nil)

	_, _ = act.ClaimTask("b", "t3")
	_, _ = act.ClaimTask("a", "t3")
	h.mgr.Sweep(context.Background())

	require.Eventually(t, func() bool { return len(h.mgr.PendingEscalations()) == 1 }, time.Second, 5*time.Millisecond)
	pending := h.mgr.PendingEscalations()[0]
	assert.Equal(t, LevelHuman, pending.Level)
	assert.Equal(t, 1, notifier.count())

	_, err := h.mgr.ResolveEscalation(pending.ID, "c")
	assert.ErrorIs(t, err, ErrNotParticipant)
	require.Len(t, h.mgr.PendingEscalations(), 1, "rejected decisions keep the conflict parked")

	rec, err := h.mgr.ResolveEscalation(pending.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Winner)
	assert.Equal(t, LevelHuman, rec.Level)
	assert.Empty(t, h.mgr.PendingEscalations())

	owner, _ := act.TaskOwner("t3")
	assert.Equal(t, "a", owner)

	_, err = h.mgr.ResolveEscalation(pending.ID, "a")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestParkedConflictIsNotReescalated(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(t, shortLadder, WithNotifier(notifier))
	act := activate(t, h, tieWork, []string{"a", "b", "c"}, nil)

	_, _ = act.ClaimTask("a", "t3")
	_, _ = act.ClaimTask("b", "t3")

	rep := h.mgr.Sweep(context.Background())
	require.Len(t, rep.Conflicts, 1)
	require.Eventually(t, func() bool { return len(h.mgr.PendingEscalations()) == 1 }, time.Second, 5*time.Millisecond)

	for range 3 {
		rep = h.mgr.Sweep(context.Background())
		assert.Empty(t, rep.Conflicts)
	}
	assert.Len(t, h.mgr.PendingEscalations(), 1)
	assert.Equal(t, 1, notifier.count())
	m := act.Metrics()
	assert.EqualValues(t, 1, m.ConflictsDetected)
	assert.EqualValues(t, 1, m.ConflictsEscalated)

	pending := h.mgr.PendingEscalations()[0]
	_, err := h.mgr.ResolveEscalation(pending.ID, "b")
	require.NoError(t, err)

	_, _ = act.ClaimTask("a", "t3")
	rep = h.mgr.Sweep(context.Background())
	require.Len(t, rep.Conflicts, 1, "a settled subject is detected again")
	assert.False(t, rep.Conflicts[0].Resolved)
}

func TestLocalLevelWaitsOutItsTimeout(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(t, func(c *config.CoordinationConfig) {
		shortLadder(c)
		c.Escalation.Local = 150 * time.Millisecond
	}, WithNotifier(notifier))
	act := activate(t, h, tieWork, []string{"a", "b", "c"}, nil)

	_, _ = act.ClaimTask("a", "t3")
	_, _ = act.ClaimTask("b", "t3")
	h.mgr.Sweep(context.Background())

	assert.Empty(t, h.mgr.PendingEscalations())
	require.Eventually(t, func() bool { return len(h.mgr.PendingEscalations()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, notifier.count())
}

func TestEscalationDissolvesWhenContentionClears(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(t, func(c *config.CoordinationConfig) {
		shortLadder(c)
		c.Escalation.Local = 100 * time.Millisecond
	}, WithNotifier(notifier))
	act := activate(t, h, tieWork, []string{"a", "b", "c"}, nil)

	_, _ = act.ClaimTask("a", "t3")
	_, _ = act.ClaimTask("b", "t3")
	rep := h.mgr.Sweep(context.Background())
	require.Len(t, rep.Conflicts, 1)

	act.ReleaseTask("b", "t3")

	require.Eventually(t, func() bool { return len(h.mgr.History(0)) == 1 }, 2*time.Second, 10*time.Millisecond)
	rec := h.mgr.History(0)[0]
	assert.True(t, rec.Resolved)
	assert.Equal(t, ResolutionDissolved, rec.Resolution)
	assert.Equal(t, LevelLocal, rec.Level)
	assert.Empty(t, h.mgr.PendingEscalations())
	assert.Zero(t, notifier.count())

	owner, _ := act.TaskOwner("t3")
	assert.Equal(t, "a", owner)
}

func TestHistoryLimit(t *testing.T) {
	h := newHarness(t, nil, WithHistoryLimit(2))
	act := activate(t, h, WorkStructure{}, []string{"a", "b"}, nil)

	for i := range 3 {
		require.NoError(t, act.WriteOutput("a", "k", i))
		require.NoError(t, act.WriteOutput("b", "k", i))
		h.mgr.Sweep(context.Background())
	}
	assert.Len(t, h.mgr.History(0), 2)
	assert.Len(t, h.mgr.History(1), 1)
}
