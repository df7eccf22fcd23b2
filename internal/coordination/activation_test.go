package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/events"
)

// masterSlaveWork yields a master_slave protocol for up to five agents
// with hub "a".
var masterSlaveWork = WorkStructure{CriticalPath: []string{"t1"}}

func activate(t *testing.T, h *harness, work WorkStructure, agents, subset []string) *Activation {
	t.Helper()
	p, err := h.mgr.Generate(work, agents)
	require.NoError(t, err)
	act, err := h.mgr.Activate(p.ID, subset)
	require.NoError(t, err)
	return act
}

func findTimeout(results []TimeoutResult, id string) (TimeoutResult, bool) {
	for _, r := range results {
		if r.SyncPoint == id {
			return r, true
		}
	}
	return TimeoutResult{}, false
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestPhaseSyncPointCompletesOnce(t *testing.T) {
	h := newHarness(t, nil)
	act := activate(t, h, WorkStructure{Phases: []Phase{{ID: "1"}}}, []string{"a", "b"}, nil)

	w1, err := act.Wait("phase_1")
	require.NoError(t, err)
	w2, err := act.Wait("phase_1")
	require.NoError(t, err)

	done, err := act.ReachSyncPoint("phase_1", "a")
	require.NoError(t, err)
	assert.False(t, done)
	assert.False(t, closed(w1))

	done, err = act.ReachSyncPoint("phase_1", "b")
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, closed(w1))
	assert.True(t, closed(w2))

	done, err = act.ReachSyncPoint("phase_1", "a")
	require.NoError(t, err)
	assert.False(t, done, "arrivals after completion are no-ops")

	assert.Equal(t, 1, h.events.count(events.SyncPointCompleted))
	m := act.Metrics()
	assert.EqualValues(t, 2, m.SyncPointsReached)
	assert.EqualValues(t, 1, m.SyncPointsCompleted)

	prog, err := act.SyncProgress("phase_1")
	require.NoError(t, err)
	assert.True(t, prog.Completed)
	assert.Equal(t, []string{"a", "b"}, prog.Reached)
	assert.Empty(t, prog.Waiting)
}

func TestReachSyncPointErrors(t *testing.T) {
	h := newHarness(t, nil)
	act := activate(t, h, WorkStructure{Phases: []Phase{{ID: "1"}}}, []string{"a", "b", "c"}, []string{"a", "b"})

	_, err := act.ReachSyncPoint("phase_9", "a")
	assert.ErrorIs(t, err, ErrSyncPointNotFound)
	_, err = act.ReachSyncPoint("phase_1", "c")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = act.Wait("nope")
	assert.ErrorIs(t, err, ErrSyncPointNotFound)
}

func TestPhaseTimeoutContinuesIncomplete(t *testing.T) {
	h := newHarness(t, nil)
	act := activate(t, h, WorkStructure{Phases: []Phase{{ID: "1"}}}, []string{"a", "b"}, nil)
	w, _ := act.Wait("phase_1")

	_, err := act.ReachSyncPoint("phase_1", "a")
	require.NoError(t, err)

	h.clock.Advance(4 * time.Minute)
	assert.Empty(t, act.CheckTimeouts(h.clock.Now()))

	h.clock.Advance(time.Minute + time.Second)
	res, ok := findTimeout(act.CheckTimeouts(h.clock.Now()), "phase_1")
	require.True(t, ok)
	assert.Equal(t, "continued", res.Action)
	assert.Equal(t, []string{"b"}, res.Missing)
	assert.Equal(t, act.ID, res.Activation)
	assert.True(t, closed(w))
	assert.Equal(t, 1, h.events.count(events.SyncPointTimedOut))

	_, ok = findTimeout(act.CheckTimeouts(h.clock.Now()), "phase_1")
	assert.False(t, ok, "completed points do not time out again")
}

func TestCriticalTimeoutRetriesOnce(t *testing.T) {
	h := newHarness(t, nil)
	work := WorkStructure{
		CriticalPath: []string{"t1", "t2"},
		Assignments:  map[string]string{"t1": "a", "t2": "b"},
	}
	act := activate(t, h, work, []string{"a", "b"}, nil)

	h.clock.Advance(3*time.Minute + time.Second)
	res, ok := findTimeout(act.CheckTimeouts(h.clock.Now()), "critical_1")
	require.True(t, ok)
	assert.Equal(t, "retry", res.Action)

	prog, _ := act.SyncProgress("critical_1")
	assert.False(t, prog.Completed)

	h.clock.Advance(3*time.Minute + time.Second)
	res, ok = findTimeout(act.CheckTimeouts(h.clock.Now()), "critical_1")
	require.True(t, ok)
	assert.Equal(t, "abandoned", res.Action)
	assert.Equal(t, []string{"a", "b"}, res.Missing)

	prog, _ = act.SyncProgress("critical_1")
	assert.True(t, prog.Completed)
}

func TestResourceTimeoutAllocatesByPriority(t *testing.T) {
	h := newHarness(t, nil)
	work := WorkStructure{ResourceClaims: map[string][]string{"db": {"a", "b", "c"}}}
	act := activate(t, h, work, []string{"a", "b", "c"}, nil)

	granted, err := act.ClaimResource("a", "db")
	require.NoError(t, err)
	require.True(t, granted)
	_, err = act.ReachSyncPoint("resource_db", "c")
	require.NoError(t, err)

	h.clock.Advance(time.Minute + time.Second)
	res, ok := findTimeout(act.CheckTimeouts(h.clock.Now()), "resource_db")
	require.True(t, ok)
	assert.Equal(t, "allocated", res.Action)
	assert.Equal(t, "c", res.Winner)
	assert.Equal(t, []string{"c"}, act.Holders("db"))
}

func TestHeartbeatRecurs(t *testing.T) {
	h := newHarness(t, nil)
	act := activate(t, h, WorkStructure{}, []string{"a", "b"}, nil)

	w, _ := act.Wait("heartbeat")
	_, err := act.ReachSyncPoint("heartbeat", "a")
	require.NoError(t, err)
	done, err := act.ReachSyncPoint("heartbeat", "b")
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, closed(w))

	prog, _ := act.SyncProgress("heartbeat")
	assert.Equal(t, 1, prog.Round)
	assert.False(t, prog.Completed)
	assert.Equal(t, []string{"a", "b"}, prog.Waiting)
}

func TestHeartbeatTimeoutMarksUnresponsive(t *testing.T) {
	h := newHarness(t, nil)
	act := activate(t, h, WorkStructure{}, []string{"a", "b"}, nil)

	w, _ := act.Wait("heartbeat")
	_, err := act.ReachSyncPoint("heartbeat", "a")
	require.NoError(t, err)

	h.clock.Advance(10*time.Minute + 31*time.Second)
	res, ok := findTimeout(act.CheckTimeouts(h.clock.Now()), "heartbeat")
	require.True(t, ok)
	assert.Equal(t, "marked_unresponsive", res.Action)
	assert.Equal(t, []string{"b"}, res.Missing)
	assert.True(t, closed(w))

	prog, _ := act.SyncProgress("heartbeat")
	assert.Equal(t, 1, prog.Round)
	assert.Empty(t, prog.Reached)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute+30*time.Second), prog.Deadline)
}

func TestSendQueuesAndRoutes(t *testing.T) {
	relay := &fakeRelay{}
	h := newHarness(t, nil, WithRelay(relay))
	act := activate(t, h, masterSlaveWork, []string{"a", "b", "c"}, []string{"a", "b"})

	require.Len(t, act.Channels(), 2)

	ctx := context.Background()
	require.NoError(t, act.Send(ctx, "a", "b", "work"))
	assert.Equal(t, 1, act.Pending("a", "b"))

	env, err := act.Receive(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "work", env.Payload)
	assert.Equal(t, EdgeCommand, env.Kind)
	assert.Equal(t, act.Protocol().ID, env.ProtocolID)

	err = act.Send(ctx, "a", "c", "x")
	assert.ErrorIs(t, err, ErrChannelNotFound)
	err = act.Send(ctx, "b", "c", "x")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	assert.EqualValues(t, 1, act.Metrics().MessagesExchanged)
	assert.Equal(t, 1, relay.count())
}

func TestCommandEdgesDeliverImmediately(t *testing.T) {
	h := newHarness(t, nil)
	act := activate(t, h, masterSlaveWork, []string{"a", "b"}, nil)
	ctx := context.Background()

	var got []Envelope
	act.Handle("b", func(_ context.Context, env Envelope) error {
		got = append(got, env)
		return nil
	})
	act.Handle("a", func(context.Context, Envelope) error {
		t.Error("report edges must queue")
		return nil
	})

	require.NoError(t, act.Send(ctx, "a", "b", "now"))
	require.Len(t, got, 1)
	assert.Equal(t, "now", got[0].Payload)
	assert.Zero(t, act.Pending("a", "b"))

	require.NoError(t, act.Send(ctx, "b", "a", "status"))
	assert.Equal(t, 1, act.Pending("b", "a"))

	boom := errors.New("boom")
	act.Handle("b", func(context.Context, Envelope) error { return boom })
	assert.ErrorIs(t, act.Send(ctx, "a", "b", "again"), boom)
}

func TestOverflowDropOldest(t *testing.T) {
	h := newHarness(t, func(c *config.CoordinationConfig) { c.QueueCapacity = 2 })
	act := activate(t, h, masterSlaveWork, []string{"a", "b"}, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, act.Send(ctx, "b", "a", i))
	}
	assert.Equal(t, 2, act.Pending("b", "a"))

	env, err := act.Receive(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, env.Payload)

	m := act.Metrics()
	assert.EqualValues(t, 3, m.MessagesExchanged)
	assert.EqualValues(t, 1, m.MessagesDropped)
	assert.Equal(t, 1, h.events.count(events.MessageDropped))
}

func TestOverflowBlock(t *testing.T) {
	h := newHarness(t, func(c *config.CoordinationConfig) {
		c.QueueCapacity = 1
		c.OverflowPolicy = OverflowBlock
	})
	act := activate(t, h, masterSlaveWork, []string{"a", "b"}, nil)
	ctx := context.Background()

	require.NoError(t, act.Send(ctx, "b", "a", 1))

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, act.Send(tctx, "b", "a", 2), context.DeadlineExceeded)

	errc := make(chan error, 1)
	go func() { errc <- act.Send(ctx, "b", "a", 3) }()

	env, err := act.Receive(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, env.Payload)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released")
	}
	env, err = act.Receive(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, 3, env.Payload)
	assert.Zero(t, act.Metrics().MessagesDropped)

	require.NoError(t, act.Send(ctx, "b", "a", 4))
	go func() { errc <- act.Send(ctx, "b", "a", 5) }()
	time.Sleep(10 * time.Millisecond)
	act.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrActivationClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not release blocked send")
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	h := newHarness(t, nil)
	act := activate(t, h, masterSlaveWork, []string{"a", "b"}, nil)
	ctx := context.Background()

	w, _ := act.Wait("heartbeat")
	act.Close()
	act.Close()

	assert.True(t, closed(w))
	assert.True(t, act.Closed())
	_, err := act.Receive(ctx, "a", "b")
	assert.ErrorIs(t, err, ErrActivationClosed)
	assert.ErrorIs(t, act.Send(ctx, "a", "b", "x"), ErrActivationClosed)
	_, err = act.ReachSyncPoint("heartbeat", "a")
	assert.ErrorIs(t, err, ErrActivationClosed)
	assert.Empty(t, act.CheckTimeouts(h.clock.Now().Add(time.Hour)))
}
