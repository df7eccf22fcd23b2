// Package lifecycle drives agents through their state machine and runs the
// control loops (health, scaling, evolution, expiry) that keep the swarm
// within its configured bounds.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/events"
	"github.com/mtzanidakis/hivemind/internal/registry"
)

// seedConfidence scales swarm patterns handed to a newly spawned agent.
const seedConfidence = 0.5

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithPatternStore(ps *PatternStore) Option {
	return func(e *Engine) { e.patterns = ps }
}

// Engine is the lifecycle state machine. Every mutation of an agent runs
// under that agent's registry lock, so transitions on one agent never
// overlap and its events are published in order.
type Engine struct {
	reg      *registry.Registry
	cfg      config.LifecycleConfig
	evo      config.EvolutionConfig
	swarmID  string
	prov     ResourceProvisioner
	know     KnowledgeStore
	events   events.Publisher
	patterns *PatternStore
	now      func() time.Time

	queueMu sync.Mutex
	queue   []string
	queued  map[string]struct{}

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewEngine(reg *registry.Registry, cfg config.Config, prov ResourceProvisioner, know KnowledgeStore, pub events.Publisher, opts ...Option) *Engine {
	if prov == nil {
		prov = nopProvisioner{}
	}
	if know == nil {
		know = nopKnowledge{}
	}
	if pub == nil {
		pub = events.Discard{}
	}
	e := &Engine{
		reg:     reg,
		cfg:     cfg.Lifecycle,
		evo:     cfg.Evolution,
		swarmID: cfg.Swarm.ID,
		prov:    prov,
		know:    know,
		events:  pub,
		now:     time.Now,
		queued:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.patterns == nil {
		e.patterns = NewPatternStore()
	}
	return e
}

func (e *Engine) Registry() *registry.Registry    { return e.reg }
func (e *Engine) Patterns() *PatternStore         { return e.patterns }
func (e *Engine) Config() config.LifecycleConfig { return e.cfg }

// Spawn creates an agent and initializes it. An initialization failure
// terminates the agent and returns an *InitializationError; it is never
// retried.
func (e *Engine) Spawn(ctx context.Context, spec agent.SpawnSpec) (*agent.Agent, error) {
	if e.closed.Load() {
		return nil, ErrShuttingDown
	}

	now := e.now()
	swarmID := spec.SwarmID
	if swarmID == "" {
		swarmID = e.swarmID
	}
	a := &agent.Agent{
		ID:            uuid.NewString(),
		Type:          spec.Type,
		SwarmID:       swarmID,
		Capabilities:  append([]string(nil), spec.Capabilities...),
		State:         agent.StateSpawning,
		SpawnTime:     now,
		LastActivity:  now,
		LastEvolution: now,
		Generation:    spec.Generation,
		PendingTasks:  append([]string(nil), spec.PendingTasks...),
		Performance: agent.Performance{
			SuccessRate:  1,
			Efficiency:   1,
			Adaptability: 0.5,
		},
	}
	id := a.ID

	if err := e.reg.Insert(a, e.cfg.MaxAgents); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Type, err)
	}
	e.emit(events.AgentSpawned, id, map[string]any{
		"type":         spec.Type,
		"capabilities": spec.Capabilities,
		"generation":   spec.Generation,
		"swarm_id":     swarmID,
	})

	var failed bool
	err := e.reg.With(id, func(a *agent.Agent) error {
		a.State = agent.StateInitializing
		e.stateChanged(a, agent.StateSpawning, agent.StateInitializing, "spawn")

		if err := e.initialize(ctx, a); err != nil {
			failed = true
			a.State = agent.StateTerminated
			e.emit(events.AgentInitFailed, id, map[string]any{"error": err.Error()})
			e.stateChanged(a, agent.StateInitializing, agent.StateTerminated, "initialization failed")
			return err
		}

		a.State = agent.StateActive
		a.LastActivity = e.now()
		e.emit(events.AgentInitialized, id, map[string]any{
			"patterns": len(a.Learning.Patterns),
		})
		e.stateChanged(a, agent.StateInitializing, agent.StateActive, "initialized")
		return nil
	})
	if failed {
		e.reg.Remove(id)
		e.emit(events.AgentTerminated, id, map[string]any{"reason": "initialization failed"})
		slog.Error("agent initialization failed", "agent", id, "type", spec.Type, "error", err)
		return nil, &InitializationError{AgentID: id, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Type, err)
	}

	slog.Info("agent spawned", "agent", id, "type", spec.Type, "generation", spec.Generation)
	return e.reg.Get(id)
}

// initialize allocates resources, opens the control connection and seeds
// knowledge from the swarm pattern store.
func (e *Engine) initialize(ctx context.Context, a *agent.Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.prov.Allocate(ctx, a.ID); err != nil {
		return fmt.Errorf("allocate resources: %w", err)
	}
	if err := ctx.Err(); err != nil {
		if rerr := e.prov.Release(context.WithoutCancel(ctx), a.ID); rerr != nil {
			return errors.Join(err, fmt.Errorf("release resources: %w", rerr))
		}
		return err
	}
	a.Resources.ActiveConnections = 1
	a.Learning.Patterns = e.patterns.Seed(seedConfidence)
	return nil
}

// Transition moves an agent to state to, running the destination's side
// effect before the new state is committed. Hibernating agents must be
// woken with Wake.
func (e *Engine) Transition(ctx context.Context, id string, to agent.State, reason string) error {
	return e.transition(ctx, id, to, reason, false)
}

// Hibernate snapshots the agent and releases its resources.
func (e *Engine) Hibernate(ctx context.Context, id, reason string) error {
	return e.transition(ctx, id, agent.StateHibernating, reason, false)
}

// Wake returns a hibernating agent to Active, restoring its snapshot.
func (e *Engine) Wake(ctx context.Context, id string) error {
	return e.transition(ctx, id, agent.StateActive, "wake", true)
}

func (e *Engine) transition(ctx context.Context, id string, to agent.State, reason string, wake bool) error {
	var terminated bool
	err := e.reg.With(id, func(a *agent.Agent) error {
		from := a.State
		if from == agent.StateTerminated {
			// Terminated but not yet removed.
			return ErrAgentNotFound
		}
		if !agent.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		if to == agent.StateActive && (from != agent.StateHibernating || !wake) {
			if from == agent.StateHibernating {
				return ErrWakeRequired
			}
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}

		err := e.apply(ctx, a, from, to, reason)
		terminated = a.State == agent.StateTerminated
		if err == nil {
			a.LastActivity = e.now()
		}
		return err
	})

	if terminated {
		e.reg.Remove(id)
		e.dequeueEvolution(id)
		e.emit(events.AgentTerminated, id, map[string]any{"reason": reason})
		slog.Info("agent terminated", "agent", id, "reason", reason)
	}
	if errors.Is(err, ErrAgentNotFound) {
		return fmt.Errorf("transition %s to %s: %w", id, to, err)
	}
	return err
}

func (e *Engine) apply(ctx context.Context, a *agent.Agent, from, to agent.State, reason string) error {
	switch to {
	case agent.StateLearning:
		return e.runTransient(ctx, a, from, to, reason, e.learn, events.LearningCompleted, events.LearningFailed)
	case agent.StateEvolving:
		return e.runTransient(ctx, a, from, to, reason, e.evolve, events.EvolutionCompleted, events.EvolutionFailed)
	case agent.StateOptimizing:
		return e.runTransient(ctx, a, from, to, reason, e.optimize, events.OptimizationCompleted, events.OptimizationFailed)
	case agent.StateHibernating:
		return e.hibernate(ctx, a, from, reason)
	case agent.StateActive:
		return e.wake(ctx, a, from)
	case agent.StateRetiring:
		return e.retire(ctx, a, from, reason)
	case agent.StateTerminated:
		return e.terminate(ctx, a, from, reason)
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

type sideEffect func(a *agent.Agent, reason string) (map[string]any, error)

// runTransient applies effect to a copy and commits it only on success,
// so a failed side effect leaves the agent untouched.
func (e *Engine) runTransient(ctx context.Context, a *agent.Agent, from, to agent.State, reason string, effect sideEffect, done, failed events.Type) error {
	work := a.Clone()
	err := ctx.Err()
	var out map[string]any
	if err == nil {
		out, err = effect(work, reason)
	}
	if err != nil {
		e.emit(failed, a.ID, map[string]any{"reason": reason, "error": err.Error()})
		slog.Warn("transition side effect failed", "agent", a.ID, "state", to, "error", err)
		return &SideEffectError{AgentID: a.ID, State: to, Err: err}
	}

	work.ClampScores()
	*a = *work
	a.State = to
	e.stateChanged(a, from, to, reason)
	if out == nil {
		out = map[string]any{}
	}
	out["reason"] = reason
	e.emit(done, a.ID, out)
	a.State = agent.StateActive
	e.stateChanged(a, to, agent.StateActive, string(to)+" complete")
	return nil
}

func (e *Engine) hibernate(ctx context.Context, a *agent.Agent, from agent.State, reason string) error {
	snap := &agent.Snapshot{
		AgentID:     a.ID,
		State:       from,
		Performance: a.Performance,
		Learning:    a.Clone().Learning,
		Resources:   a.Resources,
		TakenAt:     e.now(),
	}

	var errs []error
	if err := e.know.PersistSnapshot(ctx, a.ID, *snap); err != nil {
		errs = append(errs, fmt.Errorf("persist snapshot: %w", err))
	}
	// Release runs even if persisting failed.
	if err := e.prov.Release(context.WithoutCancel(ctx), a.ID); err != nil {
		errs = append(errs, fmt.Errorf("release resources: %w", err))
	}

	a.Snapshot = snap
	a.Resources = agent.Resources{}
	a.State = agent.StateHibernating
	e.stateChanged(a, from, agent.StateHibernating, reason)

	if err := errors.Join(errs...); err != nil {
		e.emit(events.HibernationFailed, a.ID, map[string]any{"reason": reason, "error": err.Error()})
		slog.Warn("hibernation incomplete", "agent", a.ID, "error", err)
		return &SideEffectError{AgentID: a.ID, State: agent.StateHibernating, Err: err}
	}
	e.emit(events.AgentHibernated, a.ID, map[string]any{"reason": reason})
	slog.Info("agent hibernated", "agent", a.ID, "reason", reason)
	return nil
}

func (e *Engine) wake(ctx context.Context, a *agent.Agent, from agent.State) error {
	if err := e.prov.Allocate(ctx, a.ID); err != nil {
		e.emit(events.WakeFailed, a.ID, map[string]any{"error": err.Error()})
		return &SideEffectError{AgentID: a.ID, State: agent.StateActive, Err: fmt.Errorf("allocate resources: %w", err)}
	}

	restored := false
	if s := a.Snapshot; s != nil {
		a.Performance = s.Performance
		a.Learning = s.Learning
		restored = true
	}
	a.Snapshot = nil
	a.Unresponsive = false
	a.Resources.ActiveConnections = 1
	a.State = agent.StateActive
	e.stateChanged(a, from, agent.StateActive, "wake")
	e.emit(events.AgentAwakened, a.ID, map[string]any{"restored": restored})
	slog.Info("agent awakened", "agent", a.ID, "restored", restored)
	return nil
}

// retire hands the agent's knowledge to the swarm, drains its pending
// work and always ends in Terminated.
func (e *Engine) retire(ctx context.Context, a *agent.Agent, from agent.State, reason string) error {
	a.State = agent.StateRetiring
	e.stateChanged(a, from, agent.StateRetiring, reason)

	var errs []error
	patterns := a.Clone().Learning.Patterns
	if len(patterns) > 0 {
		e.patterns.Merge(patterns)
		if err := e.know.ArchivePatterns(ctx, a.ID, patterns); err != nil {
			errs = append(errs, fmt.Errorf("archive patterns: %w", err))
		}
	}

	drained := a.PendingTasks
	a.PendingTasks = nil

	if err := e.know.ArchiveMetrics(ctx, a.Clone()); err != nil {
		errs = append(errs, fmt.Errorf("archive metrics: %w", err))
	}
	if err := e.prov.Release(context.WithoutCancel(ctx), a.ID); err != nil {
		errs = append(errs, fmt.Errorf("release resources: %w", err))
	}
	a.Resources = agent.Resources{}

	data := map[string]any{
		"reason":        reason,
		"patterns":      len(patterns),
		"drained_tasks": drained,
		"generation":    a.Generation,
		"success_rate":  a.Performance.SuccessRate,
	}
	err := errors.Join(errs...)
	if err != nil {
		data["error"] = err.Error()
		e.emit(events.RetirementFailed, a.ID, data)
		slog.Warn("retirement incomplete", "agent", a.ID, "error", err)
	} else {
		e.emit(events.AgentRetired, a.ID, data)
		slog.Info("agent retired", "agent", a.ID, "reason", reason, "drained_tasks", len(drained))
	}

	a.State = agent.StateTerminated
	e.stateChanged(a, agent.StateRetiring, agent.StateTerminated, "retired")
	if err != nil {
		return &SideEffectError{AgentID: a.ID, State: agent.StateRetiring, Err: err}
	}
	return nil
}

func (e *Engine) terminate(ctx context.Context, a *agent.Agent, from agent.State, reason string) error {
	err := e.prov.Release(context.WithoutCancel(ctx), a.ID)
	a.Resources = agent.Resources{}
	a.State = agent.StateTerminated
	e.stateChanged(a, from, agent.StateTerminated, reason)
	if err != nil {
		e.emit(events.TerminationFailed, a.ID, map[string]any{"reason": reason, "error": err.Error()})
		return &SideEffectError{AgentID: a.ID, State: agent.StateTerminated, Err: fmt.Errorf("release resources: %w", err)}
	}
	return nil
}

// RecordActivity folds one finished task into the agent's running
// statistics and queues the agent for evolution when it qualifies.
func (e *Engine) RecordActivity(id string, act agent.Activity) error {
	var queue bool
	err := e.reg.With(id, func(a *agent.Agent) error {
		if a.State != agent.StateActive {
			return fmt.Errorf("%w: %s is %s", ErrNotActive, id, a.State)
		}
		at := act.At
		if at.IsZero() {
			at = e.now()
		}

		p := &a.Performance
		total := float64(p.TotalTasks())
		p.AvgResponseTime = time.Duration((float64(p.AvgResponseTime)*total + float64(act.ResponseTime)) / (total + 1))

		eff := 0.0
		if act.Success {
			p.TasksCompleted++
			eff = e.taskEfficiency(act.ResponseTime)
		} else {
			p.TasksFailed++
		}
		p.Efficiency = (p.Efficiency*total + eff) / (total + 1)
		p.SuccessRate = float64(p.TasksCompleted) / float64(p.TotalTasks())

		exps := append(a.Learning.Experiences, agent.Experience{
			Task:         act.Task,
			Pattern:      act.Pattern,
			Success:      act.Success,
			ResponseTime: act.ResponseTime,
			At:           at,
		})
		if limit := e.cfg.MaxExperiences; limit > 0 && len(exps) > limit {
			exps = append(exps[:0], exps[len(exps)-limit:]...)
		}
		a.Learning.Experiences = exps
		a.LastActivity = at
		a.Unresponsive = false
		a.ClampScores()

		e.emit(events.AgentActivity, id, map[string]any{
			"task":          act.Task,
			"success":       act.Success,
			"response_time": act.ResponseTime.Milliseconds(),
			"success_rate":  p.SuccessRate,
		})

		queue = len(exps) >= e.evo.MinExperiences &&
			(p.SuccessRate < e.evo.SuccessRateTrigger || e.now().Sub(a.LastEvolution) > e.evo.Interval)
		return nil
	})
	if err != nil {
		return err
	}
	if queue {
		e.queueEvolution(id)
	}
	return nil
}

func (e *Engine) taskEfficiency(rt time.Duration) float64 {
	if rt <= 0 || e.cfg.TargetResponseTime <= 0 {
		return 1
	}
	return min(1, float64(e.cfg.TargetResponseTime)/float64(rt))
}

// ReportResources replaces the agent's observed resource usage.
func (e *Engine) ReportResources(id string, r agent.Resources) error {
	return e.reg.With(id, func(a *agent.Agent) error {
		if a.State == agent.StateHibernating {
			return fmt.Errorf("%w: %s is hibernating", ErrNotActive, id)
		}
		a.Resources = r
		a.ClampScores()
		return nil
	})
}

// MarkUnresponsive flags an agent that missed a heartbeat. Activity
// clears the flag.
func (e *Engine) MarkUnresponsive(id string) error {
	return e.reg.With(id, func(a *agent.Agent) error {
		if a.Unresponsive {
			return nil
		}
		a.Unresponsive = true
		e.emit(events.AgentUnresponsive, id, map[string]any{"state": a.State})
		return nil
	})
}

// ForceTerminate stops an agent. With a positive grace period it first
// tries to retire gracefully within that period. Unknown ids are a no-op.
func (e *Engine) ForceTerminate(ctx context.Context, id string, grace time.Duration) error {
	if !e.reg.Has(id) {
		return nil
	}

	if grace > 0 {
		gctx, cancel := context.WithTimeout(ctx, grace)
		err := e.Transition(gctx, id, agent.StateRetiring, "force terminate")
		cancel()
		if !e.reg.Has(id) {
			return err
		}
		slog.Warn("graceful retirement failed, terminating", "agent", id, "error", err)
	}

	err := e.Transition(context.WithoutCancel(ctx), id, agent.StateTerminated, "force terminate")
	if errors.Is(err, ErrAgentNotFound) {
		return nil
	}
	return err
}

// ForceTerminateSwarm force-terminates every agent of swarmID and returns
// how many were stopped.
func (e *Engine) ForceTerminateSwarm(ctx context.Context, swarmID string, grace time.Duration) (int, error) {
	var errs []error
	n := 0
	for _, a := range e.reg.List() {
		if a.SwarmID != swarmID {
			continue
		}
		if err := e.ForceTerminate(ctx, a.ID, grace); err != nil {
			errs = append(errs, err)
		}
		if !e.reg.Has(a.ID) {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Shutdown refuses new spawns and terminates every agent directly,
// without retiring. Later calls return the first result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.closed.Store(true)
		var errs []error
		for _, id := range e.reg.IDs() {
			err := e.Transition(ctx, id, agent.StateTerminated, "shutdown")
			if err != nil && !errors.Is(err, ErrAgentNotFound) {
				errs = append(errs, err)
			}
		}
		e.shutdownErr = errors.Join(errs...)
		slog.Info("lifecycle engine shut down")
	})
	return e.shutdownErr
}

func (e *Engine) queueEvolution(id string) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if _, ok := e.queued[id]; ok {
		return
	}
	e.queued[id] = struct{}{}
	e.queue = append(e.queue, id)
}

func (e *Engine) dequeueEvolution(id string) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if _, ok := e.queued[id]; !ok {
		return
	}
	delete(e.queued, id)
	for i, q := range e.queue {
		if q == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
}

// DrainEvolutionQueue returns and clears the ids queued for evolution, in
// the order they were queued.
func (e *Engine) DrainEvolutionQueue() []string {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	out := e.queue
	e.queue = nil
	clear(e.queued)
	return out
}

func (e *Engine) stateChanged(a *agent.Agent, from, to agent.State, reason string) {
	e.emit(events.AgentStateChanged, a.ID, map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
}

func (e *Engine) emit(t events.Type, id string, data map[string]any) {
	e.events.Publish(events.Event{Type: t, AgentID: id, Timestamp: e.now().UTC(), Data: data})
}
