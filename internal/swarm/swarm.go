// Package swarm wires the lifecycle engine, its control loops and the
// coordination manager into one running swarm.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/coordination"
	"github.com/mtzanidakis/hivemind/internal/events"
	"github.com/mtzanidakis/hivemind/internal/lifecycle"
	"github.com/mtzanidakis/hivemind/internal/provisioner"
	"github.com/mtzanidakis/hivemind/internal/registry"
	"github.com/mtzanidakis/hivemind/internal/schedule"
	"github.com/mtzanidakis/hivemind/internal/scheduler"
)

// Names of the registered control loops.
const (
	TaskMetrics      = "metrics"
	TaskHealth       = "health"
	TaskScaler       = "scaler"
	TaskEvolution    = "evolution"
	TaskReaper       = "reaper"
	TaskCoordination = "coordination"
)

// Deps are the optional collaborators of a swarm. Nil fields fall back
// to in-memory or no-op implementations.
type Deps struct {
	Bus         *events.Bus
	Provisioner provisioner.Provisioner
	Knowledge   lifecycle.KnowledgeStore
	Policies    lifecycle.PolicyPersister
	History     coordination.HistorySink
	Notifier    coordination.Notifier
	Relay       coordination.Relay
	Clock       func() time.Time
}

type Swarm struct {
	cfg   config.Config
	bus   *events.Bus
	reg   *registry.Registry
	prov  provisioner.Provisioner
	sched *scheduler.Scheduler

	engine    *lifecycle.Engine
	ttl       *lifecycle.TTLTable
	health    *lifecycle.HealthMonitor
	scaler    *lifecycle.AutoScaler
	evolution *lifecycle.EvolutionEngine
	reaper    *lifecycle.Reaper
	sampler   *lifecycle.RegistrySampler
	coord     *coordination.Manager

	mu           sync.Mutex
	work         coordination.WorkStructure
	hasWork      bool
	dirty        bool
	protocolID   string
	activationID string
	lastHealth   lifecycle.HealthReport
	lastScale    lifecycle.ScaleDecision
	lastSweep    coordination.SweepReport

	unsubscribe  func()
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg config.Config, deps Deps) (*Swarm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Provisioner == nil {
		deps.Provisioner = provisioner.NewLocal(cfg.Provisioner.Capacity)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	s := &Swarm{
		cfg:   cfg,
		bus:   deps.Bus,
		reg:   registry.New(),
		prov:  deps.Provisioner,
		sched: scheduler.New(),
	}

	s.engine = lifecycle.NewEngine(s.reg, cfg, deps.Provisioner, deps.Knowledge, s.bus, lifecycle.WithClock(deps.Clock))
	s.ttl = lifecycle.NewTTLTable(cfg.Lifecycle.DefaultTTL, deps.Policies)
	s.sampler = lifecycle.NewRegistrySampler(s.reg)
	s.health = lifecycle.NewHealthMonitor(s.engine, cfg.Health, s.ttl)
	s.scaler = lifecycle.NewAutoScaler(s.engine, s.sampler, cfg)
	s.evolution = lifecycle.NewEvolutionEngine(s.engine, cfg.Evolution)
	s.reaper = lifecycle.NewReaper(s.engine, s.ttl, deps.Provisioner)
	deps.Provisioner.SetOwnerCheck(s.reg.Has)

	opts := []coordination.Option{
		coordination.WithClock(deps.Clock),
		coordination.WithAgentInfo(s.spawnTime),
		coordination.WithArbiter(coordination.LevelTeamLeader, coordination.ArbiterFunc(s.teamLeaderDecision)),
		coordination.WithArbiter(coordination.LevelCoordinator, coordination.ArbiterFunc(s.coordinatorDecision)),
	}
	if deps.Relay != nil {
		opts = append(opts, coordination.WithRelay(deps.Relay))
	}
	if deps.Notifier != nil {
		opts = append(opts, coordination.WithNotifier(deps.Notifier))
	}
	if deps.History != nil {
		opts = append(opts, coordination.WithHistorySink(deps.History))
	}
	s.coord = coordination.NewManager(cfg.Coordination, s.bus, opts...)

	s.unsubscribe = s.bus.Subscribe(func(events.Event) { s.markDirty() },
		events.AgentStateChanged, events.AgentTerminated)

	if err := s.registerTasks(); err != nil {
		s.unsubscribe()
		return nil, err
	}
	return s, nil
}

func (s *Swarm) registerTasks() error {
	tasks := []struct {
		name string
		expr string
		fn   scheduler.TaskFunc
	}{
		{TaskMetrics, s.cfg.Schedules.Metrics, s.sampleMetrics},
		{TaskHealth, s.cfg.Schedules.Health, s.checkHealth},
		{TaskScaler, s.cfg.Schedules.Scaler, s.autoscale},
		{TaskEvolution, s.cfg.Schedules.Evolution, s.evolve},
		{TaskReaper, s.cfg.Schedules.Reaper, s.reap},
		{TaskCoordination, s.cfg.Schedules.Coordination, s.Coordinate},
	}
	for _, t := range tasks {
		sched, err := schedule.Parse(t.expr)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", t.name, err)
		}
		if err := s.sched.Register(t.name, sched, t.fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Swarm) Bus() *events.Bus                      { return s.bus }
func (s *Swarm) Engine() *lifecycle.Engine             { return s.engine }
func (s *Swarm) Registry() *registry.Registry          { return s.reg }
func (s *Swarm) TTL() *lifecycle.TTLTable              { return s.ttl }
func (s *Swarm) Reaper() *lifecycle.Reaper             { return s.reaper }
func (s *Swarm) Coordination() *coordination.Manager   { return s.coord }
func (s *Swarm) Scheduler() *scheduler.Scheduler       { return s.sched }
func (s *Swarm) Config() config.Config                 { return s.cfg }
func (s *Swarm) Sampler() *lifecycle.RegistrySampler   { return s.sampler }
func (s *Swarm) Evolution() *lifecycle.EvolutionEngine { return s.evolution }

// Start loads persisted TTL policies, spawns workers up to the minimum
// agent count and starts the control loops.
func (s *Swarm) Start(ctx context.Context) error {
	if err := s.ttl.Load(ctx); err != nil {
		return err
	}
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	s.sched.Start(ctx)
	slog.Info("swarm started", "swarm", s.cfg.Swarm.ID, "agents", s.reg.Len())
	return nil
}

func (s *Swarm) bootstrap(ctx context.Context) error {
	var errs []error
	for s.reg.Len() < s.cfg.Lifecycle.MinAgents {
		if _, err := s.SpawnWorker(ctx); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return errors.Join(errs...)
}

// SpawnWorker spawns an agent of the swarm's default worker type.
func (s *Swarm) SpawnWorker(ctx context.Context) (*agent.Agent, error) {
	return s.Spawn(ctx, s.cfg.Swarm.WorkerType, s.cfg.Swarm.WorkerCapability)
}

func (s *Swarm) Spawn(ctx context.Context, agentType string, caps []string, opts ...agent.SpawnOption) (*agent.Agent, error) {
	opts = append([]agent.SpawnOption{agent.WithSwarm(s.cfg.Swarm.ID)}, opts...)
	spec, err := agent.NewSpawnSpec(agentType, caps, opts...)
	if err != nil {
		return nil, err
	}
	return s.engine.Spawn(ctx, spec)
}

// TerminateSwarm force-terminates every agent of this swarm.
func (s *Swarm) TerminateSwarm(ctx context.Context, grace time.Duration) (int, error) {
	return s.engine.ForceTerminateSwarm(ctx, s.cfg.Swarm.ID, grace)
}

// Shutdown stops the control loops and escalations, then terminates
// every agent. Later calls return the first result.
func (s *Swarm) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.sched.Stop()
		s.coord.Close()
		s.shutdownErr = s.engine.Shutdown(ctx)
		s.unsubscribe()
		slog.Info("swarm stopped", "swarm", s.cfg.Swarm.ID)
	})
	return s.shutdownErr
}

func (s *Swarm) sampleMetrics(ctx context.Context) error {
	_, err := lifecycle.PublishMetrics(ctx, s.sampler, s.bus)
	return err
}

func (s *Swarm) checkHealth(ctx context.Context) error {
	rep := s.health.Sweep(ctx)
	s.mu.Lock()
	s.lastHealth = rep
	s.mu.Unlock()
	return nil
}

func (s *Swarm) autoscale(ctx context.Context) error {
	d, err := s.scaler.Evaluate(ctx)
	s.mu.Lock()
	s.lastScale = d
	s.mu.Unlock()
	return err
}

func (s *Swarm) evolve(ctx context.Context) error {
	s.evolution.Sweep(ctx)
	return nil
}

func (s *Swarm) reap(ctx context.Context) error {
	st := s.reaper.Sweep(ctx)
	if st.LastError != "" {
		return errors.New(st.LastError)
	}
	return nil
}

func (s *Swarm) spawnTime(id string) (time.Time, bool) {
	a, err := s.reg.Get(id)
	if err != nil {
		return time.Time{}, false
	}
	return a.SpawnTime, true
}

// Status is a point-in-time view of the swarm.
type Status struct {
	SwarmID            string                   `json:"swarm_id"`
	Agents             registry.Stats           `json:"agents"`
	Protocol           string                   `json:"protocol,omitempty"`
	Activation         string                   `json:"activation,omitempty"`
	PendingEscalations int                      `json:"pending_escalations"`
	Health             lifecycle.HealthReport   `json:"health"`
	Scale              lifecycle.ScaleDecision  `json:"scale"`
	Cleanup            lifecycle.CleanupStatus  `json:"cleanup"`
	Coordination       coordination.SweepReport `json:"coordination"`
	Tasks              []scheduler.TaskStatus   `json:"tasks"`
}

func (s *Swarm) Status() Status {
	s.mu.Lock()
	st := Status{
		SwarmID:      s.cfg.Swarm.ID,
		Protocol:     s.protocolID,
		Activation:   s.activationID,
		Health:       s.lastHealth,
		Scale:        s.lastScale,
		Coordination: s.lastSweep,
	}
	s.mu.Unlock()

	st.Agents = s.reg.Stats()
	st.PendingEscalations = len(s.coord.PendingEscalations())
	st.Cleanup = s.reaper.Status()
	st.Tasks = s.sched.Status()
	return st
}
