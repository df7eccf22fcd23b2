package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/events"
)

type ScaleDirection string

const (
	ScaleNone ScaleDirection = "none"
	ScaleUp   ScaleDirection = "up"
	ScaleDown ScaleDirection = "down"
)

type ScaleDecision struct {
	Direction ScaleDirection `json:"direction"`
	AvgCPU    float64        `json:"avg_cpu"`
	Count     int            `json:"count"`
	Requested int            `json:"requested"`
	Applied   int            `json:"applied"`
	Agents    []string       `json:"agents,omitempty"`
}

// AutoScaler keeps the agent count within [min, max] and follows the
// swarm's average CPU load.
type AutoScaler struct {
	engine  *Engine
	metrics MetricsSource
	cfg     config.ScalerConfig
	lc      config.LifecycleConfig
	swarm   config.SwarmConfig
}

func NewAutoScaler(engine *Engine, metrics MetricsSource, cfg config.Config) *AutoScaler {
	return &AutoScaler{
		engine:  engine,
		metrics: metrics,
		cfg:     cfg.Scaler,
		lc:      cfg.Lifecycle,
		swarm:   cfg.Swarm,
	}
}

// ScaleUpCount is min(ceil((avgCPU-high)*factor), max-count).
func ScaleUpCount(avgCPU, high, factor float64, count, maxAgents int) int {
	if avgCPU <= high || count >= maxAgents {
		return 0
	}
	return min(ceilCount((avgCPU-high)*factor), maxAgents-count)
}

// ScaleDownCount is min(ceil((low-avgCPU)*factor), count-min).
func ScaleDownCount(avgCPU, low, factor float64, count, minAgents int) int {
	if avgCPU >= low || count <= minAgents {
		return 0
	}
	return min(ceilCount((low-avgCPU)*factor), count-minAgents)
}

// ceilCount rounds x up to a whole count, ignoring float noise below 1e-9
// so that 2.0000000000000004 counts as 2.
func ceilCount(x float64) int {
	return int(math.Ceil(math.Round(x*1e9) / 1e9))
}

// Evaluate samples metrics and spawns or retires agents as needed.
// Failures on individual agents are logged and do not stop the pass.
func (s *AutoScaler) Evaluate(ctx context.Context) (ScaleDecision, error) {
	m, err := s.metrics.SampleSystemMetrics(ctx)
	if err != nil {
		return ScaleDecision{Direction: ScaleNone}, fmt.Errorf("sample metrics: %w", err)
	}
	count := s.engine.Registry().Len()
	d := ScaleDecision{Direction: ScaleNone, AvgCPU: m.AvgCPU, Count: count}

	if count < s.lc.MinAgents {
		d.Direction = ScaleUp
		d.Requested = s.lc.MinAgents - count
		s.spawn(ctx, &d, "below_min_agents")
		return d, nil
	}

	if n := ScaleUpCount(m.AvgCPU, s.cfg.HighCPU, s.cfg.UpFactor, count, s.lc.MaxAgents); n > 0 {
		d.Direction = ScaleUp
		d.Requested = n
		s.spawn(ctx, &d, "high_cpu")
		return d, nil
	}

	if n := ScaleDownCount(m.AvgCPU, s.cfg.LowCPU, s.cfg.DownFactor, count, s.lc.MinAgents); n > 0 {
		d.Direction = ScaleDown
		d.Requested = n
		s.retire(ctx, &d)
	}
	return d, nil
}

func (s *AutoScaler) spawn(ctx context.Context, d *ScaleDecision, cause string) {
	gen := int(math.Round(s.engine.Registry().Stats().AvgGeneration)) + 1

	for range d.Requested {
		spec, err := agent.NewSpawnSpec(s.swarm.WorkerType, s.swarm.WorkerCapability,
			agent.WithGeneration(gen), agent.WithSwarm(s.swarm.ID))
		if err != nil {
			slog.Error("invalid worker spec", "error", err)
			return
		}
		a, err := s.engine.Spawn(ctx, spec)
		if err != nil {
			slog.Warn("auto-scale spawn failed", "error", err)
			continue
		}
		d.Applied++
		d.Agents = append(d.Agents, a.ID)
	}

	s.engine.emit(events.AutoScaledUp, "", map[string]any{
		"cause":      cause,
		"avg_cpu":    d.AvgCPU,
		"requested":  d.Requested,
		"spawned":    d.Applied,
		"generation": gen,
		"agents":     d.Agents,
	})
	slog.Info("scaled up", "cause", cause, "avg_cpu", d.AvgCPU, "requested", d.Requested, "spawned", d.Applied)
}

type retireCandidate struct {
	id    string
	score float64
}

func (s *AutoScaler) retire(ctx context.Context, d *ScaleDecision) {
	now := s.engine.now()
	divisor := s.cfg.AgeDivisor
	if divisor <= 0 {
		divisor = 1
	}

	var candidates []retireCandidate
	for _, a := range s.engine.Registry().ListState(agent.StateActive) {
		ageMs := float64(a.Age(now).Milliseconds())
		candidates = append(candidates, retireCandidate{id: a.ID, score: a.Performance.SuccessRate - ageMs/divisor})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	for _, c := range candidates {
		if d.Applied >= d.Requested {
			break
		}
		if s.engine.Registry().Len() <= s.lc.MinAgents {
			break
		}
		if err := s.engine.Transition(ctx, c.id, agent.StateRetiring, "auto-scale down"); err != nil {
			slog.Warn("auto-scale retire failed", "agent", c.id, "error", err)
			if s.engine.Registry().Has(c.id) {
				continue
			}
		}
		d.Applied++
		d.Agents = append(d.Agents, c.id)
	}

	s.engine.emit(events.AutoScaledDown, "", map[string]any{
		"avg_cpu":   d.AvgCPU,
		"requested": d.Requested,
		"retired":   d.Applied,
		"agents":    d.Agents,
	})
	slog.Info("scaled down", "avg_cpu", d.AvgCPU, "requested", d.Requested, "retired", d.Applied)
}
