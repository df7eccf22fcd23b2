package lifecycle

import (
	"context"
	"log/slog"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/registry"
)

// Fitness combines success rate, efficiency, skill and resource thrift
// with the configured weights.
func Fitness(a *agent.Agent, w config.FitnessWeights) float64 {
	return agent.Clamp01(w.SuccessRate*a.Performance.SuccessRate +
		w.Efficiency*a.Performance.Efficiency +
		w.Skill*a.Learning.SkillLevel +
		w.Thrift*(1-a.Resources.CPUUsage))
}

type mutation struct {
	name string
	// benefit is scaled by the room left above the current fitness, so
	// fitter agents mutate less.
	benefit func(a *agent.Agent, fitness float64) float64
	cost    func(a *agent.Agent) float64
	apply   func(a *agent.Agent)
}

var mutations = []mutation{
	{
		name: "efficiency_boost",
		benefit: func(a *agent.Agent, f float64) float64 {
			return (1 - a.Performance.Efficiency) * (1 - f)
		},
		cost: func(a *agent.Agent) float64 { return 0.2 * a.Resources.CPUUsage },
		apply: func(a *agent.Agent) {
			a.Performance.Efficiency += (1 - a.Performance.Efficiency) * 0.25
		},
	},
	{
		name: "resource_thrift",
		benefit: func(a *agent.Agent, f float64) float64 {
			return (a.Resources.CPUUsage + a.Resources.MemoryUsage) / 2 * (1 - f)
		},
		cost: func(a *agent.Agent) float64 { return 0.1 * (1 - a.Performance.Efficiency) },
		apply: func(a *agent.Agent) {
			a.Resources.CPUUsage *= 0.9
			a.Resources.MemoryUsage *= 0.9
		},
	},
	{
		name: "learning_acceleration",
		benefit: func(a *agent.Agent, f float64) float64 {
			return (1 - a.Learning.SkillLevel) * (1 - f)
		},
		cost: func(a *agent.Agent) float64 { return 0.1 },
		apply: func(a *agent.Agent) {
			a.Learning.SkillLevel += 0.05
			a.Performance.Adaptability += 0.05
		},
	},
	{
		name: "specialization",
		benefit: func(a *agent.Agent, f float64) float64 {
			best := 0.0
			for _, c := range a.Learning.Patterns {
				best = max(best, c)
			}
			return best * (1 - f)
		},
		cost: func(a *agent.Agent) float64 { return 0.2 * a.Performance.Adaptability },
		apply: func(a *agent.Agent) {
			a.Performance.Efficiency += 0.05
			a.Performance.Adaptability -= 0.02
		},
	},
}

// EvolutionEngine periodically moves qualifying agents through Learning
// and Evolving.
type EvolutionEngine struct {
	engine *Engine
	reg    *registry.Registry
	cfg    config.EvolutionConfig
}

func NewEvolutionEngine(engine *Engine, cfg config.EvolutionConfig) *EvolutionEngine {
	return &EvolutionEngine{engine: engine, reg: engine.Registry(), cfg: cfg}
}

// Sweep evolves the queued agents plus every Active agent with enough
// experience whose last evolution is older than the interval. It returns
// how many agents evolved.
func (ev *EvolutionEngine) Sweep(ctx context.Context) int {
	now := ev.engine.now()

	candidates := ev.engine.DrainEvolutionQueue()
	seen := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		seen[id] = struct{}{}
	}
	for _, a := range ev.reg.ListState(agent.StateActive) {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		if len(a.Learning.Experiences) >= ev.cfg.MinExperiences && now.Sub(a.LastEvolution) > ev.cfg.Interval {
			candidates = append(candidates, a.ID)
			seen[a.ID] = struct{}{}
		}
	}

	evolved := 0
	for _, id := range candidates {
		if ctx.Err() != nil {
			break
		}
		a, err := ev.reg.Get(id)
		if err != nil || a.State != agent.StateActive {
			continue
		}
		if len(a.Learning.Experiences) > 0 {
			if err := ev.engine.Transition(ctx, id, agent.StateLearning, "pre-evolution learning"); err != nil {
				slog.Warn("learning before evolution failed", "agent", id, "error", err)
			}
		}
		if err := ev.engine.Transition(ctx, id, agent.StateEvolving, "evolution sweep"); err != nil {
			slog.Warn("evolution failed", "agent", id, "error", err)
			continue
		}
		evolved++
	}
	if evolved > 0 {
		slog.Info("evolution sweep", "evolved", evolved, "candidates", len(candidates))
	}
	return evolved
}
