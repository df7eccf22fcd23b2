package lifecycle

import (
	"errors"
	"sort"

	"github.com/mtzanidakis/hivemind/internal/agent"
)

const (
	// resourceReduction is applied to a resource above its threshold.
	resourceReduction = 0.7
	efficiencyBoost   = 0.1
)

// learn mines the experience log into pattern confidences and derives
// skill level from the amount of experience.
func (e *Engine) learn(a *agent.Agent, _ string) (map[string]any, error) {
	exps := a.Learning.Experiences
	if len(exps) == 0 {
		return nil, errors.New("no experiences to learn from")
	}

	type tally struct{ seen, succeeded int }
	counts := make(map[string]*tally)
	for _, x := range exps {
		key := x.Pattern
		if key == "" {
			key = x.Task
		}
		if key == "" {
			continue
		}
		t, ok := counts[key]
		if !ok {
			t = &tally{}
			counts[key] = t
		}
		t.seen++
		if x.Success {
			t.succeeded++
		}
	}

	if a.Learning.Patterns == nil {
		a.Learning.Patterns = make(map[string]float64, len(counts))
	}
	for p, t := range counts {
		a.Learning.Patterns[p] = float64(t.succeeded) / float64(t.seen)
	}

	skillBase := max(e.evo.SkillExperiences, 1)
	a.Learning.SkillLevel = min(1, float64(len(exps))/float64(skillBase))

	if n := len(a.Learning.Patterns); n > 0 {
		sum := 0.0
		for _, c := range a.Learning.Patterns {
			sum += c
		}
		a.Performance.Adaptability = agent.Clamp01(sum / float64(n))
	}

	return map[string]any{
		"patterns":    len(a.Learning.Patterns),
		"mined":       len(counts),
		"skill_level": a.Learning.SkillLevel,
	}, nil
}

// evolve recomputes fitness, applies every candidate mutation whose
// benefit exceeds its cost and advances the generation.
func (e *Engine) evolve(a *agent.Agent, _ string) (map[string]any, error) {
	now := e.now()
	before := Fitness(a, e.evo.Weights)
	a.Evolution.Fitness = before

	var applied []string
	for _, m := range mutations {
		benefit, cost := m.benefit(a, before), m.cost(a)
		if benefit <= cost {
			continue
		}
		m.apply(a)
		a.ClampScores()
		a.Evolution.Mutations = append(a.Evolution.Mutations, agent.Mutation{
			Name:       m.name,
			Benefit:    benefit,
			Cost:       cost,
			Generation: a.Generation + 1,
			AppliedAt:  now,
		})
		applied = append(applied, m.name)
	}

	a.Generation++
	a.LastEvolution = now
	a.Evolution.Fitness = Fitness(a, e.evo.Weights)

	return map[string]any{
		"generation":     a.Generation,
		"fitness_before": before,
		"fitness":        a.Evolution.Fitness,
		"mutations":      applied,
	}, nil
}

// optimize reduces only the resources above their thresholds. When none
// is over, it boosts efficiency instead.
func (e *Engine) optimize(a *agent.Agent, reason string) (map[string]any, error) {
	r := &a.Resources
	var applied []string
	if r.MemoryUsage > e.cfg.MemoryThreshold {
		r.MemoryUsage *= resourceReduction
		applied = append(applied, "memory")
	}
	if r.CPUUsage > e.cfg.CPUThreshold {
		r.CPUUsage *= resourceReduction
		applied = append(applied, "cpu")
	}
	if e.cfg.MaxConnections > 0 && r.ActiveConnections > e.cfg.MaxConnections {
		r.ActiveConnections = e.cfg.MaxConnections
		applied = append(applied, "connections")
	}
	if len(applied) == 0 {
		a.Performance.Efficiency = agent.Clamp01(a.Performance.Efficiency + efficiencyBoost)
		applied = append(applied, "efficiency_boost")
	}
	sort.Strings(applied)

	return map[string]any{
		"cause":        reason,
		"optimization": applied,
	}, nil
}
