package agent

import (
	"maps"
	"slices"
	"time"
)

type Agent struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	SwarmID       string      `json:"swarm_id"`
	Capabilities  []string    `json:"capabilities"`
	State         State       `json:"state"`
	SpawnTime     time.Time   `json:"spawn_time"`
	LastActivity  time.Time   `json:"last_activity"`
	LastEvolution time.Time   `json:"last_evolution"`
	Generation    int         `json:"generation"`
	Performance   Performance `json:"performance"`
	Resources     Resources   `json:"resources"`
	Learning      Learning    `json:"learning"`
	Evolution     Evolution   `json:"evolution"`
	PendingTasks  []string    `json:"pending_tasks,omitempty"`
	Unresponsive  bool        `json:"unresponsive,omitempty"`
	Snapshot      *Snapshot   `json:"-"`
}

type Performance struct {
	TasksCompleted  int           `json:"tasks_completed"`
	TasksFailed     int           `json:"tasks_failed"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	SuccessRate     float64       `json:"success_rate"`
	Efficiency      float64       `json:"efficiency"`
	Adaptability    float64       `json:"adaptability"`
}

// TotalTasks is the number of finished tasks, successful or not.
func (p Performance) TotalTasks() int {
	return p.TasksCompleted + p.TasksFailed
}

type Resources struct {
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       float64 `json:"memory_usage"`
	ActiveConnections int     `json:"active_connections"`
}

type Learning struct {
	Experiences []Experience       `json:"experiences,omitempty"`
	Patterns    map[string]float64 `json:"patterns,omitempty"`
	SkillLevel  float64            `json:"skill_level"`
}

type Experience struct {
	Task         string        `json:"task,omitempty"`
	Pattern      string        `json:"pattern,omitempty"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	At           time.Time     `json:"at"`
}

type Evolution struct {
	Mutations []Mutation `json:"mutations,omitempty"`
	Fitness   float64    `json:"fitness"`
}

type Mutation struct {
	Name       string    `json:"name"`
	Benefit    float64   `json:"benefit"`
	Cost       float64   `json:"cost"`
	Generation int       `json:"generation"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Snapshot is the state captured when an agent hibernates.
type Snapshot struct {
	AgentID     string      `json:"agent_id"`
	State       State       `json:"state"`
	Performance Performance `json:"performance"`
	Learning    Learning    `json:"learning"`
	Resources   Resources   `json:"resources"`
	TakenAt     time.Time   `json:"taken_at"`
}

// Activity is one observed unit of agent work.
type Activity struct {
	Task         string        `json:"task,omitempty"`
	Pattern      string        `json:"pattern,omitempty"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	At           time.Time     `json:"at,omitzero"`
}

// HasCapability reports whether the agent advertises capability c.
func (a *Agent) HasCapability(c string) bool {
	return slices.Contains(a.Capabilities, c)
}

// Age returns the time since spawn.
func (a *Agent) Age(now time.Time) time.Duration {
	return now.Sub(a.SpawnTime)
}

// Clone returns a deep copy that shares no mutable state with a.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	c.PendingTasks = slices.Clone(a.PendingTasks)
	c.Learning = a.Learning.clone()
	c.Evolution.Mutations = slices.Clone(a.Evolution.Mutations)
	if a.Snapshot != nil {
		s := *a.Snapshot
		s.Learning = a.Snapshot.Learning.clone()
		c.Snapshot = &s
	}
	return &c
}

func (l Learning) clone() Learning {
	l.Experiences = slices.Clone(l.Experiences)
	l.Patterns = maps.Clone(l.Patterns)
	return l
}

// ClampScores forces every bounded score back into [0,1].
func (a *Agent) ClampScores() {
	a.Performance.SuccessRate = Clamp01(a.Performance.SuccessRate)
	a.Performance.Efficiency = Clamp01(a.Performance.Efficiency)
	a.Performance.Adaptability = Clamp01(a.Performance.Adaptability)
	a.Learning.SkillLevel = Clamp01(a.Learning.SkillLevel)
	a.Evolution.Fitness = Clamp01(a.Evolution.Fitness)
	a.Resources.CPUUsage = Clamp01(a.Resources.CPUUsage)
	a.Resources.MemoryUsage = Clamp01(a.Resources.MemoryUsage)
	for p, c := range a.Learning.Patterns {
		a.Learning.Patterns[p] = Clamp01(c)
	}
}

func Clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
