package agent

import (
	"errors"
	"slices"
	"strings"
)

var ErrInvalidSpec = errors.New("invalid spawn spec")

// SpawnSpec describes an agent to create. Build it with NewSpawnSpec so
// that it is validated before reaching the lifecycle engine.
type SpawnSpec struct {
	Type         string
	Capabilities []string
	Generation   int
	SwarmID      string
	PendingTasks []string
}

type SpawnOption func(*SpawnSpec)

func WithGeneration(g int) SpawnOption {
	return func(s *SpawnSpec) { s.Generation = g }
}

func WithSwarm(id string) SpawnOption {
	return func(s *SpawnSpec) { s.SwarmID = id }
}

func WithPendingTasks(tasks ...string) SpawnOption {
	return func(s *SpawnSpec) { s.PendingTasks = append(s.PendingTasks, tasks...) }
}

// NewSpawnSpec validates and normalizes a spawn request. Capabilities are
// trimmed, deduplicated and sorted.
func NewSpawnSpec(agentType string, capabilities []string, opts ...SpawnOption) (SpawnSpec, error) {
	agentType = strings.TrimSpace(agentType)
	if agentType == "" {
		return SpawnSpec{}, errors.Join(ErrInvalidSpec, errors.New("agent type is required"))
	}

	caps := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		c = strings.TrimSpace(c)
		if c != "" {
			caps = append(caps, c)
		}
	}
	slices.Sort(caps)
	caps = slices.Compact(caps)

	s := SpawnSpec{Type: agentType, Capabilities: caps}
	for _, opt := range opts {
		opt(&s)
	}
	if s.Generation < 0 {
		return SpawnSpec{}, errors.Join(ErrInvalidSpec, errors.New("generation must not be negative"))
	}
	return s, nil
}
