package lifecycle

import (
	"maps"
	"sync"

	"github.com/mtzanidakis/hivemind/internal/agent"
)

// PatternStore is the swarm-level pool of learned patterns. Retiring
// agents merge into it and new agents are seeded from it.
type PatternStore struct {
	mu       sync.RWMutex
	patterns map[string]float64
}

func NewPatternStore() *PatternStore {
	return &PatternStore{patterns: make(map[string]float64)}
}

// Merge folds patterns in, keeping the higher confidence per pattern.
func (s *PatternStore) Merge(patterns map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, c := range patterns {
		c = agent.Clamp01(c)
		if cur, ok := s.patterns[p]; !ok || c > cur {
			s.patterns[p] = c
		}
	}
}

// Seed returns every pattern with its confidence scaled by factor.
func (s *PatternStore) Seed(factor float64) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.patterns) == 0 {
		return nil
	}
	out := make(map[string]float64, len(s.patterns))
	for p, c := range s.patterns {
		out[p] = agent.Clamp01(c * factor)
	}
	return out
}

func (s *PatternStore) All() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.patterns)
}

func (s *PatternStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}
