package provisioner

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Local accounts slots in memory. A capacity of zero is unbounded.
type Local struct {
	capacity int

	mu    sync.Mutex
	slots map[string]time.Time
	live  func(string) bool
}

func NewLocal(capacity int) *Local {
	return &Local{capacity: capacity, slots: make(map[string]time.Time)}
}

func (l *Local) Allocate(_ context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.slots[agentID]; ok {
		return nil
	}
	if l.capacity > 0 && len(l.slots) >= l.capacity {
		return fmt.Errorf("%w: %d slots in use", ErrNoCapacity, len(l.slots))
	}
	l.slots[agentID] = time.Now()
	return nil
}

func (l *Local) Release(_ context.Context, agentID string) error {
	l.mu.Lock()
	delete(l.slots, agentID)
	l.mu.Unlock()
	return nil
}

// Orphans counts slots held for agents that are no longer live.
func (l *Local) Orphans(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.live == nil {
		return 0, nil
	}
	n := 0
	for id := range l.slots {
		if !l.live(id) {
			n++
		}
	}
	return n, nil
}

func (l *Local) SetOwnerCheck(live func(string) bool) {
	l.mu.Lock()
	l.live = live
	l.mu.Unlock()
}

// Allocated returns the agents holding a slot, sorted.
func (l *Local) Allocated() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.slots))
	for id := range l.slots {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (l *Local) Close() error { return nil }
