package registry

import (
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mtzanidakis/hivemind/internal/agent"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrCapacityExceeded = errors.New("agent capacity exceeded")
	ErrDuplicateAgent   = errors.New("agent already registered")
)

// record is one slot of the arena. Its mutex serializes every mutation
// of the agent it holds.
type record struct {
	mu      sync.Mutex
	agent   *agent.Agent
	removed atomic.Bool
}

// Registry owns the canonical agent records and the type and capability
// index tables. Lock order is record.mu before Registry.mu; the registry
// lock is never held while acquiring a record lock.
type Registry struct {
	mu           sync.RWMutex
	records      map[string]*record
	byType       map[string]map[string]struct{}
	byCapability map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		records:      make(map[string]*record),
		byType:       make(map[string]map[string]struct{}),
		byCapability: make(map[string]map[string]struct{}),
	}
}

// Insert adds a to the arena and its index entries in one step. When max
// is positive and the registry already holds max agents the insert fails
// with ErrCapacityExceeded.
func (r *Registry) Insert(a *agent.Agent, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max > 0 && len(r.records) >= max {
		return ErrCapacityExceeded
	}
	if _, exists := r.records[a.ID]; exists {
		return ErrDuplicateAgent
	}

	r.records[a.ID] = &record{agent: a}
	r.indexLocked(a.ID, a.Type, a.Capabilities)
	return nil
}

// Remove deletes the record and every index entry for id. It returns
// false when id was not present.
func (r *Registry) Remove(id string) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.records[id]; !ok || cur != rec {
		return false
	}
	delete(r.records, id)
	rec.removed.Store(true)
	r.unindexLocked(id, rec.agent.Type, rec.agent.Capabilities)
	return true
}

// With runs fn on the live record while holding the agent's mutex. Type
// or capability changes made by fn are reflected in the indexes before
// With returns. fn must not call back into the registry for the same id.
func (r *Registry) With(id string, fn func(a *agent.Agent) error) error {
	rec := r.lookup(id)
	if rec == nil {
		return ErrAgentNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed.Load() {
		return ErrAgentNotFound
	}

	oldType := rec.agent.Type
	oldCaps := slices.Clone(rec.agent.Capabilities)

	err := fn(rec.agent)

	if !rec.removed.Load() && (oldType != rec.agent.Type || !slices.Equal(oldCaps, rec.agent.Capabilities)) {
		r.mu.Lock()
		if _, still := r.records[id]; still {
			r.unindexLocked(id, oldType, oldCaps)
			r.indexLocked(id, rec.agent.Type, rec.agent.Capabilities)
		}
		r.mu.Unlock()
	}
	return err
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (*agent.Agent, error) {
	var out *agent.Agent
	err := r.With(id, func(a *agent.Agent) error {
		out = a.Clone()
		return nil
	})
	return out, err
}

func (r *Registry) Has(id string) bool {
	return r.lookup(id) != nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// IDs returns all registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := slices.Collect(maps.Keys(r.records))
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// List returns copies of every agent, ordered by spawn time then id.
func (r *Registry) List() []*agent.Agent {
	return r.collect(r.IDs())
}

// ListState returns copies of the agents currently in state s.
func (r *Registry) ListState(s agent.State) []*agent.Agent {
	all := r.List()
	return slices.DeleteFunc(all, func(a *agent.Agent) bool { return a.State != s })
}

func (r *Registry) ByType(t string) []*agent.Agent {
	r.mu.RLock()
	ids := slices.Collect(maps.Keys(r.byType[t]))
	r.mu.RUnlock()
	sort.Strings(ids)
	return r.collect(ids)
}

func (r *Registry) ByCapability(c string) []*agent.Agent {
	r.mu.RLock()
	ids := slices.Collect(maps.Keys(r.byCapability[c]))
	r.mu.RUnlock()
	sort.Strings(ids)
	return r.collect(ids)
}

// IndexedUnder reports the index keys currently holding id. It exists so
// callers can verify the index invariant.
func (r *Registry) IndexedUnder(id string) (types []string, caps []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t, ids := range r.byType {
		if _, ok := ids[id]; ok {
			types = append(types, t)
		}
	}
	for c, ids := range r.byCapability {
		if _, ok := ids[id]; ok {
			caps = append(caps, c)
		}
	}
	sort.Strings(types)
	sort.Strings(caps)
	return types, caps
}

type Stats struct {
	Total         int                 `json:"total"`
	ByState       map[agent.State]int `json:"by_state"`
	AvgGeneration float64             `json:"avg_generation"`
}

func (r *Registry) Stats() Stats {
	agents := r.List()
	s := Stats{Total: len(agents), ByState: make(map[agent.State]int)}
	gen := 0
	for _, a := range agents {
		s.ByState[a.State]++
		gen += a.Generation
	}
	if len(agents) > 0 {
		s.AvgGeneration = float64(gen) / float64(len(agents))
	}
	return s
}

func (r *Registry) collect(ids []string) []*agent.Agent {
	out := make([]*agent.Agent, 0, len(ids))
	for _, id := range ids {
		if a, err := r.Get(id); err == nil {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SpawnTime.Equal(out[j].SpawnTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].SpawnTime.Before(out[j].SpawnTime)
	})
	return out
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

func (r *Registry) indexLocked(id, t string, caps []string) {
	addIndex(r.byType, t, id)
	for _, c := range caps {
		addIndex(r.byCapability, c, id)
	}
}

func (r *Registry) unindexLocked(id, t string, caps []string) {
	removeIndex(r.byType, t, id)
	for _, c := range caps {
		removeIndex(r.byCapability, c, id)
	}
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}
