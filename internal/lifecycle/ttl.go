package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/events"
)

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeSwarm  Scope = "swarm"
	ScopeAgent  Scope = "agent"
)

var ErrInvalidPolicy = errors.New("invalid ttl policy")

// Policy is a time-to-live rule. Inherit lets a global or swarm policy
// apply to the agents below it; AutoRetire lets the reaper retire
// expired agents.
type Policy struct {
	TTL        time.Duration `json:"ttl"`
	AutoRetire bool          `json:"auto_retire"`
	Inherit    bool          `json:"inherit"`
}

// ScopedPolicy is a policy bound to its scope and key.
type ScopedPolicy struct {
	Scope  Scope  `json:"scope"`
	Key    string `json:"key"`
	Policy Policy `json:"policy"`
}

// PolicyPersister stores TTL policies across restarts.
type PolicyPersister interface {
	SavePolicy(ctx context.Context, p ScopedPolicy) error
	DeletePolicy(ctx context.Context, scope Scope, key string) error
	LoadPolicies(ctx context.Context) ([]ScopedPolicy, error)
}

type policyKey struct {
	scope Scope
	key   string
}

// TTLTable resolves the effective TTL of an agent: its own policy, else
// an inheriting swarm policy, else an inheriting global policy, else the
// configured default.
type TTLTable struct {
	mu       sync.RWMutex
	policies map[policyKey]Policy
	def      time.Duration
	persist  PolicyPersister
}

func NewTTLTable(defaultTTL time.Duration, persist PolicyPersister) *TTLTable {
	return &TTLTable{
		policies: make(map[policyKey]Policy),
		def:      defaultTTL,
		persist:  persist,
	}
}

// Load replaces the in-memory table with the persisted policies.
func (t *TTLTable) Load(ctx context.Context) error {
	if t.persist == nil {
		return nil
	}
	stored, err := t.persist.LoadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load ttl policies: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.policies)
	for _, sp := range stored {
		t.policies[policyKey{sp.Scope, normKey(sp.Scope, sp.Key)}] = sp.Policy
	}
	return nil
}

func (t *TTLTable) Set(ctx context.Context, scope Scope, key string, p Policy) error {
	if err := validateScope(scope, key); err != nil {
		return err
	}
	if p.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidPolicy)
	}
	key = normKey(scope, key)
	if t.persist != nil {
		if err := t.persist.SavePolicy(ctx, ScopedPolicy{Scope: scope, Key: key, Policy: p}); err != nil {
			return fmt.Errorf("save ttl policy: %w", err)
		}
	}
	t.mu.Lock()
	t.policies[policyKey{scope, key}] = p
	t.mu.Unlock()
	slog.Info("ttl policy set", "scope", scope, "key", key, "ttl", p.TTL, "auto_retire", p.AutoRetire, "inherit", p.Inherit)
	return nil
}

func (t *TTLTable) Clear(ctx context.Context, scope Scope, key string) error {
	if err := validateScope(scope, key); err != nil {
		return err
	}
	key = normKey(scope, key)
	if t.persist != nil {
		if err := t.persist.DeletePolicy(ctx, scope, key); err != nil {
			return fmt.Errorf("delete ttl policy: %w", err)
		}
	}
	t.mu.Lock()
	delete(t.policies, policyKey{scope, key})
	t.mu.Unlock()
	return nil
}

func (t *TTLTable) Get(scope Scope, key string) (Policy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.policies[policyKey{scope, normKey(scope, key)}]
	return p, ok
}

func (t *TTLTable) List() []ScopedPolicy {
	t.mu.RLock()
	out := make([]ScopedPolicy, 0, len(t.policies))
	for k, p := range t.policies {
		out = append(out, ScopedPolicy{Scope: k.scope, Key: k.key, Policy: p})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (t *TTLTable) Effective(a *agent.Agent) Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.policies[policyKey{ScopeAgent, a.ID}]; ok {
		return p
	}
	if p, ok := t.policies[policyKey{ScopeSwarm, a.SwarmID}]; ok && p.Inherit {
		return p
	}
	if p, ok := t.policies[policyKey{ScopeGlobal, ""}]; ok && p.Inherit {
		return p
	}
	return Policy{TTL: t.def}
}

func validateScope(scope Scope, key string) error {
	switch scope {
	case ScopeGlobal:
		return nil
	case ScopeSwarm, ScopeAgent:
		if key == "" {
			return fmt.Errorf("%w: %s scope needs a key", ErrInvalidPolicy, scope)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown scope %q", ErrInvalidPolicy, scope)
}

func normKey(scope Scope, key string) string {
	if scope == ScopeGlobal {
		return ""
	}
	return key
}

// CleanupStatus summarizes the last reaper sweep.
type CleanupStatus struct {
	ExpiredAgents     int       `json:"expired_agents"`
	AutoRetired       int       `json:"auto_retired"`
	OrphanedProcesses int       `json:"orphaned_processes"`
	LastSweep         time.Time `json:"last_sweep,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
}

// Reaper finds agents past their effective TTL and retires those whose
// policy allows it.
type Reaper struct {
	engine  *Engine
	ttl     *TTLTable
	orphans OrphanCounter

	mu     sync.Mutex
	status CleanupStatus
}

func NewReaper(engine *Engine, ttl *TTLTable, orphans OrphanCounter) *Reaper {
	return &Reaper{engine: engine, ttl: ttl, orphans: orphans}
}

func (r *Reaper) Sweep(ctx context.Context) CleanupStatus {
	now := r.engine.now()
	st := CleanupStatus{LastSweep: now}
	var errs []error

	for _, a := range r.engine.Registry().List() {
		if ctx.Err() != nil {
			break
		}
		if a.State != agent.StateActive && a.State != agent.StateHibernating {
			continue
		}
		p := r.ttl.Effective(a)
		if p.TTL <= 0 || a.Age(now) < p.TTL {
			continue
		}
		st.ExpiredAgents++
		r.engine.emit(events.AgentExpired, a.ID, map[string]any{
			"age":         a.Age(now).String(),
			"ttl":         p.TTL.String(),
			"auto_retire": p.AutoRetire,
		})
		if !p.AutoRetire {
			continue
		}
		if err := r.engine.Transition(ctx, a.ID, agent.StateRetiring, "ttl expired"); err != nil {
			errs = append(errs, err)
			slog.Warn("auto-retire failed", "agent", a.ID, "error", err)
			if r.engine.Registry().Has(a.ID) {
				continue
			}
		}
		st.AutoRetired++
	}

	if r.orphans != nil {
		n, err := r.orphans.Orphans(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("count orphans: %w", err))
		}
		st.OrphanedProcesses = n
	}
	if err := errors.Join(errs...); err != nil {
		st.LastError = err.Error()
	}

	r.mu.Lock()
	r.status = st
	r.mu.Unlock()

	if st.ExpiredAgents > 0 || st.OrphanedProcesses > 0 {
		slog.Info("cleanup sweep", "expired", st.ExpiredAgents, "auto_retired", st.AutoRetired, "orphans", st.OrphanedProcesses)
	}
	return st
}

// Status returns the result of the last sweep.
func (r *Reaper) Status() CleanupStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
