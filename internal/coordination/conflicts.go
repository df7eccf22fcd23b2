package coordination

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hivemind/internal/events"
)

// Conflict resolution names recorded on ConflictRecord.Resolution.
const (
	ResolutionLockQueue       = "lock_queue"
	ResolutionOptimisticAbort = "optimistic_abort"
	ResolutionRollback        = "rollback_youngest"
	ResolutionLastWriteWins   = "last_write_wins"
	ResolutionReschedule      = "dynamic_reschedule"
	ResolutionEscalated       = "escalated"
	ResolutionArbitrated      = "arbitrated"
	ResolutionDissolved       = "dissolved"
)

type claimant struct {
	agent string
	at    time.Time
	seq   uint64
}

type resourceState struct {
	holders  []claimant
	waiters  []claimant
	reported string
}

type write struct {
	agent string
	value any
	seq   uint64
}

type outputState struct {
	value   any
	writer  string
	markers []string
	pending []write
}

// OutputValue is the current value of a shared output key.
type OutputValue struct {
	Value   any      `json:"value"`
	Writer  string   `json:"writer"`
	Markers []string `json:"markers,omitempty"`
}

// ClaimResource requests resource for agentID. Under locking at most one
// agent holds a resource and the rest wait, which adds wait-for edges;
// under optimistic every claim is granted and collisions are settled by
// DetectAndResolveConflicts.
func (a *Activation) ClaimResource(agentID, resource string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false, ErrActivationClosed
	}
	if !a.members[agentID] {
		return false, fmt.Errorf("%w: %s", ErrNotParticipant, agentID)
	}

	st := a.resource(resource)
	if containsClaim(st.holders, agentID) {
		return true, nil
	}
	if containsClaim(st.waiters, agentID) {
		return false, nil
	}

	c := a.claim(agentID)
	if a.protocol.Strategy.Resource == ResourceLocking && len(st.holders) > 0 {
		st.waiters = append(st.waiters, c)
		return false, nil
	}
	st.holders = append(st.holders, c)
	return true, nil
}

// ReleaseResource drops agentID's hold or wait on resource. Under locking
// the highest-priority waiter is promoted.
func (a *Activation) ReleaseResource(agentID, resource string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrActivationClosed
	}
	a.releaseLocked(agentID, resource)
	return nil
}

func (a *Activation) releaseLocked(agentID, resource string) {
	st, ok := a.resources[resource]
	if !ok {
		return
	}
	st.holders = dropClaim(st.holders, agentID)
	st.waiters = dropClaim(st.waiters, agentID)
	if a.protocol.Strategy.Resource == ResourceLocking && len(st.holders) == 0 && len(st.waiters) > 0 {
		next := a.rankClaims(st.waiters)[0]
		st.holders = []claimant{next}
		st.waiters = dropClaim(st.waiters, next.agent)
	}
	if len(st.holders) == 0 && len(st.waiters) == 0 {
		delete(a.resources, resource)
	}
}

// grantLocked hands resource to winner alone. Previous holders wait.
func (a *Activation) grantLocked(resource, winner string) {
	st := a.resource(resource)
	var displaced []claimant
	for _, c := range st.holders {
		if c.agent != winner {
			displaced = append(displaced, c)
		}
	}
	w, ok := findClaim(st.holders, winner)
	if !ok {
		if w, ok = findClaim(st.waiters, winner); !ok {
			w = a.claim(winner)
		}
	}
	st.holders = []claimant{w}
	st.waiters = dropClaim(st.waiters, winner)
	if a.protocol.Strategy.Resource == ResourceLocking {
		st.waiters = append(displaced, st.waiters...)
	}
}

// Holders returns the agents currently holding resource.
func (a *Activation) Holders(resource string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.resources[resource]
	if !ok {
		return nil
	}
	return claimAgents(st.holders)
}

// WaitFor records that agentID is blocked on other.
func (a *Activation) WaitFor(agentID, other string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.members[agentID] || !a.members[other] {
		return fmt.Errorf("%w: %s -> %s", ErrNotParticipant, agentID, other)
	}
	if agentID == other {
		return fmt.Errorf("agent %s cannot wait on itself", agentID)
	}
	if a.waits[agentID] == nil {
		a.waits[agentID] = make(map[string]bool)
	}
	a.waits[agentID][other] = true
	return nil
}

func (a *Activation) ClearWait(agentID, other string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.waits[agentID], other)
	if len(a.waits[agentID]) == 0 {
		delete(a.waits, agentID)
	}
}

// WriteOutput stores value under key. The latest write is always
// visible; concurrent writers are reported by the next detection pass.
func (a *Activation) WriteOutput(agentID, key string, value any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.members[agentID] {
		return fmt.Errorf("%w: %s", ErrNotParticipant, agentID)
	}
	st, ok := a.outputs[key]
	if !ok {
		st = &outputState{}
		a.outputs[key] = st
	}
	a.seq++
	st.value = value
	st.writer = agentID
	st.pending = append(st.pending, write{agent: agentID, value: value, seq: a.seq})
	return nil
}

func (a *Activation) Output(key string) (OutputValue, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.outputs[key]
	if !ok {
		return OutputValue{}, false
	}
	return OutputValue{Value: st.value, Writer: st.writer, Markers: slices.Clone(st.markers)}, true
}

// ClaimTask registers agentID as a claimant of task. The first claimant
// is granted; later claims are settled by DetectAndResolveConflicts.
func (a *Activation) ClaimTask(agentID, task string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.members[agentID] {
		return false, fmt.Errorf("%w: %s", ErrNotParticipant, agentID)
	}
	claims := a.tasks[task]
	if containsClaim(claims, agentID) {
		return claims[0].agent == agentID, nil
	}
	a.tasks[task] = append(claims, a.claim(agentID))
	return len(claims) == 0, nil
}

// ReleaseTask withdraws agentID's claim on task.
func (a *Activation) ReleaseTask(agentID, task string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	claims := dropClaim(a.tasks[task], agentID)
	if len(claims) == 0 {
		delete(a.tasks, task)
		return
	}
	a.tasks[task] = claims
}

// TaskOwner returns the agent currently owning task.
func (a *Activation) TaskOwner(task string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	claims := a.tasks[task]
	if len(claims) == 0 {
		return "", false
	}
	return claims[0].agent, true
}

// DetectAndResolveConflicts runs one detection pass over resources, the
// wait-for graph, outputs and task claims. Conflicts the strategy cannot
// settle are returned unresolved for escalation.
func (a *Activation) DetectAndResolveConflicts() []ConflictRecord {
	a.mu.Lock()
	var records []ConflictRecord
	if !a.closed {
		records = append(records, a.detectResourcesLocked()...)
		records = append(records, a.detectDeadlocksLocked()...)
		records = append(records, a.detectOutputsLocked()...)
		records = append(records, a.detectSchedulingLocked()...)
	}
	for _, r := range records {
		a.metrics.ConflictsDetected++
		a.queue(events.ConflictDetected, "", conflictData(r))
		if r.Resolved {
			a.metrics.ConflictsResolved++
			a.queue(events.ConflictResolved, "", conflictData(r))
		}
	}
	out := a.takeOutbox()
	a.mu.Unlock()
	a.publish(out)
	return records
}

func (a *Activation) detectResourcesLocked() []ConflictRecord {
	var out []ConflictRecord
	for _, name := range sortedKeys(a.resources) {
		st := a.resources[name]
		if a.protocol.Strategy.Resource == ResourceLocking {
			if len(st.waiters) == 0 || len(st.holders) == 0 {
				continue
			}
			st.waiters = a.rankClaims(st.waiters)
			sig := claimAgents(st.holders)[0] + "|" + strings.Join(claimAgents(st.waiters), ",")
			if sig == st.reported {
				continue
			}
			st.reported = sig
			rec := a.record(ConflictResource, name, append(claimAgents(st.holders), claimAgents(st.waiters)...))
			rec.Resolution = ResolutionLockQueue
			rec.Winner = st.holders[0].agent
			rec.Victims = claimAgents(st.waiters)
			a.resolve(&rec)
			out = append(out, rec)
			continue
		}

		if len(st.holders) < 2 || a.escalated[escalationKey(ConflictResource, name)] {
			continue
		}
		rec := a.record(ConflictResource, name, claimAgents(st.holders))
		if a.criticalTie(rec.Participants) {
			rec.Resolution = ResolutionEscalated
			a.escalated[escalationKey(ConflictResource, name)] = true
			out = append(out, rec)
			continue
		}
		ranked := a.rankClaims(st.holders)
		st.holders = ranked[:1]
		rec.Resolution = ResolutionOptimisticAbort
		rec.Winner = ranked[0].agent
		rec.Victims = claimAgents(ranked[1:])
		a.resolve(&rec)
		out = append(out, rec)
	}
	return out
}

// waitGraph merges explicit waits with waits implied by locked resources.
func (a *Activation) waitGraph() map[string][]string {
	edges := make(map[string][]string)
	for from, tos := range a.waits {
		for to := range tos {
			edges[from] = append(edges[from], to)
		}
	}
	for _, st := range a.resources {
		for _, w := range st.waiters {
			for _, h := range st.holders {
				if w.agent != h.agent && !slices.Contains(edges[w.agent], h.agent) {
					edges[w.agent] = append(edges[w.agent], h.agent)
				}
			}
		}
	}
	return edges
}

func (a *Activation) detectDeadlocksLocked() []ConflictRecord {
	var out []ConflictRecord
	for range len(a.members) {
		core := cycleCore(sortedKeys(a.members), a.waitGraph())
		if len(core) == 0 {
			break
		}
		victim := a.youngest(core)
		a.rollbackLocked(victim)

		rec := a.record(ConflictDeadlock, "", core)
		rec.Resolution = ResolutionRollback
		rec.Victims = []string{victim}
		a.resolve(&rec)
		out = append(out, rec)
	}
	return out
}

// rollbackLocked drops every wait and claim of victim.
func (a *Activation) rollbackLocked(victim string) {
	delete(a.waits, victim)
	for _, name := range sortedKeys(a.resources) {
		a.releaseLocked(victim, name)
	}
}

func (a *Activation) detectOutputsLocked() []ConflictRecord {
	var out []ConflictRecord
	for _, key := range sortedKeys(a.outputs) {
		st := a.outputs[key]
		writers := map[string]bool{}
		for _, w := range st.pending {
			writers[w.agent] = true
		}
		if len(writers) < 2 {
			st.pending = nil
			continue
		}
		last := st.pending[len(st.pending)-1]
		rec := a.record(ConflictOutput, key, sortedKeys(writers))
		rec.Resolution = ResolutionLastWriteWins
		rec.Winner = last.agent
		for _, id := range rec.Participants {
			if id != last.agent {
				rec.Victims = append(rec.Victims, id)
				if !slices.Contains(st.markers, id) {
					st.markers = append(st.markers, id)
				}
			}
		}
		st.value, st.writer = last.value, last.agent
		st.pending = nil
		a.resolve(&rec)
		out = append(out, rec)
	}
	return out
}

func (a *Activation) detectSchedulingLocked() []ConflictRecord {
	var out []ConflictRecord
	for _, task := range sortedKeys(a.tasks) {
		claims := a.tasks[task]
		if len(claims) < 2 || a.escalated[escalationKey(ConflictScheduling, task)] {
			continue
		}
		rec := a.record(ConflictScheduling, task, claimAgents(claims))

		assigned := ""
		for _, c := range claims {
			if a.assignedTo(task) == c.agent {
				assigned = c.agent
			}
		}
		if assigned == "" && a.criticalTie(rec.Participants) {
			rec.Resolution = ResolutionEscalated
			a.escalated[escalationKey(ConflictScheduling, task)] = true
			out = append(out, rec)
			continue
		}

		ranked := a.rankClaims(claims)
		if assigned != "" {
			w, _ := findClaim(claims, assigned)
			ranked = append([]claimant{w}, dropClaim(ranked, assigned)...)
		}
		a.tasks[task] = ranked[:1]
		rec.Resolution = ResolutionReschedule
		rec.Winner = ranked[0].agent
		rec.Victims = claimAgents(ranked[1:])
		a.resolve(&rec)
		out = append(out, rec)
	}
	return out
}

// applyDecision settles an escalated conflict in favour of winner.
func (a *Activation) applyDecision(rec ConflictRecord, winner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrActivationClosed
	}
	if !slices.Contains(rec.Participants, winner) {
		return fmt.Errorf("%w: %s is not party to conflict %s", ErrNotParticipant, winner, rec.ID)
	}
	switch rec.Kind {
	case ConflictResource:
		a.grantLocked(rec.Subject, winner)
		if a.protocol.Strategy.Resource == ResourceOptimistic {
			a.resources[rec.Subject].waiters = nil
		}
	case ConflictScheduling:
		w, ok := findClaim(a.tasks[rec.Subject], winner)
		if !ok {
			w = a.claim(winner)
		}
		a.tasks[rec.Subject] = []claimant{w}
	}
	delete(a.escalated, escalationKey(rec.Kind, rec.Subject))
	a.metrics.ConflictsResolved++
	return nil
}

// endEscalation lets detection report rec's subject again.
func (a *Activation) endEscalation(rec ConflictRecord) {
	a.mu.Lock()
	delete(a.escalated, escalationKey(rec.Kind, rec.Subject))
	a.mu.Unlock()
}

// stillContended reports whether the contention behind an escalated
// conflict persists.
func (a *Activation) stillContended(rec ConflictRecord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	switch rec.Kind {
	case ConflictResource:
		st, ok := a.resources[rec.Subject]
		return ok && len(st.holders) > 1 && a.criticalTie(claimAgents(st.holders))
	case ConflictScheduling:
		claims := a.tasks[rec.Subject]
		return len(claims) > 1 && a.criticalTie(claimAgents(claims))
	}
	return true
}

func escalationKey(kind ConflictKind, subject string) string {
	return string(kind) + "|" + subject
}

func (a *Activation) assignedTo(task string) string {
	return a.protocol.Assignments[task]
}

// criticalTie reports whether more than one contender sits on the
// critical path, which priority alone cannot break.
func (a *Activation) criticalTie(ids []string) bool {
	n := 0
	for _, id := range ids {
		if a.critical[id] {
			n++
		}
	}
	return n > 1
}

// rankClaims orders claims by priority: critical-path agents first, then
// the earliest claim, then agent id.
func (a *Activation) rankClaims(claims []claimant) []claimant {
	out := slices.Clone(claims)
	slices.SortStableFunc(out, func(x, y claimant) int {
		if a.critical[x.agent] != a.critical[y.agent] {
			if a.critical[x.agent] {
				return -1
			}
			return 1
		}
		if x.seq != y.seq {
			if x.seq < y.seq {
				return -1
			}
			return 1
		}
		return strings.Compare(x.agent, y.agent)
	})
	return out
}

// rankLocked orders agent ids by priority, preferring earlier claims on
// resource when the agents hold or wait for it.
func (a *Activation) rankLocked(ids []string, resource string) []string {
	seqs := make(map[string]uint64)
	if st, ok := a.resources[resource]; ok {
		for _, c := range append(slices.Clone(st.holders), st.waiters...) {
			seqs[c.agent] = c.seq
		}
	}
	claims := make([]claimant, 0, len(ids))
	for _, id := range ids {
		seq, ok := seqs[id]
		if !ok {
			seq = ^uint64(0)
		}
		claims = append(claims, claimant{agent: id, seq: seq})
	}
	return claimAgents(a.rankClaims(claims))
}

// youngest picks the most recently spawned agent, falling back to the
// latest position in the protocol's agent list.
func (a *Activation) youngest(ids []string) string {
	best := ids[0]
	for _, id := range ids[1:] {
		if a.younger(id, best) {
			best = id
		}
	}
	return best
}

func (a *Activation) younger(x, y string) bool {
	if a.spawnTimes != nil {
		tx, okx := a.spawnTimes(x)
		ty, oky := a.spawnTimes(y)
		if okx && oky && !tx.Equal(ty) {
			return tx.After(ty)
		}
	}
	if a.order[x] != a.order[y] {
		return a.order[x] > a.order[y]
	}
	return x > y
}

func (a *Activation) resource(name string) *resourceState {
	st, ok := a.resources[name]
	if !ok {
		st = &resourceState{}
		a.resources[name] = st
	}
	return st
}

func (a *Activation) claim(agentID string) claimant {
	a.seq++
	return claimant{agent: agentID, at: a.now(), seq: a.seq}
}

func (a *Activation) record(kind ConflictKind, subject string, participants []string) ConflictRecord {
	return ConflictRecord{
		ID:           uuid.NewString(),
		ProtocolID:   a.protocol.ID,
		ActivationID: a.ID,
		Kind:         kind,
		Subject:      subject,
		Participants: participants,
		Level:        LevelLocal,
		DetectedAt:   a.now().UTC(),
	}
}

func (a *Activation) resolve(rec *ConflictRecord) {
	rec.Resolved = true
	rec.ResolvedAt = a.now().UTC()
}

func conflictData(r ConflictRecord) map[string]any {
	return map[string]any{
		"conflict":     r.ID,
		"activation":   r.ActivationID,
		"kind":         r.Kind,
		"subject":      r.Subject,
		"participants": r.Participants,
		"resolution":   r.Resolution,
		"winner":       r.Winner,
		"victims":      r.Victims,
		"level":        r.Level,
	}
}

func containsClaim(cs []claimant, id string) bool {
	_, ok := findClaim(cs, id)
	return ok
}

func findClaim(cs []claimant, id string) (claimant, bool) {
	for _, c := range cs {
		if c.agent == id {
			return c, true
		}
	}
	return claimant{}, false
}

func dropClaim(cs []claimant, id string) []claimant {
	return slices.DeleteFunc(slices.Clone(cs), func(c claimant) bool { return c.agent == id })
}

func claimAgents(cs []claimant) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.agent
	}
	return out
}
