package coordination

import (
	"slices"
	"time"
)

type Pattern string

const (
	HierarchicalDelegation  Pattern = "hierarchical_delegation"
	MasterSlave             Pattern = "master_slave"
	Stigmergic              Pattern = "stigmergic"
	PeerToPeerConsensus     Pattern = "peer_to_peer_consensus"
	TeamFormation           Pattern = "team_formation"
	CentralizedCoordination Pattern = "centralized_coordination"
)

// Requirement levels. Each dimension is ordered from weakest to strongest
// and analysis only ever raises a level.
type (
	SyncLevel        int
	CommLevel        int
	ConsistencyLevel int
	FaultLevel       int
	ScaleLevel       int
	LatencyLevel     int
)

const (
	SyncNone SyncLevel = iota
	SyncFrequent
	SyncStrict
)

const (
	CommMinimal CommLevel = iota
	CommStructured
	CommHierarchical
)

const (
	ConsistencyEventual ConsistencyLevel = iota
	ConsistencyStrong
)

const (
	FaultBasic FaultLevel = iota
	FaultAdvanced
)

const (
	ScaleModerate ScaleLevel = iota
	ScaleHigh
)

const (
	LatencyNormal LatencyLevel = iota
	LatencyHigh
)

func (l SyncLevel) String() string {
	return [...]string{"none", "frequent", "strict"}[l]
}

func (l CommLevel) String() string {
	return [...]string{"minimal", "structured", "hierarchical"}[l]
}

func (l ConsistencyLevel) String() string {
	return [...]string{"eventual", "strong"}[l]
}

func (l FaultLevel) String() string {
	return [...]string{"basic", "advanced"}[l]
}

func (l ScaleLevel) String() string {
	return [...]string{"moderate", "high"}[l]
}

func (l LatencyLevel) String() string {
	return [...]string{"normal", "high"}[l]
}

func (l SyncLevel) MarshalText() ([]byte, error)        { return []byte(l.String()), nil }
func (l CommLevel) MarshalText() ([]byte, error)        { return []byte(l.String()), nil }
func (l ConsistencyLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }
func (l FaultLevel) MarshalText() ([]byte, error)       { return []byte(l.String()), nil }
func (l ScaleLevel) MarshalText() ([]byte, error)       { return []byte(l.String()), nil }
func (l LatencyLevel) MarshalText() ([]byte, error)     { return []byte(l.String()), nil }

type Requirements struct {
	Sync           SyncLevel        `json:"sync"`
	Communication  CommLevel        `json:"communication"`
	Consistency    ConsistencyLevel `json:"consistency"`
	FaultTolerance FaultLevel       `json:"fault_tolerance"`
	Scalability    ScaleLevel       `json:"scalability"`
	Latency        LatencyLevel     `json:"latency"`
}

// Phase is one stage of the work hierarchy.
type Phase struct {
	ID    string   `json:"id"`
	Tasks []string `json:"tasks,omitempty"`
}

// WorkStructure is the coordination-relevant shape of the current work.
// Dependencies maps a task to the tasks it depends on; Progress holds
// per-task completion percentages; Assignments maps tasks to agents;
// ResourceClaims maps a shared resource to the agents that need it.
type WorkStructure struct {
	Phases         []Phase             `json:"phases,omitempty"`
	CriticalPath   []string            `json:"critical_path,omitempty"`
	Dependencies   map[string][]string `json:"dependencies,omitempty"`
	Progress       map[string]float64  `json:"progress,omitempty"`
	Assignments    map[string]string   `json:"assignments,omitempty"`
	ResourceClaims map[string][]string `json:"resource_claims,omitempty"`
}

type EdgeKind string

const (
	EdgeCommand EdgeKind = "command"
	EdgeReport  EdgeKind = "report"
	EdgePeer    EdgeKind = "peer"
	EdgeLeader  EdgeKind = "leader"
)

// Immediate reports whether messages on this kind of edge are delivered
// synchronously when the recipient has a handler.
func (k EdgeKind) Immediate() bool {
	return k == EdgeCommand
}

type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleTeamLeader  Role = "team_leader"
	RoleWorker      Role = "worker"
	RoleMaster      Role = "master"
	RoleSlave       Role = "slave"
	RolePeer        Role = "peer"
	RoleMember      Role = "member"
)

type Topology struct {
	Pattern   Pattern             `json:"pattern"`
	Nodes     []string            `json:"nodes"`
	Edges     []Edge              `json:"edges,omitempty"`
	Roles     map[string]Role     `json:"roles,omitempty"`
	Hierarchy map[string][]string `json:"hierarchy,omitempty"`
	Clusters  [][]string          `json:"clusters,omitempty"`
}

// Edge returns the edge from -> to, if any.
func (t *Topology) Edge(from, to string) (Edge, bool) {
	for _, e := range t.Edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// LeaderOf returns the agent one level above id: its parent in a
// hierarchy, its team leader, or the hub.
func (t *Topology) LeaderOf(id string) (string, bool) {
	for parent, children := range t.Hierarchy {
		if slices.Contains(children, id) {
			return parent, true
		}
	}
	for _, c := range t.Clusters {
		if len(c) > 0 && slices.Contains(c, id) && c[0] != id {
			return c[0], true
		}
	}
	return "", false
}

type Scope string

const (
	ScopeAll          Scope = "all"
	ScopeCriticalPath Scope = "critical_path"
	ScopeExplicit     Scope = "explicit"
)

type Fallback string

const (
	FallbackContinueIncomplete Fallback = "continue_with_incomplete"
	FallbackWaitAndRetry       Fallback = "wait_and_retry"
	FallbackPriorityAllocation Fallback = "priority_allocation"
	FallbackMarkUnresponsive   Fallback = "mark_unresponsive"
)

// SyncPoint is a named barrier. Interval is set only for recurring points
// such as the heartbeat.
type SyncPoint struct {
	ID           string        `json:"id"`
	Scope        Scope         `json:"scope"`
	Participants []string      `json:"participants"`
	Timeout      time.Duration `json:"timeout"`
	Fallback     Fallback      `json:"fallback"`
	Interval     time.Duration `json:"interval,omitempty"`
	Resource     string        `json:"resource,omitempty"`
}

type ResourcePolicy string

const (
	ResourceLocking    ResourcePolicy = "locking"
	ResourceOptimistic ResourcePolicy = "optimistic"
)

type Level string

const (
	LevelLocal       Level = "local"
	LevelTeamLeader  Level = "team_leader"
	LevelCoordinator Level = "coordinator"
	LevelHuman       Level = "human"
)

// EscalationStep is one rung of the escalation ladder. A zero Timeout
// means the step never times out.
type EscalationStep struct {
	Level   Level         `json:"level"`
	Timeout time.Duration `json:"timeout"`
}

type ConflictStrategy struct {
	Resource   ResourcePolicy   `json:"resource"`
	TieBreak   string           `json:"tie_break"`
	Deadlock   string           `json:"deadlock"`
	Output     string           `json:"output"`
	Scheduling string           `json:"scheduling"`
	Escalation []EscalationStep `json:"escalation"`
}

type Metrics struct {
	ExpectedLatency   time.Duration `json:"expected_latency"`
	Overhead          float64       `json:"overhead"`
	ScalabilityFactor float64       `json:"scalability_factor"`
}

// Protocol is an immutable coordination definition. Nothing mutates it
// after Generate returns.
type Protocol struct {
	ID           string           `json:"id"`
	Pattern      Pattern          `json:"pattern"`
	Requirements Requirements     `json:"requirements"`
	Topology     Topology         `json:"topology"`
	SyncPoints   []SyncPoint      `json:"sync_points"`
	Strategy     ConflictStrategy `json:"strategy"`
	Metrics      Metrics          `json:"metrics"`
	Agents       []string         `json:"agents"`
	CriticalPath []string         `json:"critical_path,omitempty"`
	// CriticalAgents are the agents assigned to critical-path work.
	CriticalAgents []string          `json:"critical_agents,omitempty"`
	Assignments    map[string]string `json:"assignments,omitempty"`
	Fingerprint    uint64            `json:"fingerprint"`
	ValidFrom      time.Time         `json:"valid_from"`
	ValidUntil     time.Time         `json:"valid_until"`
}

func (p *Protocol) Expired(now time.Time) bool {
	return !p.ValidUntil.IsZero() && now.After(p.ValidUntil)
}

func (p *Protocol) SyncPoint(id string) (SyncPoint, bool) {
	for _, sp := range p.SyncPoints {
		if sp.ID == id {
			return sp, true
		}
	}
	return SyncPoint{}, false
}

type ConflictKind string

const (
	ConflictResource   ConflictKind = "resource"
	ConflictDeadlock   ConflictKind = "deadlock"
	ConflictOutput     ConflictKind = "output"
	ConflictScheduling ConflictKind = "scheduling"
)

// ConflictRecord is one detected collision and how it was handled.
type ConflictRecord struct {
	ID           string       `json:"id"`
	ProtocolID   string       `json:"protocol_id"`
	ActivationID string       `json:"activation_id"`
	Kind         ConflictKind `json:"kind"`
	Subject      string       `json:"subject,omitempty"`
	Participants []string     `json:"participants"`
	Resolution   string       `json:"resolution"`
	Winner       string       `json:"winner,omitempty"`
	Victims      []string     `json:"victims,omitempty"`
	Resolved     bool         `json:"resolved"`
	Level        Level        `json:"level"`
	DetectedAt   time.Time    `json:"detected_at"`
	ResolvedAt   time.Time    `json:"resolved_at,omitzero"`
}

// Envelope is one message routed through an activation.
type Envelope struct {
	ID         string    `json:"id"`
	ProtocolID string    `json:"protocol_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Kind       EdgeKind  `json:"kind"`
	Payload    any       `json:"payload,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}
