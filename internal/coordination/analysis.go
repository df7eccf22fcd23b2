package coordination

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/mtzanidakis/hivemind/internal/config"
)

// Thresholds of requirement analysis.
const (
	largeSwarm       = 10
	mediumSwarm      = 5
	highFanOut       = 3.0
	progressVariance = 30.0
)

// Analyze derives coordination requirements from the swarm size and the
// work structure. Each rule can only raise a level, so the order of the
// rules never lowers what an earlier rule required.
func Analyze(work WorkStructure, agentCount int) Requirements {
	r := Requirements{}

	if len(work.CriticalPath) > 0 {
		r.Sync = max(r.Sync, SyncStrict)
		r.Consistency = max(r.Consistency, ConsistencyStrong)
		r.Latency = max(r.Latency, LatencyHigh)
	}

	switch {
	case agentCount > largeSwarm:
		r.Scalability = max(r.Scalability, ScaleHigh)
		r.Communication = max(r.Communication, CommHierarchical)
	case agentCount > mediumSwarm:
		r.Communication = max(r.Communication, CommStructured)
	}

	if fanOut(work.Dependencies) > highFanOut {
		r.Sync = max(r.Sync, SyncFrequent)
		r.Consistency = max(r.Consistency, ConsistencyStrong)
	}

	if variance(work.Progress) > progressVariance {
		r.FaultTolerance = max(r.FaultTolerance, FaultAdvanced)
	}
	return r
}

// SelectPattern picks the first pattern whose condition matches, in
// declared order.
func SelectPattern(r Requirements) Pattern {
	switch {
	case r.Scalability == ScaleHigh && r.Communication == CommHierarchical:
		return HierarchicalDelegation
	case r.Sync == SyncStrict && r.Consistency == ConsistencyStrong:
		return MasterSlave
	case r.Communication == CommMinimal && r.Sync == SyncNone:
		return Stigmergic
	case r.FaultTolerance == FaultAdvanced:
		return PeerToPeerConsensus
	case r.Scalability == ScaleModerate:
		return TeamFormation
	default:
		return CentralizedCoordination
	}
}

// BuildTopology wires agents, in the given order, for pattern.
func BuildTopology(pattern Pattern, agents []string) Topology {
	t := Topology{
		Pattern: pattern,
		Nodes:   slices.Clone(agents),
		Roles:   make(map[string]Role, len(agents)),
	}
	n := len(agents)
	if n == 0 {
		return t
	}

	switch pattern {
	case HierarchicalDelegation:
		t.Hierarchy = make(map[string][]string)
		for i, id := range agents {
			switch {
			case i == 0:
				t.Roles[id] = RoleCoordinator
			case 2*i+1 < n:
				t.Roles[id] = RoleTeamLeader
			default:
				t.Roles[id] = RoleWorker
			}
			if i == 0 {
				continue
			}
			parent := agents[(i-1)/2]
			t.Hierarchy[parent] = append(t.Hierarchy[parent], id)
			t.Edges = append(t.Edges,
				Edge{From: parent, To: id, Kind: EdgeCommand},
				Edge{From: id, To: parent, Kind: EdgeReport})
		}
		if n == 1 {
			t.Roles[agents[0]] = RoleCoordinator
		}

	case MasterSlave, CentralizedCoordination:
		hubRole, spokeRole := RoleMaster, RoleSlave
		if pattern == CentralizedCoordination {
			hubRole, spokeRole = RoleCoordinator, RoleWorker
		}
		hub := agents[0]
		t.Roles[hub] = hubRole
		t.Hierarchy = map[string][]string{}
		for _, id := range agents[1:] {
			t.Roles[id] = spokeRole
			t.Hierarchy[hub] = append(t.Hierarchy[hub], id)
			t.Edges = append(t.Edges,
				Edge{From: hub, To: id, Kind: EdgeCommand},
				Edge{From: id, To: hub, Kind: EdgeReport})
		}

	case PeerToPeerConsensus:
		for _, from := range agents {
			t.Roles[from] = RolePeer
			for _, to := range agents {
				if from != to {
					t.Edges = append(t.Edges, Edge{From: from, To: to, Kind: EdgePeer})
				}
			}
		}

	case TeamFormation:
		size := int(math.Ceil(math.Sqrt(float64(n))))
		var leaders []string
		for start := 0; start < n; start += size {
			team := slices.Clone(agents[start:min(start+size, n)])
			t.Clusters = append(t.Clusters, team)
			leaders = append(leaders, team[0])
			t.Roles[team[0]] = RoleTeamLeader
			for _, m := range team[1:] {
				t.Roles[m] = RoleMember
			}
			for _, from := range team {
				for _, to := range team {
					if from != to {
						t.Edges = append(t.Edges, Edge{From: from, To: to, Kind: EdgePeer})
					}
				}
			}
		}
		for _, from := range leaders {
			for _, to := range leaders {
				if from != to {
					t.Edges = append(t.Edges, Edge{From: from, To: to, Kind: EdgeLeader})
				}
			}
		}

	case Stigmergic:
		for _, id := range agents {
			t.Roles[id] = RolePeer
		}
	}
	return t
}

// Sync point defaults.
const (
	phaseTimeout      = 5 * time.Minute
	criticalTimeout   = 3 * time.Minute
	criticalStride    = 5
	resourceTimeout   = time.Minute
	resourceMinClaims = 3
	heartbeatInterval = 10 * time.Minute
	heartbeatTimeout  = 30 * time.Second
)

// BuildSyncPoints creates one point per phase, one per stride of the
// critical path, one per resource contended by three or more agents and
// a recurring heartbeat.
func BuildSyncPoints(work WorkStructure, agents []string, criticalAgents []string) []SyncPoint {
	all := slices.Clone(agents)
	var points []SyncPoint

	for _, ph := range work.Phases {
		points = append(points, SyncPoint{
			ID:           "phase_" + ph.ID,
			Scope:        ScopeAll,
			Participants: all,
			Timeout:      phaseTimeout,
			Fallback:     FallbackContinueIncomplete,
		})
	}

	member := make(map[string]bool, len(agents))
	for _, a := range agents {
		member[a] = true
	}
	for k, start := 1, 0; start < len(work.CriticalPath); k, start = k+1, start+criticalStride {
		chunk := work.CriticalPath[start:min(start+criticalStride, len(work.CriticalPath))]
		var participants []string
		for _, node := range chunk {
			if id, ok := agentFor(node, work.Assignments, member); ok && !slices.Contains(participants, id) {
				participants = append(participants, id)
			}
		}
		if len(participants) == 0 {
			participants = slices.Clone(criticalAgents)
		}
		if len(participants) == 0 {
			continue
		}
		points = append(points, SyncPoint{
			ID:           fmt.Sprintf("critical_%d", k),
			Scope:        ScopeCriticalPath,
			Participants: participants,
			Timeout:      criticalTimeout,
			Fallback:     FallbackWaitAndRetry,
		})
	}

	for _, res := range sortedKeys(work.ResourceClaims) {
		var claimants []string
		for _, id := range work.ResourceClaims[res] {
			if member[id] && !slices.Contains(claimants, id) {
				claimants = append(claimants, id)
			}
		}
		if len(claimants) < resourceMinClaims {
			continue
		}
		points = append(points, SyncPoint{
			ID:           "resource_" + res,
			Scope:        ScopeExplicit,
			Participants: claimants,
			Timeout:      resourceTimeout,
			Fallback:     FallbackPriorityAllocation,
			Resource:     res,
		})
	}

	if len(agents) > 0 {
		points = append(points, SyncPoint{
			ID:           "heartbeat",
			Scope:        ScopeAll,
			Participants: all,
			Timeout:      heartbeatTimeout,
			Fallback:     FallbackMarkUnresponsive,
			Interval:     heartbeatInterval,
		})
	}
	return points
}

// BuildConflictStrategy chooses locking under strong consistency and
// optimistic concurrency otherwise.
func BuildConflictStrategy(r Requirements, esc config.EscalationConfig) ConflictStrategy {
	s := ConflictStrategy{
		Resource:   ResourceOptimistic,
		TieBreak:   "critical_path_priority",
		Deadlock:   "wait_chain_rollback_youngest",
		Output:     "last_write_wins",
		Scheduling: "dynamic_reschedule",
		Escalation: []EscalationStep{
			{Level: LevelLocal, Timeout: esc.Local},
			{Level: LevelTeamLeader, Timeout: esc.TeamLeader},
			{Level: LevelCoordinator, Timeout: esc.Coordinator},
			{Level: LevelHuman},
		},
	}
	if r.Consistency == ConsistencyStrong {
		s.Resource = ResourceLocking
	}
	return s
}

// DeriveMetrics estimates latency, overhead and scalability of a
// topology with the given sync points.
func DeriveMetrics(t Topology, syncPoints int, baseLatency time.Duration) Metrics {
	nodes, edges := len(t.Nodes), len(t.Edges)
	m := Metrics{
		Overhead:          0.1*float64(edges) + 0.05*float64(syncPoints),
		ScalabilityFactor: scalabilityFactor(t.Pattern, nodes),
	}
	if nodes > 0 {
		m.ExpectedLatency = time.Duration(float64(baseLatency) * float64(edges) / float64(nodes))
	}
	return m
}

func scalabilityFactor(p Pattern, n int) float64 {
	if n == 0 {
		return 0
	}
	x := float64(n)
	switch p {
	case HierarchicalDelegation:
		return math.Log2(x)
	case MasterSlave, CentralizedCoordination:
		return x
	case PeerToPeerConsensus:
		return x * x
	case TeamFormation:
		return math.Sqrt(x)
	default:
		return 1
	}
}

// agentFor maps a critical-path node to the agent working on it.
func agentFor(node string, assignments map[string]string, member map[string]bool) (string, bool) {
	if id, ok := assignments[node]; ok && member[id] {
		return id, true
	}
	if member[node] {
		return node, true
	}
	return "", false
}

func variance(values map[string]float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sum := 0.0
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return sum / float64(len(values))
}
