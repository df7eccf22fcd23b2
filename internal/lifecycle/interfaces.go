package lifecycle

import (
	"context"

	"github.com/mtzanidakis/hivemind/internal/agent"
)

// SystemMetrics is an aggregate sample of the swarm's resource usage.
type SystemMetrics struct {
	AvgCPU           float64 `json:"avg_cpu"`
	AvgMemory        float64 `json:"avg_memory"`
	AgentCount       int     `json:"agent_count"`
	ActiveAgentCount int     `json:"active_agent_count"`
}

type MetricsSource interface {
	SampleSystemMetrics(ctx context.Context) (SystemMetrics, error)
}

// ResourceProvisioner backs each agent with an execution slot. Release
// must be idempotent.
type ResourceProvisioner interface {
	Allocate(ctx context.Context, agentID string) error
	Release(ctx context.Context, agentID string) error
}

// OrphanCounter reports execution slots that no live agent owns.
type OrphanCounter interface {
	Orphans(ctx context.Context) (int, error)
}

type KnowledgeStore interface {
	ArchivePatterns(ctx context.Context, agentID string, patterns map[string]float64) error
	PersistSnapshot(ctx context.Context, agentID string, snap agent.Snapshot) error
	ArchiveMetrics(ctx context.Context, a *agent.Agent) error
}

type nopProvisioner struct{}

func (nopProvisioner) Allocate(context.Context, string) error { return nil }
func (nopProvisioner) Release(context.Context, string) error  { return nil }

type nopKnowledge struct{}

func (nopKnowledge) ArchivePatterns(context.Context, string, map[string]float64) error { return nil }
func (nopKnowledge) PersistSnapshot(context.Context, string, agent.Snapshot) error      { return nil }
func (nopKnowledge) ArchiveMetrics(context.Context, *agent.Agent) error                 { return nil }
