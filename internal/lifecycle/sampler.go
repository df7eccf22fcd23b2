package lifecycle

import (
	"context"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/events"
	"github.com/mtzanidakis/hivemind/internal/registry"
)

// RegistrySampler derives system metrics from the agents' reported
// resource usage. Hibernating agents hold no resources and are left out
// of the averages.
type RegistrySampler struct {
	reg *registry.Registry
}

func NewRegistrySampler(reg *registry.Registry) *RegistrySampler {
	return &RegistrySampler{reg: reg}
}

func (s *RegistrySampler) SampleSystemMetrics(context.Context) (SystemMetrics, error) {
	var m SystemMetrics
	var cpu, mem float64
	running := 0
	for _, a := range s.reg.List() {
		m.AgentCount++
		switch a.State {
		case agent.StateActive:
			m.ActiveAgentCount++
		case agent.StateHibernating, agent.StateTerminated:
			continue
		}
		cpu += a.Resources.CPUUsage
		mem += a.Resources.MemoryUsage
		running++
	}
	if running > 0 {
		m.AvgCPU = agent.Clamp01(cpu / float64(running))
		m.AvgMemory = agent.Clamp01(mem / float64(running))
	}
	return m, nil
}

// PublishMetrics samples src and emits a resource-metrics event.
func PublishMetrics(ctx context.Context, src MetricsSource, pub events.Publisher) (SystemMetrics, error) {
	m, err := src.SampleSystemMetrics(ctx)
	if err != nil {
		return m, err
	}
	pub.Publish(events.Event{
		Type: events.ResourceMetrics,
		Data: map[string]any{
			"avg_cpu":            m.AvgCPU,
			"avg_memory":         m.AvgMemory,
			"agent_count":        m.AgentCount,
			"active_agent_count": m.ActiveAgentCount,
		},
	})
	return m, nil
}
