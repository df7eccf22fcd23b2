package lifecycle

import (
	"context"
	"log/slog"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/config"
)

// Unhealthy reasons, in check priority order.
const (
	ReasonInactive       = "inactive"
	ReasonLowPerformance = "low_performance"
	ReasonHighMemory     = "high_memory"
	ReasonExpired        = "expired"
)

type HealthReport struct {
	Checked   int               `json:"checked"`
	Unhealthy map[string]string `json:"unhealthy,omitempty"`
	Failed    int               `json:"failed"`
}

// HealthMonitor checks every Active agent once per sweep and sends the
// first unhealthy one it finds per agent to Optimizing.
type HealthMonitor struct {
	engine *Engine
	cfg    config.HealthConfig
	ttl    *TTLTable
}

func NewHealthMonitor(engine *Engine, cfg config.HealthConfig, ttl *TTLTable) *HealthMonitor {
	return &HealthMonitor{engine: engine, cfg: cfg, ttl: ttl}
}

// Check returns the first failing check for a, or "" when healthy.
func (h *HealthMonitor) Check(a *agent.Agent) string {
	now := h.engine.now()
	lc := h.engine.Config()

	if now.Sub(a.LastActivity) >= h.cfg.IdleTimeout {
		return ReasonInactive
	}
	if a.Performance.SuccessRate <= h.cfg.MinSuccessRate {
		return ReasonLowPerformance
	}
	if a.Resources.MemoryUsage >= lc.MemoryThreshold {
		return ReasonHighMemory
	}
	ttl := lc.DefaultTTL
	if h.ttl != nil {
		ttl = h.ttl.Effective(a).TTL
	}
	if ttl > 0 && a.Age(now) >= ttl {
		return ReasonExpired
	}
	return ""
}

func (h *HealthMonitor) Sweep(ctx context.Context) HealthReport {
	report := HealthReport{Unhealthy: make(map[string]string)}

	for _, a := range h.engine.Registry().ListState(agent.StateActive) {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		reason := h.Check(a)
		if reason == "" {
			continue
		}
		report.Unhealthy[a.ID] = reason
		if err := h.engine.Transition(ctx, a.ID, agent.StateOptimizing, reason); err != nil {
			report.Failed++
			slog.Warn("health remediation failed", "agent", a.ID, "reason", reason, "error", err)
		}
	}

	if len(report.Unhealthy) > 0 {
		slog.Info("health sweep", "checked", report.Checked, "unhealthy", len(report.Unhealthy), "failed", report.Failed)
	}
	return report
}
