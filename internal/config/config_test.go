package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Lifecycle.MaxAgents != 50 {
		t.Errorf("expected max_agents 50, got %d", cfg.Lifecycle.MaxAgents)
	}
	if cfg.Lifecycle.MinAgents != 1 {
		t.Errorf("expected min_agents 1, got %d", cfg.Lifecycle.MinAgents)
	}
	if cfg.Scaler.HighCPU != 0.9 || cfg.Scaler.LowCPU != 0.3 {
		t.Errorf("unexpected scaler thresholds %v/%v", cfg.Scaler.HighCPU, cfg.Scaler.LowCPU)
	}
	if cfg.Health.IdleTimeout != 60*time.Second {
		t.Errorf("expected idle timeout 60s, got %v", cfg.Health.IdleTimeout)
	}
	if cfg.Coordination.OverflowPolicy != "drop_oldest" {
		t.Errorf("expected drop_oldest overflow, got %s", cfg.Coordination.OverflowPolicy)
	}
	if cfg.Store.Path != "data/hivemind.db" {
		t.Errorf("expected store path data/hivemind.db, got %s", cfg.Store.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("HIVEMIND_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("HIVEMIND_MAX_AGENTS", "12")
	t.Setenv("HIVEMIND_MIN_AGENTS", "3")
	t.Setenv("HIVEMIND_WEB_PASSWORD", "secret")
	t.Setenv("HIVEMIND_WEB_PORT", "9090")
	t.Setenv("HIVEMIND_DEFAULT_TTL", "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Lifecycle.MaxAgents != 12 {
		t.Errorf("expected max_agents 12, got %d", cfg.Lifecycle.MaxAgents)
	}
	if cfg.Lifecycle.MinAgents != 3 {
		t.Errorf("expected min_agents 3, got %d", cfg.Lifecycle.MinAgents)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Lifecycle.DefaultTTL != 2*time.Hour {
		t.Errorf("expected ttl 2h, got %v", cfg.Lifecycle.DefaultTTL)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
lifecycle:
  min_agents: 2
  max_agents: 8
  default_ttl: 30m
scaler:
  high_cpu: 0.85
coordination:
  overflow_policy: block
  queue_capacity: 16
schedules:
  health: "@every 15s"
  reaper: "0 * * * *"
provisioner:
  driver: docker
  image: "custom-agent:v1"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HIVEMIND_CONFIG", cfgPath)
	t.Setenv("HIVEMIND_MAX_AGENTS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Lifecycle.MaxAgents != 8 {
		t.Errorf("expected max_agents 8, got %d", cfg.Lifecycle.MaxAgents)
	}
	if cfg.Lifecycle.DefaultTTL != 30*time.Minute {
		t.Errorf("expected ttl 30m, got %v", cfg.Lifecycle.DefaultTTL)
	}
	if cfg.Scaler.HighCPU != 0.85 {
		t.Errorf("expected high_cpu 0.85, got %v", cfg.Scaler.HighCPU)
	}
	if cfg.Scaler.LowCPU != 0.3 {
		t.Errorf("expected low_cpu default 0.3 to survive, got %v", cfg.Scaler.LowCPU)
	}
	if cfg.Coordination.OverflowPolicy != "block" {
		t.Errorf("expected block overflow, got %s", cfg.Coordination.OverflowPolicy)
	}
	if cfg.Schedules.Health != "@every 15s" {
		t.Errorf("expected health schedule '@every 15s', got %q", cfg.Schedules.Health)
	}
	if cfg.Provisioner.Driver != "docker" || cfg.Provisioner.Image != "custom-agent:v1" {
		t.Errorf("unexpected provisioner %+v", cfg.Provisioner)
	}
}

func TestLoadExpandsEnvInYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("telegram:\n  token: \"${TG_TOKEN}\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HIVEMIND_CONFIG", cfgPath)
	t.Setenv("TG_TOKEN", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Errorf("expected expanded token, got %q", cfg.Telegram.Token)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Lifecycle.MinAgents = 10
	cfg.Lifecycle.MaxAgents = 5
	cfg.Evolution.Weights.Thrift = 0.5
	cfg.Coordination.OverflowPolicy = "explode"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"min_agents", "weights", "overflow_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}
