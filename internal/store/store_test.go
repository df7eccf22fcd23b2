package store

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/coordination"
	"github.com/mtzanidakis/hivemind/internal/lifecycle"
	"github.com/mtzanidakis/hivemind/internal/vault"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")}, opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot() agent.Snapshot {
	return agent.Snapshot{
		AgentID: "a1",
		State:   agent.StateActive,
		Performance: agent.Performance{
			TasksCompleted: 7,
			TasksFailed:    1,
			SuccessRate:    0.875,
			Efficiency:     0.6,
		},
		Learning: agent.Learning{
			Patterns:   map[string]float64{"retry": 0.8},
			SkillLevel: 0.4,
		},
		Resources: agent.Resources{CPUUsage: 0.3, MemoryUsage: 0.2, ActiveConnections: 1},
		TakenAt:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PersistSnapshot(ctx, "a1", testSnapshot()); err != nil {
		t.Fatalf("persist snapshot: %v", err)
	}
	got, err := s.LoadSnapshot(ctx, "a1")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot, got nil")
	}
	if got.Performance.TasksCompleted != 7 {
		t.Errorf("expected 7 completed tasks, got %d", got.Performance.TasksCompleted)
	}
	if got.Learning.Patterns["retry"] != 0.8 {
		t.Errorf("expected pattern confidence 0.8, got %v", got.Learning.Patterns["retry"])
	}
	if !got.TakenAt.Equal(testSnapshot().TakenAt) {
		t.Errorf("expected taken_at %v, got %v", testSnapshot().TakenAt, got.TakenAt)
	}

	// Replace
	snap := testSnapshot()
	snap.Performance.TasksCompleted = 9
	if err := s.PersistSnapshot(ctx, "a1", snap); err != nil {
		t.Fatalf("replace snapshot: %v", err)
	}
	got, _ = s.LoadSnapshot(ctx, "a1")
	if got.Performance.TasksCompleted != 9 {
		t.Errorf("expected replaced snapshot, got %d completed", got.Performance.TasksCompleted)
	}

	// Missing
	got, err = s.LoadSnapshot(ctx, "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing snapshot")
	}

	if err := s.DeleteSnapshot(ctx, "a1"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	if got, _ := s.LoadSnapshot(ctx, "a1"); got != nil {
		t.Error("expected snapshot to be deleted")
	}
}

func TestSealedSnapshot(t *testing.T) {
	v, err := vault.New("pass")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	s := newTestStore(t, WithVault(v))
	ctx := context.Background()

	if err := s.PersistSnapshot(ctx, "a1", testSnapshot()); err != nil {
		t.Fatalf("persist snapshot: %v", err)
	}

	var data []byte
	var sealed bool
	if err := s.DB().QueryRow(`SELECT data, sealed FROM agent_snapshots WHERE agent_id = 'a1'`).Scan(&data, &sealed); err != nil {
		t.Fatalf("read raw snapshot: %v", err)
	}
	if !sealed {
		t.Error("expected snapshot to be marked sealed")
	}
	if bytes.Contains(data, []byte("retry")) {
		t.Error("sealed blob leaks pattern names")
	}

	got, err := s.LoadSnapshot(ctx, "a1")
	if err != nil {
		t.Fatalf("load sealed snapshot: %v", err)
	}
	if got.Performance.SuccessRate != 0.875 {
		t.Errorf("expected success rate 0.875, got %v", got.Performance.SuccessRate)
	}

	s.vault = nil
	if _, err := s.LoadSnapshot(ctx, "a1"); err == nil {
		t.Error("expected error loading sealed snapshot without vault")
	}
}

func TestArchivePatternsKeepsBestConfidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ArchivePatterns(ctx, "a1", map[string]float64{"retry": 0.6, "cache": 0.9}); err != nil {
		t.Fatalf("archive patterns: %v", err)
	}
	if err := s.ArchivePatterns(ctx, "a2", map[string]float64{"retry": 0.8, "cache": 0.5}); err != nil {
		t.Fatalf("archive patterns: %v", err)
	}
	if err := s.ArchivePatterns(ctx, "a3", nil); err != nil {
		t.Fatalf("archive empty patterns: %v", err)
	}

	got, err := s.LearnedPatterns(ctx)
	if err != nil {
		t.Fatalf("learned patterns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(got))
	}
	if got["retry"] != 0.8 {
		t.Errorf("expected retry 0.8, got %v", got["retry"])
	}
	if got["cache"] != 0.9 {
		t.Errorf("expected cache to keep 0.9, got %v", got["cache"])
	}
}

func TestArchiveMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &agent.Agent{
		ID:           "a1",
		Type:         "worker",
		SwarmID:      "s1",
		Capabilities: []string{"code"},
		SpawnTime:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		Generation:   3,
		Performance:  agent.Performance{TasksCompleted: 10, TasksFailed: 2, SuccessRate: 10.0 / 12, Efficiency: 0.7},
		Evolution:    agent.Evolution{Fitness: 0.65},
	}
	if err := s.ArchiveMetrics(ctx, a); err != nil {
		t.Fatalf("archive metrics: %v", err)
	}

	got, err := s.GetArchive(ctx, "a1")
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	if got == nil {
		t.Fatal("expected archive, got nil")
	}
	if got.Generation != 3 || got.TasksCompleted != 10 || got.SwarmID != "s1" {
		t.Errorf("unexpected archive: %+v", got)
	}
	var detail struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(got.Detail, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if len(detail.Capabilities) != 1 || detail.Capabilities[0] != "code" {
		t.Errorf("expected capabilities [code], got %v", detail.Capabilities)
	}

	n, err := s.CountArchives(ctx)
	if err != nil {
		t.Fatalf("count archives: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 archive, got %d", n)
	}

	if got, _ := s.GetArchive(ctx, "nope"); got != nil {
		t.Error("expected nil for missing archive")
	}
}

func TestConflictHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, p := range []string{"p1", "p1", "p2"} {
		rec := coordination.ConflictRecord{
			ID:           string(rune('a' + i)),
			ProtocolID:   p,
			ActivationID: "act",
			Kind:         coordination.ConflictResource,
			Subject:      "db",
			Participants: []string{"x", "y"},
			Resolution:   coordination.ResolutionOptimisticAbort,
			Winner:       "x",
			Resolved:     true,
			Level:        coordination.LevelLocal,
			DetectedAt:   base.Add(time.Duration(i) * time.Minute),
			ResolvedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveConflict(ctx, rec); err != nil {
			t.Fatalf("save conflict: %v", err)
		}
	}

	all, err := s.ListConflicts(ctx, "", 10)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 conflicts, got %d", len(all))
	}
	if all[0].ID != "c" {
		t.Errorf("expected newest first, got %s", all[0].ID)
	}
	if all[0].Participants[1] != "y" {
		t.Errorf("expected participants to round trip, got %v", all[0].Participants)
	}

	p1, _ := s.ListConflicts(ctx, "p1", 10)
	if len(p1) != 2 {
		t.Errorf("expected 2 conflicts for p1, got %d", len(p1))
	}
	limited, _ := s.ListConflicts(ctx, "", 1)
	if len(limited) != 1 {
		t.Errorf("expected 1 conflict with limit, got %d", len(limited))
	}
}

func TestTTLPolicies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	policies := []lifecycle.ScopedPolicy{
		{Scope: lifecycle.ScopeGlobal, Key: "", Policy: lifecycle.Policy{TTL: time.Hour, Inherit: true}},
		{Scope: lifecycle.ScopeAgent, Key: "a1", Policy: lifecycle.Policy{TTL: 90 * time.Second, AutoRetire: true}},
	}
	for _, p := range policies {
		if err := s.SavePolicy(ctx, p); err != nil {
			t.Fatalf("save policy: %v", err)
		}
	}

	got, err := s.LoadPolicies(ctx)
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(got))
	}
	if got[0].Scope != lifecycle.ScopeAgent || got[0].Policy.TTL != 90*time.Second || !got[0].Policy.AutoRetire {
		t.Errorf("unexpected agent policy: %+v", got[0])
	}
	if got[1].Scope != lifecycle.ScopeGlobal || !got[1].Policy.Inherit {
		t.Errorf("unexpected global policy: %+v", got[1])
	}

	// Update in place
	policies[1].Policy.TTL = time.Minute
	_ = s.SavePolicy(ctx, policies[1])
	got, _ = s.LoadPolicies(ctx)
	if len(got) != 2 || got[0].Policy.TTL != time.Minute {
		t.Errorf("expected updated ttl 1m, got %+v", got)
	}

	if err := s.DeletePolicy(ctx, lifecycle.ScopeAgent, "a1"); err != nil {
		t.Fatalf("delete policy: %v", err)
	}
	got, _ = s.LoadPolicies(ctx)
	if len(got) != 1 {
		t.Errorf("expected 1 policy after delete, got %d", len(got))
	}
}

func TestStoreBacksTTLTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table := lifecycle.NewTTLTable(time.Hour, s)
	if err := table.Set(ctx, lifecycle.ScopeSwarm, "s1", lifecycle.Policy{TTL: time.Minute, Inherit: true}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	reloaded := lifecycle.NewTTLTable(time.Hour, s)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	p, ok := reloaded.Get(lifecycle.ScopeSwarm, "s1")
	if !ok || p.TTL != time.Minute {
		t.Errorf("expected persisted swarm policy, got %+v (found=%v)", p, ok)
	}
}

func TestListSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := testSnapshot()
	newer := testSnapshot()
	newer.AgentID = "a2"
	newer.TakenAt = older.TakenAt.Add(time.Hour)
	if err := s.PersistSnapshot(ctx, "a1", older); err != nil {
		t.Fatalf("persist a1: %v", err)
	}
	if err := s.PersistSnapshot(ctx, "a2", newer); err != nil {
		t.Fatalf("persist a2: %v", err)
	}

	got, err := s.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(got))
	}
	if got[0].AgentID != "a2" || got[1].AgentID != "a1" {
		t.Errorf("expected newest first, got %s, %s", got[0].AgentID, got[1].AgentID)
	}
	if got[0].RawSize == 0 || got[0].Sealed {
		t.Errorf("unexpected snapshot info: %+v", got[0])
	}
}

func TestBackup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PersistSnapshot(ctx, "a1", testSnapshot()); err != nil {
		t.Fatalf("persist snapshot: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "copy.db")
	if err := s.Backup(ctx, dst); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := s.Backup(ctx, dst); err == nil {
		t.Error("expected error when backup target exists")
	}

	copied, err := New(config.StoreConfig{Path: dst})
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copied.Close()

	snap, err := copied.LoadSnapshot(ctx, "a1")
	if err != nil {
		t.Fatalf("load from backup: %v", err)
	}
	if snap == nil || snap.Performance.TasksCompleted != 7 {
		t.Errorf("expected snapshot in backup, got %+v", snap)
	}
}
