package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/hivemind/internal/agent"
)

// ArchivePatterns merges patterns into the shared pattern table. A
// pattern keeps the highest confidence ever archived for it.
func (s *Store) ArchivePatterns(ctx context.Context, agentID string, patterns map[string]float64) error {
	if len(patterns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO learned_patterns (pattern, confidence, source)
		VALUES (?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			confidence = excluded.confidence,
			source = excluded.source,
			updated_at = CURRENT_TIMESTAMP
		WHERE excluded.confidence > learned_patterns.confidence`)
	if err != nil {
		return fmt.Errorf("prepare archive patterns: %w", err)
	}
	defer stmt.Close()

	for p, c := range patterns {
		if _, err := stmt.ExecContext(ctx, p, c, agentID); err != nil {
			return fmt.Errorf("archive pattern %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// LearnedPatterns returns every archived pattern with its confidence.
func (s *Store) LearnedPatterns(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pattern, confidence FROM learned_patterns`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var p string
		var c float64
		if err := rows.Scan(&p, &c); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out[p] = c
	}
	return out, rows.Err()
}

// Archive is the final record of a retired agent.
type Archive struct {
	AgentID        string          `json:"agent_id"`
	Type           string          `json:"type"`
	SwarmID        string          `json:"swarm_id,omitempty"`
	Generation     int             `json:"generation"`
	TasksCompleted int             `json:"tasks_completed"`
	TasksFailed    int             `json:"tasks_failed"`
	SuccessRate    float64         `json:"success_rate"`
	Efficiency     float64         `json:"efficiency"`
	Fitness        float64         `json:"fitness"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	SpawnedAt      time.Time       `json:"spawned_at"`
	ArchivedAt     time.Time       `json:"archived_at"`
}

type archiveDetail struct {
	Capabilities []string           `json:"capabilities,omitempty"`
	Performance  agent.Performance  `json:"performance"`
	Mutations    []agent.Mutation   `json:"mutations,omitempty"`
	Patterns     map[string]float64 `json:"patterns,omitempty"`
	SkillLevel   float64            `json:"skill_level"`
}

func (s *Store) ArchiveMetrics(ctx context.Context, a *agent.Agent) error {
	detail, err := json.Marshal(archiveDetail{
		Capabilities: a.Capabilities,
		Performance:  a.Performance,
		Mutations:    a.Evolution.Mutations,
		Patterns:     a.Learning.Patterns,
		SkillLevel:   a.Learning.SkillLevel,
	})
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_archives (agent_id, agent_type, swarm_id, generation, tasks_completed, tasks_failed,
			success_rate, efficiency, fitness, detail, spawned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			generation = excluded.generation,
			tasks_completed = excluded.tasks_completed,
			tasks_failed = excluded.tasks_failed,
			success_rate = excluded.success_rate,
			efficiency = excluded.efficiency,
			fitness = excluded.fitness,
			detail = excluded.detail,
			archived_at = CURRENT_TIMESTAMP`,
		a.ID, a.Type, a.SwarmID, a.Generation, a.Performance.TasksCompleted, a.Performance.TasksFailed,
		a.Performance.SuccessRate, a.Performance.Efficiency, a.Evolution.Fitness, string(detail), a.SpawnTime.UTC())
	if err != nil {
		return fmt.Errorf("archive metrics: %w", err)
	}
	return nil
}

func (s *Store) GetArchive(ctx context.Context, agentID string) (*Archive, error) {
	a := &Archive{}
	var swarmID, detail sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, agent_type, swarm_id, generation, tasks_completed, tasks_failed,
			success_rate, efficiency, fitness, detail, spawned_at, archived_at
		FROM agent_archives WHERE agent_id = ?`, agentID).
		Scan(&a.AgentID, &a.Type, &swarmID, &a.Generation, &a.TasksCompleted, &a.TasksFailed,
			&a.SuccessRate, &a.Efficiency, &a.Fitness, &detail, &a.SpawnedAt, &a.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archive: %w", err)
	}
	a.SwarmID = swarmID.String
	if detail.Valid {
		a.Detail = json.RawMessage(detail.String)
	}
	return a, nil
}

// CountArchives returns the number of retired agents on record.
func (s *Store) CountArchives(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_archives`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archives: %w", err)
	}
	return n, nil
}
