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

// PersistSnapshot stores snap as JSON, zstd-compressed and sealed when a
// vault is configured. A later snapshot of the same agent replaces it.
func (s *Store) PersistSnapshot(ctx context.Context, agentID string, snap agent.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data := s.enc.EncodeAll(raw, nil)
	sealed := false
	if s.vault != nil {
		if data, err = s.vault.Seal(data, agentID); err != nil {
			return fmt.Errorf("seal snapshot: %w", err)
		}
		sealed = true
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_snapshots (agent_id, data, raw_size, sealed, taken_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			data = excluded.data,
			raw_size = excluded.raw_size,
			sealed = excluded.sealed,
			taken_at = excluded.taken_at,
			updated_at = CURRENT_TIMESTAMP`,
		agentID, data, len(raw), boolToInt(sealed), snap.TakenAt.UTC())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot of agentID, or nil when there
// is none.
func (s *Store) LoadSnapshot(ctx context.Context, agentID string) (*agent.Snapshot, error) {
	var data []byte
	var sealed bool
	err := s.db.QueryRowContext(ctx, `SELECT data, sealed FROM agent_snapshots WHERE agent_id = ?`, agentID).
		Scan(&data, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	if sealed {
		if s.vault == nil {
			return nil, fmt.Errorf("snapshot of %s is sealed and no vault is configured", agentID)
		}
		if data, err = s.vault.Open(data, agentID); err != nil {
			return nil, err
		}
	}
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	snap := &agent.Snapshot{}
	if err := json.Unmarshal(raw, snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_snapshots WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// SnapshotInfo describes a stored snapshot without decoding it.
type SnapshotInfo struct {
	AgentID string    `json:"agent_id"`
	RawSize int       `json:"raw_size"`
	Sealed  bool      `json:"sealed"`
	TakenAt time.Time `json:"taken_at"`
}

func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, raw_size, sealed, taken_at FROM agent_snapshots ORDER BY taken_at DESC, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var si SnapshotInfo
		if err := rows.Scan(&si.AgentID, &si.RawSize, &si.Sealed, &si.TakenAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, si)
	}
	return out, rows.Err()
}
