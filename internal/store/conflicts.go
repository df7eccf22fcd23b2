package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/hivemind/internal/coordination"
)

func (s *Store) SaveConflict(ctx context.Context, rec coordination.ConflictRecord) error {
	detail, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conflict: %w", err)
	}
	var resolvedAt any
	if !rec.ResolvedAt.IsZero() {
		resolvedAt = rec.ResolvedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflict_history (id, protocol_id, activation_id, kind, subject, resolution, winner,
			level, resolved, detail, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolution = excluded.resolution,
			winner = excluded.winner,
			level = excluded.level,
			resolved = excluded.resolved,
			detail = excluded.detail,
			resolved_at = excluded.resolved_at`,
		rec.ID, rec.ProtocolID, rec.ActivationID, string(rec.Kind), rec.Subject, rec.Resolution, rec.Winner,
		string(rec.Level), boolToInt(rec.Resolved), string(detail), rec.DetectedAt.UTC(), resolvedAt)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// ListConflicts returns up to limit conflicts, newest first, optionally
// limited to one protocol.
func (s *Store) ListConflicts(ctx context.Context, protocolID string, limit int) ([]coordination.ConflictRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if protocolID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT detail FROM conflict_history ORDER BY detected_at DESC, id LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT detail FROM conflict_history WHERE protocol_id = ? ORDER BY detected_at DESC, id LIMIT ?`,
			protocolID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []coordination.ConflictRecord
	for rows.Next() {
		var detail string
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		var rec coordination.ConflictRecord
		if err := json.Unmarshal([]byte(detail), &rec); err != nil {
			return nil, fmt.Errorf("decode conflict: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
