package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/hivemind/internal/lifecycle"
)

func (s *Store) SavePolicy(ctx context.Context, p lifecycle.ScopedPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ttl_policies (scope, key, ttl_ms, auto_retire, inherit)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			ttl_ms = excluded.ttl_ms,
			auto_retire = excluded.auto_retire,
			inherit = excluded.inherit,
			updated_at = CURRENT_TIMESTAMP`,
		string(p.Scope), p.Key, p.Policy.TTL.Milliseconds(), boolToInt(p.Policy.AutoRetire), boolToInt(p.Policy.Inherit))
	if err != nil {
		return fmt.Errorf("save ttl policy: %w", err)
	}
	return nil
}

func (s *Store) DeletePolicy(ctx context.Context, scope lifecycle.Scope, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ttl_policies WHERE scope = ? AND key = ?`, string(scope), key); err != nil {
		return fmt.Errorf("delete ttl policy: %w", err)
	}
	return nil
}

func (s *Store) LoadPolicies(ctx context.Context) ([]lifecycle.ScopedPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, key, ttl_ms, auto_retire, inherit FROM ttl_policies ORDER BY scope, key`)
	if err != nil {
		return nil, fmt.Errorf("list ttl policies: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.ScopedPolicy
	for rows.Next() {
		var p lifecycle.ScopedPolicy
		var scope string
		var ttlMs int64
		if err := rows.Scan(&scope, &p.Key, &ttlMs, &p.Policy.AutoRetire, &p.Policy.Inherit); err != nil {
			return nil, fmt.Errorf("scan ttl policy: %w", err)
		}
		p.Scope = lifecycle.Scope(scope)
		p.Policy.TTL = time.Duration(ttlMs) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}
