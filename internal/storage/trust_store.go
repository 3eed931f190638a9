package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantumlife/gatekeeper/internal/trust"
)

// TrustStore persists trust category snapshots across restarts
type TrustStore struct {
	db *DB
}

// NewTrustStore creates a trust store
func NewTrustStore(db *DB) *TrustStore {
	return &TrustStore{db: db}
}

// SaveSnapshots upserts every snapshot in one transaction
func (s *TrustStore) SaveSnapshots(ctx context.Context, snaps []trust.Snapshot) error {
	now := time.Now().UnixMilli()
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, snap := range snaps {
			data, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", snap.Name, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO trust_categories (name, snapshot, updated_at)
				VALUES (?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET
					snapshot = excluded.snapshot,
					updated_at = excluded.updated_at
			`, snap.Name, string(data), now)
			if err != nil {
				return fmt.Errorf("save %s: %w", snap.Name, err)
			}
		}
		return nil
	})
}

// LoadSnapshots returns every stored snapshot ordered by name
func (s *TrustStore) LoadSnapshots(ctx context.Context) ([]trust.Snapshot, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT snapshot FROM trust_categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query trust categories: %w", err)
	}
	defer rows.Close()

	var out []trust.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap trust.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal trust snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
