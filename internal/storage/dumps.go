package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveConfigDump overwrites the snapshot for (variant, publicKey).
func (s *Store) SaveConfigDump(ctx context.Context, d *ConfigDump) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_dumps (variant, public_key, data, timestamp_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (variant, public_key) DO UPDATE SET
			data = excluded.data,
			timestamp_ms = excluded.timestamp_ms
	`, d.Variant, d.PublicKey, d.Data, d.TimestampMs)
	if err != nil {
		return fmt.Errorf("save config dump %s/%s: %w", d.Variant, d.PublicKey, err)
	}
	return nil
}

// GetConfigDump returns the latest snapshot, or nil when none exists.
func (s *Store) GetConfigDump(ctx context.Context, variant, publicKey string) (*ConfigDump, error) {
	d := &ConfigDump{Variant: variant, PublicKey: publicKey}
	err := s.db.QueryRowContext(ctx, `
		SELECT data, timestamp_ms FROM config_dumps WHERE variant = ? AND public_key = ?
	`, variant, publicKey).Scan(&d.Data, &d.TimestampMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config dump %s/%s: %w", variant, publicKey, err)
	}
	return d, nil
}

// LatestDumpTimestamp returns the newest dump timestamp across all
// namespaces for one owner; 0 when no dump exists. The reconciler's
// buffer-window guard keys off this value.
func (s *Store) LatestDumpTimestamp(ctx context.Context, publicKey string) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp_ms) FROM config_dumps WHERE public_key = ?
	`, publicKey).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("latest dump timestamp for %s: %w", publicKey, err)
	}
	return ts.Int64, nil
}
