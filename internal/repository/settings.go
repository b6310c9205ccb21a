package repository

import (
	"context"
	"fmt"
	"time"
)

// LoadSettings returns every persisted settings override.
func (s *SQLStore) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SaveSettings writes all values in one transaction. An empty value removes the
// override so the environment or file value applies again.
func (s *SQLStore) SaveSettings(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	upsert := s.rebind(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	remove := s.rebind(`DELETE FROM settings WHERE key = ?`)
	now := s.timeArg(time.Now())

	for k, v := range values {
		if v == "" {
			_, err = tx.ExecContext(ctx, remove, k)
		} else {
			_, err = tx.ExecContext(ctx, upsert, k, v, now)
		}
		if err != nil {
			return fmt.Errorf("save setting %s: %w", k, err)
		}
	}

	return tx.Commit()
}
