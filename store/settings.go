package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Setting returns a stored setting value.
func (s *Store) Setting(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM settings WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", NotFoundError{Entity: "setting", Key: namespace + "/" + key}
	}
	if err != nil {
		return "", fmt.Errorf("store: load setting %s: %w", key, err)
	}
	return value, nil
}

// GetOrCreate returns the value stored under (namespace, key). When absent,
// create is called and its value stored, all inside one transaction, so
// concurrent callers and later restarts observe the same value.
func (s *Store) GetOrCreate(ctx context.Context, namespace, key string, create func() (string, error)) (string, error) {
	var value string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT value FROM settings WHERE namespace = ? AND key = ?
		`, namespace, key).Scan(&value)
		switch {
		case err == nil:
			return nil
		case err != sql.ErrNoRows:
			return fmt.Errorf("store: load setting %s: %w", key, err)
		}

		v, err := create()
		if err != nil {
			return fmt.Errorf("store: create setting %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (namespace, key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		`, namespace, key, v); err != nil {
			return fmt.Errorf("store: save setting %s: %w", key, err)
		}
		value = v
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}
