package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Settings queries.
const (
	sqlGetSetting = `SELECT value FROM settings WHERE key = ?`

	sqlSetSetting = `INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at`

	sqlDeleteSetting = `DELETE FROM settings WHERE key = ?`
)

func (s *Store) prepareSettingStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.settingStmts.get, sqlGetSetting, "getSetting"},
		{&s.settingStmts.set, sqlSetSetting, "setSetting"},
		{&s.settingStmts.delete, sqlDeleteSetting, "deleteSetting"},
	})
}

// GetSetting retrieves a settings value by key.
// Returns empty string if the key doesn't exist.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string

	err := s.settingStmts.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("store: get setting %q: %w", key, err)
	}

	return value, nil
}

// SetSetting persists a settings key-value pair (insert or update).
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.logger.Debug("saving setting", "key", key)

	_, err := s.settingStmts.set.ExecContext(ctx, key, value, nowNano())
	if err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}

	return nil
}

// DeleteSetting removes a settings key. Deleting an absent key succeeds.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	s.logger.Debug("deleting setting", "key", key)

	_, err := s.settingStmts.delete.ExecContext(ctx, key)
	if err != nil {
		return fmt.Errorf("store: delete setting %q: %w", key, err)
	}

	return nil
}
