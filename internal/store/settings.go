package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Reserved settings keys. Values are strings; numeric keys parse as int64.
const (
	SettingSyncIntervalHours = "periodicSyncIntervalHours"
	SettingChatMaxRetries    = "chatMaxRetries"
	SettingInitialPenaltyMs  = "dispatcher_initial_penalty_ms"
	SettingMaxPenaltyMs      = "dispatcher_max_penalty_ms"
	SettingResyncThreshold   = "dispatcher_resync_threshold"
	SettingResyncCooldownMs  = "dispatcher_resync_cooldown_ms"
	SettingRateLimitMax      = "rateLimitMax"
	SettingRateLimitWindow   = "rateLimitWindow"
)

// GetSetting returns the raw value and whether the key exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var v string
	err := row.Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting: %w", err)
	}
	return v, true, nil
}

// GetSettingInt returns the key parsed as int64, or def when absent or
// malformed.
func (s *Store) GetSettingInt(ctx context.Context, key string, def int64) int64 {
	v, ok, err := s.GetSetting(ctx, key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// SetSetting upserts one key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.writer.ExecContext(ctx, `
INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set setting: %w", err)
	}
	return nil
}

// SeedSetting writes the key only when it does not exist yet. Used at boot
// to materialize config defaults without clobbering admin overrides.
func (s *Store) SeedSetting(ctx context.Context, key, value string) error {
	_, err := s.writer.ExecContext(ctx, `
INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO NOTHING`, key, value)
	if err != nil {
		return fmt.Errorf("store: seed setting: %w", err)
	}
	return nil
}

// AllSettings returns the whole table.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("store: settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
