package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Key is one gateway API key. Only the SHA-256 hash of the secret is stored.
type Key struct {
	ID          string `json:"id"`
	KeyHash     string `json:"keyHash"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"createdAt"`
	LastUsedAt  int64  `json:"lastUsedAt"`
}

// ErrKeyNotFound is returned when a key id or hash does not exist.
var ErrKeyNotFound = errors.New("store: key not found")

// Keys returns every key, newest first.
func (s *Store) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.reader.QueryContext(ctx, `
SELECT id, key_hash, description, created_at, last_used_at
FROM hermes_keys ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ID, &k.KeyHash, &k.Description, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// InsertKey stores a new key hash.
func (s *Store) InsertKey(ctx context.Context, k Key) error {
	_, err := s.writer.ExecContext(ctx, `
INSERT INTO hermes_keys (id, key_hash, description, created_at, last_used_at)
VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.KeyHash, k.Description, k.CreatedAt, k.LastUsedAt)
	if err != nil {
		return fmt.Errorf("store: insert key: %w", err)
	}
	return nil
}

// DeleteKey removes a key by id.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM hermes_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// KeyByHash looks up a key by its SHA-256 hex hash.
func (s *Store) KeyByHash(ctx context.Context, hash string) (Key, error) {
	row := s.reader.QueryRowContext(ctx, `
SELECT id, key_hash, description, created_at, last_used_at
FROM hermes_keys WHERE key_hash = ?`, hash)
	var k Key
	err := row.Scan(&k.ID, &k.KeyHash, &k.Description, &k.CreatedAt, &k.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Key{}, ErrKeyNotFound
	}
	if err != nil {
		return Key{}, fmt.Errorf("store: key by hash: %w", err)
	}
	return k, nil
}

// TouchKeyUsed stamps last_used_at on the key.
func (s *Store) TouchKeyUsed(ctx context.Context, id string, ts int64) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE hermes_keys SET last_used_at = ? WHERE id = ?`, ts, id)
	if err != nil {
		return fmt.Errorf("store: touch key: %w", err)
	}
	return nil
}
