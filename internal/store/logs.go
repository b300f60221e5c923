package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Sync results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// SyncLog is one append-only model-sync audit row.
type SyncLog struct {
	ID           int64  `json:"id"`
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName"`
	Model        string `json:"model"`
	Result       string `json:"result"`
	Message      string `json:"message"`
	CreatedAt    int64  `json:"createdAt"`
}

// RequestLog is one append-only gateway request audit row.
type RequestLog struct {
	ID         int64  `json:"id"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Model      string `json:"model"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"durationMs"`
	ClientIP   string `json:"clientIp"`
	CreatedAt  int64  `json:"createdAt"`
}

func insertSyncLog(ctx context.Context, tx *sql.Tx, l SyncLog) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO sync_logs (provider_id, provider_name, model, result, message, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		l.ProviderID, l.ProviderName, l.Model, l.Result, l.Message, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert sync log: %w", err)
	}
	return nil
}

// InsertSyncLogs appends a batch of sync records in one transaction.
func (s *Store) InsertSyncLogs(ctx context.Context, logs []SyncLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	for _, l := range logs {
		if err := insertSyncLog(ctx, tx, l); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertRequestLogs appends a batch of request records in one transaction.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	for _, l := range logs {
		_, err := tx.ExecContext(ctx, `
INSERT INTO request_logs (method, path, model, status, duration_ms, client_ip, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			l.Method, l.Path, l.Model, l.Status, l.DurationMs, l.ClientIP, l.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert request log: %w", err)
		}
	}
	return tx.Commit()
}

// RequestLogs returns the newest rows, optionally bounded by a since
// timestamp (ms). limit ≤ 0 means 100, capped at 1000.
func (s *Store) RequestLogs(ctx context.Context, limit int, sinceMs int64) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.reader.QueryContext(ctx, `
SELECT id, method, path, model, status, duration_ms, client_ip, created_at
FROM request_logs WHERE created_at >= ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sinceMs, limit)
	if err != nil {
		return nil, fmt.Errorf("store: request logs: %w", err)
	}
	defer rows.Close()

	var out []RequestLog
	for rows.Next() {
		var l RequestLog
		if err := rows.Scan(&l.ID, &l.Method, &l.Path, &l.Model, &l.Status,
			&l.DurationMs, &l.ClientIP, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SyncLogs returns the newest sync rows, optionally filtered by provider.
func (s *Store) SyncLogs(ctx context.Context, providerID string, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var (
		rows *sql.Rows
		err  error
	)
	if providerID == "" {
		rows, err = s.reader.QueryContext(ctx, `
SELECT id, provider_id, provider_name, model, result, message, created_at
FROM sync_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.reader.QueryContext(ctx, `
SELECT id, provider_id, provider_name, model, result, message, created_at
FROM sync_logs WHERE provider_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
			providerID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: sync logs: %w", err)
	}
	defer rows.Close()

	var out []SyncLog
	for rows.Next() {
		var l SyncLog
		if err := rows.Scan(&l.ID, &l.ProviderID, &l.ProviderName, &l.Model,
			&l.Result, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
