package logsink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/nulpointcorp/hermes/internal/store"
)

const requestLogsDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
	method      String,
	path        String,
	model       String,
	status      UInt16,
	duration_ms UInt32,
	client_ip   String,
	created_at  DateTime64(3)
)
ENGINE = MergeTree
ORDER BY created_at`

// ClickHouseOptions configures the analytics mirror.
type ClickHouseOptions struct {
	Addr     string // host:port
	Database string
	Username string
	Password string
}

// ClickHouseWriter mirrors request-log batches into ClickHouse for
// long-horizon analytics queries. SQLite remains the source of truth; this
// feed is best-effort and failures only surface as sink warnings.
type ClickHouseWriter struct {
	conn *sql.DB
	log  *slog.Logger
}

// NewClickHouseWriter connects, verifies the server and ensures the
// request_logs table exists.
func NewClickHouseWriter(ctx context.Context, opts ClickHouseOptions, slogger *slog.Logger) (*ClickHouseWriter, error) {
	if slogger == nil {
		slogger = slog.Default()
	}

	dsn := fmt.Sprintf("clickhouse://%s:%s@%s/%s?secure=false&dial_timeout=5s",
		opts.Username, opts.Password, opts.Addr, opts.Database)

	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("logsink: open clickhouse: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("logsink: ping clickhouse: %w", err)
	}
	if _, err := conn.ExecContext(ctx, requestLogsDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("logsink: ensure request_logs table: %w", err)
	}

	slogger.InfoContext(ctx, "clickhouse analytics mirror connected",
		slog.String("addr", opts.Addr),
		slog.String("database", opts.Database),
	)

	return &ClickHouseWriter{conn: conn, log: slogger}, nil
}

// WriteRequestLogs inserts one batch inside a transaction.
func (w *ClickHouseWriter) WriteRequestLogs(ctx context.Context, logs []store.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO request_logs (method, path, model, status, duration_ms, client_ip, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		_, err := stmt.ExecContext(ctx,
			l.Method,
			l.Path,
			l.Model,
			uint16(l.Status),
			uint32(l.DurationMs),
			l.ClientIP,
			time.UnixMilli(l.CreatedAt).UTC(),
		)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}

	return tx.Commit()
}

func (w *ClickHouseWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
