package store

import (
	"context"
	"fmt"
)

// ProviderDelta is the per-provider slice of one counter batch.
type ProviderDelta struct {
	Name   string
	Count  int64
	Errors int64
}

// CounterBatch is a set of metric deltas applied in one transaction by the
// log sink.
type CounterBatch struct {
	Counters  map[string]int64
	Models    map[string]int64
	Providers map[string]ProviderDelta
}

// Empty reports whether the batch carries no deltas.
func (b *CounterBatch) Empty() bool {
	return len(b.Counters) == 0 && len(b.Models) == 0 && len(b.Providers) == 0
}

// ApplyCounterBatch folds the deltas into the three metric tables.
func (s *Store) ApplyCounterBatch(ctx context.Context, b CounterBatch) error {
	if b.Empty() {
		return nil
	}
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for key, delta := range b.Counters {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO metrics_counters (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = value + excluded.value`, key, delta); err != nil {
			return fmt.Errorf("store: counter %s: %w", key, err)
		}
	}
	for model, delta := range b.Models {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO metrics_models (model, count) VALUES (?, ?)
ON CONFLICT(model) DO UPDATE SET count = count + excluded.count`, model, delta); err != nil {
			return fmt.Errorf("store: model counter %s: %w", model, err)
		}
	}
	for id, d := range b.Providers {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO metrics_providers (id, name, count, errors) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	count = count + excluded.count,
	errors = errors + excluded.errors`, id, d.Name, d.Count, d.Errors); err != nil {
			return fmt.Errorf("store: provider counter %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Counters returns the global counter table.
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT key, value FROM metrics_counters`)
	if err != nil {
		return nil, fmt.Errorf("store: counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			k string
			v int64
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ModelCounts returns request counts per model, highest first.
func (s *Store) ModelCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT model, count FROM metrics_models ORDER BY count DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: model counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			m string
			c int64
		)
		if err := rows.Scan(&m, &c); err != nil {
			return nil, err
		}
		out[m] = c
	}
	return out, rows.Err()
}

// ProviderCounts returns per-provider request and error totals.
func (s *Store) ProviderCounts(ctx context.Context) (map[string]ProviderDelta, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, name, count, errors FROM metrics_providers`)
	if err != nil {
		return nil, fmt.Errorf("store: provider counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ProviderDelta)
	for rows.Next() {
		var (
			id string
			d  ProviderDelta
		)
		if err := rows.Scan(&id, &d.Name, &d.Count, &d.Errors); err != nil {
			return nil, err
		}
		out[id] = d
	}
	return out, rows.Err()
}
