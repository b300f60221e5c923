package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Provider lifecycle states.
const (
	StatusActive  = "active"
	StatusPending = "pending"
	StatusError   = "error"
)

// Provider is the durable configuration of one upstream.
type Provider struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	BaseURL        string   `json:"baseUrl"`
	APIKey         string   `json:"apiKey"`
	Models         []string `json:"models"`
	ModelBlacklist []string `json:"modelBlacklist"`
	Status         string   `json:"status"`
	CreatedAt      int64    `json:"createdAt"`
	LastSyncedAt   int64    `json:"lastSyncedAt"`
	LastUsedAt     int64    `json:"lastUsedAt"`
}

// EffectiveModels returns the advertised set minus the blacklist.
func (p *Provider) EffectiveModels() []string {
	if len(p.ModelBlacklist) == 0 {
		out := make([]string, len(p.Models))
		copy(out, p.Models)
		return out
	}
	deny := make(map[string]struct{}, len(p.ModelBlacklist))
	for _, m := range p.ModelBlacklist {
		deny[m] = struct{}{}
	}
	out := make([]string, 0, len(p.Models))
	for _, m := range p.Models {
		if _, blocked := deny[m]; !blocked {
			out = append(out, m)
		}
	}
	return out
}

// ErrProviderNotFound is returned when an id does not exist.
var ErrProviderNotFound = errors.New("store: provider not found")

const providerCols = `id, name, base_url, api_key, models, model_blacklist, status,
	created_at, last_synced_at, last_used_at`

func scanProvider(row interface{ Scan(...any) error }) (Provider, error) {
	var (
		p         Provider
		models    string
		blacklist string
	)
	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &models, &blacklist,
		&p.Status, &p.CreatedAt, &p.LastSyncedAt, &p.LastUsedAt)
	if err != nil {
		return Provider{}, err
	}
	if err := json.Unmarshal([]byte(models), &p.Models); err != nil {
		return Provider{}, fmt.Errorf("store: provider %s models: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(blacklist), &p.ModelBlacklist); err != nil {
		return Provider{}, fmt.Errorf("store: provider %s blacklist: %w", p.ID, err)
	}
	return p, nil
}

// Providers returns every provider ordered by creation time.
func (s *Store) Providers(ctx context.Context) ([]Provider, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+providerCols+` FROM providers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProviderByID fetches one provider.
func (s *Store) ProviderByID(ctx context.Context, id string) (Provider, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id = ?`, id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, ErrProviderNotFound
	}
	return p, err
}

// UpsertProvider inserts or replaces a provider and, when initialLog is
// non-nil, appends the sync record in the same transaction. The commit is
// fully synchronous.
func (s *Store) UpsertProvider(ctx context.Context, p Provider, initialLog *SyncLog) error {
	models, err := json.Marshal(emptyIfNil(p.Models))
	if err != nil {
		return fmt.Errorf("store: marshal models: %w", err)
	}
	blacklist, err := json.Marshal(emptyIfNil(p.ModelBlacklist))
	if err != nil {
		return fmt.Errorf("store: marshal blacklist: %w", err)
	}

	return s.withFullSync(ctx, func() error {
		tx, err := s.writer.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
INSERT INTO providers (id, name, base_url, api_key, models, model_blacklist, status,
	created_at, last_synced_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	base_url = excluded.base_url,
	api_key = excluded.api_key,
	models = excluded.models,
	model_blacklist = excluded.model_blacklist,
	status = excluded.status,
	last_synced_at = excluded.last_synced_at,
	last_used_at = excluded.last_used_at`,
			p.ID, p.Name, p.BaseURL, p.APIKey, string(models), string(blacklist),
			p.Status, p.CreatedAt, p.LastSyncedAt, p.LastUsedAt)
		if err != nil {
			return fmt.Errorf("store: upsert provider: %w", err)
		}

		if initialLog != nil {
			if err := insertSyncLog(ctx, tx, *initialLog); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UpdateProviderModels persists the outcome of a model sync.
func (s *Store) UpdateProviderModels(ctx context.Context, id string, models, blacklist []string, status string, syncedAt int64) error {
	mj, err := json.Marshal(emptyIfNil(models))
	if err != nil {
		return fmt.Errorf("store: marshal models: %w", err)
	}
	bj, err := json.Marshal(emptyIfNil(blacklist))
	if err != nil {
		return fmt.Errorf("store: marshal blacklist: %w", err)
	}
	return s.withFullSync(ctx, func() error {
		res, err := s.writer.ExecContext(ctx, `
UPDATE providers SET models = ?, model_blacklist = ?, status = ?, last_synced_at = ?
WHERE id = ?`, string(mj), string(bj), status, syncedAt, id)
		if err != nil {
			return fmt.Errorf("store: update models: %w", err)
		}
		return requireRow(res)
	})
}

// UpdateProviderStatus changes only the lifecycle status.
func (s *Store) UpdateProviderStatus(ctx context.Context, id, status string) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE providers SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return requireRow(res)
}

// TouchProviderUsed stamps last_used_at. Called on successful dispatch;
// relaxed durability is fine here.
func (s *Store) TouchProviderUsed(ctx context.Context, id string, ts int64) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE providers SET last_used_at = ? WHERE id = ?`, ts, id)
	if err != nil {
		return fmt.Errorf("store: touch provider: %w", err)
	}
	return nil
}

// DeleteProvider removes the provider row. Volatile scorer/breaker state is
// the registry's to clean up.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	return s.withFullSync(ctx, func() error {
		res, err := s.writer.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete provider: %w", err)
		}
		return requireRow(res)
	})
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProviderNotFound
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
