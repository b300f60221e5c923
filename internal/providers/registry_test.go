package providers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nulpointcorp/hermes/internal/store"
)

func newTestRegistry(t *testing.T, aliases map[string]string) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "hermes.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := NewRegistry(st, aliases, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return reg, st
}

func mustCreate(t *testing.T, reg *Registry, in CreateInput) store.Provider {
	t.Helper()
	p, err := reg.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create %s: %v", in.Name, err)
	}
	return p
}

func activate(t *testing.T, reg *Registry, id string, models ...string) {
	t.Helper()
	if err := reg.ApplySync(context.Background(), id, models, 1000); err != nil {
		t.Fatalf("apply sync: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
	}{
		{"empty name", CreateInput{BaseURL: "https://x.example.com"}},
		{"empty url", CreateInput{Name: "x"}},
		{"bad scheme", CreateInput{Name: "x", BaseURL: "ftp://x.example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := reg.Create(ctx, tc.in); err == nil {
				t.Fatalf("create accepted invalid input %+v", tc.in)
			}
		})
	}
}

func TestCreateStartsPendingAndServesNoTraffic(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	p := mustCreate(t, reg, CreateInput{
		Name:    "fresh",
		BaseURL: "https://fresh.example.com/",
		Models:  []string{"m-1"},
	})

	if p.Status != store.StatusPending {
		t.Fatalf("status = %q, want pending", p.Status)
	}
	if p.BaseURL != "https://fresh.example.com" {
		t.Fatalf("baseUrl = %q, want trailing slash trimmed", p.BaseURL)
	}
	// Pending providers are visible by id but absent from the model index.
	if _, ok := reg.Provider(p.ID); !ok {
		t.Fatal("provider not visible by id")
	}
	if got := reg.ProvidersFor("m-1"); len(got) != 0 {
		t.Fatalf("pending provider serves traffic: %v", got)
	}
}

func TestApplySyncActivatesAndIndexes(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: "https://one.example.com"})
	activate(t, reg, p.ID, "alpha", "beta")

	got, _ := reg.Provider(p.ID)
	if got.Status != store.StatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	if serving := reg.ProvidersFor(reg.Canonical("alpha")); len(serving) != 1 || serving[0].ID != p.ID {
		t.Fatalf("ProvidersFor(alpha) = %v", serving)
	}
}

func TestModelSharedAcrossProviders(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	p1 := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: "https://one.example.com"})
	p2 := mustCreate(t, reg, CreateInput{Name: "two", BaseURL: "https://two.example.com"})
	activate(t, reg, p1.ID, "shared-model")
	activate(t, reg, p2.ID, "shared-model")

	serving := reg.ProvidersFor(reg.Canonical("shared-model"))
	if len(serving) != 2 {
		t.Fatalf("ProvidersFor = %v, want both providers", serving)
	}
}

func TestAliasesResolveToCanonical(t *testing.T) {
	reg, _ := newTestRegistry(t, map[string]string{"gpt4o": "gpt-4o"})

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: "https://one.example.com"})
	activate(t, reg, p.ID, "gpt-4o")

	if got := reg.Canonical("gpt4o"); got != reg.Canonical("gpt-4o") {
		t.Fatalf("alias resolves to %q, canonical is %q", got, reg.Canonical("gpt-4o"))
	}
	if serving := reg.ProvidersFor(reg.Canonical("gpt4o")); len(serving) != 1 {
		t.Fatalf("alias lookup found %v", serving)
	}
}

func TestUpdatePartialFields(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: "https://one.example.com", APIKey: "sk-1"})

	name := "renamed"
	got, err := reg.Update(ctx, p.ID, UpdateInput{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Name != "renamed" || got.APIKey != "sk-1" || got.BaseURL != "https://one.example.com" {
		t.Fatalf("partial update touched other fields: %+v", got)
	}

	bad := "not-a-status"
	if _, err := reg.Update(ctx, p.ID, UpdateInput{Status: &bad}); err == nil {
		t.Fatal("update accepted an invalid status")
	}
	if _, err := reg.Update(ctx, "missing", UpdateInput{Name: &name}); err == nil {
		t.Fatal("update of unknown provider must fail")
	}
}

func TestDeleteFiresHooks(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: "https://one.example.com"})
	activate(t, reg, p.ID, "m")

	var deleted []string
	reg.OnDelete(func(id string) { deleted = append(deleted, id) })

	if err := reg.Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != p.ID {
		t.Fatalf("delete hooks = %v", deleted)
	}
	if _, ok := reg.Provider(p.ID); ok {
		t.Fatal("provider still in snapshot")
	}
	if err := reg.Delete(ctx, p.ID); err == nil {
		t.Fatal("second delete must fail")
	}
}

func TestBlacklistModelRemovesFromIndex(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: "https://one.example.com"})
	activate(t, reg, p.ID, "good-model", "bad-model")

	canon := reg.Canonical("bad-model")
	if err := reg.BlacklistModel(ctx, p.ID, canon); err != nil {
		t.Fatalf("blacklist: %v", err)
	}

	if serving := reg.ProvidersFor(canon); len(serving) != 0 {
		t.Fatalf("blacklisted model still served: %v", serving)
	}
	if serving := reg.ProvidersFor(reg.Canonical("good-model")); len(serving) != 1 {
		t.Fatalf("unrelated model affected: %v", serving)
	}

	// Idempotent: a second blacklist of the same model changes nothing.
	if err := reg.BlacklistModel(ctx, p.ID, canon); err != nil {
		t.Fatalf("second blacklist: %v", err)
	}
}

func TestSnapshotHashChangesOnMutation(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	h0 := reg.Snapshot().Hash()
	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: "https://one.example.com"})
	h1 := reg.Snapshot().Hash()
	if h0 == h1 {
		t.Fatal("hash unchanged after create")
	}
	activate(t, reg, p.ID, "m")
	h2 := reg.Snapshot().Hash()
	if h1 == h2 {
		t.Fatal("hash unchanged after sync")
	}
}

func TestOnChangeFiresPerMutation(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	calls := 0
	reg.OnChange(func() { calls++ })

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: "https://one.example.com"})
	activate(t, reg, p.ID, "m")

	if calls != 2 {
		t.Fatalf("change hook fired %d times, want 2", calls)
	}
}

func TestMarkSyncFailedOnlyDowngradesPending(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: "https://one.example.com"})
	if err := reg.MarkSyncFailed(ctx, p.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := reg.Provider(p.ID)
	if got.Status != store.StatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}

	// A provider that has synced before keeps serving its last good catalog.
	activate(t, reg, p.ID, "m")
	if err := reg.MarkSyncFailed(ctx, p.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ = reg.Provider(p.ID)
	if got.Status != store.StatusActive {
		t.Fatalf("status = %q, want active kept", got.Status)
	}
}
