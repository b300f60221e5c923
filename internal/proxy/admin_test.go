package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/hermes/internal/store"
)

func TestAdminGuard(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "GET", "/admin/providers", "", nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp = env.do(t, "GET", "/admin/providers", "wrong-secret", nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", resp.StatusCode)
	}

	resp = env.do(t, "GET", "/admin/providers", testSecret, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("secret: status = %d, want 200", resp.StatusCode)
	}
}

func TestAdminProviderCreateRedactsKey(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"m1","object":"model"}]}`))
	}))
	defer up.Close()

	payload, _ := json.Marshal(map[string]any{
		"name":   "fresh",
		"baseUrl": up.URL,
		"apiKey": "sk-supersecret-9999",
	})
	resp := env.do(t, "POST", "/admin/providers", testSecret, payload)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var p store.Provider
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if strings.Contains(p.APIKey, "supersecret") {
		t.Fatalf("api key not redacted: %q", p.APIKey)
	}
	if !strings.HasSuffix(p.APIKey, "9999") {
		t.Fatalf("redaction should keep the tail: %q", p.APIKey)
	}
	if p.Status != store.StatusPending {
		t.Fatalf("new provider status = %q, want pending", p.Status)
	}
}

func TestAdminProviderCreateValidation(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	payload := []byte(`{"name":"x","baseUrl":"ftp://nope"}`)
	resp := env.do(t, "POST", "/admin/providers", testSecret, payload)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("validation_failed")) {
		t.Fatalf("body = %s", body)
	}
}

func TestAdminProviderPatchAndDelete(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	up := httptest.NewServer(chatOK("x"))
	defer up.Close()
	p := env.addProvider(t, "old-name", up.URL, "test-model")

	resp := env.do(t, "PATCH", "/admin/providers/"+p.ID, testSecret,
		[]byte(`{"name":"new-name"}`))
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", resp.StatusCode, body)
	}
	got, ok := env.reg.Provider(p.ID)
	if !ok || got.Name != "new-name" {
		t.Fatalf("provider after patch = %+v", got)
	}

	resp = env.do(t, "DELETE", "/admin/providers/"+p.ID, testSecret, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if _, ok := env.reg.Provider(p.ID); ok {
		t.Fatal("provider still present after delete")
	}

	resp = env.do(t, "DELETE", "/admin/providers/"+p.ID, testSecret, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminKeysGenerateRoundTrip(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "POST", "/admin/keys/generate", testSecret,
		[]byte(`{"description":"ci key"}`))
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var out struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(out.Key, "hermes-") {
		t.Fatalf("key = %q, want hermes- prefix", out.Key)
	}

	// The minted plaintext authenticates on the public surface.
	resp = env.do(t, "GET", "/v1/models", out.Key, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generated key rejected: %d", resp.StatusCode)
	}

	// The stored record holds only the hash.
	keys, err := env.st.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0].KeyHash == out.Key || len(keys[0].KeyHash) != 64 {
		t.Fatalf("stored keys = %+v", keys)
	}

	resp = env.do(t, "DELETE", "/admin/keys/"+out.ID, testSecret, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = env.do(t, "GET", "/v1/models", out.Key, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key still accepted: %d", resp.StatusCode)
	}
}

func TestAdminSettingsRoundTrip(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "GET", "/admin/settings", testSecret, nil)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var settings map[string]string
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if settings[store.SettingChatMaxRetries] != "3" {
		t.Fatalf("seeded %s = %q, want config default 3", store.SettingChatMaxRetries, settings[store.SettingChatMaxRetries])
	}

	resp = env.do(t, "POST", "/admin/settings", testSecret,
		[]byte(`{"`+store.SettingChatMaxRetries+`":"5"}`))
	body = readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post status = %d, body = %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if settings[store.SettingChatMaxRetries] != "5" {
		t.Fatalf("updated value = %q, want 5", settings[store.SettingChatMaxRetries])
	}

	// The tuning cache was invalidated, so the dispatcher sees the new budget.
	if got := env.dispatcher.tuning.MaxRetries(); got != 5 {
		t.Fatalf("MaxRetries = %d, want 5", got)
	}
}

func TestAdminSettingsRejectsUnknownAndNonInteger(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "POST", "/admin/settings", testSecret, []byte(`{"bogusKey":"1"}`))
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown key status = %d, want 422", resp.StatusCode)
	}

	resp = env.do(t, "POST", "/admin/settings", testSecret,
		[]byte(`{"`+store.SettingChatMaxRetries+`":"many"}`))
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("non-integer status = %d, want 422", resp.StatusCode)
	}
}

func TestAdminBreakerInspectAndReset(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	up := httptest.NewServer(chatOK("x"))
	defer up.Close()
	p := env.addProvider(t, "one", up.URL, "test-model")

	env.breaker.RecordFailure(p.ID)

	resp := env.do(t, "GET", "/admin/circuit-breaker", testSecret, nil)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var entries map[string]struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("unmarshal %s: %v", body, err)
	}
	if e := entries[p.ID]; e.State != "open" || e.Name != "one" {
		t.Fatalf("entry = %+v, want open/one", e)
	}

	resp = env.do(t, "POST", "/admin/circuit-breaker/"+p.ID+"/reset", testSecret, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	if got := env.breaker.State(p.ID); got != cbClosed {
		t.Fatalf("state after reset = %v, want closed", got)
	}

	resp = env.do(t, "POST", "/admin/circuit-breaker/nope/reset", testSecret, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown provider reset status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminRequestLogsEmptyArray(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "GET", "/admin/request-logs", testSecret, nil)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(bytes.TrimSpace(body)) != "[]" {
		t.Fatalf("body = %s, want empty JSON array", body)
	}
}

func TestAdminExportImport(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	up := httptest.NewServer(chatOK("x"))
	defer up.Close()
	env.addProvider(t, "mover", up.URL, "test-model")

	resp := env.do(t, "GET", "/admin/providers/export", testSecret, nil)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "providers.json") {
		t.Fatalf("Content-Disposition = %q", resp.Header.Get("Content-Disposition"))
	}
	// Export keeps the key in the clear; that is its purpose.
	if !bytes.Contains(body, []byte("sk-mover")) {
		t.Fatalf("export redacted the key: %s", body)
	}

	// Import the same fleet: names match, so the records update in place.
	resp = env.do(t, "POST", "/admin/providers/import", testSecret, body)
	out := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d, body = %s", resp.StatusCode, out)
	}
	var counts map[string]int
	if err := json.Unmarshal(out, &counts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if counts["updated"] != 1 || counts["created"] != 0 {
		t.Fatalf("counts = %v, want 1 update", counts)
	}
}
