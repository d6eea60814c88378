package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"travistride/internal/config"
)

type fakeStride struct {
	srv   *httptest.Server
	sends atomic.Int32
}

func newFakeStride(t *testing.T) *fakeStride {
	t.Helper()
	f := &fakeStride{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok"}`))
	})
	mux.HandleFunc("/site/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		f.sends.Add(1)
		_, _ = w.Write([]byte(`{"id":"m1"}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeConfig(t *testing.T, stride, dataDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  addr: 127.0.0.1:0
stride:
  client_id: id
  client_secret: secret
  auth_url: ` + stride + `/oauth/token
  api_url: ` + stride + `
  app_url: https://relay.example.com
  timeout: 5s
storage:
  driver: file
  container: ` + dataDir + `
logging:
  level: error
ops:
  enabled: true
  addr: 127.0.0.1:0
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func startApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := newApp(config.NewConfigManager(cfgPath), func(string) string { return "" })
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestAppEndToEnd(t *testing.T) {
	fake := newFakeStride(t)
	dataDir := t.TempDir()
	cfgPath := writeConfig(t, fake.srv.URL, dataDir)

	a := startApp(t, cfgPath)
	base := "http://" + a.Addr()

	code, body := post(t, base+"/stride/installed", `{"cloudId":"c1","resourceType":"conversation","resourceId":"v1"}`)
	if code != http.StatusOK {
		t.Fatalf("install = %d %s", code, body)
	}
	var installed struct {
		CloudIDs map[string]json.RawMessage `json:"cloudIds"`
	}
	if err := json.Unmarshal([]byte(body), &installed); err != nil {
		t.Fatalf("decode install: %v", err)
	}
	if _, ok := installed.CloudIDs["c1v1"]; !ok {
		t.Fatalf("install response missing c1v1: %s", body)
	}

	code, body = post(t, base+"/travis/event", `{"payload":{"number":"7","result_message":"Passed","build_url":"https://ci/7","message":"fix"}}`)
	if code != http.StatusOK {
		t.Fatalf("travis event = %d %s", code, body)
	}
	var sent struct {
		Sent []json.RawMessage `json:"sent"`
	}
	if err := json.Unmarshal([]byte(body), &sent); err != nil {
		t.Fatalf("decode sent: %v", err)
	}
	if len(sent.Sent) != 1 || fake.sends.Load() != 1 {
		t.Fatalf("sent=%d sends=%d", len(sent.Sent), fake.sends.Load())
	}

	resp, err := http.Get("http://" + a.OpsAddr() + "/ready")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/ready = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dataDir, config.DefaultBlobKey)); err != nil {
		t.Fatalf("registry blob not persisted: %v", err)
	}

	// a fresh process hydrates the persisted channel
	b := startApp(t, cfgPath)
	defer b.Stop(context.Background(), StopAppStop)
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	if err := b.Registry().Ready(rctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if n := b.Registry().Len(); n != 1 {
		t.Fatalf("hydrated channels = %d, want 1", n)
	}
}

func TestNewAppRejectsMissingCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := newApp(config.NewConfigManager(path), func(string) string { return "" }); err == nil {
		t.Fatal("expected a validation error without stride credentials")
	}
}

func TestStopReasonFor(t *testing.T) {
	if got := StopReasonFor(os.Interrupt); got != StopSIGINT {
		t.Fatalf("interrupt = %q", got)
	}
	if got := StopReasonFor(nil); got != StopAppStop {
		t.Fatalf("nil = %q", got)
	}
}

func TestMapStorageConfigNoneIsMemory(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "none"}}
	sc, key, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "memory" || key != config.DefaultBlobKey {
		t.Fatalf("got driver=%q key=%q", sc.Driver, key)
	}
}
