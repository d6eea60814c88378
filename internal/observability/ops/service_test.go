package ops

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	logx "travistride/pkg/logx"
)

func get(h http.Handler, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReadyFollowsHydration(t *testing.T) {
	var ready atomic.Bool
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{Ready: ready.Load}, logx.Nop())
	h := s.Handler()

	if rec := get(h, "/live", ""); rec.Code != http.StatusOK {
		t.Fatalf("/live = %d", rec.Code)
	}
	if rec := get(h, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready before hydration = %d", rec.Code)
	}
	ready.Store(true)
	if rec := get(h, "/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("/ready after hydration = %d", rec.Code)
	}
}

func TestDebugEndpointsRequireToken(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Token: "s3cret", Pprof: true}, Deps{
		Jobs: func() any { return []string{"job-1"} },
	}, logx.Nop())
	h := s.Handler()

	if rec := get(h, "/debug/broadcasts", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := get(h, "/debug/broadcasts", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	rec := get(h, "/debug/broadcasts", "Bearer s3cret")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "job-1") {
		t.Fatalf("with token = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(h, "/debug/pprof/?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestPublicAddrWithoutTokenHidesDebug(t *testing.T) {
	s := New(Config{Addr: ":9090", Pprof: true}, Deps{Jobs: func() any { return nil }}, logx.Nop())
	h := s.Handler()
	if rec := get(h, "/debug/broadcasts", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("/debug/broadcasts = %d", rec.Code)
	}
	if rec := get(h, "/live", ""); rec.Code != http.StatusOK {
		t.Fatalf("/live = %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
