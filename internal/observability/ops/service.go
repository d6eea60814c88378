// Package ops serves the operator endpoints: liveness, readiness, prometheus
// metrics, recent broadcast jobs and optional pprof.
//
// Security:
//   - Bind to localhost (the default) or set a token.
//   - On a non-loopback address without a token only /live, /ready and
//     /metrics are served.
package ops

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"travistride/internal/server"
	logx "travistride/pkg/logx"
)

type Config struct {
	Addr  string
	Pprof bool
	Token string
}

// Deps are optional; a nil field disables what depends on it.
type Deps struct {
	Ready   func() bool
	Metrics http.Handler
	Jobs    func() any
	Tasks   func() any
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	l    *server.Listener
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	s := &Service{cfg: cfg, deps: deps, log: log}
	s.l = server.NewListener(server.ListenerConfig{
		Name:         "ops",
		Addr:         cfg.Addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // pprof profile defaults to 30s
		IdleTimeout:  60 * time.Second,
	}, s.Handler(), log)
	return s
}

func (s *Service) Start(ctx context.Context) error { return s.l.Start(ctx) }

func (s *Service) Stop(ctx context.Context) error { return s.l.Stop(ctx) }

func (s *Service) Addr() string { return s.l.Addr() }

// Handler builds the ops mux.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	tok := strings.TrimSpace(s.cfg.Token)
	debugOK := tok != "" || isLoopbackAddr(s.cfg.Addr)
	if !debugOK {
		s.log.Warn("debug endpoints disabled: non-loopback ops addr requires a token", logx.String("addr", s.cfg.Addr))
	}
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(tok, h) }

	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if s.deps.Ready != nil && !s.deps.Ready() {
			http.Error(w, "hydrating", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", wrap(s.deps.Metrics.ServeHTTP))
	}
	if !debugOK {
		return mux
	}

	if s.deps.Jobs != nil {
		mux.HandleFunc("/debug/broadcasts", wrap(jsonHandler(s.deps.Jobs)))
	}
	if s.deps.Tasks != nil {
		mux.HandleFunc("/debug/tasks", wrap(jsonHandler(s.deps.Tasks)))
	}
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func jsonHandler(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(fn())
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == token {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == token {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
