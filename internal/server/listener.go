package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "travistride/internal/runtime/supervisor"
	logx "travistride/pkg/logx"
)

type ListenerConfig struct {
	Name         string
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Listener owns one HTTP server. Start binds synchronously so address errors
// surface to the caller; serving happens on a supervised goroutine.
type Listener struct {
	cfg     ListenerConfig
	handler http.Handler
	log     logx.Logger

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func NewListener(cfg ListenerConfig, h http.Handler, log logx.Logger) *Listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "http"
	}
	return &Listener{cfg: cfg, handler: h, log: log}
}

func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(l.cfg.Addr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", l.cfg.Name, addr, err)
	}
	srv := &http.Server{
		Handler:           l.handler,
		ReadTimeout:       l.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      l.cfg.WriteTimeout,
		IdleTimeout:       l.cfg.IdleTimeout,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(l.log), rtsup.WithCancelOnError(false))

	l.ln, l.srv, l.sup = ln, srv, sup
	l.addr = ln.Addr().String()

	sup.Go(l.cfg.Name+".serve", func(context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		l.log.Error("http server exited", logx.String("addr", l.addr), logx.Err(err))
		return err
	})
	l.log.Info("http server started", logx.String("addr", l.addr))
	return nil
}

// Addr is the bound address, useful when Addr was ":0".
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Err reports a serve failure, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	sup := l.sup
	l.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Stop drains in-flight requests until ctx ends, then closes the listener.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	srv, sup := l.srv, l.sup
	l.srv, l.ln, l.sup = nil, nil, nil
	l.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	l.log.Info("http server stopped", logx.Bool("graceful", err == nil))
	return err
}
