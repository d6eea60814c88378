package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"travistride/internal/config"
	"travistride/internal/eventbus"
	"travistride/internal/eventsink/kafka"
	"travistride/internal/metrics"
	"travistride/internal/notifier/broadcast"
	"travistride/internal/observability/ops"
	"travistride/internal/registry"
	"travistride/internal/runtime/supervisor"
	"travistride/internal/server"
	"travistride/internal/storage"
	"travistride/internal/transport/stride"
	logx "travistride/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	m     *metrics.Metrics

	reg  *registry.Registry
	bc   *broadcast.Service
	http *server.Listener
	ops  *ops.Service
	fwd  *kafka.Forwarder
}

// NewApp loads the config at cfgPath (optional when the environment supplies
// everything) and builds every component. Nothing is started.
func NewApp(cfgPath string) (*App, error) {
	return newApp(config.NewConfigManager(cfgPath), os.Getenv)
}

func newApp(cfgm *config.ConfigManager, getenv func(string) string) (*App, error) {
	cfgm.SetEnv(getenv)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	m := metrics.New()
	bus := eventbus.New()

	sc, key, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if sc.Driver == "memory" {
		log.Warn("storage is in-memory; channel registrations will not survive a restart")
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("key", key))

	reg := registry.New(store, key, registry.Options{
		Log:     log.With(logx.String("comp", "registry")),
		Bus:     bus,
		Metrics: m,
	})

	strideCfg, err := mapStrideConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	hc := &http.Client{Timeout: strideCfg.Timeout}
	strideLog := log.With(logx.String("comp", "stride"))
	tokens := stride.NewTokenProvider(strideCfg, hc, strideLog, m)
	client := stride.NewClient(strideCfg, tokens, hc, strideLog, m)

	bc := broadcast.New(broadcast.Config{SendTimeout: strideCfg.Timeout}, client, reg,
		log.With(logx.String("comp", "broadcast")), bus, m)

	read, write, idle := cfg.Server.Timeouts()
	router := server.NewRouter(server.Deps{
		Registry:     reg,
		Broadcaster:  bc,
		Descriptor:   server.NewDescriptor(cfg.Stride.AppURL, cfg.Stride.AppKey),
		Log:          log.With(logx.String("comp", "server")),
		Metrics:      m,
		RatePerSec:   cfg.Server.RatePerSec,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	httpL := server.NewListener(server.ListenerConfig{
		Name:         "relay",
		Addr:         cfg.Server.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, router, log.With(logx.String("comp", "http")))

	a := &App{
		cfgm:  cfgm,
		cfg:   cfg,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		m:     m,
		reg:   reg,
		bc:    bc,
		http:  httpL,
	}

	if cfg.Ops.Enabled {
		a.ops = ops.New(ops.Config{
			Addr:  cfg.Ops.Addr,
			Pprof: cfg.Ops.Pprof,
			Token: cfg.Ops.Token,
		}, ops.Deps{
			Ready:   reg.Hydrated,
			Metrics: m.Handler(),
			Jobs:    func() any { return bc.Jobs() },
			Tasks: func() any {
				if a.sup == nil {
					return nil
				}
				return a.sup.Snapshot()
			},
		}, log.With(logx.String("comp", "ops")))
	}

	if k := cfg.Events.Kafka; k.Enabled {
		kc := kafka.Config{Brokers: k.Brokers, Topic: k.Topic}
		a.fwd = kafka.NewForwarder(kc, kafka.NewWriter(kc), bus, log.With(logx.String("comp", "kafka")), m)
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound address of the webhook listener.
func (a *App) Addr() string { return a.http.Addr() }

// OpsAddr is the bound ops address, empty when ops is disabled.
func (a *App) OpsAddr() string {
	if a.ops == nil {
		return ""
	}
	return a.ops.Addr()
}

// Registry exposes the channel registry; used by tests and the ops surface.
func (a *App) Registry() *registry.Registry { return a.reg }

// Start binds the listeners and begins hydration. Requests that arrive before
// hydration settles wait for it.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.http.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			// ops is auxiliary; the relay keeps serving without it
			a.log.Warn("ops server failed to start", logx.Err(err))
			a.ops = nil
		}
	}

	a.sup.Go0("registry.hydrate", func(c context.Context) {
		a.reg.Hydrate(c)
		a.notifyReady()
	})
	a.sup.Go0("events.log", a.logEvents)
	if a.fwd != nil {
		a.sup.GoRestart("events.kafka", time.Second, 30*time.Second, a.fwd.Run)
	}

	cfgCh := a.cfgm.Subscribe(1)
	a.sup.Go0("config.watch", func(c context.Context) {
		if err := a.cfgm.Watch(c); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	})
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(cfgCh)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(next)
			}
		}
	})

	a.log.Info("relay started",
		logx.String("addr", a.http.Addr()),
		logx.String("ops_addr", a.OpsAddr()),
		logx.Bool("kafka", a.fwd != nil),
	)
	return nil
}

// applyConfig hot-applies the logging section. Everything else needs a restart.
func (a *App) applyConfig(next *config.Config) {
	if next == nil {
		return
	}
	prev := a.cfg
	sections, attrs := config.SummarizeConfigChange(prev, next)
	a.cfg = next
	if len(sections) == 0 {
		return
	}
	a.logs.Apply(mapLogConfig(next))
	a.log.Info("config reloaded", append([]logx.Field{logx.String("sections", strings.Join(sections, ","))}, attrs...)...)
	for _, s := range sections {
		if s != "logging" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}

func (a *App) notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd notified ready")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if reason == "" {
		reason = StopUnknown
	}
	start := time.Now()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var errs []error
	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		t0 := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				return
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(t0)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("max", max),
			)
		}
	}

	step("http", 10*time.Second, a.http.Stop)
	if a.ops != nil {
		step("ops", 2*time.Second, a.ops.Stop)
	}
	// sends keep going after the request that started them returned
	step("broadcast", 15*time.Second, a.bc.Wait)
	if a.sup != nil {
		step("supervisor", 3*time.Second, a.sup.Stop)
	}
	if a.fwd != nil {
		step("kafka", 5*time.Second, func(context.Context) error { return a.fwd.Close() })
	}
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)), logx.Duration("took", time.Since(start)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
