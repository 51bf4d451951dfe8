// Package app wires configuration, logging, storage, the scheduling services
// and their background workers into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"postplan/internal/assign"
	"postplan/internal/catalog"
	"postplan/internal/compat"
	"postplan/internal/config"
	"postplan/internal/emergency"
	"postplan/internal/eventbus"
	"postplan/internal/metrics"
	"postplan/internal/notify"
	"postplan/internal/pool"
	"postplan/internal/queue"
	"postplan/internal/runner"
	schedulepkg "postplan/internal/schedule"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	Catalog   *catalog.Service
	Validator *compat.Validator
	Assign    *assign.Scheduler
	Queue     *queue.Service
	Pools     *pool.Manager
	Emergency *emergency.Injector

	runner  *runner.Runner
	jobs    *runner.EngineJobs
	notif   *notify.Service
	metrics *metrics.Metrics
	reg     *prometheus.Registry
	msrv    metricsSettings
	lis     net.Listener

	mu     sync.Mutex
	g      *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// NewApp loads the config at cfgPath and builds every service. Nothing runs
// until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var sender notify.Sender
	if cfg.Telegram != nil {
		tg, err := notify.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			return nil, err
		}
		sender = tg
	}
	return build(ctx, cfgm, cfg, sender)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config, sender notify.Sender) (*App, error) {
	es, err := mapEngine(cfg)
	if err != nil {
		return nil, err
	}
	rs, err := mapRunner(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotify(cfg)
	if err != nil {
		return nil, err
	}

	// The notifier is the alert sink of the logger, and needs a logger itself.
	logSvc, root := logx.New(mapLogging(cfg), nil)
	notif := notify.New(ncfg, sender, root)
	logSvc.SetAlertSender(notif)
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(ctx, es.Storage, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("path", es.Storage.Path))

	bus := eventbus.New()
	validator := compat.New(store, es.Compat, root, nil)
	scheduler := assign.New(store, validator, schedulepkg.NewCalculator(es.Seed), es.Assign, root, bus, nil)
	qs := queue.New(store, es.Queue, root, bus, nil)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, bus)

	r := runner.New(rs.Runner, root)
	jobs := &runner.EngineJobs{
		Assign:        scheduler,
		Queue:         qs,
		Bus:           bus,
		Log:           root.With(logx.String("comp", "jobs")),
		DispatchBatch: rs.DispatchBatch,
		OnHealth:      m.ObserveHealth,
	}
	if err := runner.Register(r, jobs, rs.Schedules); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		Catalog:   catalog.New(store, es.Assign.DefaultLocation, root, nil),
		Validator: validator,
		Assign:    scheduler,
		Queue:     qs,
		Pools:     pool.New(store, scheduler, es.Pool, es.Seed, root, nil),
		Emergency: emergency.New(store, scheduler, es.Emergency, root, bus, nil),
		runner:    r,
		jobs:      jobs,
		notif:     notif,
		metrics:   m,
		reg:       reg,
		msrv:      mapMetrics(cfg),
	}, nil
}

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Runner() *runner.Runner { return a.runner }

func (a *App) Notifier() *notify.Service { return a.notif }

// SetDispatcher replaces the default bus dispatcher. Call before Start.
func (a *App) SetDispatcher(d runner.Dispatcher) { a.jobs.Dispatcher = d }

// Done is closed when the app run context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gctx == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.gctx.Done()
}

// MetricsAddr reports the bound metrics address, or "" when the endpoint is off.
func (a *App) MetricsAddr() string {
	if a.lis == nil {
		return ""
	}
	return a.lis.Addr().String()
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	a.mu.Lock()
	a.g, a.gctx, a.cancel = g, gctx, cancel
	a.mu.Unlock()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.msrv.Enabled {
		if err := a.startMetricsServer(gctx, g); err != nil {
			cancel()
			return err
		}
	}

	g.Go(func() error { a.metrics.Run(gctx, a.bus, a.log); return nil })
	g.Go(func() error { a.notif.Run(gctx, 2*time.Second); return nil })
	g.Go(func() error { a.notif.Watch(gctx, a.bus); return nil })

	// Debug trail of every engine event.
	events, unsub := a.bus.Subscribe(128)
	g.Go(func() error {
		defer unsub()
		for {
			select {
			case <-gctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	g.Go(func() error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(gctx, sub)
		return nil
	})
	g.Go(func() error { return a.cfgm.Watch(gctx) })

	a.runner.Start(gctx)
	a.log.Info("app started")
	return nil
}

func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group) error {
	mux := http.NewServeMux()
	mux.Handle(a.msrv.Path, promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))
	if a.msrv.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	lis, err := net.Listen("tcp", a.msrv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", a.msrv.Addr, err)
	}
	a.lis = lis
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
	g.Go(func() error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	a.log.Info("metrics endpoint listening",
		logx.String("addr", lis.Addr().String()),
		logx.String("path", a.msrv.Path),
		logx.Bool("pprof", a.msrv.Pprof),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			a.apply(ctx, newCfg, sections)

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// apply pushes a validated config into the services that support live changes.
func (a *App) apply(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage", "engine", "emergency", "health", "metrics":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(cfg))

	if ncfg, err := mapNotify(cfg); err != nil {
		a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	rs, err := mapRunner(cfg)
	if err != nil {
		a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.runner.Snapshot().Started
	a.runner.Apply(rs.Runner)
	a.jobs.SetDispatchBatch(rs.DispatchBatch)
	if err := runner.Register(a.runner, a.jobs, rs.Schedules); err != nil {
		a.log.Warn("runner schedules rejected", logx.Err(err))
	}
	switch {
	case wasEnabled && !rs.Runner.Enabled:
		a.log.Info("runner disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.runner.Stop(stopCtx)
		cancel()
	case !wasEnabled && rs.Runner.Enabled:
		a.log.Info("runner enabled via config")
		a.runner.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	g, cancel := a.g, a.cancel
	a.mu.Unlock()
	if g == nil {
		return a.close()
	}
	a.log.Info("stopping")

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		stepCtx, stepCancel := context.WithTimeout(ctx, max(limit, 0))
		defer stepCancel()

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Let in-flight jobs finish before tearing down their dependencies.
	step("runner", 5*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	cancel()
	step("workers", 4*time.Second, func(context.Context) error { return g.Wait() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}
