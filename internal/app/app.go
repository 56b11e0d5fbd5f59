package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"recurd/internal/config"
	"recurd/internal/eventbus"
	"recurd/internal/instances"
	"recurd/internal/metrics"
	"recurd/internal/observability/debugsrv"
	"recurd/internal/runtime/supervisor"
	"recurd/internal/storage"
	"recurd/internal/workers"
	logx "recurd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	base  logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tracker *metrics.Tracker
	sched   *workers.Scheduler
	reader  *instances.Reader
	debug   *debugsrv.Service

	// reloadMu serializes scheduler transitions between reloads and Stop.
	reloadMu sync.Mutex
}

// Option customizes New. Used by tests to inject a store or job factory.
type Option func(*options)

type options struct {
	store      storage.Store
	jobFactory workers.JobFactory
	lookupEnv  config.LookupFunc
}

// WithStore uses st instead of opening the configured storage.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

func WithJobFactory(f workers.JobFactory) Option { return func(o *options) { o.jobFactory = f } }

func WithEnvLookup(fn config.LookupFunc) Option { return func(o *options) { o.lookupEnv = fn } }

// New loads and validates the config, then builds logging, storage, the
// metrics tracker and the worker scheduler. Nothing is started.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnvLookup(o.lookupEnv)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.Component("app"))
	bus := eventbus.New()

	store := o.store
	if store == nil {
		sc, enabled, err := mapStorageConfig(cfg)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		if enabled {
			store, err = storage.Open(ctx, sc, log.With(logx.Component("storage")))
			if err != nil {
				_ = logSvc.Close()
				return nil, fmt.Errorf("open storage: %w", err)
			}
			appLog.Info("storage enabled", logx.String("driver", sc.Driver))
		} else {
			appLog.Warn("storage disabled; workers will fail until a driver is configured")
		}
	}

	wcfg, err := mapWorkersConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	schedOpts := []workers.SchedulerOption{workers.WithBus(bus)}
	if o.jobFactory != nil {
		schedOpts = append(schedOpts, workers.WithJobFactory(o.jobFactory))
	}

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		base:    log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		tracker: metrics.NewTracker(cfg.Metrics.HistorySize),
		sched:   workers.NewScheduler(wcfg, schedOpts...),
		reader:  instances.NewReader(store, log),
	}
	a.debug = debugsrv.New(dcfg, func() any { return a.Status() }, log.With(logx.Component("debug")))
	return a, nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Reader() *instances.Reader { return a.reader }
func (a *App) Scheduler() *workers.Scheduler { return a.sched }
func (a *App) Tracker() *metrics.Tracker { return a.tracker }
func (a *App) Debug() *debugsrv.Service { return a.debug }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// workerOptions returns the worker settings of the committed config.
func (a *App) workerOptions() workers.Options {
	wcfg, err := mapWorkersConfig(a.cfgm.Get())
	if err != nil {
		return workers.Options{}
	}
	return wcfg.Worker
}

// RunOnce runs materialization then cleanup a single time, records both runs
// in the tracker and returns their failures joined.
func (a *App) RunOnce(ctx context.Context) error {
	log := a.base
	opts := a.workerOptions()

	_, mat := workers.RunMaterializationWorkerSafely(ctx, a.store, log, opts)
	a.tracker.Record(mat.Snapshot())
	_, cln := workers.RunCleanupWorkerSafely(ctx, a.store, log, opts)
	a.tracker.Record(cln.Snapshot())

	var errs []error
	for _, info := range []workers.RunInfo{mat, cln} {
		if !info.OK() {
			errs = append(errs, fmt.Errorf("%s: %s", info.Worker, info.Err))
		}
	}
	return errors.Join(errs...)
}

// Start starts the supervisor, the metrics tracker, config hot reload and,
// when enabled, the background workers.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(config.Validator)

	a.sup.Go("metrics.follow", func(c context.Context) error {
		a.tracker.Follow(c, a.bus)
		return nil
	})
	a.sup.Go("eventbus.log", func(c context.Context) error {
		eventbus.Consume(c, a.bus, "", 128, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		})
		return nil
	})

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Workers.Enabled {
		if err := a.startWorkers(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return err
		}
	} else {
		a.log.Info("background workers disabled via config")
	}

	a.debug.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) startWorkers(ctx context.Context) error {
	return a.sched.Start(ctx, a.store, a.base, a.tracker.Provider())
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: only the latest config matters.
	drain:
		for {
			select {
			case newer, ok := <-sub:
				if !ok {
					break drain
				}
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

// applyConfig applies a validated config: logging is swapped live and the
// workers are started, stopped or restarted to match.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLoggingConfig(newCfg))

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "metrics":
			a.log.Warn("metrics config changed; restart required for changes to take effect")
		case "debug":
			if dcfg, err := mapDebugConfig(newCfg); err != nil {
				a.log.Error("failed to apply debug config", logx.Err(err))
			} else {
				a.debug.Reconfigure(ctx, dcfg)
			}
		}
	}

	if err := a.applyWorkers(ctx, newCfg); err != nil {
		a.log.Error("failed to apply workers config", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyWorkers(ctx context.Context, cfg *config.Config) error {
	wcfg, err := mapWorkersConfig(cfg)
	if err != nil {
		return err
	}

	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	changed := a.sched.Apply(wcfg)
	running := a.sched.Running()
	enabled := cfg.Workers.Enabled
	switch {
	case running && !enabled:
		a.log.Info("background workers disabled via config")
		return a.sched.Stop(a.base)
	case !running && enabled:
		a.log.Info("background workers enabled via config")
		return a.startWorkers(ctx)
	case running && changed:
		a.log.Info("worker config changed; restarting background workers")
		stopErr := a.sched.Stop(a.base)
		return errors.Join(stopErr, a.startWorkers(ctx))
	}
	return nil
}

// Stop stops the workers, waits for supervised goroutines and closes
// storage. Each step is bounded; failures are returned joined.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := a.runStopStep(ctx, name, limit, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("workers", 2*time.Second, func(context.Context) error {
		a.reloadMu.Lock()
		defer a.reloadMu.Unlock()
		if !a.sched.Running() {
			return nil
		}
		return a.sched.Stop(a.base)
	})
	step("debug", 2*time.Second, func(c context.Context) error {
		a.debug.Stop(c)
		return c.Err()
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// runStopStep runs fn with a timeout that never extends ctx's deadline. If
// fn does not return in time the step is abandoned and reported.
func (a *App) runStopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
		return stepCtx.Err()
	}
}
