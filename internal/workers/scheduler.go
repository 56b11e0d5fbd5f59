package workers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"recurd/internal/eventbus"
	"recurd/internal/metrics"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

const (
	DefaultMaterializationSchedule = "0 * * * *"
	DefaultCleanupSchedule         = "0 3 * * *"
	DefaultMetricsSchedule         = "*/5 * * * *"
	DefaultMetricsWindowMinutes    = 5
)

// Config is the scheduler configuration.
type Config struct {
	MaterializationSchedule string
	CleanupSchedule         string
	MetricsSchedule         string
	MetricsEnabled          bool
	MetricsWindowMinutes    int

	Worker Options
}

func (c Config) withDefaults() Config {
	if c.MaterializationSchedule == "" {
		c.MaterializationSchedule = DefaultMaterializationSchedule
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = DefaultCleanupSchedule
	}
	if c.MetricsSchedule == "" {
		c.MetricsSchedule = DefaultMetricsSchedule
	}
	if c.MetricsWindowMinutes <= 0 {
		c.MetricsWindowMinutes = DefaultMetricsWindowMinutes
	}
	return c
}

// Status is a read of the configured schedules. It does not depend on
// whether the scheduler is running.
type Status struct {
	MaterializationSchedule string `json:"materializationSchedule"`
	CleanupSchedule         string `json:"cleanupSchedule"`
	MetricsSchedule         string `json:"metricsSchedule,omitempty"`
	MetricsEnabled          bool   `json:"metricsEnabled"`
}

// Scheduler owns the lifecycle of the periodic worker jobs.
// The zero value is not usable; use NewScheduler.
type Scheduler struct {
	factory JobFactory
	bus     eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	running bool
	jobs    []Job

	lastMu sync.Mutex
	last   map[string]RunInfo
}

type SchedulerOption func(*Scheduler)

func WithJobFactory(f JobFactory) SchedulerOption {
	return func(s *Scheduler) {
		if f != nil {
			s.factory = f
		}
	}
}

// WithBus publishes a worker.run event after every run.
func WithBus(bus eventbus.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

func NewScheduler(cfg Config, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		factory: NewCronJob,
		last:    map[string]RunInfo{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type jobDef struct {
	name string
	spec string
	run  func()
}

// Start registers and starts the materialization and cleanup jobs, plus the
// metrics aggregation job when it is enabled and snapshots is non-nil.
//
// Calling Start on a running scheduler logs a warning and does nothing. If a
// job cannot be created or started, the jobs started so far are stopped, the
// scheduler stays stopped and the error is returned.
func (s *Scheduler) Start(ctx context.Context, store storage.Store, log logx.Logger, snapshots metrics.SnapshotProvider) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("workers"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		log.Warn("Background workers already running")
		return nil
	}
	cfg := s.cfg
	// Job runs outlive the caller's context; Stop only cancels future firings.
	runCtx := context.WithoutCancel(ctx)

	defs := []jobDef{
		{name: WorkerMaterialization, spec: cfg.MaterializationSchedule, run: func() {
			_, info := RunMaterializationWorkerSafely(runCtx, store, log, cfg.Worker)
			s.record(info)
		}},
		{name: WorkerCleanup, spec: cfg.CleanupSchedule, run: func() {
			_, info := RunCleanupWorkerSafely(runCtx, store, log, cfg.Worker)
			s.record(info)
		}},
	}
	if cfg.MetricsEnabled {
		if snapshots == nil {
			log.Warn("Metrics aggregation enabled but no snapshot provider supplied; skipping metrics job")
		} else {
			defs = append(defs, jobDef{name: WorkerMetrics, spec: cfg.MetricsSchedule, run: func() {
				_, info := RunMetricsAggregationWorkerSafely(snapshots, cfg.MetricsWindowMinutes, log)
				s.record(info)
			}})
		}
	}

	jobs := make([]Job, 0, len(defs))
	for _, d := range defs {
		j, err := s.factory(d.name, d.spec, d.run)
		if err != nil {
			log.Error("Failed to start background workers", logx.String("job", d.name), logx.String("spec", d.spec), logx.Err(err))
			return err
		}
		jobs = append(jobs, j)
	}

	started := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if err := j.Start(); err != nil {
			log.Error("Failed to start background workers", logx.String("job", j.Name()), logx.Err(err))
			for _, sj := range started {
				if serr := sj.Stop(); serr != nil {
					log.Warn("rollback stop failed", logx.String("job", sj.Name()), logx.Err(serr))
				}
			}
			return err
		}
		started = append(started, j)
	}

	s.jobs = jobs
	s.running = true
	log.Info("Background workers started",
		logx.String("materialization_schedule", cfg.MaterializationSchedule),
		logx.String("cleanup_schedule", cfg.CleanupSchedule),
		logx.Bool("metrics_enabled", cfg.MetricsEnabled && snapshots != nil),
		logx.Int("jobs", len(jobs)),
	)
	s.publishState("started")
	return nil
}

// Stop stops every registered job. Job handles are cleared even if some
// stops fail, so a later Stop is a no-op; the failures are returned joined.
func (s *Scheduler) Stop(log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("workers"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		log.Warn("Background workers not running")
		return nil
	}
	jobs := s.jobs
	s.jobs = nil
	s.running = false

	var errs []error
	for _, j := range jobs {
		if err := j.Stop(); err != nil {
			log.Error("Failed to stop background worker", logx.String("job", j.Name()), logx.Err(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.publishState("stopped")
		return errors.Join(errs...)
	}
	log.Info("Background workers stopped", logx.Int("jobs", len(jobs)))
	s.publishState("stopped")
	return nil
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the configured schedules and enablement flags.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	st := Status{
		MaterializationSchedule: cfg.MaterializationSchedule,
		CleanupSchedule:         cfg.CleanupSchedule,
		MetricsEnabled:          cfg.MetricsEnabled,
	}
	if cfg.MetricsEnabled {
		st.MetricsSchedule = cfg.MetricsSchedule
	}
	return st
}

// Apply replaces the configuration. It takes effect on the next Start.
// It reports whether any schedule or worker setting changed.
func (s *Scheduler) Apply(cfg Config) bool {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := !sameConfig(s.cfg, cfg)
	s.cfg = cfg
	return changed
}

func sameConfig(a, b Config) bool {
	return a.MaterializationSchedule == b.MaterializationSchedule &&
		a.CleanupSchedule == b.CleanupSchedule &&
		a.MetricsSchedule == b.MetricsSchedule &&
		a.MetricsEnabled == b.MetricsEnabled &&
		a.MetricsWindowMinutes == b.MetricsWindowMinutes &&
		a.Worker.Horizon == b.Worker.Horizon &&
		a.Worker.Retention == b.Worker.Retention &&
		a.Worker.MaxOccurrences == b.Worker.MaxOccurrences &&
		a.Worker.OrgRatePerSec == b.Worker.OrgRatePerSec
}

// LastRuns returns the most recent run of each worker, sorted by worker.
func (s *Scheduler) LastRuns() []RunInfo {
	s.lastMu.Lock()
	out := make([]RunInfo, 0, len(s.last))
	for _, r := range s.last {
		out = append(out, r)
	}
	s.lastMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

func (s *Scheduler) record(info RunInfo) {
	s.lastMu.Lock()
	s.last[info.Worker] = info
	s.lastMu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerRun, Time: time.Now(), Data: info.Snapshot()})
	}
}

func (s *Scheduler) publishState(state string) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerState, Data: state})
	}
}
