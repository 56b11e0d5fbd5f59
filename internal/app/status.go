package app

import (
	"time"

	"recurd/internal/metrics"
	"recurd/internal/runtime/supervisor"
	"recurd/internal/workers"
)

// Status is the document served at the debug server's /status.
type Status struct {
	Time       time.Time                   `json:"time"`
	Running    bool                        `json:"running"`
	Scheduler  workers.Status              `json:"scheduler"`
	LastRuns   []workers.RunInfo           `json:"lastRuns"`
	Metrics    metrics.Report              `json:"metrics"`
	Goroutines []supervisor.GoroutineStats `json:"goroutines,omitempty"`
}

// Status reports scheduler state, the last run of each worker and the
// aggregated run metrics of the configured window.
func (a *App) Status() Status {
	now := time.Now().UTC()
	window := 5 * time.Minute
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Workers.MetricsWindowMinutes > 0 {
		window = time.Duration(cfg.Workers.MetricsWindowMinutes) * time.Minute
	}
	st := Status{
		Time:      now,
		Running:   a.sched.Running(),
		Scheduler: a.sched.Status(),
		LastRuns:  a.sched.LastRuns(),
		Metrics:   metrics.Aggregate(a.tracker.Snapshots(), window, now),
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st
}
