package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"recurd/internal/metrics"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// ErrUnknownError replaces panic values that are not errors.
var ErrUnknownError = errors.New("Unknown error")

// Worker names, also used as metrics operations.
const (
	WorkerMaterialization = "materialization"
	WorkerCleanup         = "cleanup"
	WorkerMetrics         = "metrics_aggregation"
)

// RunInfo describes one safe-wrapped worker run.
type RunInfo struct {
	Worker   string
	Started  time.Time
	Duration time.Duration
	// Err is empty on success.
	Err   string
	Items int
}

func (r RunInfo) OK() bool { return r.Err == "" }

// Snapshot converts the run into a metrics snapshot.
func (r RunInfo) Snapshot() metrics.Snapshot {
	return metrics.Snapshot{Operation: r.Worker, Started: r.Started, Duration: r.Duration, Error: r.Err, Items: r.Items}
}

// runSafely times fn, logs its start and outcome, and converts both returned
// errors and panics into RunInfo.Err. It never panics.
func runSafely(worker, title string, log logx.Logger, fn func() ([]logx.Field, int, error)) (info RunInfo) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Worker(worker))
	info = RunInfo{Worker: worker, Started: time.Now()}
	log.Info("Starting " + title)

	defer func() {
		info.Duration = time.Since(info.Started)
		r := recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = ErrUnknownError
		}
		info.Err = err.Error()
		log.Error(title+" failed",
			logx.Err(err),
			logx.String("panic", fmt.Sprint(r)),
			logx.Stack(string(debug.Stack())),
			logx.Duration("took", time.Since(info.Started)),
		)
	}()

	fields, items, err := fn()
	info.Items = items
	took := time.Since(info.Started)
	if err != nil {
		info.Err = err.Error()
		log.Error(title+" failed", append(fields, logx.Err(err), logx.Duration("took", took))...)
		return info
	}
	log.Info(title+" completed", append(fields, logx.Duration("took", took))...)
	return info
}

// RunMaterializationWorkerSafely runs the materialization worker behind the
// safe wrapper.
func RunMaterializationWorkerSafely(ctx context.Context, store storage.Store, log logx.Logger, opts Options) (MaterializationStats, RunInfo) {
	var stats MaterializationStats
	info := runSafely(WorkerMaterialization, "materialization worker", log, func() ([]logx.Field, int, error) {
		var err error
		stats, err = RunMaterializationWorker(ctx, store, log, opts)
		return []logx.Field{
			logx.Int("organizations_processed", stats.OrganizationsProcessed),
			logx.Int("instances_created", stats.InstancesCreated),
			logx.Int("windows_updated", stats.WindowsUpdated),
			logx.Int("errors_encountered", stats.ErrorsEncountered),
			logx.Int64("processing_time_ms", stats.ProcessingTime.Milliseconds()),
		}, stats.InstancesCreated, err
	})
	return stats, info
}

// RunCleanupWorkerSafely runs the cleanup worker behind the safe wrapper.
func RunCleanupWorkerSafely(ctx context.Context, store storage.Store, log logx.Logger, opts Options) (CleanupStats, RunInfo) {
	var stats CleanupStats
	info := runSafely(WorkerCleanup, "cleanup worker", log, func() ([]logx.Field, int, error) {
		var err error
		stats, err = RunCleanupWorker(ctx, store, log, opts)
		return []logx.Field{
			logx.Int("organizations_processed", stats.OrganizationsProcessed),
			logx.Int("instances_deleted", stats.InstancesDeleted),
			logx.Int("errors_encountered", stats.ErrorsEncountered),
			logx.Int64("processing_time_ms", stats.ProcessingTime.Milliseconds()),
		}, stats.InstancesDeleted, err
	})
	return stats, info
}

// RunMetricsAggregationWorkerSafely aggregates the snapshots of the last
// windowMinutes behind the safe wrapper.
func RunMetricsAggregationWorkerSafely(getSnapshots metrics.SnapshotProvider, windowMinutes int, log logx.Logger) (metrics.Report, RunInfo) {
	var report metrics.Report
	info := runSafely(WorkerMetrics, "metrics aggregation worker", log, func() ([]logx.Field, int, error) {
		if getSnapshots == nil {
			return nil, 0, errors.New("no snapshot provider")
		}
		if windowMinutes <= 0 {
			windowMinutes = 5
		}
		report = metrics.Aggregate(getSnapshots(), time.Duration(windowMinutes)*time.Minute, time.Now())
		fields := []logx.Field{
			logx.Int("window_minutes", windowMinutes),
			logx.Int("samples", report.Samples),
		}
		for _, op := range report.Operations {
			fields = append(fields,
				logx.Int(op.Operation+"_count", op.Count),
				logx.Int(op.Operation+"_errors", op.Errors),
				logx.Duration(op.Operation+"_avg", op.Avg),
				logx.Duration(op.Operation+"_max", op.Max),
			)
		}
		return fields, report.Samples, nil
	})
	return report, info
}

// isolateOrg runs fn for a single organization and turns a panic into an
// error so the remaining organizations of the run are still processed.
func isolateOrg(org string, log logx.Logger, fn func() (int, error)) (n int, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			err = fmt.Errorf("organization %s panicked: %w", org, e)
		} else {
			err = fmt.Errorf("organization %s panicked: %v", org, r)
		}
		log.Error("organization run panicked",
			logx.Org(org),
			logx.String("panic", fmt.Sprint(r)),
			logx.Stack(string(debug.Stack())))
	}()
	return fn()
}
