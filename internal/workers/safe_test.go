package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"recurd/internal/metrics"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

type panickingStore struct {
	storage.Store
	value any
}

func (p panickingStore) ListOrganizationsWithActiveTemplates(context.Context) ([]string, error) {
	panic(p.value)
}

func (p panickingStore) ListOrganizations(context.Context) ([]string, error) {
	panic(p.value)
}

func TestSafeWrapperNormalizesNonErrorPanics(t *testing.T) {
	t.Parallel()
	buf, log := captureLogger()
	var info RunInfo
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic escaped the safe wrapper: %v", r)
			}
		}()
		_, info = RunMaterializationWorkerSafely(context.Background(), panickingStore{value: 42}, log, testOptions())
	}()
	if info.OK() || info.Err != "Unknown error" {
		t.Fatalf("info = %+v", info)
	}
	l, ok := findLine(parseLines(t, buf), "error", "materialization worker failed")
	if !ok {
		t.Fatal("failure not logged")
	}
	if l.Err != "Unknown error" || l.Stack == "" {
		t.Fatalf("failure line = %+v", l)
	}
}

func TestSafeWrapperKeepsErrorPanics(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	buf, log := captureLogger()
	_, info := RunCleanupWorkerSafely(context.Background(), panickingStore{value: boom}, log, testOptions())
	if info.Err != "connection reset" {
		t.Fatalf("info = %+v", info)
	}
	if l, ok := findLine(parseLines(t, buf), "error", "cleanup worker failed"); !ok || l.Err != "connection reset" {
		t.Fatalf("failure line = %+v (found=%v)", l, ok)
	}
}

func TestSafeWrapperLogsReturnedErrors(t *testing.T) {
	t.Parallel()
	buf, log := captureLogger()
	_, info := RunMaterializationWorkerSafely(context.Background(), nil, log, testOptions())
	if info.OK() || info.Err != storage.ErrDisabled.Error() {
		t.Fatalf("info = %+v", info)
	}
	lines := parseLines(t, buf)
	if _, ok := findLine(lines, "info", "Starting materialization worker"); !ok {
		t.Fatal("start not logged")
	}
	if _, ok := findLine(lines, "error", "materialization worker failed"); !ok {
		t.Fatal("failure not logged")
	}
}

func TestSafeWrapperLogsSuccessSummary(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	seedOrg(t, mem, "org-a")
	buf, log := captureLogger()
	stats, info := RunMaterializationWorkerSafely(context.Background(), mem, log, testOptions())
	if !info.OK() || stats.InstancesCreated != 7 || info.Items != 7 {
		t.Fatalf("stats = %+v info = %+v", stats, info)
	}
	if info.Duration <= 0 && stats.ProcessingTime <= 0 {
		t.Fatal("run not timed")
	}
	if _, ok := findLine(parseLines(t, buf), "info", "materialization worker completed"); !ok {
		t.Fatal("success summary not logged")
	}
}

func TestMetricsAggregationSafely(t *testing.T) {
	t.Parallel()
	tr := metrics.NewTracker(10)
	tr.Record(metrics.Snapshot{Operation: WorkerCleanup, Started: time.Now().Add(-time.Minute), Duration: time.Second})
	tr.Record(metrics.Snapshot{Operation: WorkerCleanup, Started: time.Now().Add(-time.Hour), Duration: time.Second})

	report, info := RunMetricsAggregationWorkerSafely(tr.Provider(), 5, logx.Nop())
	if !info.OK() || report.Samples != 1 {
		t.Fatalf("report = %+v info = %+v", report, info)
	}

	_, info = RunMetricsAggregationWorkerSafely(func() []metrics.Snapshot { panic("provider broke") }, 5, logx.Nop())
	if info.Err != "Unknown error" {
		t.Fatalf("info = %+v", info)
	}

	_, info = RunMetricsAggregationWorkerSafely(nil, 5, logx.Nop())
	if info.OK() {
		t.Fatal("nil provider reported success")
	}
}

func TestRunInfoSnapshot(t *testing.T) {
	t.Parallel()
	started := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	info := RunInfo{Worker: WorkerCleanup, Started: started, Duration: time.Second, Err: "x", Items: 3}
	want := metrics.Snapshot{Operation: WorkerCleanup, Started: started, Duration: time.Second, Error: "x", Items: 3}
	if got := info.Snapshot(); got != want {
		t.Fatalf("snapshot = %+v", got)
	}
}
