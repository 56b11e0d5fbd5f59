package config

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/recurd.db
  busy_timeout: 2s
workers:
  enabled: true
  materialization_schedule: "*/30 * * * *"
  horizon: 720h
  org_rate_per_sec: 2.5
metrics:
  history_size: 100
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "recurd.yaml", sampleYAML))
	m.SetEnvLookup(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "2s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Workers.Enabled || cfg.Workers.MaterializationSchedule != "*/30 * * * *" || cfg.Workers.OrgRatePerSec != 2.5 {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
	h, r, err := cfg.Workers.HorizonRetention()
	if err != nil || h != 720*time.Hour || r != 0 {
		t.Fatalf("HorizonRetention = %v, %v, %v", h, r, err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown json key", "c.json", `{"workers":{"enabled":true,"threads":4}}`, "unknown field"},
		{"unknown yaml key", "c.yml", "telegram:\n  token: x\n", "unknown field"},
		{"trailing json", "c.json", `{} {}`, "trailing data"},
		{"broken yaml", "c.yaml", "workers: [", "yaml unmarshal"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, t.TempDir(), tt.file, tt.body))
			m.SetEnvLookup(noEnv)
			_, err := m.Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestParseEmptyYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "empty.yaml", ""))
	m.SetEnvLookup(noEnv)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage != nil || cfg.Workers.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	err := ApplyEnv(cfg, envMap(map[string]string{
		EnvLogLevel:           "WARN",
		EnvStorageDriver:      "Postgres",
		EnvStorageDSN:         "postgres://localhost/recurd",
		EnvWorkersEnabled:     "true",
		EnvCleanupSched:       "@daily",
		EnvMetricsHistorySize: "64",
		EnvWorkersRetention:   "  ",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://localhost/recurd" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Workers.Enabled || cfg.Workers.CleanupSchedule != "@daily" || cfg.Workers.Retention != "" {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
	if cfg.Metrics.HistorySize != 64 {
		t.Fatalf("history size = %d", cfg.Metrics.HistorySize)
	}
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	t.Parallel()
	cfg := &Config{Workers: WorkersConfig{Enabled: true}}
	err := ApplyEnv(cfg, envMap(map[string]string{
		EnvWorkersEnabled:     "maybe",
		EnvMetricsHistorySize: "lots",
	}))
	if err == nil || !strings.Contains(err.Error(), EnvWorkersEnabled) || !strings.Contains(err.Error(), EnvMetricsHistorySize) {
		t.Fatalf("ApplyEnv error = %v", err)
	}
	if !cfg.Workers.Enabled {
		t.Fatal("bad value changed the field")
	}
	if cfg.Storage != nil {
		t.Fatal("storage section created without storage overrides")
	}
}

func TestParseAppliesEnvOverFile(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "recurd.yaml", sampleYAML))
	m.SetEnvLookup(envMap(map[string]string{EnvStoragePath: "/var/lib/recurd/recurd.db"}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/recurd/recurd.db" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestLoadDotEnvSkipsMissing(t *testing.T) {
	t.Parallel()
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{name: "zero config", cfg: Config{}},
		{
			name: "bad level",
			cfg:  Config{Logging: LoggingConfig{Level: "loud"}},
			want: []string{"logging.level"},
		},
		{
			name: "unknown driver",
			cfg:  Config{Storage: &StorageConfig{Driver: "mongo"}},
			want: []string{"storage.driver"},
		},
		{
			name: "postgres without dsn",
			cfg:  Config{Storage: &StorageConfig{Driver: "pgx"}},
			want: []string{"storage.dsn"},
		},
		{
			name: "sqlite without path",
			cfg:  Config{Storage: &StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}},
			want: []string{"storage.path", "storage.busy_timeout"},
		},
		{
			name: "bad schedules and durations",
			cfg: Config{Workers: WorkersConfig{
				MaterializationSchedule: "every hour",
				CleanupSchedule:         "0 3 * * *",
				MetricsSchedule:         "99 * * * *",
				Horizon:                 "-1h",
				Retention:               "a month",
			}},
			want: []string{"workers.materialization_schedule", "workers.metrics_schedule", "workers.horizon", "workers.retention"},
		},
		{
			name: "public debug addr without token",
			cfg:  Config{Debug: DebugConfig{Enabled: true, Addr: "0.0.0.0:6060", ReadTimeout: "fast"}},
			want: []string{"debug.addr", "debug.read_timeout"},
		},
		{
			name: "debug disabled is not checked",
			cfg:  Config{Debug: DebugConfig{Addr: "0.0.0.0:6060"}},
		},
		{
			name: "range limits",
			cfg: Config{
				Workers: WorkersConfig{MetricsWindowMinutes: 2000, MaxOccurrences: -1, OrgRatePerSec: -2},
				Metrics: MetricsConfig{HistorySize: -5},
			},
			want: []string{"workers.metrics_window_minutes", "workers.max_occurrences", "workers.org_rate_per_sec", "metrics.history_size"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if len(tt.want) == 0 {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Fatalf("error %q does not mention %s", err, w)
				}
			}
		})
	}
	if err := Validate(nil); err == nil {
		t.Fatal("nil config accepted")
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "recurd.json", `{"workers":{"enabled":true}}`)
	m := NewConfigManager(path)
	m.SetEnvLookup(noEnv)
	m.SetValidator(Validator)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatal("unchanged file republished")
	}

	writeFile(t, dir, "recurd.json", `{"workers":{"enabled":true,"cleanup_schedule":"bogus"}}`)
	if m.reload(ctx) {
		t.Fatal("invalid config published")
	}
	if m.Get().Workers.CleanupSchedule != "" {
		t.Fatal("invalid config committed")
	}

	writeFile(t, dir, "recurd.json", `{"workers":{"enabled":true,"cleanup_schedule":"0 4 * * *"}}`)
	if !m.reload(ctx) {
		t.Fatal("valid change not published")
	}
	select {
	case cfg := <-ch:
		if cfg.Workers.CleanupSchedule != "0 4 * * *" {
			t.Fatalf("published %+v", cfg.Workers)
		}
	default:
		t.Fatal("subscriber received nothing")
	}

	writeFile(t, dir, "recurd.json", `{"workers":`)
	if m.reload(ctx) {
		t.Fatal("unparseable config published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{Metrics: MetricsConfig{HistorySize: 1}}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatalf("subscriber got %+v, want newest", got)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on Unsubscribe")
	}
	m.publish(first)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		Logging: LoggingConfig{Level: "info"},
		Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://a"},
		Workers: WorkersConfig{Enabled: true},
	}
	same := &Config{
		Logging: LoggingConfig{Level: "INFO"},
		Storage: &StorageConfig{Driver: "Postgres ", DSN: "postgres://a"},
		Workers: WorkersConfig{Enabled: true, CleanupSchedule: " "},
	}
	if changed, _ := SummarizeConfigChange(old, same); len(changed) != 0 {
		t.Fatalf("cosmetic edits reported: %v", changed)
	}

	next := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://b"},
		Workers: WorkersConfig{Enabled: true, Horizon: "48h"},
		Metrics: MetricsConfig{HistorySize: 10},
	}
	changed, attrs := SummarizeConfigChange(old, next)
	want := []string{"logging", "metrics", "storage", "workers"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if !StorageChanged(nil, next.Storage) || StorageChanged(nil, nil) {
		t.Fatal("StorageChanged")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := backoff{cur: restartBackoffBase, rng: rand.New(rand.NewSource(1))}
	for i := 0; i < 10; i++ {
		cur := b.cur
		wait := b.next()
		if wait < cur || wait > cur+cur/2 {
			t.Fatalf("wait %v outside [%v, %v]", wait, cur, cur+cur/2)
		}
		if b.cur > restartBackoffMax {
			t.Fatalf("backoff grew past max: %v", b.cur)
		}
	}
	b.reset()
	if b.cur != restartBackoffBase {
		t.Fatal("reset")
	}
}

func TestDurationFields(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "90s", time.Minute); err != nil || d != 90*time.Second {
		t.Fatalf("explicit = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil || !strings.Contains(err.Error(), "x: invalid duration") {
		t.Fatalf("bad duration error = %v", err)
	}
}
