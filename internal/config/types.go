package config

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Workers WorkersConfig  `json:"workers"`
	Metrics MetricsConfig  `json:"metrics"`
	Debug   DebugConfig    `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/recurd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://recurd@localhost/recurd" }
//
// A nil section (or driver "none") disables storage; workers then fail every
// run with storage.ErrDisabled.
type StorageConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=none memory mem sqlite sqlite3 postgres postgresql pgx"`
	Path   string `json:"path,omitempty"`
	// DSN is the postgres connection string (do not log).
	DSN string `json:"dsn,omitempty"`
	// BusyTimeout is a Go duration string (sqlite).
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// MaxConns is the postgres pool size.
	MaxConns int32 `json:"max_conns,omitempty" validate:"gte=0,lte=1000"`
}

// WorkersConfig controls the background workers and their cron schedules.
//
// Schedules accept 5 or 6 fields and descriptors ("@hourly", "@every 10m").
// Durations are Go duration strings; empty means the worker default.
//
// Defaults (when fields are omitted/zero):
//   - materialization_schedule: "0 * * * *"
//   - cleanup_schedule: "0 3 * * *"
//   - metrics_schedule: "*/5 * * * *"
//   - metrics_window_minutes: 5
//   - horizon: "2160h" (90 days)
//   - retention: "720h" (30 days)
//   - max_occurrences: 5000
//   - org_rate_per_sec: 0 (unthrottled)
type WorkersConfig struct {
	Enabled bool `json:"enabled"`

	MaterializationSchedule string `json:"materialization_schedule,omitempty"`
	CleanupSchedule         string `json:"cleanup_schedule,omitempty"`
	MetricsSchedule         string `json:"metrics_schedule,omitempty"`
	MetricsEnabled          bool   `json:"metrics_enabled,omitempty"`
	MetricsWindowMinutes    int    `json:"metrics_window_minutes,omitempty" validate:"gte=0,lte=1440"`

	Horizon        string  `json:"horizon,omitempty"`
	Retention      string  `json:"retention,omitempty"`
	MaxOccurrences int     `json:"max_occurrences,omitempty" validate:"gte=0"`
	OrgRatePerSec  float64 `json:"org_rate_per_sec,omitempty" validate:"gte=0"`
}

type MetricsConfig struct {
	// HistorySize bounds the in-memory snapshot history (default 500).
	HistorySize int `json:"history_size,omitempty" validate:"gte=0,lte=100000"`
}

// DebugConfig controls the operator HTTP endpoint (/healthz, /status and
// /debug/pprof/). A non-loopback addr needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Timeouts are Go duration strings; empty means no timeout.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}
