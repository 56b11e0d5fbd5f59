package config

import (
	"sort"
	"strings"

	logx "recurd/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (storage DSN, debug token) are never
// included; only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !strings.EqualFold(oldCfg.Logging.Level, newCfg.Logging.Level) ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil means disabled.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", nS.Path != ""),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
			logx.String("storage.busy_timeout", nS.BusyTimeout),
		)
	}

	if WorkersChanged(oldCfg.Workers, newCfg.Workers) {
		changed = append(changed, "workers")
		w := newCfg.Workers
		attrs = append(attrs,
			logx.Bool("workers.enabled", w.Enabled),
			logx.String("workers.materialization_schedule", w.MaterializationSchedule),
			logx.String("workers.cleanup_schedule", w.CleanupSchedule),
			logx.Bool("workers.metrics_enabled", w.MetricsEnabled),
			logx.String("workers.horizon", w.Horizon),
			logx.String("workers.retention", w.Retention),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Int("metrics.history_size", newCfg.Metrics.HistorySize))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// WorkersChanged reports whether any worker setting differs after trimming.
func WorkersChanged(a, b WorkersConfig) bool {
	return trimWorkers(a) != trimWorkers(b)
}

func trimWorkers(w WorkersConfig) WorkersConfig {
	w.MaterializationSchedule = strings.TrimSpace(w.MaterializationSchedule)
	w.CleanupSchedule = strings.TrimSpace(w.CleanupSchedule)
	w.MetricsSchedule = strings.TrimSpace(w.MetricsSchedule)
	w.Horizon = strings.TrimSpace(w.Horizon)
	w.Retention = strings.TrimSpace(w.Retention)
	return w
}

// StorageChanged reports whether the storage section differs. Storage is
// opened once at startup, so a change needs a restart.
func StorageChanged(a, b *StorageConfig) bool {
	return derefStorage(a) != derefStorage(b)
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return StorageConfig{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		DSN:         strings.TrimSpace(s.DSN),
		BusyTimeout: strings.TrimSpace(s.BusyTimeout),
		MaxConns:    s.MaxConns,
	}
}
