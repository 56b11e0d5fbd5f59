package app

import (
	"fmt"
	"strings"
	"time"

	"recurd/internal/config"
	"recurd/internal/observability/debugsrv"
	"recurd/internal/storage"
	"recurd/internal/workers"
	logx "recurd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig reports enabled=false for a missing section or driver "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}

	switch driver {
	case "memory", "mem":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapWorkersConfig(cfg *config.Config) (workers.Config, error) {
	if cfg == nil {
		return workers.Config{}, nil
	}
	w := cfg.Workers
	horizon, retention, err := w.HorizonRetention()
	if err != nil {
		return workers.Config{}, err
	}
	return workers.Config{
		MaterializationSchedule: strings.TrimSpace(w.MaterializationSchedule),
		CleanupSchedule:         strings.TrimSpace(w.CleanupSchedule),
		MetricsSchedule:         strings.TrimSpace(w.MetricsSchedule),
		MetricsEnabled:          w.MetricsEnabled,
		MetricsWindowMinutes:    w.MetricsWindowMinutes,
		Worker: workers.Options{
			Horizon:        horizon,
			Retention:      retention,
			MaxOccurrences: w.MaxOccurrences,
			OrgRatePerSec:  w.OrgRatePerSec,
		},
	}, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	if cfg == nil {
		return debugsrv.Config{}, nil
	}
	d := cfg.Debug
	read, err := config.ParseDurationField("debug.read_timeout", d.ReadTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	write, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	return debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   time.Minute,
	}, nil
}
