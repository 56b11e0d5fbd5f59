package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides applied on top of the config file.
const (
	EnvLogLevel           = "RECURD_LOG_LEVEL"
	EnvStorageDriver      = "RECURD_STORAGE_DRIVER"
	EnvStoragePath        = "RECURD_STORAGE_PATH"
	EnvStorageDSN         = "RECURD_STORAGE_DSN"
	EnvWorkersEnabled     = "RECURD_WORKERS_ENABLED"
	EnvMaterializeSched   = "RECURD_MATERIALIZATION_SCHEDULE"
	EnvCleanupSched       = "RECURD_CLEANUP_SCHEDULE"
	EnvWorkersHorizon     = "RECURD_HORIZON"
	EnvWorkersRetention   = "RECURD_RETENTION"
	EnvMetricsEnabled     = "RECURD_METRICS_ENABLED"
	EnvMetricsHistorySize = "RECURD_METRICS_HISTORY_SIZE"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides cfg fields from the environment. Unparseable boolean or
// integer values are reported and leave the field unchanged.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error

	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}

	storageKeys := []string{EnvStorageDriver, EnvStoragePath, EnvStorageDSN}
	for _, k := range storageKeys {
		if _, ok := get(k); ok && cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
			break
		}
	}
	if v, ok := get(EnvStorageDriver); ok {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := get(EnvStoragePath); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
	}

	if v, ok := get(EnvWorkersEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, envErr(EnvWorkersEnabled, err))
		} else {
			cfg.Workers.Enabled = b
		}
	}
	if v, ok := get(EnvMaterializeSched); ok {
		cfg.Workers.MaterializationSchedule = v
	}
	if v, ok := get(EnvCleanupSched); ok {
		cfg.Workers.CleanupSchedule = v
	}
	if v, ok := get(EnvWorkersHorizon); ok {
		cfg.Workers.Horizon = v
	}
	if v, ok := get(EnvWorkersRetention); ok {
		cfg.Workers.Retention = v
	}
	if v, ok := get(EnvMetricsEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, envErr(EnvMetricsEnabled, err))
		} else {
			cfg.Workers.MetricsEnabled = b
		}
	}
	if v, ok := get(EnvMetricsHistorySize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, envErr(EnvMetricsHistorySize, err))
		} else {
			cfg.Metrics.HistorySize = n
		}
	}
	return errors.Join(errs...)
}

func envErr(key string, err error) error {
	return errors.New(key + ": " + err.Error())
}
