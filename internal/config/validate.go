package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"recurd/internal/observability/debugsrv"
	"recurd/internal/workers"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		// Report fields by their JSON key.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		validate = v
	})
	return validate
}

// Validate checks cfg for values the runtime would reject: struct tag
// constraints, durations, cron schedules and driver requirements. All
// problems are returned joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", trimNamespace(fe.Namespace()), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if s := cfg.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "postgres", "postgresql", "pgx":
			if strings.TrimSpace(s.DSN) == "" {
				errs = append(errs, errors.New("storage.dsn: required for postgres"))
			}
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path: required for sqlite"))
			}
		}
	}

	w := cfg.Workers
	if _, err := ParseDurationField("workers.horizon", w.Horizon); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("workers.retention", w.Retention); err != nil {
		errs = append(errs, err)
	}
	schedules := []struct{ path, spec string }{
		{"workers.materialization_schedule", w.MaterializationSchedule},
		{"workers.cleanup_schedule", w.CleanupSchedule},
		{"workers.metrics_schedule", w.MetricsSchedule},
	}
	for _, s := range schedules {
		if strings.TrimSpace(s.spec) == "" {
			continue
		}
		if _, err := workers.ParseSchedule(s.spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid schedule %q: %w", s.path, s.spec, err))
		}
	}

	if d := cfg.Debug; d.Enabled {
		if err := debugsrv.CheckBind(d.Addr, d.Token, d.AllowInsecure); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
		if _, err := ParseDurationField("debug.read_timeout", d.ReadTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("debug.write_timeout", d.WriteTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validator adapts Validate to ConfigManager.SetValidator.
func Validator(_ context.Context, cfg *Config) error { return Validate(cfg) }

// trimNamespace drops the root struct name ("Config.workers.horizon").
func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
