package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means zero; negative
// values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// HorizonRetention returns the parsed workers.horizon and workers.retention.
// Zero means "use the worker default".
func (w WorkersConfig) HorizonRetention() (horizon, retention time.Duration, err error) {
	if horizon, err = ParseDurationField("workers.horizon", w.Horizon); err != nil {
		return 0, 0, err
	}
	if retention, err = ParseDurationField("workers.retention", w.Retention); err != nil {
		return 0, 0, err
	}
	return horizon, retention, nil
}
