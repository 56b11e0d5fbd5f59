package workers

import "time"

const (
	DefaultHorizon   = 90 * 24 * time.Hour
	DefaultRetention = 30 * 24 * time.Hour
)

// Options configures one worker run.
type Options struct {
	// Horizon is how far ahead of now instances are materialized.
	Horizon time.Duration
	// Retention is how long instances are kept after their original start.
	Retention time.Duration
	// MaxOccurrences caps the occurrences materialized per series per run.
	MaxOccurrences int
	// OrgRatePerSec limits how many organizations are processed per second.
	// 0 disables the limit.
	OrgRatePerSec float64

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Horizon <= 0 {
		o.Horizon = DefaultHorizon
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
