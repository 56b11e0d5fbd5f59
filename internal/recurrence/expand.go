package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"recurd/internal/model"
)

const (
	defaultMaxOccurrences = 5000
)

var (
	ErrInvalidRule   = errors.New("recurrence: invalid rule")
	ErrInvalidWindow = errors.New("recurrence: window end is before start")
)

// Window is the half-open interval [Start, End) in which occurrences are
// generated.
type Window struct {
	Start time.Time
	End   time.Time
}

// Options controls expansion limits.
type Options struct {
	// MaxOccurrences caps the number of new occurrences returned from a
	// single call. If zero, defaultMaxOccurrences is used.
	MaxOccurrences int
}

// Occurrence is one candidate start time together with its 1-based ordinal
// position in the series.
type Occurrence struct {
	Start    time.Time
	Sequence int
}

// Result wraps the expanded occurrences.
type Result struct {
	Occurrences []Occurrence
	// Truncated is set when MaxOccurrences was reached before the window end.
	Truncated bool
}

// Expand computes the occurrences of rule inside w that are not yet present
// in existing. dtstart anchors the series (see DTStart).
//
// Output is ordered by start time, deduplicated, and UTC. The series is
// walked from dtstart so that Count is honored over the whole life of the
// rule and every occurrence carries its true ordinal, regardless of which
// occurrences were materialized (or purged) before.
func Expand(rule model.RecurrenceRule, dtstart time.Time, w Window, existing []time.Time, opts Options) (Result, error) {
	var res Result
	if w.End.Before(w.Start) {
		return res, ErrInvalidWindow
	}
	if !w.End.After(w.Start) {
		return res, nil
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = defaultMaxOccurrences
	}

	r, err := build(rule, dtstart)
	if err != nil {
		return res, err
	}

	seen := make(map[int64]struct{}, len(existing))
	for _, t := range existing {
		seen[t.UTC().UnixMilli()] = struct{}{}
	}

	start := w.Start.UTC()
	end := w.End.UTC()

	next := r.Iterator()
	seq := 0
	for {
		t, ok := next()
		if !ok {
			break
		}
		seq++
		t = t.UTC()
		if !t.Before(end) {
			break
		}
		if t.Before(start) {
			continue
		}
		key := t.UnixMilli()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if len(res.Occurrences) >= opts.MaxOccurrences {
			res.Truncated = true
			break
		}
		res.Occurrences = append(res.Occurrences, Occurrence{Start: t, Sequence: seq})
	}
	return res, nil
}

// TotalCount returns the number of occurrences a terminating rule produces
// over its whole life, or nil for an unbounded rule.
func TotalCount(rule model.RecurrenceRule, dtstart time.Time) (*int, error) {
	if rule.Count != nil && *rule.Count > 0 {
		n := *rule.Count
		if rule.Until == nil {
			return &n, nil
		}
	}
	if !rule.Bounded() {
		return nil, nil
	}
	r, err := build(rule, dtstart)
	if err != nil {
		return nil, err
	}
	next := r.Iterator()
	n := 0
	for {
		if _, ok := next(); !ok {
			break
		}
		n++
	}
	return &n, nil
}

// DTStart returns the anchor of a series: the rule's explicit start date if
// set, otherwise the template's first occurrence.
func DTStart(rule model.RecurrenceRule, tmpl model.Template) time.Time {
	if !rule.RecurrenceStartDate.IsZero() {
		return rule.RecurrenceStartDate.UTC()
	}
	return tmpl.StartAt.UTC()
}

// RRuleString renders rule as an RFC 5545 RRULE value (without DTSTART).
func RRuleString(rule model.RecurrenceRule, dtstart time.Time) (string, error) {
	opt, err := toOption(rule, dtstart)
	if err != nil {
		return "", err
	}
	opt.Dtstart = time.Time{}
	return opt.RRuleString(), nil
}

// Validate reports whether rule can be expanded.
func Validate(rule model.RecurrenceRule) error {
	_, err := toOption(rule, time.Unix(0, 0).UTC())
	return err
}

func build(rule model.RecurrenceRule, dtstart time.Time) (*rrule.RRule, error) {
	opt, err := toOption(rule, dtstart)
	if err != nil {
		return nil, err
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return r, nil
}

func toOption(rule model.RecurrenceRule, dtstart time.Time) (rrule.ROption, error) {
	var opt rrule.ROption

	freq, err := toFrequency(rule.Frequency)
	if err != nil {
		return opt, err
	}
	interval := rule.Interval
	if interval < 1 {
		return opt, fmt.Errorf("%w: interval must be >= 1, got %d", ErrInvalidRule, rule.Interval)
	}
	if dtstart.IsZero() {
		return opt, fmt.Errorf("%w: missing start date", ErrInvalidRule)
	}

	opt.Freq = freq
	opt.Interval = interval
	// Anchor in UTC so that expansion does not depend on the host timezone.
	opt.Dtstart = dtstart.UTC()
	if rule.Count != nil && *rule.Count > 0 {
		opt.Count = *rule.Count
	}
	if rule.Until != nil {
		opt.Until = rule.Until.UTC()
	}
	for _, d := range rule.ByDay {
		wd, err := toWeekday(d)
		if err != nil {
			return opt, err
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	opt.Bymonthday = append(opt.Bymonthday, rule.ByMonthDay...)
	opt.Bymonth = append(opt.Bymonth, rule.ByMonth...)
	return opt, nil
}

func toFrequency(f model.Frequency) (rrule.Frequency, error) {
	switch model.Frequency(strings.ToUpper(strings.TrimSpace(string(f)))) {
	case model.FrequencyDaily:
		return rrule.DAILY, nil
	case model.FrequencyWeekly:
		return rrule.WEEKLY, nil
	case model.FrequencyMonthly:
		return rrule.MONTHLY, nil
	case model.FrequencyYearly:
		return rrule.YEARLY, nil
	default:
		return 0, fmt.Errorf("%w: unsupported frequency %q", ErrInvalidRule, f)
	}
}

func toWeekday(s string) (rrule.Weekday, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MO":
		return rrule.MO, nil
	case "TU":
		return rrule.TU, nil
	case "WE":
		return rrule.WE, nil
	case "TH":
		return rrule.TH, nil
	case "FR":
		return rrule.FR, nil
	case "SA":
		return rrule.SA, nil
	case "SU":
		return rrule.SU, nil
	default:
		return rrule.Weekday{}, fmt.Errorf("%w: unknown weekday %q", ErrInvalidRule, s)
	}
}
