// Package icsexport renders resolved instances as an iCalendar feed.
//
// Every resolved instance becomes a standalone VEVENT. The feed carries no
// RRULE: instances are already materialized and exceptions already applied,
// so clients see exactly what the read path returns.
package icsexport

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"recurd/internal/model"
)

const (
	ProductID = "-//recurd//instances//EN"

	// PropSeriesID and PropOriginalStart expose the series identity of a
	// materialized instance to consumers that understand them.
	PropSeriesID      = "X-RECURD-SERIES-ID"
	PropOriginalStart = "X-RECURD-ORIGINAL-START"
)

type Options struct {
	// Name is written as NAME and X-WR-CALNAME.
	Name        string
	Description string
	// Now stamps DTSTAMP. Defaults to time.Now.
	Now func() time.Time
	// IncludeCancelled keeps cancelled instances as STATUS:CANCELLED events.
	IncludeCancelled bool
}

var ErrNoWriter = errors.New("icsexport: nil writer")

// Build returns the calendar for insts, ordered by actual start time.
func Build(insts []model.ResolvedInstance, opts Options) *ical.Calendar {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	stamp := now().UTC()

	cal := ical.NewCalendarFor("recurd")
	cal.SetProductId(ProductID)
	cal.SetMethod(ical.MethodPublish)
	cal.SetCalscale("GREGORIAN")
	if opts.Name != "" {
		cal.SetName(opts.Name)
		cal.SetXWRCalName(opts.Name)
	}
	if opts.Description != "" {
		cal.SetXWRCalDesc(opts.Description)
	}
	cal.SetLastModified(stamp)

	sorted := make([]model.ResolvedInstance, len(insts))
	copy(sorted, insts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ActualStartTime.Before(sorted[j].ActualStartTime)
	})

	for _, in := range sorted {
		if in.IsCancelled && !opts.IncludeCancelled {
			continue
		}
		addEvent(cal, in, stamp)
	}
	return cal
}

// Render writes the calendar for insts to w.
func Render(w io.Writer, insts []model.ResolvedInstance, opts Options) error {
	if w == nil {
		return ErrNoWriter
	}
	if err := Build(insts, opts).SerializeTo(w); err != nil {
		return fmt.Errorf("serialize calendar: %w", err)
	}
	return nil
}

func addEvent(cal *ical.Calendar, in model.ResolvedInstance, stamp time.Time) {
	ev := cal.AddEvent(in.ID)
	ev.SetDtStampTime(stamp)
	if !in.GeneratedAt.IsZero() {
		ev.SetCreatedTime(in.GeneratedAt)
	}
	if mod := lastModified(in); !mod.IsZero() {
		ev.SetLastModifiedAt(mod)
	}
	ev.SetSequence(in.Version)

	if in.AllDay {
		start := dateOnly(in.ActualStartTime)
		end := dateOnly(in.ActualEndTime)
		// DTEND is exclusive for date values.
		if !in.ActualEndTime.Equal(end) {
			end = end.AddDate(0, 0, 1)
		}
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		ev.SetAllDayStartAt(start)
		ev.SetAllDayEndAt(end)
	} else {
		ev.SetStartAt(in.ActualStartTime)
		ev.SetEndAt(in.ActualEndTime)
	}

	ev.SetSummary(in.Name)
	if in.Description != "" {
		ev.SetDescription(in.Description)
	}
	if in.Location != "" {
		ev.SetLocation(in.Location)
	}
	if in.IsPublic {
		ev.SetClass(ical.ClassificationPublic)
	} else {
		ev.SetClass(ical.ClassificationPrivate)
	}
	if in.IsCancelled {
		ev.SetStatus(ical.ObjectStatusCancelled)
	} else {
		ev.SetStatus(ical.ObjectStatusConfirmed)
	}
	for _, a := range in.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			continue
		}
		ev.AddAttachmentURL(a.URL, a.MimeType)
	}

	series := in.OriginalSeriesID
	if series == "" {
		series = in.BaseRecurringEventID
	}
	ev.SetProperty(ical.ComponentProperty(PropSeriesID), series)
	ev.SetProperty(ical.ComponentProperty(PropOriginalStart),
		in.OriginalInstanceStartTime.UTC().Format("20060102T150405Z"))
}

func lastModified(in model.ResolvedInstance) time.Time {
	mod := in.LastUpdatedAt
	if in.ExceptionCreatedAt != nil && in.ExceptionCreatedAt.After(mod) {
		mod = *in.ExceptionCreatedAt
	}
	return mod
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
