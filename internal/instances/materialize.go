package instances

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recurd/internal/model"
	"recurd/internal/recurrence"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// Materializer turns expanded occurrences into generated instance rows.
type Materializer struct {
	store storage.Store
	log   logx.Logger

	now            func() time.Time
	newID          func() string
	maxOccurrences int
}

type MaterializerOption func(*Materializer)

func WithClock(now func() time.Time) MaterializerOption {
	return func(m *Materializer) {
		if now != nil {
			m.now = now
		}
	}
}

func WithIDGenerator(fn func() string) MaterializerOption {
	return func(m *Materializer) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithMaxOccurrences caps how many occurrences a single series may produce in
// one call.
func WithMaxOccurrences(n int) MaterializerOption {
	return func(m *Materializer) { m.maxOccurrences = n }
}

func NewMaterializer(store storage.Store, log logx.Logger, opts ...MaterializerOption) *Materializer {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Materializer{
		store: store,
		log:   log.With(logx.Component("materializer")),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SeriesResult summarizes one MaterializeSeries call.
type SeriesResult struct {
	Candidates int
	Created    int
	// Skipped counts candidates that another run materialized first.
	Skipped   int
	Truncated bool
}

// MaterializeSeries expands rule over w and persists every occurrence that is
// not materialized yet.
func (m *Materializer) MaterializeSeries(ctx context.Context, tmpl model.Template, rule model.RecurrenceRule, w recurrence.Window) (SeriesResult, error) {
	var res SeriesResult
	if m == nil || m.store == nil {
		return res, storage.ErrDisabled
	}

	dtstart := recurrence.DTStart(rule, tmpl)
	existing, err := m.store.ListInstanceStarts(ctx, tmpl.ID, w.Start, w.End)
	if err != nil {
		return res, fmt.Errorf("list instances of %s: %w", tmpl.ID, err)
	}
	exp, err := recurrence.Expand(rule, dtstart, w, existing, recurrence.Options{MaxOccurrences: m.maxOccurrences})
	if err != nil {
		return res, fmt.Errorf("expand %s: %w", tmpl.ID, err)
	}
	res.Candidates = len(exp.Occurrences)
	res.Truncated = exp.Truncated
	if exp.Truncated {
		m.log.Warn("occurrence cap reached; remaining occurrences deferred to the next run",
			logx.Template(tmpl.ID), logx.Int("cap", len(exp.Occurrences)))
	}
	if len(exp.Occurrences) == 0 {
		return res, nil
	}

	total, err := recurrence.TotalCount(rule, dtstart)
	if err != nil {
		return res, fmt.Errorf("total count %s: %w", tmpl.ID, err)
	}
	created, skipped, err := m.Persist(ctx, tmpl, rule, exp.Occurrences, total)
	res.Created, res.Skipped = created, skipped
	return res, err
}

// Persist writes one instance row per occurrence. A candidate whose
// (template, original start) already exists is counted as skipped.
func (m *Materializer) Persist(ctx context.Context, tmpl model.Template, rule model.RecurrenceRule, occs []recurrence.Occurrence, total *int) (created, skipped int, err error) {
	duration := tmpl.Duration()
	now := m.now().UTC()

	for _, occ := range occs {
		if err := ctx.Err(); err != nil {
			return created, skipped, err
		}
		inst := model.GeneratedInstance{
			ID:                        m.newID(),
			BaseRecurringEventID:      tmpl.ID,
			RecurrenceRuleID:          rule.ID,
			OriginalInstanceStartTime: occ.Start,
			ActualStartTime:           occ.Start,
			ActualEndTime:             occ.Start.Add(duration),
			OrganizationID:            tmpl.OrganizationID,
			SequenceNumber:            occ.Sequence,
			TotalCount:                copyInt(total),
			GeneratedAt:               now,
			LastUpdatedAt:             now,
			Version:                   1,
		}
		ok, err := m.store.InsertInstance(ctx, inst)
		if err != nil {
			return created, skipped, fmt.Errorf("insert instance %s@%s: %w", tmpl.ID, occ.Start.Format(time.RFC3339), err)
		}
		if !ok {
			skipped++
			m.log.Debug("instance already materialized",
				logx.Template(tmpl.ID), logx.Time("start", occ.Start))
			continue
		}
		created++
	}
	return created, skipped, nil
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
