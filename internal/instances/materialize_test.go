package instances

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"recurd/internal/model"
	"recurd/internal/recurrence"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

func day(d, hour int) time.Time {
	return time.Date(2025, time.March, d, hour, 0, 0, 0, time.UTC)
}

func dailyTemplate() model.Template {
	return model.Template{
		ID: "tmpl-1", OrganizationID: "org-1", Name: "Daily sync", Description: "team sync",
		Location: "Room 1", IsActive: true, IsPublic: true,
		StartAt: day(1, 10), EndAt: day(1, 11), CreatorID: "user-1",
	}
}

func dailyRule() model.RecurrenceRule {
	return model.RecurrenceRule{ID: "rule-1", BaseRecurringEventID: "tmpl-1", OrganizationID: "org-1",
		Frequency: model.FrequencyDaily, Interval: 1}
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("inst-%d", n)
	}
}

func newTestMaterializer(st storage.Store) *Materializer {
	return NewMaterializer(st, logx.Nop(),
		WithClock(func() time.Time { return day(1, 0) }),
		WithIDGenerator(seqIDs()))
}

func seedSeries(t *testing.T, st storage.Store, tmpl model.Template, rule model.RecurrenceRule) {
	t.Helper()
	ctx := context.Background()
	if err := st.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	if err := st.PutRule(ctx, rule); err != nil {
		t.Fatalf("PutRule: %v", err)
	}
}

func TestMaterializeDailyUnboundedScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seedSeries(t, st, dailyTemplate(), dailyRule())
	m := newTestMaterializer(st)

	w := recurrence.Window{Start: day(1, 0), End: day(4, 0)}
	res, err := m.MaterializeSeries(ctx, dailyTemplate(), dailyRule(), w)
	if err != nil {
		t.Fatalf("MaterializeSeries: %v", err)
	}
	if res.Created != 3 || res.Skipped != 0 || res.Truncated {
		t.Fatalf("result = %+v", res)
	}

	insts, err := st.ListInstances(ctx, "org-1", w.Start, w.End)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(insts) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(insts))
	}
	for i, inst := range insts {
		if inst.SequenceNumber != i+1 {
			t.Fatalf("instance %d sequence = %d", i, inst.SequenceNumber)
		}
		if inst.TotalCount != nil {
			t.Fatalf("instance %d total count = %d, want nil", i, *inst.TotalCount)
		}
		if !inst.ActualStartTime.Equal(day(1+i, 10)) || !inst.ActualEndTime.Equal(day(1+i, 11)) {
			t.Fatalf("instance %d timing = %v..%v", i, inst.ActualStartTime, inst.ActualEndTime)
		}
		if !inst.OriginalInstanceStartTime.Equal(inst.ActualStartTime) {
			t.Fatalf("instance %d original start differs from actual start", i)
		}
		if inst.RecurrenceRuleID != "rule-1" || inst.OrganizationID != "org-1" || inst.Version != 1 {
			t.Fatalf("instance %d = %+v", i, inst)
		}
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seedSeries(t, st, dailyTemplate(), dailyRule())
	m := newTestMaterializer(st)
	w := recurrence.Window{Start: day(1, 0), End: day(8, 0)}

	first, err := m.MaterializeSeries(ctx, dailyTemplate(), dailyRule(), w)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := m.MaterializeSeries(ctx, dailyTemplate(), dailyRule(), w)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.Created != 7 || second.Created != 0 || second.Candidates != 0 {
		t.Fatalf("first = %+v, second = %+v", first, second)
	}
	n, err := st.CountInstances(ctx, "tmpl-1")
	if err != nil || n != 7 {
		t.Fatalf("CountInstances = %d, %v", n, err)
	}
}

func TestPersistSkipsConflictingInsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seedSeries(t, st, dailyTemplate(), dailyRule())
	m := newTestMaterializer(st)

	occs := []recurrence.Occurrence{{Start: day(1, 10), Sequence: 1}, {Start: day(2, 10), Sequence: 2}}
	// A concurrent run that already computed the same candidates.
	if _, _, err := m.Persist(ctx, dailyTemplate(), dailyRule(), occs[:1], nil); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	created, skipped, err := m.Persist(ctx, dailyTemplate(), dailyRule(), occs, nil)
	if err != nil {
		t.Fatalf("conflicting Persist returned error: %v", err)
	}
	if created != 1 || skipped != 1 {
		t.Fatalf("created=%d skipped=%d, want 1/1", created, skipped)
	}
}

func TestMaterializeBoundedSeriesSetsTotalCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	rule := dailyRule()
	count := 5
	rule.Count = &count
	seedSeries(t, st, dailyTemplate(), rule)
	m := newTestMaterializer(st)

	res, err := m.MaterializeSeries(ctx, dailyTemplate(), rule, recurrence.Window{Start: day(1, 0), End: day(30, 0)})
	if err != nil {
		t.Fatalf("MaterializeSeries: %v", err)
	}
	if res.Created != 5 {
		t.Fatalf("created = %d, want 5", res.Created)
	}
	insts, _ := st.ListInstances(ctx, "org-1", day(1, 0), day(30, 0))
	for _, inst := range insts {
		if inst.TotalCount == nil || *inst.TotalCount != 5 {
			t.Fatalf("total count = %v, want 5", inst.TotalCount)
		}
	}
	if insts[len(insts)-1].SequenceNumber != 5 {
		t.Fatalf("last sequence = %d", insts[len(insts)-1].SequenceNumber)
	}
}

func TestMaterializeCapTruncates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seedSeries(t, st, dailyTemplate(), dailyRule())
	m := NewMaterializer(st, logx.Nop(), WithIDGenerator(seqIDs()), WithMaxOccurrences(4))

	res, err := m.MaterializeSeries(ctx, dailyTemplate(), dailyRule(), recurrence.Window{Start: day(1, 0), End: day(30, 0)})
	if err != nil {
		t.Fatalf("MaterializeSeries: %v", err)
	}
	if res.Created != 4 || !res.Truncated {
		t.Fatalf("result = %+v", res)
	}
	// The next run picks up where the cap stopped.
	res, err = m.MaterializeSeries(ctx, dailyTemplate(), dailyRule(), recurrence.Window{Start: day(1, 0), End: day(30, 0)})
	if err != nil {
		t.Fatalf("MaterializeSeries: %v", err)
	}
	if res.Created != 4 {
		t.Fatalf("second run created %d", res.Created)
	}
	insts, _ := st.ListInstances(ctx, "org-1", day(1, 0), day(30, 0))
	if insts[7].SequenceNumber != 8 {
		t.Fatalf("8th instance sequence = %d", insts[7].SequenceNumber)
	}
}

type failingInsertStore struct {
	storage.Store
	err error
}

func (s failingInsertStore) InsertInstance(context.Context, model.GeneratedInstance) (bool, error) {
	return false, s.err
}

func TestMaterializeReturnsStorageErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk full")
	mem := storage.NewMemory()
	seedSeries(t, mem, dailyTemplate(), dailyRule())
	m := newTestMaterializer(failingInsertStore{Store: mem, err: boom})

	_, err := m.MaterializeSeries(context.Background(), dailyTemplate(), dailyRule(), recurrence.Window{Start: day(1, 0), End: day(3, 0)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped storage error, got %v", err)
	}
}

func TestMaterializeInvalidRule(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	rule := dailyRule()
	rule.Frequency = "SECONDLY"
	m := newTestMaterializer(st)
	_, err := m.MaterializeSeries(context.Background(), dailyTemplate(), rule, recurrence.Window{Start: day(1, 0), End: day(3, 0)})
	if !errors.Is(err, recurrence.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}
