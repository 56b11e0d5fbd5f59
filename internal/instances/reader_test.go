package instances

import (
	"context"
	"testing"

	"recurd/internal/model"
	"recurd/internal/recurrence"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

func TestReaderAppliesDay2Cancellation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seedSeries(t, st, dailyTemplate(), dailyRule())
	m := newTestMaterializer(st)
	if _, err := m.MaterializeSeries(ctx, dailyTemplate(), dailyRule(), recurrence.Window{Start: day(1, 0), End: day(4, 0)}); err != nil {
		t.Fatalf("MaterializeSeries: %v", err)
	}
	insts, _ := st.ListInstances(ctx, "org-1", day(2, 0), day(3, 0))
	if len(insts) != 1 {
		t.Fatalf("expected one day-2 instance, got %d", len(insts))
	}
	if err := st.PutException(ctx, model.Exception{
		ID: "ex-1", RecurringEventInstanceID: insts[0].ID, BaseRecurringEventID: "tmpl-1",
		OrganizationID: "org-1", ExceptionData: map[string]any{"isCancelled": true}, CreatorID: "admin",
	}); err != nil {
		t.Fatalf("PutException: %v", err)
	}

	out, err := NewReader(st, logx.Nop()).ListResolved(ctx, "org-1", day(1, 0), day(4, 0))
	if err != nil {
		t.Fatalf("ListResolved: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 resolved instances, got %d", len(out))
	}
	for i, r := range out {
		wantCancelled := i == 1
		if r.IsCancelled != wantCancelled || r.HasExceptions != wantCancelled {
			t.Fatalf("day %d: cancelled=%v hasExceptions=%v", i+1, r.IsCancelled, r.HasExceptions)
		}
	}
}

func TestReaderMatchesPendingException(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seedSeries(t, st, dailyTemplate(), dailyRule())

	// Recorded before the occurrence is materialized.
	friday := day(7, 10)
	if err := st.PutException(ctx, model.Exception{
		ID: "ex-pending", BaseRecurringEventID: "tmpl-1", OrganizationID: "org-1",
		InstanceStartTime: &friday, ExceptionData: map[string]any{"location": "Room 9"},
	}); err != nil {
		t.Fatalf("PutException: %v", err)
	}

	m := newTestMaterializer(st)
	if _, err := m.MaterializeSeries(ctx, dailyTemplate(), dailyRule(), recurrence.Window{Start: day(6, 0), End: day(9, 0)}); err != nil {
		t.Fatalf("MaterializeSeries: %v", err)
	}
	out, err := NewReader(st, logx.Nop()).ListResolved(ctx, "org-1", day(6, 0), day(9, 0))
	if err != nil {
		t.Fatalf("ListResolved: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 resolved instances, got %d", len(out))
	}
	if out[1].Location != "Room 9" || !out[1].HasExceptions {
		t.Fatalf("pending exception not applied: %+v", out[1])
	}
	if out[0].Location != "Room 1" || out[2].Location != "Room 1" {
		t.Fatal("pending exception applied to other occurrences")
	}
}

func TestReaderDropsOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seedSeries(t, st, dailyTemplate(), dailyRule())
	orphan := sampleInstance("orphan", day(2, 10))
	orphan.BaseRecurringEventID = "deleted-template"
	if _, err := st.InsertInstance(ctx, orphan); err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}
	if _, err := st.InsertInstance(ctx, sampleInstance("kept", day(3, 10))); err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}

	buf, log := captureLogger()
	out, err := NewReader(st, log).ListResolved(ctx, "org-1", day(1, 0), day(5, 0))
	if err != nil {
		t.Fatalf("ListResolved: %v", err)
	}
	if len(out) != 1 || out[0].ID != "kept" {
		t.Fatalf("resolved = %+v", out)
	}
	lines := parseLines(t, buf)
	if len(lines) != 1 || lines[0].Message != "Base template not found for instance orphan" {
		t.Fatalf("lines = %+v", lines)
	}
}

func TestReaderWithoutStore(t *testing.T) {
	t.Parallel()
	if _, err := NewReader(nil, logx.Nop()).ListResolved(context.Background(), "org-1", day(1, 0), day(2, 0)); err != storage.ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
