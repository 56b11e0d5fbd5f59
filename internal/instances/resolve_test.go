package instances

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"recurd/internal/model"
	logx "recurd/pkg/logx"
)

type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func captureLogger() (*bytes.Buffer, logx.Logger) {
	var buf bytes.Buffer
	return &buf, logx.NewJSON(&buf, "debug")
}

func parseLines(t *testing.T, buf *bytes.Buffer) []logLine {
	t.Helper()
	var out []logLine
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var l logLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			t.Fatalf("bad log line %q: %v", raw, err)
		}
		out = append(out, l)
	}
	return out
}

func sampleInstance(id string, start time.Time) model.GeneratedInstance {
	return model.GeneratedInstance{
		ID: id, BaseRecurringEventID: "tmpl-1", RecurrenceRuleID: "rule-1",
		OriginalInstanceStartTime: start, ActualStartTime: start, ActualEndTime: start.Add(time.Hour),
		OrganizationID: "org-1", SequenceNumber: 2, GeneratedAt: day(1, 0), LastUpdatedAt: day(1, 0), Version: 1,
	}
}

func TestResolveWithoutException(t *testing.T) {
	t.Parallel()
	tmpl := dailyTemplate()
	tmpl.Attachments = []model.Attachment{{Name: "a.pdf", URL: "https://example.org/a.pdf"}}
	inst := sampleInstance("inst-2", day(2, 10))

	r := ResolveInstanceWithInheritance(inst, tmpl, nil)
	if r.HasExceptions || r.AppliedExceptionData != nil || r.ExceptionCreatedBy != nil || r.ExceptionCreatedAt != nil {
		t.Fatalf("unexpected exception metadata: %+v", r)
	}
	if r.Name != tmpl.Name || r.Description != tmpl.Description || r.Location != tmpl.Location ||
		r.IsPublic != tmpl.IsPublic || r.AllDay != tmpl.AllDay || r.CreatorID != tmpl.CreatorID {
		t.Fatalf("template fields not inherited: %+v", r)
	}
	if r.OriginalSeriesID != "tmpl-1" {
		t.Fatalf("original series id = %q", r.OriginalSeriesID)
	}
	if r.ID != "inst-2" || !r.ActualStartTime.Equal(day(2, 10)) || r.SequenceNumber != 2 {
		t.Fatalf("instance fields not applied: %+v", r)
	}
	if len(r.Attachments) != 1 {
		t.Fatalf("attachments = %+v", r.Attachments)
	}
	r.Attachments[0].Name = "changed"
	if tmpl.Attachments[0].Name != "a.pdf" {
		t.Fatal("resolved attachments alias the template")
	}
}

func TestResolveWithException(t *testing.T) {
	t.Parallel()
	tmpl := dailyTemplate()
	inst := sampleInstance("inst-2", day(2, 10))
	exc := model.Exception{
		ID: "ex-1", RecurringEventInstanceID: "inst-2", BaseRecurringEventID: "tmpl-1",
		ExceptionData: map[string]any{"name": "X", "isCancelled": true},
		CreatorID:     "admin", CreatedAt: day(1, 12),
	}

	r := ResolveInstanceWithInheritance(inst, tmpl, &exc)
	if r.Name != "X" || !r.IsCancelled || !r.HasExceptions {
		t.Fatalf("exception not applied: %+v", r)
	}
	if r.ID != inst.ID {
		t.Fatalf("id changed to %q", r.ID)
	}
	if r.Description != tmpl.Description {
		t.Fatalf("non-overridden field changed: %q", r.Description)
	}
	if r.ExceptionCreatedBy == nil || *r.ExceptionCreatedBy != "admin" {
		t.Fatalf("exception created by = %v", r.ExceptionCreatedBy)
	}
	if r.ExceptionCreatedAt == nil || !r.ExceptionCreatedAt.Equal(day(1, 12)) {
		t.Fatalf("exception created at = %v", r.ExceptionCreatedAt)
	}
	if r.AppliedExceptionData["name"] != "X" {
		t.Fatalf("applied data = %#v", r.AppliedExceptionData)
	}
	r.AppliedExceptionData["name"] = "mutated"
	if exc.ExceptionData["name"] != "X" {
		t.Fatal("applied data aliases the exception")
	}
	if inst.IsCancelled || tmpl.Name != "Daily sync" {
		t.Fatal("inputs were mutated")
	}
}

func TestResolveIgnoresIdentityOverrides(t *testing.T) {
	t.Parallel()
	inst := sampleInstance("inst-2", day(2, 10))
	exc := model.Exception{ExceptionData: map[string]any{
		"id":                        "spoofed",
		"baseRecurringEventId":      "other",
		"organizationId":            "org-evil",
		"originalInstanceStartTime": day(9, 9).Format(time.RFC3339),
		"sequenceNumber":            99,
	}}
	r := ResolveInstanceWithInheritance(inst, dailyTemplate(), &exc)
	if r.ID != "inst-2" || r.BaseRecurringEventID != "tmpl-1" || r.OrganizationID != "org-1" {
		t.Fatalf("identity changed: %+v", r)
	}
	if !r.OriginalInstanceStartTime.Equal(day(2, 10)) || r.SequenceNumber != 2 {
		t.Fatalf("instance-owned fields changed: %+v", r)
	}
	if !r.HasExceptions {
		t.Fatal("exception metadata missing")
	}
}

func TestResolveRescheduleOverride(t *testing.T) {
	t.Parallel()
	inst := sampleInstance("inst-2", day(2, 10))
	tests := []struct {
		name  string
		data  map[string]any
		start time.Time
		end   time.Time
	}{
		{
			name:  "time values",
			data:  map[string]any{"startAt": day(2, 14), "endAt": day(2, 15)},
			start: day(2, 14), end: day(2, 15),
		},
		{
			name:  "rfc3339 strings",
			data:  map[string]any{"actualStartTime": "2025-03-02T16:00:00Z", "actualEndTime": "2025-03-02T17:30:00Z"},
			start: day(2, 16), end: day(2, 17).Add(30 * time.Minute),
		},
		{
			name:  "wrong type ignored",
			data:  map[string]any{"startAt": 12, "name": false},
			start: day(2, 10), end: day(2, 11),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := ResolveInstanceWithInheritance(inst, dailyTemplate(), &model.Exception{ExceptionData: tt.data})
			if !r.ActualStartTime.Equal(tt.start) || !r.ActualEndTime.Equal(tt.end) {
				t.Fatalf("times = %v..%v, want %v..%v", r.ActualStartTime, r.ActualEndTime, tt.start, tt.end)
			}
			if !r.OriginalInstanceStartTime.Equal(day(2, 10)) {
				t.Fatal("original start must not move")
			}
			if r.Name != "Daily sync" {
				t.Fatalf("name = %q", r.Name)
			}
		})
	}
}

func TestResolveMultipleDropsMissingTemplates(t *testing.T) {
	t.Parallel()
	buf, log := captureLogger()
	insts := []model.GeneratedInstance{
		sampleInstance("inst-1", day(1, 10)),
		sampleInstance("inst-orphan", day(2, 10)),
		sampleInstance("inst-3", day(3, 10)),
	}
	insts[1].BaseRecurringEventID = "gone"
	exceptions := map[string]model.Exception{
		"inst-3": {ID: "ex", ExceptionData: map[string]any{"isCancelled": true}},
	}

	out := ResolveMultipleInstances(insts, CreateTemplateLookupMap([]model.Template{dailyTemplate()}), exceptions, log)
	if len(out) != 2 || out[0].ID != "inst-1" || out[1].ID != "inst-3" {
		t.Fatalf("resolved = %+v", out)
	}
	if out[0].IsCancelled || !out[1].IsCancelled {
		t.Fatal("exception applied to the wrong instance")
	}

	lines := parseLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	if lines[0].Level != "warn" || lines[0].Message != "Base template not found for instance inst-orphan" {
		t.Fatalf("log line = %+v", lines[0])
	}
}

func TestResolveMultipleEmpty(t *testing.T) {
	t.Parallel()
	out := ResolveMultipleInstances(nil, nil, nil, logx.Nop())
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %d", len(out))
	}
}
