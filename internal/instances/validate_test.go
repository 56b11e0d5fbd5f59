package instances

import (
	"strings"
	"testing"
)

func TestValidateResolvedInstance(t *testing.T) {
	t.Parallel()
	complete := ResolveInstanceWithInheritance(sampleInstance("inst-1", day(1, 10)), dailyTemplate(), nil)

	buf, log := captureLogger()
	if !ValidateResolvedInstance(complete, log) {
		t.Fatal("complete instance reported invalid")
	}
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %s", buf.String())
	}

	missing := complete
	missing.OriginalSeriesID = ""
	buf, log = captureLogger()
	if ValidateResolvedInstance(missing, log) {
		t.Fatal("instance without originalSeriesId reported valid")
	}
	lines := parseLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected exactly one log line, got %d", len(lines))
	}
	if lines[0].Message != "Missing required field in resolved instance: originalSeriesId" {
		t.Fatalf("message = %q", lines[0].Message)
	}
}

func TestValidateReportsFirstMissingField(t *testing.T) {
	t.Parallel()
	r := ResolveInstanceWithInheritance(sampleInstance("inst-1", day(1, 10)), dailyTemplate(), nil)
	r.Name = ""
	r.OrganizationID = ""
	r.ID = ""

	buf, log := captureLogger()
	if ValidateResolvedInstance(r, log) {
		t.Fatal("expected invalid")
	}
	lines := parseLines(t, buf)
	if len(lines) != 1 || !strings.HasSuffix(lines[0].Message, ": id") {
		t.Fatalf("lines = %+v", lines)
	}
	if lines[0].Level != "error" {
		t.Fatalf("level = %q", lines[0].Level)
	}
}
