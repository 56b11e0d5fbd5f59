package instances

import (
	"recurd/internal/model"
	logx "recurd/pkg/logx"
)

// ValidateResolvedInstance checks the fields a resolved instance must carry
// before it leaves the core. On the first missing field it logs one line and
// returns false.
func ValidateResolvedInstance(r model.ResolvedInstance, log logx.Logger) bool {
	if log.IsZero() {
		log = logx.Nop()
	}
	required := []struct {
		field   string
		present bool
	}{
		{"id", r.ID != ""},
		{"baseRecurringEventId", r.BaseRecurringEventID != ""},
		{"originalSeriesId", r.OriginalSeriesID != ""},
		{"originalInstanceStartTime", !r.OriginalInstanceStartTime.IsZero()},
		{"actualStartTime", !r.ActualStartTime.IsZero()},
		{"actualEndTime", !r.ActualEndTime.IsZero()},
		{"organizationId", r.OrganizationID != ""},
		{"name", r.Name != ""},
	}
	for _, f := range required {
		if !f.present {
			log.Error("Missing required field in resolved instance: "+f.field,
				logx.Instance(r.ID), logx.String("field", f.field))
			return false
		}
	}
	return true
}
