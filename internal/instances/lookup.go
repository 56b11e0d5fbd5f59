package instances

import (
	"time"

	"recurd/internal/model"
)

const (
	isoMillis = "2006-01-02T15:04:05.000Z"
	isoNanos  = "2006-01-02T15:04:05.000000000Z"
)

// CreateExceptionKey identifies a logical occurrence of a series independent
// of its instance row: "{recurringEventID}:{UTC ISO-8601 start}".
// Sub-millisecond starts keep their full precision so distinct times never
// share a key.
func CreateExceptionKey(recurringEventID string, instanceStartTime time.Time) string {
	t := instanceStartTime.UTC()
	layout := isoMillis
	if t.Nanosecond()%int(time.Millisecond) != 0 {
		layout = isoNanos
	}
	return recurringEventID + ":" + t.Format(layout)
}

// CreateExceptionLookupMap indexes exceptions by instance ID. Exceptions not
// yet attached to an instance are skipped. If an instance has several
// exceptions the most recently written one wins.
func CreateExceptionLookupMap(exceptions []model.Exception) map[string]model.Exception {
	out := make(map[string]model.Exception, len(exceptions))
	for _, e := range exceptions {
		if e.RecurringEventInstanceID == "" {
			continue
		}
		putLatest(out, e.RecurringEventInstanceID, e)
	}
	return out
}

// CreatePendingExceptionLookupMap indexes exceptions recorded before their
// instance was materialized by CreateExceptionKey.
func CreatePendingExceptionLookupMap(exceptions []model.Exception) map[string]model.Exception {
	out := make(map[string]model.Exception)
	for _, e := range exceptions {
		if e.RecurringEventInstanceID != "" || e.InstanceStartTime == nil {
			continue
		}
		putLatest(out, CreateExceptionKey(e.BaseRecurringEventID, *e.InstanceStartTime), e)
	}
	return out
}

func CreateTemplateLookupMap(templates []model.Template) map[string]model.Template {
	out := make(map[string]model.Template, len(templates))
	for _, t := range templates {
		out[t.ID] = t
	}
	return out
}

func putLatest(m map[string]model.Exception, key string, e model.Exception) {
	if prev, ok := m[key]; ok && lastWrite(prev).After(lastWrite(e)) {
		return
	}
	m[key] = e
}

func lastWrite(e model.Exception) time.Time {
	if e.UpdatedAt != nil {
		return *e.UpdatedAt
	}
	return e.CreatedAt
}
