package instances

import (
	"maps"
	"slices"
	"time"

	"recurd/internal/model"
	logx "recurd/pkg/logx"
)

// overridable lists the exceptionData keys honored on resolution, in the
// order they are applied. Identity keys (id, baseRecurringEventId,
// organizationId) are never overridable.
var overridable = []string{
	"name",
	"description",
	"location",
	"allDay",
	"isPublic",
	"isRegisterable",
	"isCancelled",
	"startAt",
	"actualStartTime",
	"endAt",
	"actualEndTime",
}

// ResolveInstanceWithInheritance merges a template, one of its generated
// instances and an optional exception into the client-facing view.
// None of the inputs are modified.
func ResolveInstanceWithInheritance(inst model.GeneratedInstance, tmpl model.Template, exc *model.Exception) model.ResolvedInstance {
	r := model.ResolvedInstance{
		Name:             tmpl.Name,
		Description:      tmpl.Description,
		Location:         tmpl.Location,
		AllDay:           tmpl.AllDay,
		IsPublic:         tmpl.IsPublic,
		IsRegisterable:   tmpl.IsRegisterable,
		CreatorID:        tmpl.CreatorID,
		UpdaterID:        tmpl.UpdaterID,
		CreatedAt:        tmpl.CreatedAt,
		UpdatedAt:        tmpl.UpdatedAt,
		Attachments:      slices.Clone(tmpl.Attachments),
		OriginalSeriesID: tmpl.OriginalSeriesID,
	}
	if r.OriginalSeriesID == "" {
		r.OriginalSeriesID = tmpl.ID
	}

	r.ID = inst.ID
	r.BaseRecurringEventID = inst.BaseRecurringEventID
	r.RecurrenceRuleID = inst.RecurrenceRuleID
	r.OriginalInstanceStartTime = inst.OriginalInstanceStartTime
	r.ActualStartTime = inst.ActualStartTime
	r.ActualEndTime = inst.ActualEndTime
	r.IsCancelled = inst.IsCancelled
	r.OrganizationID = inst.OrganizationID
	r.SequenceNumber = inst.SequenceNumber
	r.TotalCount = copyInt(inst.TotalCount)
	r.GeneratedAt = inst.GeneratedAt
	r.LastUpdatedAt = inst.LastUpdatedAt
	r.Version = inst.Version

	if exc == nil {
		return r
	}

	for _, key := range overridable {
		v, ok := exc.ExceptionData[key]
		if !ok {
			continue
		}
		applyOverride(&r, key, v)
	}
	r.HasExceptions = true
	r.AppliedExceptionData = maps.Clone(exc.ExceptionData)
	if r.AppliedExceptionData == nil {
		r.AppliedExceptionData = map[string]any{}
	}
	createdBy := exc.CreatorID
	createdAt := exc.CreatedAt
	r.ExceptionCreatedBy = &createdBy
	r.ExceptionCreatedAt = &createdAt
	return r
}

// applyOverride sets one whitelisted field. Values of the wrong type are
// ignored.
func applyOverride(r *model.ResolvedInstance, key string, v any) {
	switch key {
	case "name":
		setString(&r.Name, v)
	case "description":
		setString(&r.Description, v)
	case "location":
		setString(&r.Location, v)
	case "allDay":
		setBool(&r.AllDay, v)
	case "isPublic":
		setBool(&r.IsPublic, v)
	case "isRegisterable":
		setBool(&r.IsRegisterable, v)
	case "isCancelled":
		setBool(&r.IsCancelled, v)
	case "startAt", "actualStartTime":
		setTime(&r.ActualStartTime, v)
	case "endAt", "actualEndTime":
		setTime(&r.ActualEndTime, v)
	}
}

func setString(dst *string, v any) {
	if s, ok := v.(string); ok {
		*dst = s
	}
}

func setBool(dst *bool, v any) {
	if b, ok := v.(bool); ok {
		*dst = b
	}
}

func setTime(dst *time.Time, v any) {
	switch t := v.(type) {
	case time.Time:
		if !t.IsZero() {
			*dst = t.UTC()
		}
	case *time.Time:
		if t != nil && !t.IsZero() {
			*dst = t.UTC()
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			*dst = parsed.UTC()
		}
	}
}

// ResolveMultipleInstances resolves a batch. Instances whose template is not
// in templates are logged and left out; the order of the rest is preserved.
func ResolveMultipleInstances(insts []model.GeneratedInstance, templates map[string]model.Template, exceptions map[string]model.Exception, log logx.Logger) []model.ResolvedInstance {
	if log.IsZero() {
		log = logx.Nop()
	}
	out := make([]model.ResolvedInstance, 0, len(insts))
	for _, inst := range insts {
		tmpl, ok := templates[inst.BaseRecurringEventID]
		if !ok {
			log.Warn("Base template not found for instance "+inst.ID,
				logx.Instance(inst.ID), logx.Template(inst.BaseRecurringEventID))
			continue
		}
		var exc *model.Exception
		if e, ok := exceptions[inst.ID]; ok {
			exc = &e
		}
		out = append(out, ResolveInstanceWithInheritance(inst, tmpl, exc))
	}
	return out
}
