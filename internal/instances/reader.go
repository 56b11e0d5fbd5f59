package instances

import (
	"context"
	"fmt"
	"time"

	"recurd/internal/model"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// Reader is the read path behind the API layer: it loads an organization's
// instances with their templates and exceptions and returns resolved views.
type Reader struct {
	store storage.Store
	log   logx.Logger
}

func NewReader(store storage.Store, log logx.Logger) *Reader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reader{store: store, log: log.With(logx.Component("resolver"))}
}

// ListResolved returns the resolved instances of orgID whose original start
// lies in [from, to). Instances that fail validation are dropped.
func (r *Reader) ListResolved(ctx context.Context, orgID string, from, to time.Time) ([]model.ResolvedInstance, error) {
	if r == nil || r.store == nil {
		return nil, storage.ErrDisabled
	}
	insts, err := r.store.ListInstances(ctx, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	if len(insts) == 0 {
		return nil, nil
	}

	ids := templateIDs(insts)
	tmpls, err := r.store.GetTemplates(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get templates: %w", err)
	}
	excs, err := r.store.ListExceptions(ctx, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}

	byInstance := CreateExceptionLookupMap(excs)
	pending := CreatePendingExceptionLookupMap(excs)
	if len(pending) > 0 {
		for _, inst := range insts {
			if _, ok := byInstance[inst.ID]; ok {
				continue
			}
			if e, ok := pending[CreateExceptionKey(inst.BaseRecurringEventID, inst.OriginalInstanceStartTime)]; ok {
				byInstance[inst.ID] = e
			}
		}
	}

	resolved := ResolveMultipleInstances(insts, CreateTemplateLookupMap(tmpls), byInstance, r.log)
	out := resolved[:0]
	for _, ri := range resolved {
		if ValidateResolvedInstance(ri, r.log) {
			out = append(out, ri)
		}
	}
	return out, nil
}

func templateIDs(insts []model.GeneratedInstance) []string {
	seen := make(map[string]struct{}, len(insts))
	var out []string
	for _, inst := range insts {
		if _, ok := seen[inst.BaseRecurringEventID]; ok {
			continue
		}
		seen[inst.BaseRecurringEventID] = struct{}{}
		out = append(out, inst.BaseRecurringEventID)
	}
	return out
}
