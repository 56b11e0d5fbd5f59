package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"recurd/internal/instances"
	"recurd/internal/model"
	"recurd/internal/recurrence"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// MaterializationStats are the counters of one materialization run.
type MaterializationStats struct {
	OrganizationsProcessed int
	InstancesCreated       int
	WindowsUpdated         int
	ErrorsEncountered      int
	ProcessingTime         time.Duration
}

// RunMaterializationWorker materializes the instances of every organization
// that has at least one active template over [now, now+Horizon).
//
// A failure inside one organization is logged and counted; the run moves on
// to the next organization. The returned error is reserved for failures that
// prevent the run as a whole (listing organizations, cancellation).
func RunMaterializationWorker(ctx context.Context, store storage.Store, log logx.Logger, opts Options) (stats MaterializationStats, err error) {
	start := time.Now()
	defer func() { stats.ProcessingTime = time.Since(start) }()

	if store == nil {
		return stats, storage.ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts = opts.withDefaults()

	orgs, err := store.ListOrganizationsWithActiveTemplates(ctx)
	if err != nil {
		return stats, fmt.Errorf("list organizations: %w", err)
	}

	matOpts := []instances.MaterializerOption{
		instances.WithClock(opts.Now),
		instances.WithMaxOccurrences(opts.MaxOccurrences),
	}
	if opts.NewID != nil {
		matOpts = append(matOpts, instances.WithIDGenerator(opts.NewID))
	}
	mat := instances.NewMaterializer(store, log, matOpts...)
	limiter := orgLimiter(opts.OrgRatePerSec)

	now := opts.Now().UTC()
	window := recurrence.Window{Start: now, End: now.Add(opts.Horizon)}

	for _, org := range orgs {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		created, err := isolateOrg(org, log, func() (int, error) {
			return materializeOrganization(ctx, store, mat, org, window, now, log)
		})
		stats.InstancesCreated += created
		if err != nil {
			stats.ErrorsEncountered++
			log.Error("materialization failed for organization",
				logx.Org(org), logx.Err(err))
			continue
		}
		stats.OrganizationsProcessed++
		stats.WindowsUpdated++
	}
	return stats, nil
}

func materializeOrganization(ctx context.Context, store storage.Store, mat *instances.Materializer, org string, w recurrence.Window, now time.Time, log logx.Logger) (int, error) {
	tmpls, err := store.ListActiveTemplates(ctx, org)
	if err != nil {
		return 0, fmt.Errorf("list templates: %w", err)
	}
	rules, err := store.ListRules(ctx, org)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}
	byTemplate := make(map[string]model.RecurrenceRule, len(rules))
	for _, r := range rules {
		byTemplate[r.BaseRecurringEventID] = r
	}

	created := 0
	for _, tmpl := range tmpls {
		rule, ok := byTemplate[tmpl.ID]
		if !ok {
			log.Debug("template has no recurrence rule", logx.Org(org), logx.Template(tmpl.ID))
			continue
		}
		res, err := mat.MaterializeSeries(ctx, tmpl, rule, w)
		created += res.Created
		if err != nil {
			return created, fmt.Errorf("template %s: %w", tmpl.ID, err)
		}
		if res.Created > 0 {
			log.Debug("series materialized",
				logx.Org(org), logx.Template(tmpl.ID),
				logx.Int("created", res.Created), logx.Int("skipped", res.Skipped))
		}
	}

	win, err := store.GetWindow(ctx, org)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return created, fmt.Errorf("get window: %w", err)
	}
	win.OrganizationID = org
	win.CurrentWindowEnd = w.End
	win.LastProcessedAt = now
	win.ProcessedInstances += created
	if err := store.PutWindow(ctx, win); err != nil {
		return created, fmt.Errorf("update window: %w", err)
	}
	return created, nil
}

func orgLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}
