package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// CleanupStats are the counters of one cleanup run.
type CleanupStats struct {
	OrganizationsProcessed int
	InstancesDeleted       int
	ErrorsEncountered      int
	ProcessingTime         time.Duration
}

// RunCleanupWorker deletes, for every organization, the instances whose
// original start is older than now-Retention. Their exceptions go with them.
func RunCleanupWorker(ctx context.Context, store storage.Store, log logx.Logger, opts Options) (stats CleanupStats, err error) {
	start := time.Now()
	defer func() { stats.ProcessingTime = time.Since(start) }()

	if store == nil {
		return stats, storage.ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts = opts.withDefaults()

	orgs, err := store.ListOrganizations(ctx)
	if err != nil {
		return stats, fmt.Errorf("list organizations: %w", err)
	}
	limiter := orgLimiter(opts.OrgRatePerSec)
	now := opts.Now().UTC()
	cutoff := now.Add(-opts.Retention)

	for _, org := range orgs {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		n, err := isolateOrg(org, log, func() (int, error) {
			return cleanupOrganization(ctx, store, org, cutoff, now)
		})
		stats.InstancesDeleted += n
		if err != nil {
			stats.ErrorsEncountered++
			log.Error("cleanup failed for organization", logx.Org(org), logx.Err(err))
			continue
		}
		stats.OrganizationsProcessed++
		if n > 0 {
			log.Debug("expired instances deleted", logx.Org(org), logx.Int("deleted", n))
		}
	}
	return stats, nil
}

func cleanupOrganization(ctx context.Context, store storage.Store, org string, cutoff, now time.Time) (int, error) {
	n, err := store.DeleteInstancesBefore(ctx, org, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete instances: %w", err)
	}

	win, err := store.GetWindow(ctx, org)
	if errors.Is(err, storage.ErrNotFound) {
		// Never materialized: nothing to track.
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("get window: %w", err)
	}
	win.RetentionStart = cutoff
	win.LastProcessedAt = now
	if err := store.PutWindow(ctx, win); err != nil {
		return n, fmt.Errorf("update window: %w", err)
	}
	return n, nil
}
