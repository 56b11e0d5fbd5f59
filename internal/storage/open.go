package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"recurd/internal/model"
	logx "recurd/pkg/logx"
)

// Store is the persistence API used by the workers and the read path.
// All listing methods return rows in a stable order.
type Store interface {
	// Administrator mutations (external to the core, exposed for seeding and tests).
	PutTemplate(ctx context.Context, t model.Template) error
	PutRule(ctx context.Context, r model.RecurrenceRule) error
	PutException(ctx context.Context, e model.Exception) error

	ListOrganizationsWithActiveTemplates(ctx context.Context) ([]string, error)
	ListOrganizations(ctx context.Context) ([]string, error)

	ListActiveTemplates(ctx context.Context, orgID string) ([]model.Template, error)
	GetTemplates(ctx context.Context, ids []string) ([]model.Template, error)
	ListRules(ctx context.Context, orgID string) ([]model.RecurrenceRule, error)

	// InsertInstance inserts inst unless an instance with the same
	// (BaseRecurringEventID, OriginalInstanceStartTime) exists. The boolean
	// reports whether a row was written.
	InsertInstance(ctx context.Context, inst model.GeneratedInstance) (bool, error)
	ListInstanceStarts(ctx context.Context, templateID string, from, to time.Time) ([]time.Time, error)
	ListInstances(ctx context.Context, orgID string, from, to time.Time) ([]model.GeneratedInstance, error)
	CountInstances(ctx context.Context, templateID string) (int, error)
	// DeleteInstancesBefore deletes the organization's instances whose
	// original start is before the cutoff, together with their exceptions.
	DeleteInstancesBefore(ctx context.Context, orgID string, before time.Time) (int, error)

	// ListExceptions returns the exceptions of the given templates ordered by
	// last write (oldest first).
	ListExceptions(ctx context.Context, orgID string, templateIDs []string) ([]model.Exception, error)

	GetWindow(ctx context.Context, orgID string) (model.GenerationWindow, error)
	PutWindow(ctx context.Context, w model.GenerationWindow) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
