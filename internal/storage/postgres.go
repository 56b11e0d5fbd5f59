package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	logx "recurd/pkg/logx"
)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	st := &sqlStore{
		db:       stdlib.OpenDBFromPool(pool),
		log:      log.With(logx.String("driver", "postgres")),
		numbered: true,
		onClose:  pool.Close,
	}
	if err := st.migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	st.log.Debug("postgres store ready", logx.String("host", pcfg.ConnConfig.Host), logx.String("database", pcfg.ConnConfig.Database))
	return st, nil
}
