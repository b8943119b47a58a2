package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/runlog"
	"github.com/sells-group/lead-funnel/internal/survey"
)

// PoolConfig parses cfg.DatabaseURL and applies the pool sizing.
func PoolConfig(cfg config.StoreConfig) (*pgxpool.Config, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	maxConns, minConns := int32(10), int32(2)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	return pgxCfg, nil
}

// OpenPostgres creates a connection pool and checks it with a ping.
func OpenPostgres(ctx context.Context, cfg config.StoreConfig) (*Backend, error) {
	pgxCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	b := NewPostgresBackend(pool)
	b.ping = pool.Ping
	b.closeFn = func() error {
		pool.Close()
		return nil
	}
	return b, nil
}

// NewPostgresBackend wires the Postgres stores over pool.
func NewPostgresBackend(pool db.Pool) *Backend {
	return &Backend{
		Driver:  DriverPostgres,
		Pool:    pool,
		Leads:   lead.NewPostgresStore(pool),
		Funnels: funnel.NewPostgresStore(pool),
		Surveys: survey.NewPostgresStore(pool),
		Runs:    runlog.NewPostgresLog(pool),
	}
}
