// Package store opens the configured database and exposes every domain store
// backed by it.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/runlog"
	"github.com/sells-group/lead-funnel/internal/survey"
)

// Drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Backend bundles the stores of one database.
type Backend struct {
	Driver  string
	Leads   lead.Store
	Funnels funnel.Store
	Surveys survey.Store
	Runs    runlog.Log
	// Pool is the Postgres pool, nil for SQLite.
	Pool db.Pool

	ping    func(ctx context.Context) error
	closeFn func() error
}

// Open connects to the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (*Backend, error) {
	switch cfg.Driver {
	case DriverPostgres, "":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: database_url is required for the postgres driver")
		}
		return OpenPostgres(ctx, cfg)
	case DriverSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "lead-funnel.db"
		}
		return OpenSQLite(ctx, path)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}

// Ping checks the database connection.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the underlying connections.
func (b *Backend) Close() error {
	if b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}
