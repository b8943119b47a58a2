package store

import (
	"context"
	"database/sql"

	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/runlog"
	"github.com/sells-group/lead-funnel/internal/survey"
)

// OpenSQLite opens the database file at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*Backend, error) {
	conn, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	b := NewSQLiteBackend(conn)
	b.ping = conn.PingContext
	b.closeFn = conn.Close
	return b, nil
}

// NewSQLiteBackend wires the SQLite stores over conn.
func NewSQLiteBackend(conn *sql.DB) *Backend {
	return &Backend{
		Driver:  DriverSQLite,
		Leads:   lead.NewSQLiteStore(conn),
		Funnels: funnel.NewSQLiteStore(conn),
		Surveys: survey.NewSQLiteStore(conn),
		Runs:    runlog.NewSQLiteLog(conn),
	}
}
