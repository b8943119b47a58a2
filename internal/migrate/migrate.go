// Package migrate applies the embedded Postgres schema migrations.
package migrate

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// lockKey serializes migration runs across processes.
const lockKey = 20260412

// Migration is one embedded migration file and whether it has been applied.
type Migration struct {
	Filename  string     `json:"filename"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// Up applies every pending migration in filename order under an advisory lock.
// It returns the filenames applied by this call.
func Up(ctx context.Context, pool db.Pool) ([]string, error) {
	log := zap.L().With(zap.String("component", "migrate"))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", lockKey); err != nil {
		return nil, eris.Wrap(err, "migrate: acquire advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockKey); err != nil {
			log.Warn("migrate: release advisory lock failed", zap.Error(err))
		}
	}()

	if err := ensureTable(ctx, pool); err != nil {
		return nil, err
	}

	names, err := files()
	if err != nil {
		return nil, err
	}
	applied, err := appliedAt(ctx, pool)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, name := range names {
		if _, ok := applied[name]; ok {
			continue
		}

		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return ran, eris.Wrapf(err, "migrate: read %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		err = db.InTx(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return eris.Wrapf(err, "migrate: apply %s", name)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", name,
			); err != nil {
				return eris.Wrapf(err, "migrate: record %s", name)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran = append(ran, name)
	}

	log.Info("migrations complete", zap.Int("applied", len(ran)), zap.Int("total", len(names)))
	return ran, nil
}

// Status lists every embedded migration with its applied time, if any.
func Status(ctx context.Context, pool db.Pool) ([]Migration, error) {
	if err := ensureTable(ctx, pool); err != nil {
		return nil, err
	}
	names, err := files()
	if err != nil {
		return nil, err
	}
	applied, err := appliedAt(ctx, pool)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		m := Migration{Filename: name}
		if at, ok := applied[name]; ok {
			at := at
			m.AppliedAt = &at
		}
		out = append(out, m)
	}
	return out, nil
}

func ensureTable(ctx context.Context, pool db.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return eris.Wrap(err, "migrate: ensure schema_migrations")
	}
	return nil
}

func files() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "migrate: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func appliedAt(ctx context.Context, pool db.Pool) (map[string]time.Time, error) {
	rows, err := pool.Query(ctx, "SELECT filename, applied_at FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "migrate: query applied")
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var name string
		var at time.Time
		if err := rows.Scan(&name, &at); err != nil {
			return nil, eris.Wrap(err, "migrate: scan applied")
		}
		applied[name] = at
	}
	return applied, rows.Err()
}
