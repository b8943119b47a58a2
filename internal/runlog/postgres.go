package runlog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/db"
)

// PostgresLog implements Log on Postgres.
type PostgresLog struct {
	pool db.Pool
}

// NewPostgresLog creates a run log backed by pool.
func NewPostgresLog(pool db.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// Start implements Log.
func (l *PostgresLog) Start(ctx context.Context, source, kind string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO ingest_runs (source, kind, status, started_at)
		 VALUES ($1, $2, 'running', now()) RETURNING id`,
		source, kind,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "runlog: start %s %s", source, kind)
	}
	return id, nil
}

// Complete implements Log.
func (l *PostgresLog) Complete(ctx context.Context, id int64, report any) error {
	return l.finish(ctx, id, StatusComplete, report, nil)
}

// Fail implements Log.
func (l *PostgresLog) Fail(ctx context.Context, id int64, report any, cause error) error {
	return l.finish(ctx, id, StatusFailed, report, cause)
}

func (l *PostgresLog) finish(ctx context.Context, id int64, status string, report any, cause error) error {
	payload, err := marshalReport(report)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`UPDATE ingest_runs
		 SET status = $1, completed_at = now(), report = $2, error = NULLIF($3, '')
		 WHERE id = $4`,
		status, payload, errText(cause), id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: %s run %d", status, id)
	}
	return nil
}

// LastSuccess implements Log.
func (l *PostgresLog) LastSuccess(ctx context.Context, source, kind string) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM ingest_runs
		 WHERE source = $1 AND kind = $2 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		source, kind,
	).Scan(&t)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: last success for %s %s", source, kind)
	}
	return &t, nil
}

// List implements Log.
func (l *PostgresLog) List(ctx context.Context, source string, limit int) ([]Run, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, source, kind, status, started_at, completed_at, report, error
		 FROM ingest_runs
		 WHERE $1 = '' OR source = $1
		 ORDER BY started_at DESC, id DESC LIMIT $2`,
		source, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var errStr *string
		var report []byte
		if err := rows.Scan(&r.ID, &r.Source, &r.Kind, &r.Status, &r.StartedAt, &r.CompletedAt, &report, &errStr); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		if errStr != nil {
			r.Error = *errStr
		}
		if len(report) > 0 {
			r.Report = report
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "runlog: iterate runs")
}
