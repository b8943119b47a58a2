package runlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
)

// SQLiteLog implements Log on modernc.org/sqlite.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLog creates a run log on a handle opened with db.OpenSQLite.
func NewSQLiteLog(conn *sql.DB) *SQLiteLog {
	return &SQLiteLog{db: conn, now: time.Now}
}

// Start implements Log.
func (l *SQLiteLog) Start(ctx context.Context, source, kind string) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (source, kind, status, started_at) VALUES (?, ?, 'running', ?)`,
		source, kind, l.now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "runlog: start %s %s", source, kind)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "runlog: run id")
	}
	return id, nil
}

// Complete implements Log.
func (l *SQLiteLog) Complete(ctx context.Context, id int64, report any) error {
	return l.finish(ctx, id, StatusComplete, report, nil)
}

// Fail implements Log.
func (l *SQLiteLog) Fail(ctx context.Context, id int64, report any, cause error) error {
	return l.finish(ctx, id, StatusFailed, report, cause)
}

func (l *SQLiteLog) finish(ctx context.Context, id int64, status string, report any, cause error) error {
	payload, err := marshalReport(report)
	if err != nil {
		return err
	}
	var text any
	if payload != nil {
		text = string(payload)
	}
	_, err = l.db.ExecContext(ctx,
		`UPDATE ingest_runs SET status = ?, completed_at = ?, report = ?, error = NULLIF(?, '') WHERE id = ?`,
		status, l.now().UTC(), text, errText(cause), id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: %s run %d", status, id)
	}
	return nil
}

// LastSuccess implements Log.
func (l *SQLiteLog) LastSuccess(ctx context.Context, source, kind string) (*time.Time, error) {
	var t time.Time
	err := l.db.QueryRowContext(ctx,
		`SELECT started_at FROM ingest_runs
		 WHERE source = ? AND kind = ? AND status = 'complete'
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		source, kind,
	).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: last success for %s %s", source, kind)
	}
	return &t, nil
}

// List implements Log.
func (l *SQLiteLog) List(ctx context.Context, source string, limit int) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, source, kind, status, started_at, completed_at, report, error
		 FROM ingest_runs
		 WHERE ? = '' OR source = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`,
		source, source, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var completed sql.NullTime
		var report, errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.Source, &r.Kind, &r.Status, &r.StartedAt, &completed, &report, &errStr); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		if report.Valid && report.String != "" {
			r.Report = []byte(report.String)
		}
		r.Error = errStr.String
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "runlog: iterate runs")
}
