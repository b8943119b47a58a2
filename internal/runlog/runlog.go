// Package runlog records ingestion runs in the ingest_runs table.
package runlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run is a row of ingest_runs.
type Run struct {
	ID          int64           `json:"id"`
	Source      string          `json:"source"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Report      json.RawMessage `json:"report,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Log reads and writes the run log. Implementations: PostgresLog, SQLiteLog.
type Log interface {
	// Start records the beginning of a run and returns its id.
	Start(ctx context.Context, source, kind string) (int64, error)
	// Complete marks a run successful and stores its report.
	Complete(ctx context.Context, id int64, report any) error
	// Fail marks a run failed, keeping the partial report.
	Fail(ctx context.Context, id int64, report any, cause error) error
	// LastSuccess returns when the latest successful run of source and kind
	// started, nil when none did.
	LastSuccess(ctx context.Context, source, kind string) (*time.Time, error)
	// List returns the most recent runs first, optionally for one source.
	List(ctx context.Context, source string, limit int) ([]Run, error)
}

func marshalReport(report any) ([]byte, error) {
	if report == nil {
		return nil, nil
	}
	b, err := json.Marshal(report)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: marshal report")
	}
	return b, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
