package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/identity"
	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/runlog"
	"github.com/sells-group/lead-funnel/internal/survey"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// testConfig keeps retries and empty-page waits in the millisecond range.
func testConfig() config.IngestConfig {
	return config.IngestConfig{
		ContactChunkSize:     2,
		SpreadsheetChunkSize: 2,
		DealConcurrency:      4,
		PageSize:             2,
		DealPageSize:         2,
		MaxPages:             50,
		EmptyPageRetries:     3,
		EmptyPageDelayMS:     1,
		BreakerThreshold:     3,
		RetryAttempts:        2,
		RetryInitialMS:       1,
		RetryMaxMS:           2,
	}
}

type fixture struct {
	leads   *lead.SQLiteStore
	funnels *funnel.SQLiteStore
	runs    *runlog.SQLiteLog
	surveys *survey.SQLiteStore
	runner  *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	f := &fixture{
		leads:   lead.NewSQLiteStore(conn),
		funnels: funnel.NewSQLiteStore(conn),
		runs:    runlog.NewSQLiteLog(conn),
		surveys: survey.NewSQLiteStore(conn),
	}
	f.runner = NewRunner(testConfig(), f.leads, f.funnels, f.runs, nil).WithSurveys(f.surveys)
	return f
}

// leadFor returns the lead owning an email, failing when none does.
func (f *fixture) leadFor(t *testing.T, email string) *lead.Detail {
	t.Helper()
	ctx := context.Background()
	id, err := f.leads.FindLeadByIdentifier(ctx, identity.KindEmail, email)
	require.NoError(t, err)
	require.NotEmpty(t, id, "no lead for %s", email)
	d, err := f.leads.GetDetail(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func countEvents(d *lead.Detail, eventType string) int {
	n := 0
	for _, e := range d.Events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}
