package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/db"
	"github.com/sells-group/lead-funnel/internal/funnel"
	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/resilience"
	"github.com/sells-group/lead-funnel/internal/runlog"
	"github.com/sells-group/lead-funnel/internal/survey"
)

type fakeSource struct {
	contacts []ingest.ContactRecord
	err      error
}

func (f *fakeSource) SourceSystem() string { return "crm" }

func (f *fakeSource) Contacts(_ context.Context, page, _ int) ([]ingest.ContactRecord, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if page > 1 {
		return nil, false, nil
	}
	return f.contacts, false, nil
}

func (f *fakeSource) Deals(context.Context, string, int, int) ([]ingest.DealRecord, bool, error) {
	return nil, false, nil
}

func (f *fakeSource) Tags(context.Context) ([]ingest.Tag, error) {
	return []ingest.Tag{{Key: "vip", Name: "VIP"}}, nil
}

func (f *fakeSource) Origins(context.Context) ([]funnel.Origin, error) { return nil, nil }

type fakeSurvey struct{}

func (fakeSurvey) SourceSystem() string { return "notion" }

func (fakeSurvey) Survey(context.Context, *time.Time) (*ingest.SurveyFeed, error) {
	return &ingest.SurveyFeed{
		Ref:     "db-1",
		Name:    "NPS",
		Columns: []string{"Email", "Nota"},
		Responses: []ingest.SurveyResponse{
			{ID: "p1", Values: map[string]string{"Email": "ana@x.com", "Nota": "9"}},
		},
	}, nil
}

func newActivities(t *testing.T, src *fakeSource) *Activities {
	t.Helper()
	conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "schedule.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	cfg := config.IngestConfig{
		ContactChunkSize: 10, PageSize: 10, DealPageSize: 10, DealConcurrency: 1,
		MaxPages: 5, EmptyPageRetries: 1, EmptyPageDelayMS: 1, BreakerThreshold: 3,
		RetryAttempts: 1, RetryInitialMS: 1, RetryMaxMS: 1,
	}
	runner := ingest.NewRunner(cfg, lead.NewSQLiteStore(conn), funnel.NewSQLiteStore(conn),
		runlog.NewSQLiteLog(conn), nil).WithSurveys(survey.NewSQLiteStore(conn))
	return NewActivities(runner, []Source{src}, []ingest.SurveySource{fakeSurvey{}})
}

func TestActivities_SyncContacts(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	a := newActivities(t, &fakeSource{contacts: []ingest.ContactRecord{
		{SourceSystem: "crm", ExternalID: "c1", Emails: []string{"ana@x.com"}, Name: "Ana"},
		{SourceSystem: "crm", ExternalID: "c2", Name: "Sem Contato"},
	}})
	env.RegisterActivity(a)

	val, err := env.ExecuteActivity(a.SyncContacts, "crm")
	require.NoError(t, err)
	var res StepResult
	require.NoError(t, val.Get(&res))
	assert.Equal(t, StepResult{Source: "crm", Kind: ingest.KindContacts, Processed: 2, OK: 1, Ignored: 1}, res)

	val, err = env.ExecuteActivity(a.SyncCatalog, "crm")
	require.NoError(t, err)
	require.NoError(t, val.Get(&res))
	assert.Equal(t, ingest.KindCatalog, res.Kind)

	val, err = env.ExecuteActivity(a.SyncSurvey, "notion")
	require.NoError(t, err)
	require.NoError(t, val.Get(&res))
	assert.Equal(t, 1, res.OK)
}

func TestActivities_FatalIsNonRetryable(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	a := newActivities(t, &fakeSource{err: resilience.NewFatalError(errors.New("401 unauthorized"))})
	env.RegisterActivity(a)

	_, err := env.ExecuteActivity(a.SyncContacts, "crm")
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeFatal, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestActivities_UnknownSource(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	a := newActivities(t, &fakeSource{})
	env.RegisterActivity(a)

	_, err := env.ExecuteActivity(a.SyncDeals, "hubspot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sync source")
}

func TestScheduleOptions(t *testing.T) {
	opts := ScheduleOptions(config.TemporalConfig{}, SyncInput{Sources: []string{"crm"}})
	assert.Equal(t, ScheduleID, opts.ID)
	assert.Equal(t, []string{defaultCron}, opts.Spec.CronExpressions)

	opts = ScheduleOptions(config.TemporalConfig{Cron: "*/30 * * * *", TaskQueue: "q"}, SyncInput{})
	assert.Equal(t, []string{"*/30 * * * *"}, opts.Spec.CronExpressions)
	assert.Equal(t, "q", taskQueue(config.TemporalConfig{TaskQueue: "q"}))
}

type recorder struct {
	workflows, activities int
}

func (r *recorder) RegisterWorkflow(any) { r.workflows++ }
func (r *recorder) RegisterActivity(any) { r.activities++ }

func TestRegister(t *testing.T) {
	r := &recorder{}
	Register(r, &Activities{})
	assert.Equal(t, 1, r.workflows)
	assert.Equal(t, 1, r.activities)
}

func TestRegister_WorkflowEnvironment(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	require.NotPanics(t, func() {
		Register(env, NewActivities(nil, nil, []ingest.SurveySource{fakeSurvey{}}))
	})

	env.ExecuteWorkflow(SyncWorkflow, SyncInput{})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
}
