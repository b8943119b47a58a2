// Package schedule runs the periodic CRM syncs as Temporal workflows.
package schedule

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

// ErrTypeFatal is the application error type of failures that retrying
// cannot fix, such as rejected credentials.
const ErrTypeFatal = "FatalSyncError"

// Source is a CRM that serves all three sync streams.
type Source interface {
	ingest.ContactSource
	ingest.DealSource
	ingest.CatalogSource
}

// StepResult summarizes one sync activity.
type StepResult struct {
	Source    string `json:"source"`
	Kind      string `json:"kind"`
	Processed int    `json:"processed"`
	OK        int    `json:"ok"`
	Ignored   int    `json:"ignored"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// Activities holds the dependencies of the sync activities.
type Activities struct {
	runner  *ingest.Runner
	sources map[string]Source
	surveys map[string]ingest.SurveySource
}

// NewActivities creates the activity set. Sources and survey feeds are
// looked up by their SourceSystem name. Every exported method of Activities
// is registered as an activity, so configuration happens here only.
func NewActivities(runner *ingest.Runner, sources []Source, surveys []ingest.SurveySource) *Activities {
	a := &Activities{
		runner:  runner,
		sources: make(map[string]Source, len(sources)),
		surveys: make(map[string]ingest.SurveySource, len(surveys)),
	}
	for _, s := range sources {
		a.sources[s.SourceSystem()] = s
	}
	for _, f := range surveys {
		a.surveys[f.SourceSystem()] = f
	}
	return a
}

// SyncCatalog imports the tags and funnels of a source.
func (a *Activities) SyncCatalog(ctx context.Context, source string) (*StepResult, error) {
	src, err := a.source(source)
	if err != nil {
		return nil, err
	}
	rep, err := a.runner.SyncCatalog(ctx, src)
	return a.finish(ctx, source, ingest.KindCatalog, rep, err)
}

// SyncContacts imports the contacts of a source.
func (a *Activities) SyncContacts(ctx context.Context, source string) (*StepResult, error) {
	src, err := a.source(source)
	if err != nil {
		return nil, err
	}
	rep, err := a.runner.SyncContacts(ctx, src)
	return a.finish(ctx, source, ingest.KindContacts, rep, err)
}

// SyncDeals imports the deals of a source and records funnel transitions.
func (a *Activities) SyncDeals(ctx context.Context, source string) (*StepResult, error) {
	src, err := a.source(source)
	if err != nil {
		return nil, err
	}
	rep, err := a.runner.SyncDeals(ctx, src)
	return a.finish(ctx, source, ingest.KindDeals, rep, err)
}

// SyncSurvey imports the responses of a survey feed.
func (a *Activities) SyncSurvey(ctx context.Context, source string) (*StepResult, error) {
	feed, ok := a.surveys[source]
	if !ok {
		return nil, temporal.NewNonRetryableApplicationError(
			"unknown survey source "+source, ErrTypeFatal, nil)
	}
	out, err := a.runner.SyncSurvey(ctx, feed)
	var rep *ingest.Report
	if out != nil {
		rep = out.Run
	}
	return a.finish(ctx, source, ingest.KindSurvey, rep, err)
}

func (a *Activities) source(name string) (Source, error) {
	src, ok := a.sources[name]
	if !ok {
		return nil, temporal.NewNonRetryableApplicationError(
			"unknown sync source "+name, ErrTypeFatal, nil)
	}
	return src, nil
}

func (a *Activities) finish(ctx context.Context, source, kind string, rep *ingest.Report, err error) (*StepResult, error) {
	logger := activity.GetLogger(ctx)
	res := &StepResult{Source: source, Kind: kind}
	if rep != nil {
		res.Processed = rep.Processed
		res.OK = rep.OK
		res.Failed = rep.Failed
		res.Ignored = rep.IgnoredInvalidIdentifier
		for _, n := range rep.IgnoredOther {
			res.Ignored += n
		}
	}
	if err != nil {
		logger.Error("sync step failed", "source", source, "kind", kind, "error", err)
		if resilience.IsFatal(err) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeFatal, err)
		}
		return nil, eris.Wrapf(err, "schedule: sync %s %s", source, kind)
	}
	logger.Info("sync step complete", "source", source, "kind", kind,
		"processed", res.Processed, "ok", res.OK, "failed", res.Failed)
	return res, nil
}
