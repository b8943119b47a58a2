package schedule

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// SyncInput selects what a SyncWorkflow run imports.
type SyncInput struct {
	// Sources are synced in order: catalog, then contacts, then deals.
	Sources []string `json:"sources"`
	Surveys []string `json:"surveys,omitempty"`
	// SkipCatalog and SkipDeals narrow a run to the remaining streams.
	SkipCatalog bool `json:"skipCatalog,omitempty"`
	SkipDeals   bool `json:"skipDeals,omitempty"`
}

// SyncResult collects the outcome of every step of a run.
type SyncResult struct {
	Steps []StepResult `json:"steps"`
}

// Failed counts the steps that ended in error.
func (r *SyncResult) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Error != "" {
			n++
		}
	}
	return n
}

// ActivityOptions are the options every sync activity runs with.
func ActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        30 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        10 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeFatal},
		},
	}
}

// SyncWorkflow imports each source's catalog, contacts and deals, then the
// survey feeds. Deals need the catalog's funnels and the contacts' leads, so
// a failed catalog or contacts step skips that source's deals. A failed step
// never stops the other sources.
func SyncWorkflow(ctx workflow.Context, in SyncInput) (*SyncResult, error) {
	ctx = workflow.WithActivityOptions(ctx, ActivityOptions())
	logger := workflow.GetLogger(ctx)
	var a *Activities
	out := &SyncResult{}

	step := func(source, kind string, fn any) bool {
		var res StepResult
		err := workflow.ExecuteActivity(ctx, fn, source).Get(ctx, &res)
		if err != nil {
			logger.Warn("sync step failed", "source", source, "kind", kind, "error", err)
			out.Steps = append(out.Steps, StepResult{Source: source, Kind: kind, Error: err.Error()})
			return false
		}
		out.Steps = append(out.Steps, res)
		return true
	}

	for _, source := range in.Sources {
		ok := true
		if !in.SkipCatalog {
			ok = step(source, "catalog", a.SyncCatalog)
		}
		ok = step(source, "contacts", a.SyncContacts) && ok
		if in.SkipDeals {
			continue
		}
		if !ok {
			out.Steps = append(out.Steps, StepResult{Source: source, Kind: "deals", Error: "skipped"})
			continue
		}
		step(source, "deals", a.SyncDeals)
	}
	for _, source := range in.Surveys {
		step(source, "survey", a.SyncSurvey)
	}

	logger.Info("sync workflow complete", "steps", len(out.Steps), "failed", out.Failed())
	return out, nil
}
