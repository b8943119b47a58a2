// Package monitoring periodically checks ingestion health and funnel alerts
// and posts what it finds to a webhook.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-funnel/internal/analytics"
	"github.com/sells-group/lead-funnel/internal/runlog"
)

// runScanLimit bounds how many recent runs one collection reads.
const runScanLimit = 1000

// Snapshot is a point-in-time view of ingestion health and funnel alerts.
type Snapshot struct {
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailureRate  float64 `json:"failure_rate"`
	// FailedRuns lists "source/kind" of failed runs, most recent first.
	FailedRuns []string `json:"failed_runs,omitempty"`

	FunnelAlerts []analytics.Alert `json:"funnel_alerts,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the run log surface the collector reads.
type RunLister interface {
	List(ctx context.Context, source string, limit int) ([]runlog.Run, error)
}

// AlertSource yields funnel alerts; *analytics.Service satisfies it.
type AlertSource interface {
	GetAlerts(ctx context.Context, criticalOnly bool) ([]analytics.Alert, error)
}

// Collector gathers a Snapshot from the run log and funnel analytics.
type Collector struct {
	runs   RunLister
	alerts AlertSource
	now    func() time.Time
}

// NewCollector creates a collector. Either dependency may be nil.
func NewCollector(runs RunLister, alerts AlertSource) *Collector {
	return &Collector{runs: runs, alerts: alerts, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	if c.runs != nil {
		runs, err := c.runs.List(ctx, "", runScanLimit)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
		for _, r := range runs {
			if r.StartedAt.Before(cutoff) {
				continue
			}
			snap.RunsTotal++
			switch r.Status {
			case runlog.StatusComplete:
				snap.RunsComplete++
			case runlog.StatusFailed:
				snap.RunsFailed++
				snap.FailedRuns = append(snap.FailedRuns, r.Source+"/"+r.Kind)
			case runlog.StatusRunning:
				snap.RunsRunning++
			}
		}
		if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
			snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
		}
	}

	if c.alerts != nil {
		alerts, err := c.alerts.GetAlerts(ctx, false)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: funnel alerts")
		}
		snap.FunnelAlerts = alerts
	}

	return snap, nil
}

// SeverityCounts tallies the snapshot's funnel alerts by severity.
func (s *Snapshot) SeverityCounts() map[string]int {
	out := map[string]int{
		string(analytics.SeverityCritical): 0,
		string(analytics.SeverityWarning):  0,
	}
	for _, a := range s.FunnelAlerts {
		out[string(a.Severity)]++
	}
	return out
}
