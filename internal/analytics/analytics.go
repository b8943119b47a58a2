// Package analytics aggregates funnel entries and transitions into funnel,
// stage and source metrics. Every function here is a pure read over a
// funnel.Snapshot.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/lead-funnel/internal/funnel"
)

// StatusBreakdown counts entries currently in a stage by status.
type StatusBreakdown struct {
	Open int `json:"open" yaml:"open"`
	Won  int `json:"won" yaml:"won"`
	Lost int `json:"lost" yaml:"lost"`
}

// StageAnalytics holds dwell and conversion metrics for one stage.
type StageAnalytics struct {
	StageID             string          `json:"stage_id" yaml:"stage_id"`
	StageName           string          `json:"stage_name" yaml:"stage_name"`
	Position            int             `json:"position" yaml:"position"`
	CurrentCount        int             `json:"current_count" yaml:"current_count"`
	TotalEntries        int             `json:"total_entries" yaml:"total_entries"`
	AvgTimeInStageHours *float64        `json:"avg_time_in_stage_hours" yaml:"avg_time_in_stage_hours"`
	AvgTimeInStageDays  *float64        `json:"avg_time_in_stage_days" yaml:"avg_time_in_stage_days"`
	ConversionToNext    *float64        `json:"conversion_to_next" yaml:"conversion_to_next"`
	LossRate            float64         `json:"loss_rate" yaml:"loss_rate"`
	WinRate             float64         `json:"win_rate" yaml:"win_rate"`
	StatusBreakdown     StatusBreakdown `json:"status_breakdown" yaml:"status_breakdown"`
}

// FunnelAnalytics summarizes one funnel.
type FunnelAnalytics struct {
	FunnelID              string           `json:"funnel_id" yaml:"funnel_id"`
	FunnelName            string           `json:"funnel_name" yaml:"funnel_name"`
	SourceSystem          string           `json:"source_system" yaml:"source_system"`
	TotalLeads            int              `json:"total_leads" yaml:"total_leads"`
	ActiveDeals           int              `json:"active_deals" yaml:"active_deals"`
	WonDeals              int              `json:"won_deals" yaml:"won_deals"`
	LostDeals             int              `json:"lost_deals" yaml:"lost_deals"`
	Stages                []StageAnalytics `json:"stages" yaml:"stages"`
	OverallConversionRate float64          `json:"overall_conversion_rate" yaml:"overall_conversion_rate"`
	CreatedAt             time.Time        `json:"created_at" yaml:"created_at"`
	LastActivity          *time.Time       `json:"last_activity" yaml:"last_activity"`
}

// GlobalStats totals every analyzed funnel.
type GlobalStats struct {
	TotalLeads        int     `json:"total_leads" yaml:"total_leads"`
	ActiveDeals       int     `json:"total_active" yaml:"total_active"`
	WonDeals          int     `json:"total_won" yaml:"total_won"`
	LostDeals         int     `json:"total_lost" yaml:"total_lost"`
	AvgConversionRate float64 `json:"avg_conversion_rate" yaml:"avg_conversion_rate"`
}

// Report is the result of GetFunnelAnalytics.
type Report struct {
	Funnels      []FunnelAnalytics `json:"funnels" yaml:"funnels"`
	TotalFunnels int               `json:"total_funnels" yaml:"total_funnels"`
	GlobalStats  GlobalStats       `json:"global_stats" yaml:"global_stats"`
}

// Analyze computes analytics for every funnel of snap, ordered by funnel
// name.
func Analyze(snap *funnel.Snapshot) Report {
	rep := Report{Funnels: []FunnelAnalytics{}}
	if snap == nil {
		return rep
	}

	stagesByFunnel := make(map[string][]funnel.Stage)
	for _, st := range snap.Stages {
		stagesByFunnel[st.FunnelID] = append(stagesByFunnel[st.FunnelID], st)
	}
	entriesByFunnel := make(map[string][]funnel.Entry)
	entryFunnel := make(map[string]string, len(snap.Entries))
	for _, e := range snap.Entries {
		entriesByFunnel[e.FunnelID] = append(entriesByFunnel[e.FunnelID], e)
		entryFunnel[e.ID] = e.FunnelID
	}
	transitionsByFunnel := make(map[string][]funnel.Transition)
	for _, t := range snap.Transitions {
		if fid, ok := entryFunnel[t.EntryID]; ok {
			transitionsByFunnel[fid] = append(transitionsByFunnel[fid], t)
		}
	}

	funnels := append([]funnel.Funnel(nil), snap.Funnels...)
	sort.SliceStable(funnels, func(i, j int) bool { return funnels[i].Name < funnels[j].Name })

	for _, f := range funnels {
		fa := analyzeFunnel(f, stagesByFunnel[f.ID], entriesByFunnel[f.ID], transitionsByFunnel[f.ID])
		rep.Funnels = append(rep.Funnels, fa)
		rep.GlobalStats.TotalLeads += fa.TotalLeads
		rep.GlobalStats.ActiveDeals += fa.ActiveDeals
		rep.GlobalStats.WonDeals += fa.WonDeals
		rep.GlobalStats.LostDeals += fa.LostDeals
	}
	rep.TotalFunnels = len(rep.Funnels)
	rep.GlobalStats.AvgConversionRate = percent(rep.GlobalStats.WonDeals, rep.GlobalStats.TotalLeads)
	return rep
}

func analyzeFunnel(f funnel.Funnel, stages []funnel.Stage, entries []funnel.Entry, transitions []funnel.Transition) FunnelAnalytics {
	fa := FunnelAnalytics{
		FunnelID:     f.ID,
		FunnelName:   f.Name,
		SourceSystem: f.SourceSystem,
		Stages:       []StageAnalytics{},
		CreatedAt:    f.CreatedAt,
	}
	if len(entries) == 0 {
		return fa
	}

	leads := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		leads[e.LeadID] = struct{}{}
		switch e.Status {
		case funnel.StatusWon:
			fa.WonDeals++
		case funnel.StatusLost:
			fa.LostDeals++
		default:
			fa.ActiveDeals++
		}
		if fa.LastActivity == nil || e.LastSeenAt.After(*fa.LastActivity) {
			last := e.LastSeenAt
			fa.LastActivity = &last
		}
	}
	fa.TotalLeads = len(leads)
	fa.OverallConversionRate = percent(fa.WonDeals, fa.TotalLeads)

	sorted := append([]funnel.Stage(nil), stages...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	for i, st := range sorted {
		next := ""
		if i < len(sorted)-1 {
			next = sorted[i+1].ID
		}
		fa.Stages = append(fa.Stages, analyzeStage(st, next, entries, transitions))
	}
	return fa
}

func analyzeStage(st funnel.Stage, nextStageID string, entries []funnel.Entry, transitions []funnel.Transition) StageAnalytics {
	sa := StageAnalytics{
		StageID:   st.ID,
		StageName: st.Name,
		Position:  st.Position,
	}
	for _, e := range entries {
		if e.CurrentStageID != st.ID {
			continue
		}
		sa.CurrentCount++
		switch e.Status {
		case funnel.StatusWon:
			sa.StatusBreakdown.Won++
		case funnel.StatusLost:
			sa.StatusBreakdown.Lost++
		default:
			sa.StatusBreakdown.Open++
		}
	}

	var in, out []funnel.Transition
	for _, t := range transitions {
		if t.ToStageID == st.ID && t.FromStageID != st.ID {
			in = append(in, t)
		}
		if t.FromStageID == st.ID && t.ToStageID != st.ID {
			out = append(out, t)
		}
	}

	entered := make(map[string]struct{}, len(in))
	for _, t := range in {
		entered[t.EntryID] = struct{}{}
	}
	sa.TotalEntries = len(entered)
	if sa.TotalEntries == 0 {
		sa.TotalEntries = sa.CurrentCount
	}

	if avg, ok := avgDwellHours(in, out); ok {
		days := round2(avg / 24)
		sa.AvgTimeInStageHours = &avg
		sa.AvgTimeInStageDays = &days
	}

	if nextStageID != "" && len(out) > 0 {
		toNext := 0
		for _, t := range out {
			if t.ToStageID == nextStageID {
				toNext++
			}
		}
		conv := percent(toNext, len(out))
		sa.ConversionToNext = &conv
	}

	sa.LossRate = percent(sa.StatusBreakdown.Lost, sa.TotalEntries)
	sa.WinRate = percent(sa.StatusBreakdown.Won, sa.TotalEntries)
	return sa
}

// avgDwellHours pairs every transition into a stage with the first later
// transition out of it for the same entry and averages the deltas.
func avgDwellHours(in, out []funnel.Transition) (float64, bool) {
	outByEntry := make(map[string][]funnel.Transition)
	for _, t := range out {
		outByEntry[t.EntryID] = append(outByEntry[t.EntryID], t)
	}

	var sum float64
	n := 0
	for _, enter := range in {
		var exit *funnel.Transition
		for i, t := range outByEntry[enter.EntryID] {
			if t.OccurredAt.Before(enter.OccurredAt) {
				continue
			}
			if exit == nil || t.OccurredAt.Before(exit.OccurredAt) {
				exit = &outByEntry[enter.EntryID][i]
			}
		}
		if exit == nil {
			continue
		}
		sum += exit.OccurredAt.Sub(enter.OccurredAt).Hours()
		n++
	}
	if n == 0 {
		return 0, false
	}
	return round2(sum / float64(n)), true
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return round2(float64(part) / float64(whole) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
