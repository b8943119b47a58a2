package analytics

import (
	"sort"
	"strings"
)

// SourceSummary aggregates the funnels of one source system.
type SourceSummary struct {
	TotalLeads     int     `json:"total_leads" yaml:"total_leads"`
	ActiveDeals    int     `json:"active_deals" yaml:"active_deals"`
	WonDeals       int     `json:"won_deals" yaml:"won_deals"`
	LostDeals      int     `json:"lost_deals" yaml:"lost_deals"`
	ConversionRate float64 `json:"conversion_rate" yaml:"conversion_rate"`
	AvgTime        float64 `json:"avg_time_hours" yaml:"avg_time_hours"`
	HealthScore    int     `json:"health_score" yaml:"health_score"`
}

// SourceListItem is one row of the sources list.
type SourceListItem struct {
	Source       string        `json:"source" yaml:"source"`
	Summary      SourceSummary `json:"summary" yaml:"summary"`
	AlertsCount  int           `json:"alerts_count" yaml:"alerts_count"`
	FunnelsCount int           `json:"funnels_count" yaml:"funnels_count"`
}

// FunnelSummary is a funnel inside source details; Stages is set only when
// stages were requested.
type FunnelSummary struct {
	FunnelID              string           `json:"funnel_id" yaml:"funnel_id"`
	FunnelName            string           `json:"funnel_name" yaml:"funnel_name"`
	SourceSystem          string           `json:"source_system" yaml:"source_system"`
	TotalLeads            int              `json:"total_leads" yaml:"total_leads"`
	ActiveDeals           int              `json:"active_deals" yaml:"active_deals"`
	WonDeals              int              `json:"won_deals" yaml:"won_deals"`
	LostDeals             int              `json:"lost_deals" yaml:"lost_deals"`
	OverallConversionRate float64          `json:"overall_conversion_rate" yaml:"overall_conversion_rate"`
	Stages                []StageAnalytics `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// SourceDetails is the drill-down of one source.
type SourceDetails struct {
	Source  string          `json:"source" yaml:"source"`
	Summary SourceSummary   `json:"summary" yaml:"summary"`
	Alerts  []Alert         `json:"alerts" yaml:"alerts"`
	Funnels []FunnelSummary `json:"funnels" yaml:"funnels"`
}

// Sources groups the report by source system, worst health first.
func Sources(rep Report) []SourceListItem {
	order, bySource := groupBySource(rep)
	items := make([]SourceListItem, 0, len(order))
	for _, src := range order {
		funnels := bySource[src]
		summary, metrics := summarize(src, funnels)
		items = append(items, SourceListItem{
			Source:       src,
			Summary:      summary,
			AlertsCount:  len(SourceAlerts(metrics)),
			FunnelsCount: len(funnels),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Summary.HealthScore < items[j].Summary.HealthScore
	})
	return items
}

// Details builds source details from a report already filtered to source.
// includeStages adds per-stage metrics and stage alerts.
func Details(source string, rep Report, includeStages bool) SourceDetails {
	summary, metrics := summarize(source, rep.Funnels)
	alerts := SourceAlerts(metrics)
	if includeStages {
		alerts = append(alerts, StageAlerts(stageRefs(rep))...)
	}
	if alerts == nil {
		alerts = []Alert{}
	}

	funnels := make([]FunnelSummary, 0, len(rep.Funnels))
	for _, f := range rep.Funnels {
		fs := FunnelSummary{
			FunnelID:              f.FunnelID,
			FunnelName:            f.FunnelName,
			SourceSystem:          f.SourceSystem,
			TotalLeads:            f.TotalLeads,
			ActiveDeals:           f.ActiveDeals,
			WonDeals:              f.WonDeals,
			LostDeals:             f.LostDeals,
			OverallConversionRate: f.OverallConversionRate,
		}
		if includeStages {
			fs.Stages = f.Stages
		}
		funnels = append(funnels, fs)
	}
	return SourceDetails{Source: source, Summary: summary, Alerts: alerts, Funnels: funnels}
}

func summarize(source string, funnels []FunnelAnalytics) (SourceSummary, SourceMetrics) {
	var s SourceSummary
	for _, f := range funnels {
		s.TotalLeads += f.TotalLeads
		s.ActiveDeals += f.ActiveDeals
		s.WonDeals += f.WonDeals
		s.LostDeals += f.LostDeals
	}

	var conversion float64
	if s.TotalLeads > 0 {
		conversion = float64(s.WonDeals) / float64(s.TotalLeads) * 100
	}
	m := SourceMetrics{
		Source:         source,
		ConversionRate: conversion,
		TotalLeads:     s.TotalLeads,
		WonDeals:       s.WonDeals,
		LostDeals:      s.LostDeals,
		AvgTime:        meanStageTime(funnels, func(string) bool { return true }),
	}
	s.ConversionRate = round2(conversion)
	s.AvgTime = m.AvgTime
	s.HealthScore = HealthScore(conversion, m.AvgTime, m.LossRate())
	return s, m
}

// meanStageTime averages the positive stage dwell times of the stages whose
// name passes keep.
func meanStageTime(funnels []FunnelAnalytics, keep func(name string) bool) float64 {
	var sum float64
	n := 0
	for _, f := range funnels {
		for _, st := range f.Stages {
			if st.AvgTimeInStageHours == nil || *st.AvgTimeInStageHours <= 0 || !keep(st.StageName) {
				continue
			}
			sum += *st.AvgTimeInStageHours
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return round2(sum / float64(n))
}

func isConnectionStage(name string) bool {
	return strings.Contains(strings.ToLower(name), "conex")
}

// groupBySource splits funnels by source system, keeping first-seen order.
func groupBySource(rep Report) ([]string, map[string][]FunnelAnalytics) {
	bySource := make(map[string][]FunnelAnalytics)
	var order []string
	for _, f := range rep.Funnels {
		if _, ok := bySource[f.SourceSystem]; !ok {
			order = append(order, f.SourceSystem)
		}
		bySource[f.SourceSystem] = append(bySource[f.SourceSystem], f)
	}
	return order, bySource
}
