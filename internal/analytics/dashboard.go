package analytics

// DashboardSummary totals every source.
type DashboardSummary struct {
	TotalLeads            int     `json:"total_leads" yaml:"total_leads"`
	TotalActiveDeals      int     `json:"total_active_deals" yaml:"total_active_deals"`
	TotalWonDeals         int     `json:"total_won_deals" yaml:"total_won_deals"`
	TotalLostDeals        int     `json:"total_lost_deals" yaml:"total_lost_deals"`
	OverallConversionRate float64 `json:"overall_conversion_rate" yaml:"overall_conversion_rate"`
	// AvgConnectionTime is the mean dwell time of "Conexão" stages.
	AvgConnectionTime float64 `json:"avg_connection_time_hours" yaml:"avg_connection_time_hours"`
}

// Dashboard is the cross-source overview.
type Dashboard struct {
	Summary           DashboardSummary `json:"summary" yaml:"summary"`
	BiggestBottleneck *Bottleneck      `json:"biggest_bottleneck" yaml:"biggest_bottleneck"`
	CriticalAlerts    []Alert          `json:"critical_alerts" yaml:"critical_alerts"`
}

// Overview builds the dashboard from an unfiltered report.
func Overview(rep Report) Dashboard {
	refs := stageRefs(rep)
	return Dashboard{
		Summary: DashboardSummary{
			TotalLeads:            rep.GlobalStats.TotalLeads,
			TotalActiveDeals:      rep.GlobalStats.ActiveDeals,
			TotalWonDeals:         rep.GlobalStats.WonDeals,
			TotalLostDeals:        rep.GlobalStats.LostDeals,
			OverallConversionRate: rep.GlobalStats.AvgConversionRate,
			AvgConnectionTime:     meanStageTime(rep.Funnels, isConnectionStage),
		},
		BiggestBottleneck: BiggestBottleneck(Bottlenecks(refs)),
		CriticalAlerts:    CriticalAlerts(AllAlerts(rep)),
	}
}

// AllAlerts returns the source alerts of every source followed by every
// stage alert.
func AllAlerts(rep Report) []Alert {
	order, bySource := groupBySource(rep)
	alerts := []Alert{}
	for _, src := range order {
		_, m := summarize(src, bySource[src])
		alerts = append(alerts, SourceAlerts(m)...)
	}
	return append(alerts, StageAlerts(stageRefs(rep))...)
}
