package analytics

import (
	"fmt"
	"math"
)

// AlertType classifies an alert.
type AlertType string

// Alert types.
const (
	AlertLowConversion AlertType = "low_conversion"
	AlertHighLoss      AlertType = "high_loss"
	AlertSlowStage     AlertType = "slow_stage"
)

// Severity is the urgency of an alert.
type Severity string

// Severities.
const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Thresholds.
const (
	minLeadsForConversionAlert = 50
	minClosedForLossAlert      = 10
	minCurrentForStageAlert    = 5
	slowStageHours             = 96
	criticalStageHours         = 168
)

// Alert flags a source or stage metric outside its healthy range.
type Alert struct {
	Type       AlertType `json:"type" yaml:"type"`
	Severity   Severity  `json:"severity" yaml:"severity"`
	Message    string    `json:"message" yaml:"message"`
	Value      string    `json:"value" yaml:"value"`
	Source     string    `json:"source,omitempty" yaml:"source,omitempty"`
	FunnelName string    `json:"funnel_name,omitempty" yaml:"funnel_name,omitempty"`
	StageName  string    `json:"stage_name,omitempty" yaml:"stage_name,omitempty"`
}

// SourceMetrics are the aggregates source alerts and health are computed from.
type SourceMetrics struct {
	Source         string
	ConversionRate float64
	TotalLeads     int
	WonDeals       int
	LostDeals      int
	AvgTime        float64
}

// LossRate is lost deals over closed deals, as a percentage.
func (m SourceMetrics) LossRate() float64 {
	closed := m.WonDeals + m.LostDeals
	if closed == 0 {
		return 0
	}
	return float64(m.LostDeals) / float64(closed) * 100
}

// SourceAlerts returns conversion and loss alerts for a source.
func SourceAlerts(m SourceMetrics) []Alert {
	var alerts []Alert

	if m.TotalLeads > minLeadsForConversionAlert {
		switch {
		case m.ConversionRate < 10:
			alerts = append(alerts, Alert{
				Type: AlertLowConversion, Severity: SeverityCritical,
				Message: "conversion rate very low", Value: pct(m.ConversionRate), Source: m.Source,
			})
		case m.ConversionRate < 20:
			alerts = append(alerts, Alert{
				Type: AlertLowConversion, Severity: SeverityWarning,
				Message: "conversion rate below target", Value: pct(m.ConversionRate), Source: m.Source,
			})
		}
	}

	if m.WonDeals+m.LostDeals > minClosedForLossAlert {
		loss := m.LossRate()
		switch {
		case loss > 50:
			alerts = append(alerts, Alert{
				Type: AlertHighLoss, Severity: SeverityCritical,
				Message: "loss rate high", Value: pct(loss), Source: m.Source,
			})
		case loss > 30:
			alerts = append(alerts, Alert{
				Type: AlertHighLoss, Severity: SeverityWarning,
				Message: "loss rate above target", Value: pct(loss), Source: m.Source,
			})
		}
	}
	return alerts
}

// StageRef is a stage with the funnel and source it belongs to.
type StageRef struct {
	Source     string
	FunnelName string
	Stage      StageAnalytics
}

// StageAlerts returns slow-stage and stage loss alerts.
func StageAlerts(stages []StageRef) []Alert {
	var alerts []Alert
	for _, ref := range stages {
		st := ref.Stage
		if isSlow(st) {
			sev := SeverityWarning
			if *st.AvgTimeInStageHours > criticalStageHours {
				sev = SeverityCritical
			}
			days := math.Round(*st.AvgTimeInStageHours/24*10) / 10
			alerts = append(alerts, Alert{
				Type: AlertSlowStage, Severity: sev,
				Message: "stage average time very high", Value: fmt.Sprintf("%g days", days),
				Source: ref.Source, FunnelName: ref.FunnelName, StageName: st.StageName,
			})
		}
		if st.LossRate > 30 && st.CurrentCount > minCurrentForStageAlert {
			sev := SeverityWarning
			if st.LossRate > 50 {
				sev = SeverityCritical
			}
			alerts = append(alerts, Alert{
				Type: AlertHighLoss, Severity: sev,
				Message: "stage loss rate high", Value: pct(st.LossRate),
				Source: ref.Source, FunnelName: ref.FunnelName, StageName: st.StageName,
			})
		}
	}
	return alerts
}

// CriticalAlerts keeps only critical alerts.
func CriticalAlerts(alerts []Alert) []Alert {
	out := []Alert{}
	for _, a := range alerts {
		if a.Severity == SeverityCritical {
			out = append(out, a)
		}
	}
	return out
}

func isSlow(st StageAnalytics) bool {
	return st.AvgTimeInStageHours != nil &&
		*st.AvgTimeInStageHours > slowStageHours &&
		st.CurrentCount > minCurrentForStageAlert
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

func stageRefs(rep Report) []StageRef {
	var refs []StageRef
	for _, f := range rep.Funnels {
		for _, st := range f.Stages {
			refs = append(refs, StageRef{Source: f.SourceSystem, FunnelName: f.FunnelName, Stage: st})
		}
	}
	return refs
}
