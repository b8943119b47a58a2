package analytics

import "sort"

// Bottleneck is a slow stage holding many deals.
type Bottleneck struct {
	Source       string  `json:"source" yaml:"source"`
	FunnelName   string  `json:"funnel_name" yaml:"funnel_name"`
	StageName    string  `json:"stage_name" yaml:"stage_name"`
	AvgTime      float64 `json:"avg_time_hours" yaml:"avg_time_hours"`
	CurrentCount int     `json:"current_count" yaml:"current_count"`
	LostCount    int     `json:"lost_count" yaml:"lost_count"`
}

// Bottlenecks returns stages averaging more than four days with more than
// five current deals, slowest first.
func Bottlenecks(stages []StageRef) []Bottleneck {
	out := []Bottleneck{}
	for _, ref := range stages {
		if !isSlow(ref.Stage) {
			continue
		}
		out = append(out, Bottleneck{
			Source:       ref.Source,
			FunnelName:   ref.FunnelName,
			StageName:    ref.Stage.StageName,
			AvgTime:      *ref.Stage.AvgTimeInStageHours,
			CurrentCount: ref.Stage.CurrentCount,
			LostCount:    ref.Stage.StatusBreakdown.Lost,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AvgTime > out[j].AvgTime })
	return out
}

// BiggestBottleneck returns the slowest bottleneck, or nil.
func BiggestBottleneck(bs []Bottleneck) *Bottleneck {
	if len(bs) == 0 {
		return nil
	}
	b := bs[0]
	return &b
}
