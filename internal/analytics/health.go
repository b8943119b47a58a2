package analytics

import "math"

// HealthScore rates a source from 0 to 100. Conversion below 20% costs five
// points per missing percent, every 10h of average stage time costs one point
// (at most 30) and every 5% of loss costs one point (at most 20).
func HealthScore(conversionRate, avgTimeHours, lossRate float64) int {
	score := 100.0
	score -= math.Max(0, 100-conversionRate*5)
	score -= math.Min(30, avgTimeHours/10)
	score -= math.Min(20, lossRate/5)
	return int(math.Max(0, math.Min(100, math.Round(score))))
}
