package balancer

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/leadalloc/core/model"
)

// MaxAdjustment bounds the load-balancing adjustment in both directions.
const MaxAdjustment = 100.0

// FairnessScore rates how evenly shares are spread, 100 being perfectly even.
func FairnessScore(shares []float64) float64 {
	if len(shares) < 2 {
		return 100
	}
	_, std := stat.PopMeanStdDev(shares, nil)
	return math.Max(0, math.Round(100-2*std))
}

// Adjustment is the load-balancing term of a candidate's score. Contractors
// above their fair share are pushed down proportionally, under-served ones up.
// A share beyond the ceiling plus threshold receives the full penalty until
// it normalises.
func Adjustment(share, fairShare float64, cfg model.LoadBalancingConfig) float64 {
	if !cfg.Enabled || fairShare <= 0 {
		return 0
	}
	if share > cfg.MaxLeadSharePercentage+cfg.RebalanceThreshold {
		return -MaxAdjustment
	}
	adj := (fairShare - share) / fairShare * MaxAdjustment
	return math.Max(-MaxAdjustment, math.Min(MaxAdjustment, adj))
}

// FairShare is the even split of a zone between n contractors.
func FairShare(n int) float64 {
	if n <= 0 {
		return 0
	}
	return 100 / float64(n)
}
