// Package scoring ranks eligible contractors for a lead.
package scoring

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/kilianp07/leadalloc/core/balancer"
	"github.com/kilianp07/leadalloc/core/model"
)

// Candidate is everything the ranking needs about one contractor, captured at
// the start of an allocation pass.
type Candidate struct {
	ContractorID       string
	Distance           float64
	Reach              float64
	KPI                float64
	BonusMultiplier    float64
	Utilization        float64
	LastLeadAssignedAt time.Time
	Share              float64
}

// Input is one scoring request.
type Input struct {
	Candidates []Candidate
	// PoolSize is the number of contractors sharing the zone, used for the
	// fair share. Defaults to len(Candidates).
	PoolSize int
	Config   model.LoadBalancingConfig
	Bonuses  map[string]float64
}

// Ranking is the scored candidate list and the order offers should follow.
type Ranking struct {
	Scores []model.AllocationScore
	Order  []string
	Method model.AssignmentMethod
	Seed   *uint64
}

type scored struct {
	model.AllocationScore
	last time.Time
}

// Proximity maps a distance onto 0-100, closer being higher. reach is the
// distance at which the bonus reaches zero.
func Proximity(distance, reach float64) float64 {
	if reach <= 0 {
		return 0
	}
	return math.Max(0, math.Min(100, 100*(1-distance/reach)))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Score computes the breakdown of every candidate and ranks them by final
// score. Equal inputs always produce the same order.
func Score(in Input) []model.AllocationScore {
	return toScores(rank(in))
}

func rank(in Input) []scored {
	cfg := in.Config
	pool := in.PoolSize
	if pool <= 0 {
		pool = len(in.Candidates)
	}
	fair := balancer.FairShare(pool)
	out := make([]scored, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		reach := c.Reach
		if reach <= 0 {
			reach = cfg.ProximityCapMiles
		}
		mult := c.BonusMultiplier
		if mult == 0 {
			mult = 1
		}
		s := model.AllocationScore{
			ContractorID:            c.ContractorID,
			Distance:                round2(c.Distance),
			Utilization:             c.Utilization,
			BaseScore:               c.KPI,
			KPIBonus:                round2(c.KPI * (mult - 1)),
			ProximityBonus:          round2(Proximity(c.Distance, reach)),
			LoadBalancingAdjustment: round2(balancer.Adjustment(c.Share, fair, cfg)),
			RuleBonus:               in.Bonuses[c.ContractorID],
		}
		s.FinalScore = round2(s.BaseScore*cfg.PerformanceWeight +
			s.ProximityBonus*cfg.ProximityWeight +
			s.LoadBalancingAdjustment*cfg.FairnessWeight +
			s.RuleBonus)
		out = append(out, scored{AllocationScore: s, last: c.LastLeadAssignedAt})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		return tieBreak(out[i], out[j])
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// tieBreak prefers lower utilization, then the longest idle contractor, then
// the lowest ID.
func tieBreak(a, b scored) bool {
	if a.Utilization != b.Utilization {
		return a.Utilization < b.Utilization
	}
	if !a.last.Equal(b.last) {
		return a.last.Before(b.last)
	}
	return a.ContractorID < b.ContractorID
}

func toScores(s []scored) []model.AllocationScore {
	out := make([]model.AllocationScore, len(s))
	for i := range s {
		out[i] = s[i].AllocationScore
	}
	return out
}

// Rank scores the candidates and derives the offer order for the method. For
// weighted_random a seeded draw over the topN picks the first offer; the rest
// follow in rank order. The seed is returned so the draw can be replayed.
func Rank(in Input, method model.AssignmentMethod, topN int, seed uint64) Ranking {
	ranked := rank(in)
	r := Ranking{Scores: toScores(ranked), Method: method}
	order := append([]scored(nil), ranked...)
	switch method {
	case model.MethodProximityBased:
		sort.SliceStable(order, func(i, j int) bool {
			if order[i].Distance != order[j].Distance {
				return order[i].Distance < order[j].Distance
			}
			return tieBreak(order[i], order[j])
		})
	case model.MethodRoundRobin:
		sort.SliceStable(order, func(i, j int) bool {
			if !order[i].last.Equal(order[j].last) {
				return order[i].last.Before(order[j].last)
			}
			return tieBreak(order[i], order[j])
		})
	case model.MethodWeightedRandom:
		if len(order) > 0 {
			pick := Draw(r.Scores, topN, seed)
			winner := order[pick]
			order = append(append([]scored{winner}, order[:pick]...), order[pick+1:]...)
			r.Seed = &seed
		}
	default:
		r.Method = model.MethodKPIBased
	}
	r.Order = make([]string, len(order))
	for i, s := range order {
		r.Order[i] = s.ContractorID
	}
	return r
}

// Draw returns the index of the candidate picked by a weighted draw over the
// first topN ranked scores. Weights are the final scores shifted to stay
// positive. The same seed always yields the same index.
func Draw(ranked []model.AllocationScore, topN int, seed uint64) int {
	n := len(ranked)
	if topN > 0 && topN < n {
		n = topN
	}
	if n <= 1 {
		return 0
	}
	floor := math.Inf(1)
	for _, s := range ranked[:n] {
		floor = math.Min(floor, s.FinalScore)
	}
	weights := make([]float64, n)
	var total float64
	for i, s := range ranked[:n] {
		weights[i] = s.FinalScore - floor + 1
		total += weights[i]
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	x := rng.Float64() * total
	for i, w := range weights {
		if x < w {
			return i
		}
		x -= w
	}
	return n - 1
}
