// Package analytics derives allocation reports from the audit trail. Reports
// are read-only views: nothing here feeds back into allocation decisions.
package analytics

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/leadalloc/core/balancer"
	coremetrics "github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/core/model"
)

// Recommendation kinds.
const (
	RecommendRebalance      = "rebalance"
	RecommendReduceShare    = "reduce_share"
	RecommendReviewContract = "review_contractor"
	RecommendExpandCapacity = "expand_capacity"
)

// Thresholds tune the recommendations.
type Thresholds struct {
	MaxShare           float64 `json:"max_share"`
	RebalanceThreshold float64 `json:"rebalance_threshold"`
	MinFairness        float64 `json:"min_fairness"`
	MinAcceptanceRate  float64 `json:"min_acceptance_rate"`
	MaxDeclineRate     float64 `json:"max_decline_rate"`
	MinOffers          int     `json:"min_offers"`
}

// DefaultThresholds matches the default load-balancing configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxShare:           40,
		RebalanceThreshold: 10,
		MinFairness:        70,
		MinAcceptanceRate:  60,
		MaxDeclineRate:     50,
		MinOffers:          5,
	}
}

// ThresholdsFor derives share limits from a load-balancing configuration.
func ThresholdsFor(cfg model.LoadBalancingConfig) Thresholds {
	t := DefaultThresholds()
	t.MaxShare = cfg.MaxLeadSharePercentage
	t.RebalanceThreshold = cfg.RebalanceThreshold
	return t
}

// ContractorStats is one contractor's slice of the window.
type ContractorStats struct {
	ContractorID string  `json:"contractor_id"`
	Offers       int     `json:"offers"`
	Accepted     int     `json:"accepted"`
	Declined     int     `json:"declined"`
	Expired      int     `json:"expired"`
	SharePercent float64 `json:"share_percent"`
}

// Recommendation is an operator hint.
type Recommendation struct {
	Kind         string `json:"kind"`
	ContractorID string `json:"contractor_id,omitempty"`
	Message      string `json:"message"`
}

// Report aggregates allocation events over [From, To).
type Report struct {
	From                time.Time                      `json:"from"`
	To                  time.Time                      `json:"to"`
	Totals              map[string]int                 `json:"totals"`
	AcceptanceRate      float64                        `json:"acceptance_rate"`
	AverageResponseTime time.Duration                  `json:"average_response_time"`
	Methods             map[model.AssignmentMethod]int `json:"method_breakdown"`
	Contractors         []ContractorStats              `json:"contractor_distribution"`
	FairnessScore       float64                        `json:"fairness_score"`
	EfficiencyScore     float64                        `json:"efficiency_score"`
	Recommendations     []Recommendation               `json:"recommendations,omitempty"`
	GeneratedAt         time.Time                      `json:"generated_at"`
}

var totalKeys = map[model.EventType]string{
	model.EventLeadCreated:   "created",
	model.EventLeadAssigned:  "assigned",
	model.EventLeadAccepted:  "accepted",
	model.EventLeadDeclined:  "declined",
	model.EventLeadExpired:   "expired",
	model.EventLeadCancelled: "cancelled",
	model.EventLeadCompleted: "completed",
}

// Compute builds a report with the default thresholds.
func Compute(evs []model.AllocationEvent, from, to time.Time) Report {
	return ComputeWith(evs, from, to, DefaultThresholds())
}

// ComputeWith builds a report over the events whose timestamp falls in
// [from, to). A zero bound is open.
func ComputeWith(evs []model.AllocationEvent, from, to time.Time, th Thresholds) Report {
	rep := Report{
		From:    from,
		To:      to,
		Totals:  make(map[string]int, len(totalKeys)),
		Methods: make(map[model.AssignmentMethod]int),
	}
	for _, k := range totalKeys {
		rep.Totals[k] = 0
	}

	in := make([]model.AllocationEvent, 0, len(evs))
	for _, ev := range evs {
		ts := ev.Audit.Timestamp
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && !ts.Before(to) {
			continue
		}
		in = append(in, ev)
	}
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].LeadID != in[j].LeadID {
			return in[i].LeadID < in[j].LeadID
		}
		return in[i].Sequence < in[j].Sequence
	})

	stats := make(map[string]*ContractorStats)
	get := func(id string) *ContractorStats {
		s, ok := stats[id]
		if !ok {
			s = &ContractorStats{ContractorID: id}
			stats[id] = s
		}
		return s
	}
	offeredAt := make(map[string]time.Time)
	var responses []float64
	for _, ev := range in {
		if k, ok := totalKeys[ev.Type]; ok {
			rep.Totals[k]++
		}
		switch ev.Type {
		case model.EventLeadAssigned:
			if ev.ContractorID != "" {
				get(ev.ContractorID).Offers++
			}
			if ev.Decision != nil {
				rep.Methods[ev.Decision.Method]++
			}
			offeredAt[ev.LeadID] = ev.Audit.Timestamp
		case model.EventLeadAccepted, model.EventLeadDeclined:
			if ev.ContractorID != "" {
				s := get(ev.ContractorID)
				if ev.Type == model.EventLeadAccepted {
					s.Accepted++
				} else {
					s.Declined++
				}
			}
			if at, ok := offeredAt[ev.LeadID]; ok {
				responses = append(responses, ev.Audit.Timestamp.Sub(at).Seconds())
				delete(offeredAt, ev.LeadID)
			}
		case model.EventLeadExpired:
			if ev.ContractorID != "" {
				get(ev.ContractorID).Expired++
			}
			delete(offeredAt, ev.LeadID)
		}
	}

	answered := rep.Totals["accepted"] + rep.Totals["declined"] + rep.Totals["expired"]
	if answered > 0 {
		rep.AcceptanceRate = round1(float64(rep.Totals["accepted"]) / float64(answered) * 100)
	}
	if len(responses) > 0 {
		rep.AverageResponseTime = time.Duration(stat.Mean(responses, nil) * float64(time.Second)).Round(time.Second)
	}
	if offers := rep.Totals["assigned"]; offers > 0 {
		rep.EfficiencyScore = math.Min(100, math.Round(float64(rep.Totals["accepted"])/float64(offers)*100))
	}

	shares := make([]float64, 0, len(stats))
	for _, s := range stats {
		if rep.Totals["assigned"] > 0 {
			s.SharePercent = round1(float64(s.Offers) / float64(rep.Totals["assigned"]) * 100)
		}
		shares = append(shares, s.SharePercent)
		rep.Contractors = append(rep.Contractors, *s)
	}
	sort.Slice(rep.Contractors, func(i, j int) bool { return rep.Contractors[i].ContractorID < rep.Contractors[j].ContractorID })
	rep.FairnessScore = balancer.FairnessScore(shares)
	rep.Recommendations = recommend(rep, th)
	return rep
}

func recommend(rep Report, th Thresholds) []Recommendation {
	var out []Recommendation
	if len(rep.Contractors) > 1 && rep.FairnessScore < th.MinFairness {
		out = append(out, Recommendation{Kind: RecommendRebalance, Message: "lead distribution is uneven; review load-balancing weights"})
	}
	limit := th.MaxShare + th.RebalanceThreshold
	for _, c := range rep.Contractors {
		if th.MaxShare > 0 && c.SharePercent > limit {
			out = append(out, Recommendation{Kind: RecommendReduceShare, ContractorID: c.ContractorID,
				Message: "share above the configured ceiling"})
		}
		if c.Offers >= th.MinOffers {
			rate := float64(c.Declined+c.Expired) / float64(c.Offers) * 100
			if rate > th.MaxDeclineRate {
				out = append(out, Recommendation{Kind: RecommendReviewContract, ContractorID: c.ContractorID,
					Message: "declines or lets expire most offers"})
			}
		}
	}
	answered := rep.Totals["accepted"] + rep.Totals["declined"] + rep.Totals["expired"]
	if answered > 0 && rep.AcceptanceRate < th.MinAcceptanceRate {
		out = append(out, Recommendation{Kind: RecommendExpandCapacity, Message: "acceptance rate is low; onboard contractors or raise capacity"})
	}
	return out
}

// Snapshot converts the report for metrics sinks.
func (r Report) Snapshot() coremetrics.AnalyticsSnapshot {
	shares := make(map[string]float64, len(r.Contractors))
	for _, c := range r.Contractors {
		shares[c.ContractorID] = c.SharePercent
	}
	totals := make(map[string]int, len(r.Totals))
	for k, v := range r.Totals {
		totals[k] = v
	}
	return coremetrics.AnalyticsSnapshot{
		From:            r.From,
		To:              r.To,
		Totals:          totals,
		AcceptanceRate:  r.AcceptanceRate,
		FairnessScore:   r.FairnessScore,
		EfficiencyScore: r.EfficiencyScore,
		Shares:          shares,
		Time:            r.GeneratedAt,
	}
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
