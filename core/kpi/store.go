// Package kpi keeps versioned contractor performance scores.
package kpi

import (
	"context"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/model"
)

// Benchmark is the reference value a metric is normalised against.
type Benchmark struct {
	Target        float64 `json:"target"`
	LowerIsBetter bool    `json:"lower_is_better"`
}

// Config tunes the composite score.
type Config struct {
	Weights           map[model.KPIMetric]float64   `json:"weights"`
	Benchmarks        map[model.KPIMetric]Benchmark `json:"benchmarks"`
	RecomputeInterval time.Duration                 `json:"recompute_interval"`
}

// DefaultConfig returns the stock weights and benchmarks. Response time is in
// minutes, completion time in hours, satisfaction on a 0-5 scale and the rest
// in percent.
func DefaultConfig() Config {
	return Config{
		Weights: map[model.KPIMetric]float64{
			model.MetricResponseTime:   0.25,
			model.MetricCompletionTime: 0.20,
			model.MetricSatisfaction:   0.25,
			model.MetricReportQuality:  0.10,
			model.MetricCommunication:  0.10,
			model.MetricCompliance:     0.10,
		},
		Benchmarks: map[model.KPIMetric]Benchmark{
			model.MetricResponseTime:   {Target: 60, LowerIsBetter: true},
			model.MetricCompletionTime: {Target: 72, LowerIsBetter: true},
			model.MetricSatisfaction:   {Target: 5},
			model.MetricReportQuality:  {Target: 100},
			model.MetricCommunication:  {Target: 100},
			model.MetricCompliance:     {Target: 100},
		},
		RecomputeInterval: 15 * time.Minute,
	}
}

// SetDefaults fills missing weights, benchmarks and interval.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if len(c.Weights) == 0 {
		c.Weights = d.Weights
	}
	if c.Benchmarks == nil {
		c.Benchmarks = map[model.KPIMetric]Benchmark{}
	}
	for m, b := range d.Benchmarks {
		if _, ok := c.Benchmarks[m]; !ok {
			c.Benchmarks[m] = b
		}
	}
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = d.RecomputeInterval
	}
}

// BonusMultiplier maps an overall score onto its bonus band.
func BonusMultiplier(overall float64) float64 {
	switch {
	case overall >= 90:
		return 1.15
	case overall >= 75:
		return 1.05
	default:
		return 1.0
	}
}

// Normalize scores a raw value against its benchmark on a 0-100 scale.
func Normalize(value float64, b Benchmark) float64 {
	if b.Target <= 0 {
		return 0
	}
	var s float64
	if b.LowerIsBetter {
		if value <= 0 {
			return 100
		}
		s = 100 * b.Target / value
	} else {
		s = 100 * value / b.Target
	}
	return math.Max(0, math.Min(100, s))
}

// Snapshot is an immutable view of every score at one version. Allocation
// passes hold on to the snapshot they started with.
type Snapshot struct {
	Version int64
	TakenAt time.Time
	scores  map[string]model.KPIScore
}

// Score returns the score of a contractor in this snapshot.
func (s *Snapshot) Score(id string) (model.KPIScore, bool) {
	if s == nil {
		return model.KPIScore{}, false
	}
	sc, ok := s.scores[id]
	return sc, ok
}

// Len returns the number of scored contractors.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.scores)
}

type metricSet struct {
	mu     sync.Mutex
	values map[model.KPIMetric]float64
	dirty  bool
}

// Store holds raw metrics per contractor and publishes composite scores as
// atomically swapped snapshots.
type Store struct {
	cfg   Config
	raw   sync.Map // contractor id -> *metricSet
	pubMu sync.Mutex
	snap  atomic.Pointer[Snapshot]
	log   logger.Logger
	now   func() time.Time
}

// NewStore returns an empty store.
func NewStore(cfg Config, log logger.Logger) *Store {
	cfg.SetDefaults()
	s := &Store{cfg: cfg, log: log, now: time.Now}
	s.snap.Store(&Snapshot{scores: map[string]model.KPIScore{}})
	return s
}

// Snapshot returns the current published scores.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Put publishes a precomputed composite for a contractor immediately, as
// delivered by a profile upsert. Metric values carried by the score become
// the raw baseline later recordings are folded into.
func (s *Store) Put(id string, score model.KPIScore) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if len(score.Metrics) > 0 {
		v, _ := s.raw.LoadOrStore(id, &metricSet{values: map[model.KPIMetric]float64{}})
		ms := v.(*metricSet)
		ms.mu.Lock()
		for m, sub := range score.Metrics {
			if sub.Value == 0 && sub.Score != 0 {
				// score-only entries are carried by compose
				delete(ms.values, m)
				continue
			}
			ms.values[m] = sub.Value
		}
		ms.dirty = false
		ms.mu.Unlock()
	}
	cur := s.snap.Load()
	next := &Snapshot{Version: cur.Version + 1, TakenAt: s.now(), scores: maps.Clone(cur.scores)}
	if score.BonusMultiplier == 0 {
		score.BonusMultiplier = BonusMultiplier(score.OverallScore)
	}
	if score.Trend == "" {
		score.Trend = model.TrendStable
	}
	if score.LastUpdated.IsZero() {
		score.LastUpdated = next.TakenAt
	}
	score.Version = next.Version
	next.scores[id] = score
	s.snap.Store(next)
}

// Record stores a raw metric value. It is folded into the composite on the
// next Recompute.
func (s *Store) Record(id string, metric model.KPIMetric, value float64) {
	v, _ := s.raw.LoadOrStore(id, &metricSet{values: map[model.KPIMetric]float64{}})
	ms := v.(*metricSet)
	ms.mu.Lock()
	ms.values[metric] = value
	ms.dirty = true
	ms.mu.Unlock()
}

// Recompute rebuilds composite scores of contractors with new metrics and
// publishes a new snapshot version.
func (s *Store) Recompute() *Snapshot {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	cur := s.snap.Load()
	now := s.now()
	next := &Snapshot{Version: cur.Version + 1, TakenAt: now, scores: maps.Clone(cur.scores)}
	changed := 0
	s.raw.Range(func(k, v any) bool {
		id := k.(string)
		ms := v.(*metricSet)
		ms.mu.Lock()
		if !ms.dirty {
			ms.mu.Unlock()
			return true
		}
		values := maps.Clone(ms.values)
		ms.dirty = false
		ms.mu.Unlock()

		prev, had := cur.scores[id]
		sc := s.compose(values, prev)
		sc.Trend = model.TrendStable
		if had {
			switch d := sc.OverallScore - prev.OverallScore; {
			case d > 1:
				sc.Trend = model.TrendUp
			case d < -1:
				sc.Trend = model.TrendDown
			}
		}
		sc.LastUpdated = now
		sc.Version = next.Version
		next.scores[id] = sc
		changed++
		return true
	})
	if changed == 0 {
		return cur
	}
	s.snap.Store(next)
	if s.log != nil {
		s.log.Debugw("kpi scores recomputed", map[string]any{"version": next.Version, "changed": changed})
	}
	return next
}

// compose builds the composite from raw values. A metric with no raw value
// keeps its sub-score from prev; when prev has no breakdown at all its
// overall score stands in for the missing metric.
func (s *Store) compose(values map[model.KPIMetric]float64, prev model.KPIScore) model.KPIScore {
	sc := model.KPIScore{Metrics: make(map[model.KPIMetric]model.MetricScore, len(model.KPIMetrics))}
	var total, weights float64
	for _, m := range model.KPIMetrics {
		w := s.cfg.Weights[m]
		var ms model.MetricScore
		if v, ok := values[m]; ok {
			ms = model.MetricScore{Value: v, Score: Normalize(v, s.cfg.Benchmarks[m])}
		} else if old, ok := prev.Metrics[m]; ok {
			ms = old
		} else if len(prev.Metrics) == 0 && prev.OverallScore > 0 {
			ms = model.MetricScore{Score: prev.OverallScore}
		} else {
			continue
		}
		ms.Weight = w
		sc.Metrics[m] = ms
		total += ms.Score * w
		weights += w
	}
	if weights > 0 {
		sc.OverallScore = math.Round(total/weights*100) / 100
	}
	sc.BonusMultiplier = BonusMultiplier(sc.OverallScore)
	return sc
}

// Run recomputes scores on the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RecomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Recompute()
		}
	}
}
