package balancer

import (
	"sort"
	"sync"
	"time"
)

type key struct {
	zone       string
	contractor string
}

type counter struct {
	mu    sync.Mutex
	times []time.Time
}

// Ledger records lead assignments per zone and contractor. Each pair has its
// own lock so recording never contends across contractors.
type Ledger struct {
	counters sync.Map // key -> *counter
}

// Record adds one assignment at the given time.
func (l *Ledger) Record(zone, contractorID string, at time.Time) {
	v, _ := l.counters.LoadOrStore(key{zone, contractorID}, &counter{})
	c := v.(*counter)
	c.mu.Lock()
	c.times = append(c.times, at)
	c.mu.Unlock()
}

// ZoneShares is the share distribution of one zone.
type ZoneShares struct {
	Total  int
	Counts map[string]int
	Shares map[string]float64
}

// Shares is an immutable share snapshot across zones.
type Shares struct {
	At    time.Time
	Zones map[string]ZoneShares
}

// Share returns the contractor's share of the zone in percent.
func (s *Shares) Share(zone, contractorID string) float64 {
	if s == nil {
		return 0
	}
	return s.Zones[zone].Shares[contractorID]
}

// ZoneIDs returns zone identifiers in sorted order.
func (s *Shares) ZoneIDs() []string {
	ids := make([]string, 0, len(s.Zones))
	for id := range s.Zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Compute prunes entries older than the window and returns shares as of now.
func (l *Ledger) Compute(now time.Time, window time.Duration) *Shares {
	cutoff := now.Add(-window)
	out := &Shares{At: now, Zones: map[string]ZoneShares{}}
	l.counters.Range(func(k, v any) bool {
		kk := k.(key)
		c := v.(*counter)
		c.mu.Lock()
		kept := c.times[:0]
		for _, t := range c.times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		c.times = kept
		n := len(kept)
		c.mu.Unlock()
		if n == 0 {
			return true
		}
		z, ok := out.Zones[kk.zone]
		if !ok {
			z = ZoneShares{Counts: map[string]int{}, Shares: map[string]float64{}}
		}
		z.Counts[kk.contractor] = n
		z.Total += n
		out.Zones[kk.zone] = z
		return true
	})
	for id, z := range out.Zones {
		for c, n := range z.Counts {
			z.Shares[c] = float64(n) / float64(z.Total) * 100
		}
		out.Zones[id] = z
	}
	return out
}
