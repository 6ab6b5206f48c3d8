// Package geo answers which contractors may legally serve a location.
package geo

import (
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/model"
)

// DefaultZone is reported for locations outside every declared zone.
const DefaultZone = "default"

const metersPerMile = 1609.344

// Match is a geo-eligible contractor and its distance to the lead.
type Match struct {
	ContractorID string
	Distance     float64
	// Reach is the radius used for the proximity cap, zero for polygon
	// coverage.
	Reach float64
}

// Zone is a declared overlap zone used for lead-share accounting.
type Zone struct {
	ID      string        `json:"id"`
	Polygon model.Polygon `json:"polygon"`
}

type area struct {
	center   orb.Point
	reach    float64
	coverage orb.Polygon
	excluded []orb.Polygon
}

type zone struct {
	id   string
	poly orb.Polygon
}

// Index holds contractor service areas. Reads vastly outnumber upserts, so a
// single RWMutex guards the map.
type Index struct {
	mu    sync.RWMutex
	areas map[string]area
	zones []zone
	log   logger.Logger
}

// NewIndex builds an index with the given declared zones.
func NewIndex(zones []Zone, log logger.Logger) *Index {
	ix := &Index{areas: make(map[string]area), log: log}
	for _, z := range zones {
		ix.zones = append(ix.zones, zone{id: z.ID, poly: toPolygon(z.Polygon)})
	}
	sort.Slice(ix.zones, func(i, j int) bool { return ix.zones[i].id < ix.zones[j].id })
	return ix
}

// Upsert replaces the service area of a contractor. center is used when the
// area itself carries no center point.
func (ix *Index) Upsert(contractorID string, center model.Coordinates, sa model.ServiceArea) {
	c := sa.Center
	if c == (model.Coordinates{}) {
		c = center
	}
	a := area{center: toPoint(c), reach: sa.MaxRadius}
	if a.reach <= 0 {
		a.reach = sa.PrimaryRadius
	}
	if len(sa.Coverage) >= 3 {
		a.coverage = toPolygon(sa.Coverage)
	}
	for _, z := range sa.ExcludedZones {
		if len(z) >= 3 {
			a.excluded = append(a.excluded, toPolygon(z))
		}
	}
	ix.mu.Lock()
	ix.areas[contractorID] = a
	ix.mu.Unlock()
}

// EligibleContractors returns every contractor whose area covers loc, closest
// first. It never fails; an uncovered location yields an empty slice.
func (ix *Index) EligibleContractors(loc model.Coordinates) []Match {
	p := toPoint(loc)
	ix.mu.RLock()
	out := make([]Match, 0, 8)
	for id, a := range ix.areas {
		d := Distance(a.center, p)
		if !a.covers(p, d) {
			continue
		}
		reach := a.reach
		if a.coverage != nil {
			reach = 0
		}
		out = append(out, Match{ContractorID: id, Distance: d, Reach: reach})
	}
	ix.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ContractorID < out[j].ContractorID
	})
	return out
}

// Eligible is EligibleContractors with a warning when a critical lead has no
// coverage at all.
func (ix *Index) Eligible(leadID string, loc model.Coordinates, priority model.LeadPriority) []Match {
	out := ix.EligibleContractors(loc)
	if len(out) == 0 && priority == model.PriorityCritical && ix.log != nil {
		ix.log.Warnw("no contractor covers critical lead", map[string]any{
			"lead_id": leadID,
			"lat":     loc.Lat,
			"lng":     loc.Lng,
		})
	}
	return out
}

// ZoneOf returns the first declared zone containing loc.
func (ix *Index) ZoneOf(loc model.Coordinates) string {
	p := toPoint(loc)
	for _, z := range ix.zones {
		if planar.PolygonContains(z.poly, p) {
			return z.id
		}
	}
	return DefaultZone
}

func (a area) covers(p orb.Point, dist float64) bool {
	if a.coverage != nil {
		if !planar.PolygonContains(a.coverage, p) {
			return false
		}
	} else if dist > a.reach {
		return false
	}
	for _, ex := range a.excluded {
		if planar.PolygonContains(ex, p) {
			return false
		}
	}
	return true
}

// Distance is the haversine distance in miles between two points.
func Distance(a, b orb.Point) float64 {
	return geo.DistanceHaversine(a, b) / metersPerMile
}

// DistanceMiles is Distance for model coordinates.
func DistanceMiles(a, b model.Coordinates) float64 {
	return Distance(toPoint(a), toPoint(b))
}

func toPoint(c model.Coordinates) orb.Point {
	return orb.Point{c.Lng, c.Lat}
}

func toPolygon(p model.Polygon) orb.Polygon {
	ring := make(orb.Ring, 0, len(p)+1)
	for _, c := range p {
		ring = append(ring, toPoint(c))
	}
	if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}
}
