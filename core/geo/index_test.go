package geo

import (
	"math"
	"testing"

	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/infra/logger"
)

type warnRecorder struct {
	logger.NopLogger
	warnings []string
}

func (w *warnRecorder) Warnw(msg string, _ map[string]any) { w.warnings = append(w.warnings, msg) }

func square(lat, lng, half float64) model.Polygon {
	return model.Polygon{
		{Lat: lat - half, Lng: lng - half},
		{Lat: lat - half, Lng: lng + half},
		{Lat: lat + half, Lng: lng + half},
		{Lat: lat + half, Lng: lng - half},
	}
}

func TestEligibleContractorsRadiusPolygonAndExclusion(t *testing.T) {
	ix := NewIndex(nil, logger.NopLogger{})
	lead := model.Coordinates{Lat: -33.88, Lng: 151.20}

	ix.Upsert("near", model.Coordinates{Lat: -33.87, Lng: 151.21}, model.ServiceArea{PrimaryRadius: 5, MaxRadius: 10})
	ix.Upsert("far", model.Coordinates{Lat: -34.20, Lng: 151.20}, model.ServiceArea{MaxRadius: 5})
	ix.Upsert("poly", model.Coordinates{Lat: -33.70, Lng: 151.00}, model.ServiceArea{Coverage: square(-33.88, 151.20, 0.05)})
	ix.Upsert("excluded", model.Coordinates{Lat: -33.88, Lng: 151.20}, model.ServiceArea{
		MaxRadius:     25,
		ExcludedZones: []model.Polygon{square(-33.88, 151.20, 0.01)},
	})

	got := ix.EligibleContractors(lead)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %+v", got)
	}
	if got[0].ContractorID != "near" || got[1].ContractorID != "poly" {
		t.Fatalf("unexpected order %+v", got)
	}
	if got[0].Distance <= 0 || got[0].Distance > 1.5 {
		t.Fatalf("unexpected distance %v", got[0].Distance)
	}
	if got[0].Reach != 10 || got[1].Reach != 0 {
		t.Fatalf("unexpected reach %+v", got)
	}
}

func TestEligibleWarnsForUncoveredCriticalLead(t *testing.T) {
	rec := &warnRecorder{}
	ix := NewIndex(nil, rec)
	if got := ix.Eligible("l1", model.Coordinates{Lat: 10, Lng: 10}, model.PriorityLow); len(got) != 0 {
		t.Fatalf("expected no match")
	}
	if len(rec.warnings) != 0 {
		t.Fatalf("low priority should not warn")
	}
	ix.Eligible("l2", model.Coordinates{Lat: 10, Lng: 10}, model.PriorityCritical)
	if len(rec.warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(rec.warnings))
	}
}

func TestZoneOf(t *testing.T) {
	ix := NewIndex([]Zone{
		{ID: "b-east", Polygon: square(0, 1, 0.5)},
		{ID: "a-core", Polygon: square(0, 0, 0.5)},
		{ID: "c-wide", Polygon: square(0, 0, 2)},
	}, nil)
	if z := ix.ZoneOf(model.Coordinates{Lat: 0.1, Lng: 0.1}); z != "a-core" {
		t.Fatalf("zone = %s", z)
	}
	if z := ix.ZoneOf(model.Coordinates{Lat: 0, Lng: 1.8}); z != "c-wide" {
		t.Fatalf("zone = %s", z)
	}
	if z := ix.ZoneOf(model.Coordinates{Lat: 40, Lng: 40}); z != DefaultZone {
		t.Fatalf("zone = %s", z)
	}
}

func TestDistanceMiles(t *testing.T) {
	// Sydney to Melbourne is roughly 443 miles.
	d := DistanceMiles(model.Coordinates{Lat: -33.8688, Lng: 151.2093}, model.Coordinates{Lat: -37.8136, Lng: 144.9631})
	if math.Abs(d-443) > 5 {
		t.Fatalf("distance = %v", d)
	}
}
