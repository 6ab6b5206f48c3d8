package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/leadalloc/core/allocation"
	"github.com/kilianp07/leadalloc/core/analytics"
	"github.com/kilianp07/leadalloc/core/audit"
	"github.com/kilianp07/leadalloc/core/balancer"
	"github.com/kilianp07/leadalloc/core/capacity"
	"github.com/kilianp07/leadalloc/core/contractor"
	"github.com/kilianp07/leadalloc/core/geo"
	"github.com/kilianp07/leadalloc/core/kpi"
	coremetrics "github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/core/rules"
	"github.com/kilianp07/leadalloc/infra/logger"
	"github.com/kilianp07/leadalloc/infra/mqtt"
)

type fixture struct {
	h     http.Handler
	m     *allocation.Manager
	reg   *contractor.Registry
	pub   *mqtt.MockPublisher
	store *audit.MemoryStore
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	log := logger.NopLogger{}
	g := geo.NewIndex(nil, log)
	capTracker := capacity.NewTracker()
	k := kpi.NewStore(kpi.DefaultConfig(), log)
	reg := contractor.NewRegistry(g, capTracker, k)
	bal, err := balancer.NewController(model.DefaultLoadBalancingConfig(), nil, capTracker, nil, log)
	require.NoError(t, err)
	eng, err := rules.NewEngine(nil, log)
	require.NoError(t, err)
	store := audit.NewMemoryStore()
	pub := mqtt.NewMockPublisher()
	m, err := allocation.NewManager(allocation.DefaultConfig(), allocation.Deps{
		Geo:         g,
		Contractors: reg,
		Capacity:    capTracker,
		KPI:         k,
		Rules:       eng,
		Balancer:    bal,
		Recorder:    audit.NewRecorder(store, nil, log, "test"),
		Publisher:   pub,
		Log:         log,
	})
	require.NoError(t, err)
	snap := analytics.NewSnapshotter(store, coremetrics.NopSink{}, 24*time.Hour, analytics.DefaultThresholds, log)
	h := NewRouter(Deps{
		Manager:     m,
		Contractors: reg,
		Events:      store,
		Analytics:   snap,
		Balancer:    bal,
		Rules:       eng,
		Token:       token,
		Log:         log,
	})
	return &fixture{h: h, m: m, reg: reg, pub: pub, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const leadJSON = `{
  "id": "lead-1",
  "customer": {"name": "Sam Doe", "phone": "+44 20 7946 0000"},
  "location": {"address": "10 Downing St", "coordinates": {"lat": 51.5072, "lng": -0.1276}, "property_type": "residential"},
  "details": {"service_type": "water_damage", "urgency": "urgent", "estimated_value": 2500, "estimated_duration": "4h"},
  "priority": "high"
}`

const contractorJSON = `{
  "company_name": "Restore One",
  "location": {"lat": 51.5072, "lng": -0.1276},
  "service_area": {"primary_radius_miles": 15, "max_radius_miles": 30},
  "capacity": {"max_active_jobs": 10},
  "kpi": {"overall_score": 85}
}`

func TestLeadLifecycle(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodPut, "/api/contractors/c1", contractorJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := decodeBody[model.Contractor](t, rec)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, model.ContractorActive, c.Status)

	rec = f.do(t, http.MethodPost, "/api/leads", leadJSON)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	l := decodeBody[model.Lead](t, rec)
	assert.Equal(t, model.StatusPendingAssignment, l.Status)
	assert.Equal(t, 4*time.Hour, l.Details.EstimatedDuration)

	require.NoError(t, f.m.Allocate(context.Background(), "lead-1"))
	rec = f.do(t, http.MethodGet, "/api/leads/lead-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	l = decodeBody[model.Lead](t, rec)
	require.Equal(t, model.StatusAssigned, l.Status)
	assert.Equal(t, "c1", l.Assignment.Current)
	offer, ok := f.pub.LastOffer("c1")
	require.True(t, ok)
	assert.Equal(t, l.Assignment.OfferID, offer.OfferID)

	rec = f.do(t, http.MethodPost, "/api/leads/lead-1/response", map[string]any{
		"offer_id": "stale", "contractor_id": "c1", "accepted": true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/leads/lead-1/response", map[string]any{
		"offer_id": offer.OfferID, "contractor_id": "c1", "accepted": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusAccepted, decodeBody[model.Lead](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/leads/lead-1/start", map[string]any{"actor": "crew"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusInProgress, decodeBody[model.Lead](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/leads/lead-1/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusCompleted, decodeBody[model.Lead](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/leads/lead-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal leads cannot be cancelled")

	rec = f.do(t, http.MethodGet, "/api/events?lead_id=lead-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decodeBody[[]model.AllocationEvent](t, rec)
	require.NotEmpty(t, evs)
	assert.Equal(t, model.EventLeadCreated, evs[0].Type)
	assert.Equal(t, model.EventLeadCompleted, evs[len(evs)-1].Type)

	rec = f.do(t, http.MethodGet, "/api/events?lead_id=lead-1&type=lead_accepted&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.AllocationEvent](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decodeBody[analytics.Report](t, rec)
	assert.Equal(t, 100.0, rep.AcceptanceRate)
}

func TestManualAssignAndCancel(t *testing.T) {
	f := newFixture(t, "")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/contractors/c1", contractorJSON).Code)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/leads", leadJSON).Code)

	rec := f.do(t, http.MethodPost, "/api/leads/lead-1/assign", map[string]any{"contractor_id": "c1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "actor is required")

	rec = f.do(t, http.MethodPost, "/api/leads/lead-1/assign", map[string]any{"contractor_id": "c1", "actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	l := decodeBody[model.Lead](t, rec)
	assert.Equal(t, model.MethodManual, l.Assignment.Method)

	rec = f.do(t, http.MethodPost, "/api/leads/lead-1/cancel", map[string]any{"actor": "ops", "reason": "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	l = decodeBody[model.Lead](t, rec)
	assert.Equal(t, model.StatusCancelled, l.Status)
	assert.Equal(t, "duplicate", l.CancelReason)
}

func TestLeadValidation(t *testing.T) {
	f := newFixture(t, "")
	tests := map[string]string{
		"missing customer": `{"location": {"address": "x", "coordinates": {"lat": 51, "lng": 0.1}}, "details": {"service_type": "water_damage"}}`,
		"bad priority":     strings.Replace(leadJSON, `"high"`, `"urgent"`, 1),
		"unresolved":       strings.Replace(leadJSON, `"lat": 51.5072, "lng": -0.1276`, `"lat": 0, "lng": 0`, 1),
		"unknown field":    strings.Replace(leadJSON, `"priority"`, `"prio"`, 1),
		"bad duration":     strings.Replace(leadJSON, `"4h"`, `"four hours"`, 1),
		"not json":         `{`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/leads", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := f.do(t, http.MethodGet, "/api/leads/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/leads/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContractorEndpoints(t *testing.T) {
	f := newFixture(t, "")
	bad := strings.Replace(contractorJSON, `"max_radius_miles": 30`, `"max_radius_miles": 5`, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/contractors/c1", bad).Code)
	bad = strings.Replace(contractorJSON, `"company_name": "Restore One",`, "", 1)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/contractors/c1", bad).Code)
	mismatch := strings.Replace(contractorJSON, `{`, `{"id": "c2",`, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/contractors/c1", mismatch).Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/contractors/c1", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/contractors/c1", contractorJSON).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/contractors/c1", nil).Code)

	rec := f.do(t, http.MethodPut, "/api/contractors/c1/kpi", map[string]any{"metrics": map[string]float64{"response_time": 12}})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPut, "/api/contractors/c1/kpi", map[string]any{"metrics": map[string]float64{"charisma": 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPut, "/api/contractors/c1/kpi", map[string]any{"metrics": map[string]float64{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPut, "/api/contractors/ghost/kpi", map[string]any{"metrics": map[string]float64{"response_time": 12}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventQueryValidation(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/events?start=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/events?limit=-1", nil).Code)
	rec := f.do(t, http.MethodGet, "/api/events?start=2026-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestLoadBalancingConfig(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/config/load-balancing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.DefaultLoadBalancingConfig(), decodeBody[model.LoadBalancingConfig](t, rec))

	rec = f.do(t, http.MethodPut, "/api/config/load-balancing", map[string]any{"max_lead_share_percentage": 25})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 25.0, decodeBody[model.LoadBalancingConfig](t, rec).MaxLeadSharePercentage)

	rec = f.do(t, http.MethodPut, "/api/config/load-balancing", map[string]any{"fairness_weight": 0.9})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "weights must still sum to one")
	rec = f.do(t, http.MethodGet, "/api/config/load-balancing", nil)
	assert.Equal(t, 25.0, decodeBody[model.LoadBalancingConfig](t, rec).MaxLeadSharePercentage)
}

func TestRulesEndpoints(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(t, http.MethodPut, "/api/rules", []map[string]any{{
		"id": "pin", "priority": 2, "enabled": true,
		"actions": []map[string]any{{"type": "assign_to_contractor", "params": map[string]any{"contractor_id": "c1"}}},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody[[]model.AllocationRule](t, rec), 1)

	req := httptest.NewRequest(http.MethodPut, "/api/rules", strings.NewReader("rules:\n  - id: a\n    priority: 1\n  - id: b\n    priority: 2\n"))
	req.Header.Set("Content-Type", "application/yaml")
	yrec := httptest.NewRecorder()
	f.h.ServeHTTP(yrec, req)
	require.Equal(t, http.StatusOK, yrec.Code, yrec.Body.String())
	got := decodeBody[[]model.AllocationRule](t, yrec)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)

	rec = f.do(t, http.MethodPut, "/api/rules", []map[string]any{{"id": "x"}, {"id": "x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "duplicate ids are rejected")
	rec = f.do(t, http.MethodGet, "/api/rules", nil)
	assert.Len(t, decodeBody[[]model.AllocationRule](t, rec), 2)
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, "secret")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/rules", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
