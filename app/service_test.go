package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/leadalloc/config"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/core/notify"
	"github.com/kilianp07/leadalloc/infra/mqtt"
	"github.com/kilianp07/leadalloc/infra/webhook"
)

const seed = `contractors:
  - id: c1
    company_name: Restore One
    location: {lat: 51.5072, lng: -0.1276}
    service_area: {primary_radius_miles: 15, max_radius_miles: 30}
    capacity: {max_active_jobs: 10}
    kpi: {overall_score: 85}
`

func newService(t *testing.T) (*Service, *mqtt.MockPublisher) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "contractors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	cfg := config.Default()
	cfg.ContractorsPath = path
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Logging.Level = "error"
	pub := mqtt.NewMockPublisher()
	svc, err := New(cfg, Options{Publisher: pub, Responses: []ResponseSource{pub}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, pub
}

func TestServiceAllocatesAndConsumesResponses(t *testing.T) {
	svc, pub := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	body := `{"id": "lead-1",
	  "customer": {"name": "Sam Doe", "phone": "+44 20 7946 0000"},
	  "location": {"address": "10 Downing St", "coordinates": {"lat": 51.5072, "lng": -0.1276}},
	  "details": {"service_type": "water_damage"}}`
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/leads", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		_, ok := pub.LastOffer("c1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	offer, _ := pub.LastOffer("c1")
	pub.Respond(notify.Response{OfferID: offer.OfferID, LeadID: "lead-1", ContractorID: "c1", Accepted: true})

	require.Eventually(t, func() bool {
		l, err := svc.Manager.Get("lead-1")
		return err == nil && l.Status == model.StatusAccepted
	}, 2*time.Second, 10*time.Millisecond)

	svc.Rebalance(ctx)
	c, ok := svc.Contractors.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 100.0, c.Stats.LeadSharePercentage)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestNewRejectsBadSeed(t *testing.T) {
	cfg := config.Default()
	cfg.ContractorsPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, Options{Publisher: notify.NopPublisher{}})
	assert.Error(t, err)

	cfg = config.Default()
	cfg.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(cfg, Options{Publisher: notify.NopPublisher{}})
	assert.Error(t, err)
}

func TestPublisherSelection(t *testing.T) {
	cfg := config.Default()
	svc, err := New(cfg, Options{})
	require.NoError(t, err)
	defer svc.Close()
	assert.Equal(t, notify.NopPublisher{}, svc.Publisher)

	cfg = config.Default()
	cfg.Webhook.URL = "http://127.0.0.1:1/hooks"
	cfg.Webhook.SetDefaults()
	svc, err = New(cfg, Options{})
	require.NoError(t, err)
	defer svc.Close()
	assert.IsType(t, &webhook.Publisher{}, svc.Publisher)
}
