package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/leadalloc/core/audit"
	"github.com/kilianp07/leadalloc/core/balancer"
	"github.com/kilianp07/leadalloc/core/capacity"
	"github.com/kilianp07/leadalloc/core/contractor"
	"github.com/kilianp07/leadalloc/core/geo"
	"github.com/kilianp07/leadalloc/core/kpi"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/core/notify"
	"github.com/kilianp07/leadalloc/core/rules"
	"github.com/kilianp07/leadalloc/infra/logger"
)

var site = model.Coordinates{Lat: 51.5072, Lng: -0.1276}

type fakePublisher struct {
	mu       sync.Mutex
	offers   []notify.Offer
	statuses []notify.StatusUpdate
	fail     map[string]bool
}

func (p *fakePublisher) PublishOffer(_ context.Context, o notify.Offer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[o.ContractorID] {
		return notify.ErrPublish
	}
	p.offers = append(p.offers, o)
	return nil
}

func (p *fakePublisher) PublishStatus(_ context.Context, s notify.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, s)
	return nil
}

func (p *fakePublisher) offeredTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.offers))
	for i, o := range p.offers {
		out[i] = o.ContractorID
	}
	return out
}

type env struct {
	m     *Manager
	reg   *contractor.Registry
	cap   *capacity.Tracker
	bal   *balancer.Controller
	rules *rules.Engine
	store *audit.MemoryStore
	pub   *fakePublisher
	clock *time.Time
}

func newEnv(t *testing.T, lb *model.LoadBalancingConfig, mutate func(*Config)) *env {
	t.Helper()
	log := logger.NopLogger{}
	clock := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	e := &env{clock: &clock, pub: &fakePublisher{fail: map[string]bool{}}, store: audit.NewMemoryStore()}
	now := func() time.Time { return *e.clock }

	g := geo.NewIndex(nil, log)
	e.cap = capacity.NewTracker()
	k := kpi.NewStore(kpi.DefaultConfig(), log)
	e.reg = contractor.NewRegistry(g, e.cap, k)
	cfg := model.DefaultLoadBalancingConfig()
	if lb != nil {
		cfg = *lb
	}
	var err error
	e.bal, err = balancer.NewController(cfg, nil, e.cap, nil, log)
	require.NoError(t, err)
	e.bal.SetClock(now)
	e.rules, err = rules.NewEngine(nil, log)
	require.NoError(t, err)

	acfg := DefaultConfig()
	if mutate != nil {
		mutate(&acfg)
	}
	e.m, err = NewManager(acfg, Deps{
		Geo:         g,
		Contractors: e.reg,
		Capacity:    e.cap,
		KPI:         k,
		Rules:       e.rules,
		Balancer:    e.bal,
		Recorder:    audit.NewRecorder(e.store, nil, log, "test"),
		Publisher:   e.pub,
		Log:         log,
	})
	require.NoError(t, err)
	e.m.now = now
	e.m.seed = func() uint64 { return 42 }
	return e
}

func (e *env) advance(d time.Duration) { *e.clock = e.clock.Add(d) }

func (e *env) addContractor(t *testing.T, id string, score float64, mutate func(*model.Contractor)) {
	t.Helper()
	c := model.Contractor{
		ID:          id,
		CompanyName: "Restore " + id,
		Location:    site,
		ServiceArea: model.ServiceArea{PrimaryRadius: 15, MaxRadius: 30},
		Capacity:    model.ContractorCapacity{MaxActiveJobs: 10},
		KPI:         model.KPIScore{OverallScore: score},
	}
	if mutate != nil {
		mutate(&c)
	}
	require.NoError(t, e.reg.Upsert(c))
}

func newLead(id string, p model.LeadPriority) model.Lead {
	return model.Lead{
		ID:       id,
		Priority: p,
		Customer: model.Customer{Name: "Sam Doe", Phone: "+44 20 7946 0000"},
		Location: model.JobLocation{Address: "10 Downing St", Coordinates: site, PropertyType: "residential"},
		Details:  model.JobDetails{ServiceType: model.ServiceWaterDamage, Urgency: model.UrgencyUrgent, EstimatedValue: 2500},
	}
}

func (e *env) allocateNew(t *testing.T, l model.Lead) model.Lead {
	t.Helper()
	ctx := context.Background()
	_, err := e.m.Create(ctx, l)
	require.NoError(t, err)
	_ = e.m.Allocate(ctx, l.ID)
	got, err := e.m.Get(l.ID)
	require.NoError(t, err)
	return got
}

func (e *env) eventTypes(t *testing.T, leadID string) []model.EventType {
	t.Helper()
	evs, err := e.store.Query(context.Background(), audit.Query{LeadID: leadID})
	require.NoError(t, err)
	out := make([]model.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func (e *env) lastEvent(t *testing.T, leadID string, typ model.EventType) model.AllocationEvent {
	t.Helper()
	evs, err := e.store.Query(context.Background(), audit.Query{LeadID: leadID, Type: typ})
	require.NoError(t, err)
	require.NotEmpty(t, evs, "no %s event", typ)
	return evs[len(evs)-1]
}

func TestCriticalLeadWithSingleCandidateExhaustsOnTimeout(t *testing.T) {
	lb := model.DefaultLoadBalancingConfig()
	lb.Saturation.MaxCapacityUtilization = 98
	e := newEnv(t, &lb, nil)
	e.addContractor(t, "solo", 80, func(c *model.Contractor) {
		c.Capacity = model.ContractorCapacity{CurrentActiveJobs: 19, MaxActiveJobs: 20}
	})

	l := e.allocateNew(t, newLead("lead-a", model.PriorityCritical))
	require.Equal(t, model.StatusAssigned, l.Status)
	assert.Equal(t, "solo", l.Assignment.Current)
	require.Len(t, e.pub.offers, 1)
	assert.Equal(t, "contractor:solo", e.pub.offers[0].To)
	assert.Equal(t, e.clock.Add(15*time.Minute), e.pub.offers[0].Deadline)

	e.advance(16 * time.Minute)
	assert.Equal(t, 1, e.m.SweepExpired(context.Background()))

	l, err := e.m.Get("lead-a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, l.Status)
	assert.Equal(t, model.ReasonExhaustedCandidates, l.CancelReason)
	assert.Equal(t, []string{"solo"}, l.Assignment.DeclinedBy)
	c, _ := e.cap.Snapshot("solo")
	assert.Equal(t, 19, c.CurrentActiveJobs)
	assert.Equal(t, []model.EventType{
		model.EventLeadCreated,
		model.EventLeadPending,
		model.EventLeadAssigned,
		model.EventLeadExpired,
		model.EventLeadPending,
		model.EventLeadCancelled,
	}, e.eventTypes(t, "lead-a"))
}

func TestHigherKPIRankedFirst(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "c70", 70, nil)
	e.addContractor(t, "c90", 90, nil)

	l := e.allocateNew(t, newLead("lead-b", model.PriorityMedium))
	assert.Equal(t, "c90", l.Assignment.Current)
	assert.Equal(t, model.MethodKPIBased, l.Assignment.Method)

	ev := e.lastEvent(t, "lead-b", model.EventLeadAssigned)
	require.Len(t, ev.Candidates, 2)
	first, second := ev.Candidates[0], ev.Candidates[1]
	assert.Equal(t, "c90", first.ContractorID)
	assert.InDelta(t, 20*0.4, first.FinalScore-second.FinalScore, 0.011)
	assert.Equal(t, first.ProximityBonus, second.ProximityBonus)
	assert.Equal(t, first.LoadBalancingAdjustment, second.LoadBalancingAdjustment)
	require.NotNil(t, ev.Decision)
	assert.Equal(t, "c90", ev.Decision.Winner)
	assert.Equal(t, []string{"c70"}, ev.Decision.Alternates)
}

func TestOverridePinsPreferredContractor(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "pinned", 50, nil)
	e.addContractor(t, "star", 95, nil)
	require.NoError(t, e.rules.SetRules([]model.AllocationRule{{
		ID:         "water-pin",
		Priority:   1,
		Enabled:    true,
		Conditions: []model.AllocationCondition{{Type: model.CondServiceType, Operator: model.OpEquals, Value: "water_damage"}},
		Overrides:  []model.RuleOverride{{ContractorID: "pinned", ValidUntil: e.clock.Add(30 * 24 * time.Hour)}},
	}}))

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("lead-c%d", i)
		l := e.allocateNew(t, newLead(id, model.PriorityHigh))
		assert.Equal(t, "pinned", l.Assignment.Current, id)
		assert.Equal(t, model.MethodPreferredContractor, l.Assignment.Method)
		ev := e.lastEvent(t, id, model.EventLeadAssigned)
		assert.Equal(t, model.MethodPreferredContractor, ev.Decision.Method)
		assert.Contains(t, ev.Decision.MatchedRules, "water-pin")
	}

	// A lead outside the rule is scored normally.
	other := newLead("lead-fire", model.PriorityHigh)
	other.Details.ServiceType = model.ServiceFireDamage
	l := e.allocateNew(t, other)
	assert.Equal(t, "star", l.Assignment.Current)
}

func TestOverrideReachesContractorOutsideRadius(t *testing.T) {
	e := newEnv(t, nil, nil)
	// roughly 55 miles north of the site
	e.addContractor(t, "pinned", 50, func(c *model.Contractor) {
		c.Location = model.Coordinates{Lat: site.Lat + 0.8, Lng: site.Lng}
		c.ServiceArea = model.ServiceArea{PrimaryRadius: 10, MaxRadius: 20}
	})
	e.addContractor(t, "near", 90, nil)
	require.NoError(t, e.rules.SetRules([]model.AllocationRule{{
		ID:         "water-pin",
		Priority:   1,
		Enabled:    true,
		Conditions: []model.AllocationCondition{{Type: model.CondServiceType, Operator: model.OpEquals, Value: "water_damage"}},
		Overrides:  []model.RuleOverride{{ContractorID: "pinned", ValidUntil: e.clock.Add(24 * time.Hour)}},
	}}))

	l := e.allocateNew(t, newLead("lead-pin", model.PriorityHigh))
	assert.Equal(t, "pinned", l.Assignment.Current)
	assert.Equal(t, model.MethodPreferredContractor, l.Assignment.Method)
	assert.Equal(t, []string{"pinned"}, e.pub.offeredTo())
	c, _ := e.cap.Snapshot("pinned")
	assert.Equal(t, 1, c.CurrentActiveJobs)

	// Once the pin lapses the lead is scored inside the radius again.
	e.advance(25 * time.Hour)
	l = e.allocateNew(t, newLead("lead-pin-late", model.PriorityHigh))
	assert.Equal(t, "near", l.Assignment.Current)
	assert.Equal(t, model.MethodKPIBased, l.Assignment.Method)
}

func TestOverrideSkipsSuspendedContractor(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "pinned", 50, func(c *model.Contractor) {
		c.Location = model.Coordinates{Lat: site.Lat + 0.8, Lng: site.Lng}
		c.Status = model.ContractorSuspended
	})
	e.addContractor(t, "near", 90, nil)
	require.NoError(t, e.rules.SetRules([]model.AllocationRule{{
		ID:        "water-pin",
		Enabled:   true,
		Overrides: []model.RuleOverride{{ContractorID: "pinned", ValidUntil: e.clock.Add(time.Hour)}},
	}}))

	l := e.allocateNew(t, newLead("lead-pin-off", model.PriorityHigh))
	assert.Equal(t, "near", l.Assignment.Current)
	ev := e.lastEvent(t, "lead-pin-off", model.EventLeadAssigned)
	assert.Contains(t, ev.Decision.Constraints, "override pinned by rule water-pin: contractor pinned unavailable")
}

func TestDeclineMovesToNextCandidateWithoutRepeats(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "a", 90, nil)
	e.addContractor(t, "b", 70, nil)
	ctx := context.Background()

	l := e.allocateNew(t, newLead("lead-d", model.PriorityMedium))
	require.Equal(t, "a", l.Assignment.Current)
	offerA := l.Assignment.OfferID

	l, err := e.m.Respond(ctx, notify.Response{LeadID: "lead-d", ContractorID: "a", OfferID: offerA})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, l.Status)
	assert.Equal(t, "b", l.Assignment.Current)
	assert.Equal(t, []string{"a"}, l.Assignment.DeclinedBy)
	capA, _ := e.cap.Snapshot("a")
	assert.Zero(t, capA.CurrentActiveJobs)

	_, err = e.m.Respond(ctx, notify.Response{LeadID: "lead-d", ContractorID: "a", OfferID: offerA})
	assert.ErrorIs(t, err, ErrOfferMismatch)

	l, err = e.m.Respond(ctx, notify.Response{LeadID: "lead-d", ContractorID: "b"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, l.Status)
	assert.Equal(t, model.ReasonExhaustedCandidates, l.CancelReason)
	assert.Equal(t, []string{"a", "b"}, l.Assignment.DeclinedBy)
	assert.Equal(t, []string{"a", "b"}, e.pub.offeredTo())
}

func TestLateExpiryAfterAcceptIsIgnored(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "a", 90, nil)
	e.addContractor(t, "b", 70, nil)
	ctx := context.Background()

	l := e.allocateNew(t, newLead("lead-late", model.PriorityMedium))
	require.Equal(t, "a", l.Assignment.Current)
	offerA := l.Assignment.OfferID

	l, err := e.m.Respond(ctx, notify.Response{LeadID: "lead-late", ContractorID: "a", OfferID: offerA, Accepted: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusAccepted, l.Status)
	before, _ := e.cap.Snapshot("a")

	e.advance(time.Hour)
	e.m.expire("lead-late", "stale-offer")
	e.m.expire("lead-late", offerA)
	assert.Zero(t, e.m.SweepExpired(ctx))

	l, err = e.m.Get("lead-late")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, l.Status)
	assert.Equal(t, "a", l.Assignment.Current)
	assert.Empty(t, l.Assignment.DeclinedBy)
	after, _ := e.cap.Snapshot("a")
	assert.Equal(t, before, after)
	assert.NotContains(t, e.eventTypes(t, "lead-late"), model.EventLeadExpired)
	assert.Equal(t, []string{"a"}, e.pub.offeredTo())
}

func TestConcurrentLeadsNeverOverReserve(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "only", 80, func(c *model.Contractor) {
		c.Capacity = model.ContractorCapacity{MaxActiveJobs: 3}
	})
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		_, err := e.m.Create(ctx, newLead(fmt.Sprintf("lead-%02d", i), model.PriorityMedium))
		require.NoError(t, err)
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = e.m.Allocate(ctx, fmt.Sprintf("lead-%02d", i))
		}(i)
	}
	wg.Wait()

	assigned := 0
	for i := 0; i < n; i++ {
		l, err := e.m.Get(fmt.Sprintf("lead-%02d", i))
		require.NoError(t, err)
		if l.Status == model.StatusAssigned {
			assigned++
		}
	}
	c, _ := e.cap.Snapshot("only")
	assert.Equal(t, 3, assigned)
	assert.Equal(t, 3, c.CurrentActiveJobs)
	assert.LessOrEqual(t, c.CurrentActiveJobs, c.MaxActiveJobs)
}

func TestSaturatedContractorIsCutOff(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "busy", 99, func(c *model.Contractor) {
		c.Capacity = model.ContractorCapacity{CurrentActiveJobs: 17, MaxActiveJobs: 20}
	})
	e.addContractor(t, "free", 60, nil)
	ctx := context.Background()

	l := e.allocateNew(t, newLead("lead-s1", model.PriorityMedium))
	assert.Equal(t, "free", l.Assignment.Current)
	ev := e.lastEvent(t, "lead-s1", model.EventLeadAssigned)
	assert.Equal(t, "saturated", ev.Decision.Excluded["busy"])

	cooling, err := e.bal.InCooldown(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, cooling)

	l = e.allocateNew(t, newLead("lead-s2", model.PriorityMedium))
	assert.Equal(t, "free", l.Assignment.Current)
	ev = e.lastEvent(t, "lead-s2", model.EventLeadAssigned)
	assert.Equal(t, "saturation_cooldown", ev.Decision.Excluded["busy"])
	for _, s := range ev.Candidates {
		assert.NotEqual(t, "busy", s.ContractorID)
	}

	// Freed capacity alone does not end the cooldown.
	e.addContractor(t, "busy", 99, func(c *model.Contractor) {
		c.Capacity = model.ContractorCapacity{MaxActiveJobs: 40}
	})
	l = e.allocateNew(t, newLead("lead-s3", model.PriorityMedium))
	assert.Equal(t, "free", l.Assignment.Current)

	e.advance(e.bal.Config().Saturation.Cooldown() + time.Minute)
	cooling, err = e.bal.InCooldown(ctx, "busy")
	require.NoError(t, err)
	assert.False(t, cooling)

	l = e.allocateNew(t, newLead("lead-s4", model.PriorityMedium))
	assert.Equal(t, "busy", l.Assignment.Current)
	ev = e.lastEvent(t, "lead-s4", model.EventLeadAssigned)
	assert.NotContains(t, ev.Decision.Excluded, "busy")
}

func TestEscalateWaitsForManualAssign(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "a", 80, nil)
	require.NoError(t, e.rules.SetRules([]model.AllocationRule{{
		ID:         "vip",
		Enabled:    true,
		Conditions: []model.AllocationCondition{{Type: model.CondJobValue, Operator: model.OpGreaterThan, Value: 1000}},
		Actions:    []model.AllocationAction{{Type: model.ActionEscalate, Params: map[string]any{"reason": "high value claim"}}},
	}}))
	ctx := context.Background()

	l := e.allocateNew(t, newLead("lead-e", model.PriorityHigh))
	assert.Equal(t, model.StatusPendingAssignment, l.Status)
	assert.Equal(t, model.SubStatusEscalated, l.Assignment.SubStatus)
	assert.Empty(t, e.pub.offers)

	require.NoError(t, e.m.Allocate(ctx, "lead-e"))
	assert.Empty(t, e.pub.offers)

	l, err := e.m.ManualAssign(ctx, "lead-e", "a", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, l.Status)
	assert.Equal(t, model.MethodManual, l.Assignment.Method)
	ev := e.lastEvent(t, "lead-e", model.EventLeadAssigned)
	assert.Equal(t, "ops@example.com", ev.Audit.Actor)

	_, err = e.m.ManualAssign(ctx, "lead-e", "a", "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQueueRuleHoldsLeadUntilPassCap(t *testing.T) {
	e := newEnv(t, nil, func(c *Config) { c.MaxPasses = 3 })
	require.NoError(t, e.rules.SetRules([]model.AllocationRule{{
		ID:      "hold",
		Enabled: true,
		Actions: []model.AllocationAction{{Type: model.ActionQueue, Params: map[string]any{"delay": "1h"}}},
	}}))
	ctx := context.Background()

	l := e.allocateNew(t, newLead("lead-q", model.PriorityLow))
	assert.Equal(t, model.StatusPendingAssignment, l.Status)
	assert.Equal(t, model.SubStatusQueued, l.Assignment.SubStatus)

	var err error
	for i := 0; i < 5 && l.Status != model.StatusCancelled; i++ {
		err = e.m.Allocate(ctx, "lead-q")
		l, _ = e.m.Get("lead-q")
	}
	assert.ErrorIs(t, err, ErrExhaustedRetries)
	assert.Equal(t, model.StatusCancelled, l.Status)
	assert.Equal(t, model.ReasonExhaustedCandidates, l.CancelReason)
	assert.Equal(t, 3, l.Assignment.Passes)
}

func TestNoEligibleContractorsCancels(t *testing.T) {
	e := newEnv(t, nil, nil)
	far := model.Coordinates{Lat: 55.9533, Lng: -3.1883}
	e.addContractor(t, "edinburgh", 90, func(c *model.Contractor) { c.Location = far })
	ctx := context.Background()

	_, err := e.m.Create(ctx, newLead("lead-n", model.PriorityCritical))
	require.NoError(t, err)
	err = e.m.Allocate(ctx, "lead-n")
	require.ErrorIs(t, err, ErrNoEligibleContractors)
	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.True(t, aerr.Kind.Surfaced())

	l, _ := e.m.Get("lead-n")
	assert.Equal(t, model.StatusCancelled, l.Status)
	assert.Equal(t, model.ReasonNoEligibleContractors, l.CancelReason)
}

func TestCancelReleasesCapacity(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "a", 80, nil)
	ctx := context.Background()

	l := e.allocateNew(t, newLead("lead-x", model.PriorityMedium))
	require.Equal(t, model.StatusAssigned, l.Status)
	c, _ := e.cap.Snapshot("a")
	require.Equal(t, 1, c.CurrentActiveJobs)

	l, err := e.m.Cancel(ctx, "lead-x", model.ReasonCancelledByCustomer, "customer")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, l.Status)
	assert.Equal(t, model.ReasonCancelledByCustomer, l.CancelReason)
	c, _ = e.cap.Snapshot("a")
	assert.Zero(t, c.CurrentActiveJobs)
	assert.Zero(t, c.WeeklyJobs)

	_, err = e.m.Cancel(ctx, "lead-x", "", "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAutoAcceptThroughCompletion(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "auto", 80, func(c *model.Contractor) { c.Preferences.AutoAccept = true })
	ctx := context.Background()

	l := e.allocateNew(t, newLead("lead-aa", model.PriorityHigh))
	require.Equal(t, model.StatusAccepted, l.Status)
	assert.False(t, l.Timeline.CompletionDeadline.IsZero())

	_, err := e.m.Complete(ctx, "lead-aa", "auto")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	l, err = e.m.Start(ctx, "lead-aa", "auto")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, l.Status)

	e.advance(3 * time.Hour)
	l, err = e.m.Complete(ctx, "lead-aa", "auto")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, l.Status)
	c, _ := e.cap.Snapshot("auto")
	assert.Zero(t, c.CurrentActiveJobs)
	assert.Equal(t, 1, c.WeeklyJobs)

	stats, _ := e.reg.Get("auto")
	assert.Equal(t, 1, stats.Stats.Accepted)
}

func TestUndeliverableOfferFallsThrough(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.addContractor(t, "offline", 95, nil)
	e.addContractor(t, "online", 60, nil)
	e.pub.fail["offline"] = true

	l := e.allocateNew(t, newLead("lead-u", model.PriorityMedium))
	assert.Equal(t, "online", l.Assignment.Current)
	assert.Empty(t, l.Assignment.DeclinedBy)
	c, _ := e.cap.Snapshot("offline")
	assert.Zero(t, c.CurrentActiveJobs)
}

func TestWeightedRandomRecordsSeed(t *testing.T) {
	e := newEnv(t, nil, func(c *Config) {
		c.Methods = map[model.LeadPriority]model.AssignmentMethod{model.PriorityLow: model.MethodWeightedRandom}
	})
	for i := 0; i < 4; i++ {
		e.addContractor(t, fmt.Sprintf("w%d", i), float64(60+i*10), nil)
	}
	l := e.allocateNew(t, newLead("lead-w", model.PriorityLow))
	assert.Equal(t, model.MethodWeightedRandom, l.Assignment.Method)
	ev := e.lastEvent(t, "lead-w", model.EventLeadAssigned)
	require.NotNil(t, ev.Decision.Seed)
	assert.Equal(t, uint64(42), *ev.Decision.Seed)
}

func TestSharesStayWithinCeilingForUniformContractors(t *testing.T) {
	e := newEnv(t, nil, nil)
	for i := 0; i < 4; i++ {
		e.addContractor(t, fmt.Sprintf("u%d", i), 80, func(c *model.Contractor) { c.Preferences.AutoAccept = true })
	}
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		e.advance(time.Minute)
		id := fmt.Sprintf("lead-f%03d", i)
		l := e.allocateNew(t, newLead(id, model.PriorityMedium))
		require.Equal(t, model.StatusAccepted, l.Status, id)
		_, err := e.m.Start(ctx, id, "")
		require.NoError(t, err)
		_, err = e.m.Complete(ctx, id, "")
		require.NoError(t, err)
		if i%10 == 9 {
			e.bal.Rebalance(ctx)
		}
	}
	rep := e.bal.Rebalance(ctx)
	cfg := e.bal.Config()
	zone := rep.Shares.Zones[geo.DefaultZone]
	require.Len(t, zone.Shares, 4)
	for id, share := range zone.Shares {
		assert.LessOrEqual(t, share, cfg.MaxLeadSharePercentage+cfg.RebalanceThreshold, id)
	}
	assert.Empty(t, rep.Alerts)
}

func TestErrorKinds(t *testing.T) {
	err := &Error{Kind: KindExhaustedRetries, Op: "allocate", LeadID: "l1"}
	assert.ErrorIs(t, err, ErrExhaustedRetries)
	assert.NotErrorIs(t, err, ErrNoEligibleContractors)
	assert.True(t, KindExhaustedRetries.Surfaced())
	assert.False(t, KindCapacityRaceLost.Surfaced())
	assert.False(t, KindDependencyTimeout.Surfaced())

	wrapped := &Error{Kind: KindDependencyTimeout, Op: "cooldown lookup", LeadID: "l1", ContractorID: "c1", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.ErrorIs(t, wrapped, ErrDependencyTimeout)
	assert.Contains(t, wrapped.Error(), "contractor c1")
}

func TestCreateRejectsUnresolvedLead(t *testing.T) {
	e := newEnv(t, nil, nil)
	l := newLead("lead-bad", model.PriorityMedium)
	l.Location.Coordinates = model.Coordinates{}
	_, err := e.m.Create(context.Background(), l)
	assert.ErrorIs(t, err, ErrInvalidLead)

	l = newLead("lead-dup", model.PriorityMedium)
	_, err = e.m.Create(context.Background(), l)
	require.NoError(t, err)
	_, err = e.m.Create(context.Background(), l)
	assert.ErrorIs(t, err, ErrInvalidLead)
}
