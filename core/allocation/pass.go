package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/leadalloc/core/balancer"
	"github.com/kilianp07/leadalloc/core/events"
	"github.com/kilianp07/leadalloc/core/geo"
	"github.com/kilianp07/leadalloc/core/kpi"
	"github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/core/monitoring"
	"github.com/kilianp07/leadalloc/core/notify"
	"github.com/kilianp07/leadalloc/core/rules"
	"github.com/kilianp07/leadalloc/core/scoring"
)

// snapshot is the configuration one pass works with. Changes published while
// the pass runs are picked up by the next one.
type snapshot struct {
	rules  *rules.RuleSet
	lb     model.LoadBalancingConfig
	kpi    *kpi.Snapshot
	shares *balancer.Shares
	now    time.Time
}

func (m *Manager) snapshot() snapshot {
	return snapshot{
		rules:  m.rules.Current(),
		lb:     m.balancer.Config(),
		kpi:    m.kpi.Snapshot(),
		shares: m.balancer.Shares(),
		now:    m.now(),
	}
}

// reserveLimit is the utilization ceiling passed to the capacity tracker.
func reserveLimit(lb model.LoadBalancingConfig) float64 {
	if !lb.Saturation.Enabled {
		return 0
	}
	return lb.Saturation.MaxCapacityUtilization
}

// pool is the filtered candidate set of one pass.
type pool struct {
	size        int
	candidates  []scoring.Candidate
	contractors map[string]model.Contractor
	distance    map[string]float64
	excluded    map[string]string
}

// offerPlan is one offer attempt.
type offerPlan struct {
	contractor model.Contractor
	distance   float64
	method     model.AssignmentMethod
	limit      float64
	scores     []model.AllocationScore
	decision   *model.AllocationDecision
	actor      string
}

// Allocate runs one ranking pass for a pending lead. Leads in another state,
// or escalated to an operator, are left untouched.
func (m *Manager) Allocate(ctx context.Context, id string) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.allocate(ctx, st)
}

func (m *Manager) allocate(ctx context.Context, st *leadState) error {
	l := &st.lead
	if l.Status != model.StatusPendingAssignment || l.Assignment.SubStatus == model.SubStatusEscalated {
		return nil
	}
	stopTimer(&st.requeue)
	if l.Assignment.Passes >= m.cfg.MaxPasses {
		return m.fail(ctx, st, KindExhaustedRetries, model.ReasonExhaustedCandidates, nil)
	}
	l.Assignment.Passes++
	l.Assignment.SubStatus = model.SubStatusNone
	clear(st.unreachable)

	snap := m.snapshot()
	start := time.Now()
	d := m.rules.Evaluate(snap.rules, rules.Context{Lead: *l, Zone: l.Zone, Now: snap.now})
	for _, n := range d.Notifications {
		m.publish(events.NotificationEvent{LeadID: l.ID, RuleID: n.RuleID, Channel: n.Channel, Message: n.Message})
	}
	if t := d.Terminal; t != nil && t.Action == model.ActionEscalate {
		return m.escalate(ctx, st, t.Reason, d)
	}

	p := m.candidates(ctx, st, snap, d)
	method := m.cfg.MethodFor(l.Priority)
	ranking := scoring.Rank(scoring.Input{
		Candidates: p.candidates,
		PoolSize:   p.size,
		Config:     snap.lb,
		Bonuses:    d.Bonuses,
	}, method, m.cfg.TopN, m.seed())
	defer func() { passLatency.WithLabelValues(string(ranking.Method)).Observe(time.Since(start).Seconds()) }()

	base := model.AllocationDecision{
		Method:       ranking.Method,
		Seed:         ranking.Seed,
		MatchedRules: d.Matched,
		Superseded:   d.Superseded,
		Excluded:     p.excluded,
	}

	if t := d.Terminal; t != nil {
		if c, dist, ok := m.terminalTarget(st, p, t); ok {
			dec := base
			dec.Method = t.Method
			dec.Seed = nil
			dec.Reasoning = []string{t.String(), t.Reason}
			plan := offerPlan{contractor: c, distance: dist, method: t.Method,
				limit: reserveLimit(snap.lb), scores: ranking.Scores, decision: &dec}
			if m.offer(ctx, st, plan, ranking.Order) {
				return nil
			}
		}
		base.Constraints = append(base.Constraints, fmt.Sprintf("%s: contractor %s unavailable", t, t.ContractorID))
	}

	for i, id := range ranking.Order {
		if st.unreachable[id] {
			continue
		}
		dec := base
		dec.Reasoning = reasoning(ranking, id, i)
		plan := offerPlan{contractor: p.contractors[id], distance: p.distance[id], method: ranking.Method,
			limit: reserveLimit(snap.lb), scores: ranking.Scores, decision: &dec}
		if m.offer(ctx, st, plan, ranking.Order) {
			return nil
		}
	}

	if d.Queue != nil {
		delay := d.Queue.Delay
		if delay <= 0 {
			delay = m.cfg.RequeueDelay
		}
		m.hold(ctx, st, delay, "held by rule "+d.Queue.RuleID)
		return nil
	}
	// Candidates existed but every reservation or delivery failed; these are
	// transient, so try again later within the pass budget.
	if len(p.candidates) > 0 && l.Assignment.Passes < m.cfg.MaxPasses {
		m.hold(ctx, st, m.cfg.RequeueDelay, "no reservable candidate")
		return nil
	}
	if l.Assignment.Offers > 0 {
		return m.fail(ctx, st, KindExhaustedRetries, model.ReasonExhaustedCandidates, &base)
	}
	return m.fail(ctx, st, KindNoEligibleContractors, model.ReasonNoEligibleContractors, &base)
}

// terminalTarget resolves the contractor a terminal rule names. An override
// pin reaches its contractor outside the geographic and preference filters;
// standing, prior declines and capacity still apply.
func (m *Manager) terminalTarget(st *leadState, p pool, t *rules.Terminal) (model.Contractor, float64, bool) {
	if c, ok := p.contractors[t.ContractorID]; ok {
		return c, p.distance[c.ID], true
	}
	if t.Action != rules.ActionOverride {
		return model.Contractor{}, 0, false
	}
	l := st.lead
	c, ok := m.contractors.Get(t.ContractorID)
	if !ok || !c.Eligible() || l.Assignment.Declined(c.ID) {
		return model.Contractor{}, 0, false
	}
	return c, geo.DistanceMiles(c.Location, l.Location.Coordinates), true
}

func reasoning(r scoring.Ranking, id string, pos int) []string {
	for _, s := range r.Scores {
		if s.ContractorID != id {
			continue
		}
		out := []string{fmt.Sprintf("%s rank %d of %d, final score %.2f", r.Method, pos+1, len(r.Order), s.FinalScore)}
		if s.RuleBonus != 0 {
			out = append(out, fmt.Sprintf("rule bonus %.2f", s.RuleBonus))
		}
		if s.LoadBalancingAdjustment != 0 {
			out = append(out, fmt.Sprintf("load balancing adjustment %.2f", s.LoadBalancingAdjustment))
		}
		return out
	}
	return nil
}

// candidates applies the hard filters: geography, prior declines, rule
// exclusions, account standing, preferences, cooldown and capacity.
func (m *Manager) candidates(ctx context.Context, st *leadState, snap snapshot, d rules.Decision) pool {
	l := st.lead
	matches := m.geo.Eligible(l.ID, l.Location.Coordinates, l.Priority)
	p := pool{
		size:        len(matches),
		contractors: map[string]model.Contractor{},
		distance:    map[string]float64{},
		excluded:    map[string]string{},
	}
	for _, mt := range matches {
		id := mt.ContractorID
		if l.Assignment.Declined(id) {
			p.excluded[id] = "declined"
			continue
		}
		if reason, ok := d.Excluded[id]; ok {
			p.excluded[id] = reason
			continue
		}
		c, ok := m.contractors.Get(id)
		if !ok {
			continue
		}
		if !c.Eligible() {
			p.excluded[id] = fmt.Sprintf("%s/%s", c.Status, c.Availability)
			continue
		}
		if !c.Preferences.Accepts(l, snap.now) {
			p.excluded[id] = "preferences"
			continue
		}
		cooling, err := m.inCooldown(ctx, l.ID, id)
		if err != nil {
			lookupTimeouts.Inc()
			m.log.Warnw("candidate lookup failed", map[string]any{"lead_id": l.ID, "contractor_id": id, "error": err.Error()})
			p.excluded[id] = string(KindDependencyTimeout)
			continue
		}
		if cooling {
			p.excluded[id] = "saturation_cooldown"
			continue
		}
		util := c.Capacity.UtilizationRate()
		if snap.lb.Saturation.Enabled && util >= snap.lb.Saturation.MaxCapacityUtilization {
			m.saturate(ctx, id, util)
			p.excluded[id] = "saturated"
			continue
		}
		if c.Capacity.AtCeiling() {
			p.excluded[id] = "at_capacity"
			continue
		}
		score, mult := c.KPI.OverallScore, c.KPI.BonusMultiplier
		if sc, ok := snap.kpi.Score(id); ok {
			score, mult = sc.OverallScore, sc.BonusMultiplier
		}
		p.contractors[id] = c
		p.distance[id] = mt.Distance
		p.candidates = append(p.candidates, scoring.Candidate{
			ContractorID:       id,
			Distance:           mt.Distance,
			Reach:              mt.Reach,
			KPI:                score,
			BonusMultiplier:    mult,
			Utilization:        util,
			LastLeadAssignedAt: c.Stats.LastLeadAssignedAt,
			Share:              snap.shares.Share(l.Zone, id),
		})
	}
	return p
}

func (m *Manager) inCooldown(ctx context.Context, leadID, contractorID string) (bool, error) {
	lctx, cancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
	defer cancel()
	cooling, err := m.balancer.InCooldown(lctx, contractorID)
	if err != nil {
		return false, &Error{Kind: KindDependencyTimeout, Op: "cooldown lookup", LeadID: leadID, ContractorID: contractorID, Err: err}
	}
	return cooling, nil
}

func (m *Manager) saturate(ctx context.Context, contractorID string, util float64) {
	lctx, cancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
	defer cancel()
	if _, err := m.balancer.CheckSaturation(lctx, contractorID, util); err != nil {
		m.log.Warnw("saturation check failed", map[string]any{"contractor_id": contractorID, "error": err.Error()})
	}
}

// offer reserves capacity, delivers the offer and moves the lead to
// assigned. It reports false when the contractor could not be reserved or
// reached; the reservation is released on every failure path.
func (m *Manager) offer(ctx context.Context, st *leadState, plan offerPlan, order []string) bool {
	l := &st.lead
	c := plan.contractor
	after, ok := m.capacity.Reserve(c.ID, l.ID, plan.limit)
	if !ok {
		capacityRaces.Inc()
		m.publish(events.CapacityRaceEvent{LeadID: l.ID, ContractorID: c.ID})
		m.log.Debugw("capacity reservation lost", map[string]any{"lead_id": l.ID, "contractor_id": c.ID})
		return false
	}

	now := m.now()
	wait := m.cfg.responseDeadline(l.Priority)
	o := notify.Offer{
		OfferID:      uuid.NewString(),
		LeadID:       l.ID,
		ContractorID: c.ID,
		To:           notify.Address(c.ID),
		Summary:      notify.Summarize(*l, plan.distance),
		Deadline:     now.Add(wait),
		Attempt:      l.Assignment.Offers + 1,
	}
	if err := m.publisher.PublishOffer(ctx, o); err != nil {
		m.capacity.Release(c.ID, l.ID)
		st.unreachable[c.ID] = true
		publishFailures.Inc()
		m.publish(events.OfferEvent{LeadID: l.ID, ContractorID: c.ID, OfferID: o.OfferID, Attempt: o.Attempt, Err: err})
		m.log.Warnw("offer not delivered", map[string]any{"lead_id": l.ID, "contractor_id": c.ID, "error": err.Error()})
		return false
	}

	a := &l.Assignment
	a.Current = c.ID
	a.Method = plan.method
	a.OfferID = o.OfferID
	a.Offers++
	l.Timeline.AssignedAt = now
	l.Timeline.ResponseDeadline = o.Deadline
	st.offerAt = now

	dec := plan.decision
	dec.Winner = c.ID
	dec.Alternates = alternates(order, c.ID, m.cfg.TopN)
	ev := model.AllocationEvent{
		Type:         model.EventLeadAssigned,
		ContractorID: c.ID,
		Candidates:   plan.scores,
		Decision:     dec,
		Audit:        model.AuditInfo{Actor: plan.actor},
	}
	if len(dec.Reasoning) > 0 {
		ev.Reason = dec.Reasoning[0]
	}
	if err := m.move(ctx, st, model.StatusAssigned, ev); err != nil {
		m.capacity.Release(c.ID, l.ID)
		a.Current, a.OfferID = "", ""
		return false
	}

	m.contractors.RecordOffer(c.ID, now)
	m.balancer.RecordAssignment(l.Zone, c.ID, now)
	m.saturate(ctx, c.ID, after.UtilizationRate())
	offersSent.WithLabelValues(string(plan.method), string(l.Priority)).Inc()
	m.publish(events.OfferEvent{LeadID: l.ID, ContractorID: c.ID, OfferID: o.OfferID, Attempt: o.Attempt})
	m.result(st, c.ID, metrics.OutcomeOffered, ev.Reason, score(plan.scores, c.ID), 0)

	leadID, offerID := l.ID, o.OfferID
	st.timer = time.AfterFunc(wait, func() { m.expire(leadID, offerID) })

	if c.Preferences.AutoAccept {
		if err := m.accept(ctx, st, "auto_accept"); err != nil {
			m.log.Warnf("auto accept %s: %v", l.ID, err)
		}
	}
	return true
}

func alternates(order []string, winner string, n int) []string {
	var out []string
	for _, id := range order {
		if id == winner {
			continue
		}
		if len(out) == n {
			break
		}
		out = append(out, id)
	}
	return out
}

func score(scores []model.AllocationScore, id string) float64 {
	for _, s := range scores {
		if s.ContractorID == id {
			return s.FinalScore
		}
	}
	return 0
}

// hold parks a pending lead and retries it after delay.
func (m *Manager) hold(ctx context.Context, st *leadState, delay time.Duration, reason string) {
	st.lead.Assignment.SubStatus = model.SubStatusQueued
	m.record(ctx, st, model.AllocationEvent{
		Type:       model.EventLeadQueued,
		FromStatus: st.lead.Status,
		Reason:     reason,
	})
	id := st.lead.ID
	st.requeue = time.AfterFunc(delay, func() { m.enqueue(id) })
}

// escalate parks a pending lead until an operator assigns it by hand.
func (m *Manager) escalate(ctx context.Context, st *leadState, reason string, d rules.Decision) error {
	st.lead.Assignment.SubStatus = model.SubStatusEscalated
	m.log.Warnw("lead escalated", map[string]any{"lead_id": st.lead.ID, "reason": reason})
	m.record(ctx, st, model.AllocationEvent{
		Type:       model.EventLeadEscalated,
		FromStatus: st.lead.Status,
		Reason:     reason,
		Decision: &model.AllocationDecision{
			Method:       model.MethodManual,
			Reasoning:    []string{reason},
			MatchedRules: d.Matched,
			Superseded:   d.Superseded,
			Excluded:     d.Excluded,
		},
	})
	return nil
}

// fail cancels a lead the engine could not place and surfaces the failure.
func (m *Manager) fail(ctx context.Context, st *leadState, kind Kind, reason string, dec *model.AllocationDecision) error {
	err := &Error{Kind: kind, Op: "allocate", LeadID: st.lead.ID}
	m.terminate(ctx, st, reason, "", dec)
	if kind.Surfaced() {
		m.log.Errorf("%v", err)
		monitoring.CaptureException(err, map[string]string{"lead_id": st.lead.ID, "kind": string(kind)})
	}
	return err
}
