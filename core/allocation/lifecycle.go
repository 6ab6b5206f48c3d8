package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/leadalloc/core/contractor"
	"github.com/kilianp07/leadalloc/core/events"
	"github.com/kilianp07/leadalloc/core/geo"
	"github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/core/monitoring"
	"github.com/kilianp07/leadalloc/core/notify"
)

// ReasonDeadlineElapsed is recorded when an offer expires unanswered.
const ReasonDeadlineElapsed = "response_deadline_elapsed"

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) publish(ev any) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// record appends an audit event for the lead and pushes the customer
// visible status.
func (m *Manager) record(ctx context.Context, st *leadState, ev model.AllocationEvent) {
	l := &st.lead
	ev.LeadID = l.ID
	ev.Zone = l.Zone
	if ev.ToStatus == "" {
		ev.ToStatus = l.Status
	}
	ctx = context.WithoutCancel(ctx)
	if _, err := m.recorder.Record(ctx, ev); err != nil {
		m.log.Errorf("record %s for lead %s: %v", ev.Type, l.ID, err)
		monitoring.CaptureException(err, map[string]string{"lead_id": l.ID, "event": string(ev.Type)})
	}
	u := notify.StatusUpdate{
		LeadID:       l.ID,
		Status:       l.Status,
		SubStatus:    l.Assignment.SubStatus,
		ContractorID: l.Assignment.Current,
		Reason:       ev.Reason,
		At:           m.now(),
	}
	if err := m.publisher.PublishStatus(ctx, u); err != nil {
		m.log.Warnw("status update not delivered", map[string]any{"lead_id": l.ID, "error": err.Error()})
	}
}

// move applies a state machine transition and records it.
func (m *Manager) move(ctx context.Context, st *leadState, to model.LeadStatus, ev model.AllocationEvent) error {
	from := st.lead.Status
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	st.lead.Status = to
	ev.FromStatus = from
	ev.ToStatus = to
	m.log.Infow("lead transition", map[string]any{
		"lead_id":       st.lead.ID,
		"from":          string(from),
		"to":            string(to),
		"contractor_id": ev.ContractorID,
		"reason":        ev.Reason,
	})
	m.record(ctx, st, ev)
	return nil
}

func (m *Manager) result(st *leadState, contractorID string, o metrics.Outcome, reason string, score float64, latency time.Duration) {
	l := st.lead
	res := metrics.AllocationResult{
		LeadID:       l.ID,
		ContractorID: contractorID,
		Zone:         l.Zone,
		Priority:     l.Priority,
		Method:       l.Assignment.Method,
		Outcome:      o,
		Reason:       reason,
		Score:        score,
		Attempt:      l.Assignment.Offers,
		Latency:      latency,
		Time:         m.now(),
	}
	if err := m.sink.RecordAllocation(res); err != nil {
		m.log.Warnf("metrics sink: %v", err)
	}
	switch o {
	case metrics.OutcomeOffered:
	case metrics.OutcomeCancelled:
		outcomes.WithLabelValues(string(o), reason).Inc()
	default:
		outcomes.WithLabelValues(string(o), "").Inc()
	}
}

// Respond applies a contractor's answer to the open offer of a lead.
func (m *Manager) Respond(ctx context.Context, r notify.Response) (model.Lead, error) {
	st, err := m.state(r.LeadID)
	if err != nil {
		return model.Lead{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a := st.lead.Assignment
	if st.lead.Status != model.StatusAssigned || a.Current != r.ContractorID ||
		(r.OfferID != "" && r.OfferID != a.OfferID) {
		return st.lead.Clone(), fmt.Errorf("%w: lead %s contractor %s", ErrOfferMismatch, r.LeadID, r.ContractorID)
	}
	if r.Accepted {
		err = m.accept(ctx, st, r.Reason)
	} else {
		err = m.decline(ctx, st, r.Reason, false)
		// The decline itself was applied; a failed follow-up pass is already
		// reflected in the lead and reported by the engine.
		var aerr *Error
		if errors.As(err, &aerr) {
			err = nil
		}
	}
	return st.lead.Clone(), err
}

func (m *Manager) accept(ctx context.Context, st *leadState, reason string) error {
	l := &st.lead
	id := l.Assignment.Current
	now := m.now()
	latency := now.Sub(st.offerAt)
	if err := m.move(ctx, st, model.StatusAccepted, model.AllocationEvent{
		Type:         model.EventLeadAccepted,
		ContractorID: id,
		Reason:       reason,
	}); err != nil {
		return err
	}
	stopTimer(&st.timer)
	l.Timeline.AcceptedAt = now
	l.Timeline.CompletionDeadline = now.Add(m.cfg.completionDeadline(l.Priority))
	l.Timeline.ResponseDeadline = time.Time{}

	m.contractors.RecordResponse(id, true, latency)
	if c, ok := m.contractors.Get(id); ok {
		_ = m.contractors.RecordMetric(id, model.MetricResponseTime, c.Stats.AverageResponseTime.Minutes())
	}
	m.publish(events.ResponseEvent{LeadID: l.ID, ContractorID: id, Accepted: true, Latency: latency})
	m.result(st, id, metrics.OutcomeAccepted, reason, 0, latency)
	return nil
}

// decline releases the contractor, excludes them from the lead and runs the
// next pass.
func (m *Manager) decline(ctx context.Context, st *leadState, reason string, expired bool) error {
	l := &st.lead
	id := l.Assignment.Current
	latency := m.now().Sub(st.offerAt)
	stopTimer(&st.timer)
	m.capacity.Release(id, l.ID)
	if !l.Assignment.Declined(id) {
		l.Assignment.DeclinedBy = append(l.Assignment.DeclinedBy, id)
	}
	l.Assignment.Current = ""
	l.Assignment.OfferID = ""
	l.Timeline.ResponseDeadline = time.Time{}

	typ, outcome := model.EventLeadDeclined, metrics.OutcomeDeclined
	if expired {
		typ, outcome = model.EventLeadExpired, metrics.OutcomeExpired
		if reason == "" {
			reason = ReasonDeadlineElapsed
		}
	}
	if err := m.move(ctx, st, model.StatusDeclined, model.AllocationEvent{Type: typ, ContractorID: id, Reason: reason}); err != nil {
		return err
	}
	m.contractors.RecordResponse(id, false, latency)
	m.publish(events.ResponseEvent{LeadID: l.ID, ContractorID: id, Expired: expired, Latency: latency})
	m.result(st, id, outcome, reason, 0, latency)

	if err := m.move(ctx, st, model.StatusPendingAssignment, model.AllocationEvent{Type: model.EventLeadPending, Reason: "retry"}); err != nil {
		return err
	}
	return m.allocate(ctx, st)
}

func (m *Manager) expire(leadID, offerID string) {
	st, err := m.state(leadID)
	if err != nil {
		return
	}
	ctx := m.background()
	gerr := monitoring.Guard(map[string]string{"component": "allocation", "lead_id": leadID}, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.lead.Status != model.StatusAssigned || st.lead.Assignment.OfferID != offerID {
			return
		}
		if err := m.decline(ctx, st, ReasonDeadlineElapsed, true); err != nil {
			m.log.Debugf("expire %s: %v", leadID, err)
		}
	})
	if gerr != nil {
		m.log.Errorf("expire %s: %v", leadID, gerr)
	}
}

// SweepExpired declines every open offer whose deadline has passed. Timers
// normally handle this; the sweep covers timers that never fired.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := m.now()
	n := 0
	m.leads.Range(func(_, v any) bool {
		st := v.(*leadState)
		st.mu.Lock()
		dl := st.lead.Timeline.ResponseDeadline
		if st.lead.Status == model.StatusAssigned && !dl.IsZero() && !now.Before(dl) {
			n++
			if err := m.decline(ctx, st, ReasonDeadlineElapsed, true); err != nil {
				m.log.Debugf("sweep %s: %v", st.lead.ID, err)
			}
		}
		st.mu.Unlock()
		return true
	})
	return n
}

// ManualAssign offers a pending lead to a contractor chosen by an operator.
// Geography and scoring are bypassed; account standing and capacity
// ceilings still apply.
func (m *Manager) ManualAssign(ctx context.Context, leadID, contractorID, actor string) (model.Lead, error) {
	st, err := m.state(leadID)
	if err != nil {
		return model.Lead{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	l := &st.lead
	if l.Status != model.StatusPendingAssignment {
		return l.Clone(), fmt.Errorf("%w: lead %s is %s", ErrInvalidTransition, leadID, l.Status)
	}
	if l.Assignment.Declined(contractorID) {
		return l.Clone(), fmt.Errorf("%w: contractor %s already declined lead %s", ErrInvalidTransition, contractorID, leadID)
	}
	c, ok := m.contractors.Get(contractorID)
	if !ok {
		return l.Clone(), fmt.Errorf("%w: %s", contractor.ErrNotFound, contractorID)
	}
	if !c.Eligible() {
		return l.Clone(), fmt.Errorf("%w: contractor %s is %s/%s", ErrInvalidTransition, contractorID, c.Status, c.Availability)
	}
	stopTimer(&st.requeue)
	l.Assignment.SubStatus = model.SubStatusNone
	if actor == "" {
		actor = "operator"
	}
	plan := offerPlan{
		contractor: c,
		distance:   geo.DistanceMiles(c.Location, l.Location.Coordinates),
		method:     model.MethodManual,
		decision: &model.AllocationDecision{
			Method:    model.MethodManual,
			Reasoning: []string{"manual assignment by " + actor},
		},
		actor: actor,
	}
	if !m.offer(ctx, st, plan, nil) {
		return l.Clone(), &Error{Kind: KindCapacityRaceLost, Op: "manual assign", LeadID: leadID, ContractorID: contractorID}
	}
	return l.Clone(), nil
}

// Cancel ends a lead from any non-terminal state and releases its capacity.
func (m *Manager) Cancel(ctx context.Context, leadID, reason, actor string) (model.Lead, error) {
	st, err := m.state(leadID)
	if err != nil {
		return model.Lead{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lead.Status.Terminal() {
		return st.lead.Clone(), fmt.Errorf("%w: lead %s is %s", ErrInvalidTransition, leadID, st.lead.Status)
	}
	if reason == "" {
		reason = model.ReasonCancelledByOperator
	}
	m.terminate(ctx, st, reason, actor, nil)
	return st.lead.Clone(), nil
}

func (m *Manager) terminate(ctx context.Context, st *leadState, reason, actor string, dec *model.AllocationDecision) {
	l := &st.lead
	stopTimer(&st.timer)
	stopTimer(&st.requeue)
	id := l.Assignment.Current
	if id != "" {
		m.capacity.Release(id, l.ID)
	}
	l.Assignment.SubStatus = model.SubStatusNone
	l.Timeline.CancelledAt = m.now()
	l.Timeline.ResponseDeadline = time.Time{}
	l.CancelReason = reason
	if err := m.move(ctx, st, model.StatusCancelled, model.AllocationEvent{
		Type:         model.EventLeadCancelled,
		ContractorID: id,
		Reason:       reason,
		Decision:     dec,
		Audit:        model.AuditInfo{Actor: actor},
	}); err != nil {
		m.log.Errorf("cancel %s: %v", l.ID, err)
		return
	}
	m.result(st, id, metrics.OutcomeCancelled, reason, 0, 0)
	m.recorder.Forget(l.ID)
}

// Start moves an accepted lead to in_progress.
func (m *Manager) Start(ctx context.Context, leadID, actor string) (model.Lead, error) {
	st, err := m.state(leadID)
	if err != nil {
		return model.Lead{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	l := &st.lead
	if err := m.move(ctx, st, model.StatusInProgress, model.AllocationEvent{
		Type:         model.EventLeadStarted,
		ContractorID: l.Assignment.Current,
		Audit:        model.AuditInfo{Actor: actor},
	}); err != nil {
		return l.Clone(), err
	}
	l.Timeline.StartedAt = m.now()
	return l.Clone(), nil
}

// Complete closes in-progress work. The active job slot is freed while the
// weekly and monthly counts keep it.
func (m *Manager) Complete(ctx context.Context, leadID, actor string) (model.Lead, error) {
	st, err := m.state(leadID)
	if err != nil {
		return model.Lead{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	l := &st.lead
	id := l.Assignment.Current
	if err := m.move(ctx, st, model.StatusCompleted, model.AllocationEvent{
		Type:         model.EventLeadCompleted,
		ContractorID: id,
		Audit:        model.AuditInfo{Actor: actor},
	}); err != nil {
		return l.Clone(), err
	}
	now := m.now()
	l.Timeline.CompletedAt = now
	m.capacity.Complete(id, l.ID)
	if !l.Timeline.AcceptedAt.IsZero() {
		_ = m.contractors.RecordMetric(id, model.MetricCompletionTime, now.Sub(l.Timeline.AcceptedAt).Hours())
	}
	m.result(st, id, metrics.OutcomeCompleted, "", 0, now.Sub(l.Timeline.AcceptedAt))
	m.recorder.Forget(l.ID)
	return l.Clone(), nil
}
