// Package events defines the allocation events emitted on the event bus.
// Every audit record is also published as a model.AllocationEvent.
//
// Available event types:
//   - OfferEvent: an offer was published or failed to publish
//   - ResponseEvent: a contractor answered an offer or let it expire
//   - SaturationEvent: a contractor entered saturation cooldown
//   - RebalanceEvent: a periodic share recomputation finished
//   - NotificationEvent: a rule asked for an operator notification
//   - CapacityRaceEvent: a reservation lost to a concurrent allocation
package events

import "time"

// OfferEvent is published when an offer is sent to a contractor.
type OfferEvent struct {
	LeadID       string
	ContractorID string
	OfferID      string
	Attempt      int
	Err          error
}

// ResponseEvent records how an offer ended.
type ResponseEvent struct {
	LeadID       string
	ContractorID string
	Accepted     bool
	Expired      bool
	Latency      time.Duration
}

// SaturationEvent is published when a contractor starts a cooldown.
type SaturationEvent struct {
	ContractorID string
	Utilization  float64
	Until        time.Time
}

// ShareAlert flags a contractor above the share ceiling in a zone.
type ShareAlert struct {
	Zone         string
	ContractorID string
	Share        float64
}

// RebalanceEvent summarises one share recomputation.
type RebalanceEvent struct {
	At       time.Time
	Zones    int
	Fairness map[string]float64
	Alerts   []ShareAlert
}

// NotificationEvent carries a rule-requested notification.
type NotificationEvent struct {
	LeadID  string
	RuleID  string
	Channel string
	Message string
}

// CapacityRaceEvent is published when a reservation lost to a concurrent
// allocation.
type CapacityRaceEvent struct {
	LeadID       string
	ContractorID string
}
