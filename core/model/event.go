package model

import "time"

// EventType classifies an allocation audit record.
type EventType string

const (
	EventLeadCreated   EventType = "lead_created"
	EventLeadPending   EventType = "lead_pending"
	EventLeadAssigned  EventType = "lead_assigned"
	EventLeadAccepted  EventType = "lead_accepted"
	EventLeadDeclined  EventType = "lead_declined"
	EventLeadExpired   EventType = "lead_expired"
	EventLeadQueued    EventType = "lead_queued"
	EventLeadEscalated EventType = "lead_escalated"
	EventLeadStarted   EventType = "lead_started"
	EventLeadCompleted EventType = "lead_completed"
	EventLeadCancelled EventType = "lead_cancelled"
)

// AllocationScore is the per-candidate scoring breakdown.
type AllocationScore struct {
	ContractorID            string  `json:"contractor_id"`
	Distance                float64 `json:"distance_miles"`
	Utilization             float64 `json:"utilization"`
	BaseScore               float64 `json:"base_score"`
	KPIBonus                float64 `json:"kpi_bonus"`
	ProximityBonus          float64 `json:"proximity_bonus"`
	LoadBalancingAdjustment float64 `json:"load_balancing_adjustment"`
	RuleBonus               float64 `json:"rule_bonus,omitempty"`
	FinalScore              float64 `json:"final_score"`
	Rank                    int     `json:"rank"`
}

// SupersededAction is a terminal rule action that lost to an earlier rule.
type SupersededAction struct {
	RuleID       string     `json:"rule_id"`
	Action       ActionType `json:"action"`
	ContractorID string     `json:"contractor_id,omitempty"`
	WinningRule  string     `json:"winning_rule"`
}

// AllocationDecision explains who was chosen and why.
type AllocationDecision struct {
	Method       AssignmentMethod   `json:"method"`
	Winner       string             `json:"winner,omitempty"`
	Reasoning    []string           `json:"reasoning,omitempty"`
	Alternates   []string           `json:"alternates,omitempty"`
	Constraints  []string           `json:"constraints,omitempty"`
	Seed         *uint64            `json:"seed,omitempty"`
	MatchedRules []string           `json:"matched_rules,omitempty"`
	Superseded   []SupersededAction `json:"superseded,omitempty"`
	Excluded     map[string]string  `json:"excluded,omitempty"`
}

// AuditInfo identifies who or what produced an event.
type AuditInfo struct {
	Actor         string    `json:"actor"`
	Timestamp     time.Time `json:"timestamp"`
	SystemVersion string    `json:"system_version"`
}

// AllocationEvent is an immutable audit record, keyed by LeadID and Sequence.
type AllocationEvent struct {
	ID           string              `json:"id"`
	LeadID       string              `json:"lead_id"`
	Sequence     int64               `json:"seq"`
	Type         EventType           `json:"type"`
	FromStatus   LeadStatus          `json:"from_status,omitempty"`
	ToStatus     LeadStatus          `json:"to_status"`
	ContractorID string              `json:"contractor_id,omitempty"`
	Zone         string              `json:"zone,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Candidates   []AllocationScore   `json:"candidates,omitempty"`
	Decision     *AllocationDecision `json:"decision,omitempty"`
	Audit        AuditInfo           `json:"audit"`
}
