package model

import (
	"slices"
	"time"
)

// ServiceType is the kind of restoration work requested.
type ServiceType string

const (
	ServiceWaterDamage       ServiceType = "water_damage"
	ServiceFireDamage        ServiceType = "fire_damage"
	ServiceStormDamage       ServiceType = "storm_damage"
	ServiceMouldRemediation  ServiceType = "mould_remediation"
	ServiceFloodRecovery     ServiceType = "flood_recovery"
	ServiceSewageCleanup     ServiceType = "sewage_cleanup"
	ServiceSmokeDamage       ServiceType = "smoke_damage"
	ServiceBiohazardCleaning ServiceType = "biohazard_cleaning"
	ServiceTraumaCleaning    ServiceType = "trauma_cleaning"
	ServiceAsbestosRemoval   ServiceType = "asbestos_removal"
)

var relatedServices = map[ServiceType][]ServiceType{
	ServiceWaterDamage:       {ServiceMouldRemediation, ServiceFloodRecovery, ServiceSewageCleanup},
	ServiceFireDamage:        {ServiceSmokeDamage, ServiceStormDamage},
	ServiceMouldRemediation:  {ServiceWaterDamage, ServiceBiohazardCleaning},
	ServiceFloodRecovery:     {ServiceWaterDamage, ServiceMouldRemediation},
	ServiceSewageCleanup:     {ServiceWaterDamage, ServiceBiohazardCleaning},
	ServiceSmokeDamage:       {ServiceFireDamage},
	ServiceStormDamage:       {ServiceWaterDamage, ServiceFireDamage},
	ServiceBiohazardCleaning: {ServiceTraumaCleaning, ServiceSewageCleanup},
	ServiceTraumaCleaning:    {ServiceBiohazardCleaning},
}

// RelatedTo reports whether a contractor offering s can take on other.
func (s ServiceType) RelatedTo(other ServiceType) bool {
	return slices.Contains(relatedServices[s], other)
}

// LeadPriority orders leads by business importance.
type LeadPriority string

const (
	PriorityCritical LeadPriority = "critical"
	PriorityHigh     LeadPriority = "high"
	PriorityMedium   LeadPriority = "medium"
	PriorityLow      LeadPriority = "low"
)

// Valid reports whether p is a known priority.
func (p LeadPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Urgency is the customer's stated urgency.
type Urgency string

const (
	UrgencyEmergency Urgency = "emergency"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyStandard  Urgency = "standard"
	UrgencyFlexible  Urgency = "flexible"
)

// LeadStatus is the allocation lifecycle state of a lead.
type LeadStatus string

const (
	StatusNew               LeadStatus = "new"
	StatusPendingAssignment LeadStatus = "pending_assignment"
	StatusAssigned          LeadStatus = "assigned"
	StatusAccepted          LeadStatus = "accepted"
	StatusDeclined          LeadStatus = "declined"
	StatusInProgress        LeadStatus = "in_progress"
	StatusCompleted         LeadStatus = "completed"
	StatusCancelled         LeadStatus = "cancelled"
)

var transitions = map[LeadStatus][]LeadStatus{
	StatusNew:               {StatusPendingAssignment, StatusCancelled},
	StatusPendingAssignment: {StatusAssigned, StatusCancelled},
	StatusAssigned:          {StatusAccepted, StatusDeclined, StatusCancelled},
	StatusDeclined:          {StatusPendingAssignment, StatusCancelled},
	StatusAccepted:          {StatusInProgress, StatusCancelled},
	StatusInProgress:        {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to LeadStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether s is a final state.
func (s LeadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// SubStatus refines pending_assignment.
type SubStatus string

const (
	SubStatusNone      SubStatus = ""
	SubStatusQueued    SubStatus = "queued"
	SubStatusEscalated SubStatus = "escalated"
)

// AssignmentMethod names how the winning contractor was chosen.
type AssignmentMethod string

const (
	MethodKPIBased            AssignmentMethod = "kpi_based"
	MethodProximityBased      AssignmentMethod = "proximity_based"
	MethodRoundRobin          AssignmentMethod = "round_robin"
	MethodWeightedRandom      AssignmentMethod = "weighted_random"
	MethodManual              AssignmentMethod = "manual"
	MethodPreferredContractor AssignmentMethod = "preferred_contractor"
)

// Valid reports whether m is a ranking method usable as a default.
func (m AssignmentMethod) Valid() bool {
	switch m {
	case MethodKPIBased, MethodProximityBased, MethodRoundRobin, MethodWeightedRandom:
		return true
	}
	return false
}

// Cancellation reasons.
const (
	ReasonNoEligibleContractors = "no_eligible_contractors"
	ReasonExhaustedCandidates   = "exhausted_candidates"
	ReasonCancelledByOperator   = "cancelled_by_operator"
	ReasonCancelledByCustomer   = "cancelled_by_customer"
)

// Customer holds contact details for the requester.
type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// JobLocation is where the work takes place. Coordinates are resolved
// upstream.
type JobLocation struct {
	Address      string      `json:"address"`
	Coordinates  Coordinates `json:"coordinates"`
	PropertyType string      `json:"property_type"`
}

// JobDetails describes the requested work.
type JobDetails struct {
	ServiceType       ServiceType   `json:"service_type"`
	Urgency           Urgency       `json:"urgency"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	EstimatedValue    float64       `json:"estimated_value"`
	Requirements      []string      `json:"requirements,omitempty"`
}

// AssignmentInfo tracks the lead's allocation progress.
type AssignmentInfo struct {
	Current    string           `json:"current,omitempty"`
	Method     AssignmentMethod `json:"method,omitempty"`
	OfferID    string           `json:"offer_id,omitempty"`
	DeclinedBy []string         `json:"declined_by,omitempty"`
	Offers     int              `json:"offers"`
	Passes     int              `json:"passes"`
	SubStatus  SubStatus        `json:"sub_status,omitempty"`
}

// Declined reports whether contractorID already declined this lead.
func (a AssignmentInfo) Declined(contractorID string) bool {
	return slices.Contains(a.DeclinedBy, contractorID)
}

// LeadTimeline records lifecycle timestamps and deadlines.
type LeadTimeline struct {
	CreatedAt          time.Time `json:"created_at"`
	AssignedAt         time.Time `json:"assigned_at,omitzero"`
	AcceptedAt         time.Time `json:"accepted_at,omitzero"`
	StartedAt          time.Time `json:"started_at,omitzero"`
	CompletedAt        time.Time `json:"completed_at,omitzero"`
	CancelledAt        time.Time `json:"cancelled_at,omitzero"`
	ResponseDeadline   time.Time `json:"response_deadline,omitzero"`
	CompletionDeadline time.Time `json:"completion_deadline,omitzero"`
}

// Lead is an incoming service request.
type Lead struct {
	ID           string         `json:"id"`
	ClaimNumber  string         `json:"claim_number,omitempty"`
	Customer     Customer       `json:"customer"`
	Location     JobLocation    `json:"location"`
	Details      JobDetails     `json:"details"`
	Priority     LeadPriority   `json:"priority"`
	Status       LeadStatus     `json:"status"`
	Zone         string         `json:"zone,omitempty"`
	Assignment   AssignmentInfo `json:"assignment"`
	Timeline     LeadTimeline   `json:"timeline"`
	CancelReason string         `json:"cancel_reason,omitempty"`
}

// Clone returns a deep copy safe to hand out of the state machine.
func (l Lead) Clone() Lead {
	l.Details.Requirements = slices.Clone(l.Details.Requirements)
	l.Assignment.DeclinedBy = slices.Clone(l.Assignment.DeclinedBy)
	return l
}
