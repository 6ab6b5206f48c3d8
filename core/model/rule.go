package model

import "time"

// ConditionType selects which lead attribute a condition inspects.
type ConditionType string

const (
	CondServiceType  ConditionType = "service_type"
	CondPriority     ConditionType = "priority"
	CondUrgency      ConditionType = "urgency"
	CondPropertyType ConditionType = "property_type"
	CondJobValue     ConditionType = "job_value"
	CondZone         ConditionType = "zone"
	CondHourOfDay    ConditionType = "hour_of_day"
	CondDayOfWeek    ConditionType = "day_of_week"
	CondClaimNumber  ConditionType = "claim_number"
)

// Operator compares a lead attribute against a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
	OpExists      Operator = "exists"
)

// AllocationCondition is one predicate of a rule.
type AllocationCondition struct {
	Type     ConditionType `json:"type" yaml:"type"`
	Operator Operator      `json:"operator" yaml:"operator"`
	Value    any           `json:"value" yaml:"value"`
	Weight   float64       `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// ActionType is what a matching rule does.
type ActionType string

const (
	ActionAssign   ActionType = "assign_to_contractor"
	ActionEscalate ActionType = "escalate"
	ActionQueue    ActionType = "add_to_queue"
	ActionBonus    ActionType = "apply_bonus"
	ActionNotify   ActionType = "send_notification"
	ActionExclude  ActionType = "exclude_contractor"
)

// Terminal reports whether the action decides the lead.
func (a ActionType) Terminal() bool {
	return a == ActionAssign || a == ActionEscalate
}

// AllocationAction is one effect of a matching rule.
type AllocationAction struct {
	Type   ActionType     `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// RuleSchedule bounds when a rule is active. Zero values mean unbounded.
type RuleSchedule struct {
	Start     time.Time `json:"start,omitzero" yaml:"start,omitempty"`
	End       time.Time `json:"end,omitzero" yaml:"end,omitempty"`
	Days      []string  `json:"days,omitempty" yaml:"days,omitempty"`
	StartHour int       `json:"start_hour,omitempty" yaml:"start_hour,omitempty"`
	EndHour   int       `json:"end_hour,omitempty" yaml:"end_hour,omitempty"`
	Timezone  string    `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// RuleOverride pins a contractor for leads matching the rule until ValidUntil.
type RuleOverride struct {
	ContractorID string    `json:"contractor_id" yaml:"contractor_id"`
	ValidUntil   time.Time `json:"valid_until" yaml:"valid_until"`
	Reason       string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// AllocationRule maps lead conditions to allocation actions.
type AllocationRule struct {
	ID         string                `json:"id" yaml:"id"`
	Name       string                `json:"name" yaml:"name"`
	Priority   int                   `json:"priority" yaml:"priority"`
	Enabled    bool                  `json:"enabled" yaml:"enabled"`
	Conditions []AllocationCondition `json:"conditions" yaml:"conditions"`
	Actions    []AllocationAction    `json:"actions" yaml:"actions"`
	Schedule   *RuleSchedule         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Overrides  []RuleOverride        `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}
