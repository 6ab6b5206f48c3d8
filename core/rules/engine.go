// Package rules evaluates operator-defined allocation rules against a lead.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/model"
)

// ErrRuleConflict marks a terminal action superseded by an earlier rule.
var ErrRuleConflict = errors.New("rule conflict")

// ActionOverride is the pseudo action recorded for a RuleOverride pin.
const ActionOverride model.ActionType = "override"

// Terminal is the rule decision that resolves a lead without scoring.
type Terminal struct {
	RuleID       string
	Action       model.ActionType
	ContractorID string
	Method       model.AssignmentMethod
	Reason       string
}

// Queue asks the state machine to hold the lead when no candidate is
// available.
type Queue struct {
	RuleID string
	Delay  time.Duration
}

// Notification is a side message requested by a rule.
type Notification struct {
	RuleID  string
	Channel string
	Message string
}

// Decision aggregates the effects of every matching rule.
type Decision struct {
	Terminal      *Terminal
	Bonuses       map[string]float64
	Excluded      map[string]string
	Queue         *Queue
	Notifications []Notification
	Matched       []string
	Superseded    []model.SupersededAction
}

// RuleSet is an immutable, priority ordered set of rules.
type RuleSet struct {
	Version int64
	rules   []model.AllocationRule
}

// Rules returns a copy of the ordered rules.
func (rs *RuleSet) Rules() []model.AllocationRule {
	return append([]model.AllocationRule(nil), rs.rules...)
}

// Engine holds the current rule set. Updates swap the whole set so an
// allocation pass never sees a half-applied change.
type Engine struct {
	set atomic.Pointer[RuleSet]
	log logger.Logger
}

// NewEngine validates rules and returns an engine using them.
func NewEngine(rules []model.AllocationRule, log logger.Logger) (*Engine, error) {
	e := &Engine{log: log}
	e.set.Store(&RuleSet{})
	if err := e.SetRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Current returns the rule set in effect.
func (e *Engine) Current() *RuleSet {
	return e.set.Load()
}

// SetRules validates and installs a new rule set.
func (e *Engine) SetRules(rules []model.AllocationRule) error {
	if err := Validate(rules); err != nil {
		return err
	}
	sorted := append([]model.AllocationRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	prev := e.set.Load()
	e.set.Store(&RuleSet{Version: prev.Version + 1, rules: sorted})
	return nil
}

// Evaluate runs the captured rule set against c.
func (e *Engine) Evaluate(rs *RuleSet, c Context) Decision {
	d := Decision{Bonuses: map[string]float64{}, Excluded: map[string]string{}}
	for _, r := range rs.rules {
		if !r.Enabled || !active(r.Schedule, c.Now) {
			continue
		}
		ok, err := matches(r, c)
		if err != nil {
			e.warn("rule skipped", map[string]any{"rule_id": r.ID, "error": err.Error()})
			continue
		}
		if !ok {
			continue
		}
		d.Matched = append(d.Matched, r.ID)
		if d.Terminal != nil {
			e.shadow(&d, r, c)
			continue
		}
		e.apply(&d, r, c)
	}
	return d
}

func matches(r model.AllocationRule, c Context) (bool, error) {
	for _, cond := range r.Conditions {
		ok, err := evalCondition(cond, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Engine) apply(d *Decision, r model.AllocationRule, c Context) {
	if id, reason := pinned(r, c); id != "" {
		d.Terminal = &Terminal{RuleID: r.ID, Action: ActionOverride, ContractorID: id,
			Method: model.MethodPreferredContractor, Reason: reason}
	}
	for _, a := range r.Actions {
		if a.Type.Terminal() {
			if d.Terminal != nil {
				e.supersede(d, r.ID, a.Type, param(a, "contractor_id"))
				continue
			}
			d.Terminal = terminalFor(r.ID, a, c)
			continue
		}
		switch a.Type {
		case model.ActionBonus:
			pts, ok := toFloat(a.Params["points"])
			if !ok {
				for _, cond := range r.Conditions {
					pts += cond.Weight
				}
			}
			d.Bonuses[param(a, "contractor_id")] += pts
		case model.ActionExclude:
			reason := param(a, "reason")
			if reason == "" {
				reason = "excluded by rule " + r.ID
			}
			d.Excluded[param(a, "contractor_id")] = reason
		case model.ActionQueue:
			delay, _ := time.ParseDuration(param(a, "delay"))
			if d.Queue == nil {
				d.Queue = &Queue{RuleID: r.ID, Delay: delay}
			}
		case model.ActionNotify:
			d.Notifications = append(d.Notifications, Notification{
				RuleID: r.ID, Channel: param(a, "channel"), Message: param(a, "message"),
			})
		}
	}
	// A terminal assign for a contractor who already declined cannot resolve
	// the lead; drop it so scoring takes over.
	if t := d.Terminal; t != nil && t.Action == model.ActionAssign && c.Lead.Assignment.Declined(t.ContractorID) {
		d.Terminal = nil
	}
}

func (e *Engine) shadow(d *Decision, r model.AllocationRule, c Context) {
	if id, _ := pinned(r, c); id != "" {
		e.supersede(d, r.ID, ActionOverride, id)
	}
	for _, a := range r.Actions {
		if a.Type.Terminal() {
			e.supersede(d, r.ID, a.Type, param(a, "contractor_id"))
		}
	}
}

func (e *Engine) supersede(d *Decision, ruleID string, action model.ActionType, contractorID string) {
	d.Superseded = append(d.Superseded, model.SupersededAction{
		RuleID: ruleID, Action: action, ContractorID: contractorID, WinningRule: d.Terminal.RuleID,
	})
	e.warn(ErrRuleConflict.Error(), map[string]any{
		"rule_id":      ruleID,
		"action":       string(action),
		"winning_rule": d.Terminal.RuleID,
	})
}

func (e *Engine) warn(msg string, fields map[string]any) {
	if e.log != nil {
		e.log.Warnw(msg, fields)
	}
}

func pinned(r model.AllocationRule, c Context) (string, string) {
	for _, o := range r.Overrides {
		if !c.Now.Before(o.ValidUntil) || c.Lead.Assignment.Declined(o.ContractorID) {
			continue
		}
		reason := o.Reason
		if reason == "" {
			reason = fmt.Sprintf("preferred contractor until %s", o.ValidUntil.Format(time.RFC3339))
		}
		return o.ContractorID, reason
	}
	return "", ""
}

func terminalFor(ruleID string, a model.AllocationAction, c Context) *Terminal {
	t := &Terminal{RuleID: ruleID, Action: a.Type, Reason: param(a, "reason")}
	if a.Type == model.ActionAssign {
		t.ContractorID = param(a, "contractor_id")
		t.Method = model.MethodManual
		if t.Reason == "" {
			t.Reason = "assigned by rule " + ruleID
		}
	}
	if a.Type == model.ActionEscalate && t.Reason == "" {
		t.Reason = "escalated by rule " + ruleID
	}
	return t
}

// Validate checks rule identity, condition and action shapes.
func Validate(rules []model.AllocationRule) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		for _, cond := range r.Conditions {
			if _, err := (Context{}).attribute(cond.Type); err != nil {
				return fmt.Errorf("rule %s: %w", r.ID, err)
			}
			switch cond.Operator {
			case model.OpEquals, model.OpNotEquals, model.OpIn, model.OpNotIn,
				model.OpGreaterThan, model.OpLessThan, model.OpExists:
			case model.OpBetween:
				if len(toList(cond.Value)) != 2 {
					return fmt.Errorf("rule %s: between needs two bounds", r.ID)
				}
			default:
				return fmt.Errorf("rule %s: unknown operator %q", r.ID, cond.Operator)
			}
		}
		for _, a := range r.Actions {
			switch a.Type {
			case model.ActionAssign, model.ActionBonus, model.ActionExclude:
				if param(a, "contractor_id") == "" {
					return fmt.Errorf("rule %s: %s needs contractor_id", r.ID, a.Type)
				}
			case model.ActionQueue:
				if d := param(a, "delay"); d != "" {
					if _, err := time.ParseDuration(d); err != nil {
						return fmt.Errorf("rule %s: bad queue delay: %w", r.ID, err)
					}
				}
			case model.ActionEscalate, model.ActionNotify:
			default:
				return fmt.Errorf("rule %s: unknown action %q", r.ID, a.Type)
			}
		}
		for _, o := range r.Overrides {
			if o.ContractorID == "" {
				return fmt.Errorf("rule %s: override needs contractor_id", r.ID)
			}
		}
	}
	return nil
}

// String renders a terminal decision for audit reasoning.
func (t Terminal) String() string {
	if t.ContractorID == "" {
		return fmt.Sprintf("%s by rule %s", t.Action, t.RuleID)
	}
	return fmt.Sprintf("%s %s by rule %s", t.Action, t.ContractorID, t.RuleID)
}
