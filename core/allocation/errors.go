package allocation

import (
	"errors"
	"fmt"

	"github.com/kilianp07/leadalloc/core/rules"
)

// Kind classifies allocation failures.
type Kind string

const (
	KindNoEligibleContractors Kind = "no_eligible_contractors"
	KindCapacityRaceLost      Kind = "capacity_race_lost"
	KindRuleConflict          Kind = "rule_conflict"
	KindDependencyTimeout     Kind = "dependency_timeout"
	KindExhaustedRetries      Kind = "exhausted_retries"
)

// Surfaced reports whether failures of this kind reach operators. Every other
// kind is retried inside the allocation cycle.
func (k Kind) Surfaced() bool {
	return k == KindNoEligibleContractors || k == KindExhaustedRetries
}

var (
	ErrNoEligibleContractors = errors.New("no eligible contractors")
	ErrCapacityRaceLost      = errors.New("capacity reservation lost")
	ErrRuleConflict          = rules.ErrRuleConflict
	ErrDependencyTimeout     = errors.New("dependency lookup timed out")
	ErrExhaustedRetries      = errors.New("allocation retries exhausted")
	ErrLeadNotFound          = errors.New("lead not found")
	ErrInvalidTransition     = errors.New("invalid lead transition")
	ErrOfferMismatch         = errors.New("response does not match the open offer")
	ErrInvalidLead           = errors.New("invalid lead")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNoEligibleContractors:
		return ErrNoEligibleContractors
	case KindCapacityRaceLost:
		return ErrCapacityRaceLost
	case KindRuleConflict:
		return ErrRuleConflict
	case KindDependencyTimeout:
		return ErrDependencyTimeout
	case KindExhaustedRetries:
		return ErrExhaustedRetries
	}
	return nil
}

// Error is an allocation failure tied to a lead and, when relevant, a
// contractor.
type Error struct {
	Kind         Kind
	Op           string
	LeadID       string
	ContractorID string
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s lead %s", e.Op, e.LeadID)
	if e.ContractorID != "" {
		msg += " contractor " + e.ContractorID
	}
	msg += ": " + string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}
