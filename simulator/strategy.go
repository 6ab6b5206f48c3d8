package simulator

import (
	"math/rand/v2"
	"time"
)

// Answer is what a simulated contractor does with an offer.
type Answer struct {
	Respond bool
	Accept  bool
	Delay   time.Duration
}

// ResponseStrategy defines how a contractor answers offers.
type ResponseStrategy interface {
	Answer(rng *rand.Rand, contractorID string) Answer
}

// AutoAccept accepts every offer after an optional fixed delay.
type AutoAccept struct {
	Delay time.Duration
}

func (a AutoAccept) Answer(*rand.Rand, string) Answer {
	return Answer{Respond: true, Accept: true, Delay: a.Delay}
}

// RandomResponse ignores offers with probability DropRate and otherwise
// accepts with probability AcceptRate.
type RandomResponse struct {
	Delay      time.Duration
	AcceptRate float64
	DropRate   float64
}

func (r RandomResponse) Answer(rng *rand.Rand, _ string) Answer {
	if r.DropRate > 0 && rng.Float64() < r.DropRate {
		return Answer{}
	}
	return Answer{Respond: true, Accept: rng.Float64() < r.AcceptRate, Delay: r.Delay}
}
