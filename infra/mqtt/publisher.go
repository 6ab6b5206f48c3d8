package mqtt

import (
	"context"
	"sync"

	"github.com/kilianp07/leadalloc/core/notify"
)

// MockPublisher is an in-memory transport used in tests and simulations.
// Offers to contractors listed in FailIDs fail with notify.ErrPublish.
type MockPublisher struct {
	Offers   []notify.Offer
	Statuses []notify.StatusUpdate
	FailIDs  map[string]bool

	mu        sync.Mutex
	responses chan notify.Response
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		FailIDs:   make(map[string]bool),
		responses: make(chan notify.Response, 64),
	}
}

func (m *MockPublisher) PublishOffer(_ context.Context, o notify.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailIDs[o.ContractorID] {
		return notify.ErrPublish
	}
	m.Offers = append(m.Offers, o)
	return nil
}

func (m *MockPublisher) PublishStatus(_ context.Context, s notify.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses = append(m.Statuses, s)
	return nil
}

// Respond queues a contractor response on the Responses stream.
func (m *MockPublisher) Respond(r notify.Response) { m.responses <- r }

func (m *MockPublisher) Responses() <-chan notify.Response { return m.responses }

// LastOffer returns the most recent offer sent to the contractor.
func (m *MockPublisher) LastOffer(contractorID string) (notify.Offer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Offers) - 1; i >= 0; i-- {
		if m.Offers[i].ContractorID == contractorID {
			return m.Offers[i], true
		}
	}
	return notify.Offer{}, false
}
