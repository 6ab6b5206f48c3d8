package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/internal/eventbus"
)

// SystemActor is recorded for decisions the engine makes on its own.
const SystemActor = "system"

// Recorder stamps events with identity, sequence and audit info, persists them
// and publishes them on the bus.
type Recorder struct {
	store   Store
	bus     eventbus.EventBus
	log     logger.Logger
	version string
	seqs    sync.Map // lead id -> *atomic.Int64
	now     func() time.Time
}

// NewRecorder returns a recorder writing to store. bus may be nil.
func NewRecorder(store Store, bus eventbus.EventBus, log logger.Logger, version string) *Recorder {
	return &Recorder{store: store, bus: bus, log: log, version: version, now: time.Now}
}

// Store returns the underlying event store.
func (r *Recorder) Store() Store { return r.store }

// Record appends ev. Callers serialise events of one lead, so sequences of a
// lead are gap free. A sequence collision with events persisted by an earlier
// process moves on to the next number.
func (r *Recorder) Record(ctx context.Context, ev model.AllocationEvent) (model.AllocationEvent, error) {
	v, _ := r.seqs.LoadOrStore(ev.LeadID, new(atomic.Int64))
	seq := v.(*atomic.Int64)
	ev.ID = uuid.NewString()
	if ev.Audit.Actor == "" {
		ev.Audit.Actor = SystemActor
	}
	if ev.Audit.Timestamp.IsZero() {
		ev.Audit.Timestamp = r.now()
	}
	ev.Audit.SystemVersion = r.version
	var err error
	for attempt := 0; attempt < 16; attempt++ {
		ev.Sequence = seq.Add(1)
		if err = r.store.Append(ctx, ev); !errors.Is(err, ErrDuplicate) {
			break
		}
	}
	if err != nil {
		if r.log != nil {
			r.log.Errorf("audit append failed for lead %s: %v", ev.LeadID, err)
		}
		return ev, fmt.Errorf("record %s: %w", ev.Type, err)
	}
	if r.bus != nil {
		r.bus.Publish(ev)
	}
	return ev, nil
}

// Forget drops the sequence counter of a finished lead.
func (r *Recorder) Forget(leadID string) {
	r.seqs.Delete(leadID)
}
