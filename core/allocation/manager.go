// Package allocation runs the lead allocation state machine: it ranks
// eligible contractors, reserves capacity, sends offers and reacts to
// responses, deadlines and operator actions.
package allocation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/leadalloc/core/audit"
	"github.com/kilianp07/leadalloc/core/balancer"
	"github.com/kilianp07/leadalloc/core/capacity"
	"github.com/kilianp07/leadalloc/core/contractor"
	"github.com/kilianp07/leadalloc/core/geo"
	"github.com/kilianp07/leadalloc/core/kpi"
	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/core/monitoring"
	"github.com/kilianp07/leadalloc/core/notify"
	"github.com/kilianp07/leadalloc/core/rules"
	"github.com/kilianp07/leadalloc/internal/eventbus"
)

// Deps are the collaborators of a Manager. Publisher, Sink and Bus are
// optional.
type Deps struct {
	Geo         *geo.Index
	Contractors *contractor.Registry
	Capacity    *capacity.Tracker
	KPI         *kpi.Store
	Rules       *rules.Engine
	Balancer    *balancer.Controller
	Recorder    *audit.Recorder
	Publisher   notify.Publisher
	Sink        metrics.MetricsSink
	Bus         eventbus.EventBus
	Log         logger.Logger
}

type leadState struct {
	mu          sync.Mutex
	lead        model.Lead
	timer       *time.Timer
	requeue     *time.Timer
	offerAt     time.Time
	unreachable map[string]bool
}

// Manager owns every lead's lifecycle. Each lead is guarded by its own
// mutex, so unrelated leads never wait on each other.
type Manager struct {
	cfg         Config
	geo         *geo.Index
	contractors *contractor.Registry
	capacity    *capacity.Tracker
	kpi         *kpi.Store
	rules       *rules.Engine
	balancer    *balancer.Controller
	recorder    *audit.Recorder
	publisher   notify.Publisher
	sink        metrics.MetricsSink
	bus         eventbus.EventBus
	log         logger.Logger

	leads sync.Map // lead id -> *leadState
	queue chan string

	ctxMu sync.RWMutex
	ctx   context.Context

	now  func() time.Time
	seed func() uint64
}

// NewManager validates the configuration and wires the collaborators.
func NewManager(cfg Config, d Deps) (*Manager, error) {
	if d.Geo == nil || d.Contractors == nil || d.Capacity == nil || d.KPI == nil ||
		d.Rules == nil || d.Balancer == nil || d.Recorder == nil || d.Log == nil {
		return nil, fmt.Errorf("allocation: nil dependency provided to NewManager")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Publisher == nil {
		d.Publisher = notify.NopPublisher{}
	}
	if d.Sink == nil {
		d.Sink = metrics.NopSink{}
	}
	return &Manager{
		cfg:         cfg,
		geo:         d.Geo,
		contractors: d.Contractors,
		capacity:    d.Capacity,
		kpi:         d.KPI,
		rules:       d.Rules,
		balancer:    d.Balancer,
		recorder:    d.Recorder,
		publisher:   d.Publisher,
		sink:        d.Sink,
		bus:         d.Bus,
		log:         d.Log,
		queue:       make(chan string, cfg.QueueSize),
		ctx:         context.Background(),
		now:         time.Now,
		seed:        rand.Uint64,
	}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) background() context.Context {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	return m.ctx
}

func (m *Manager) state(id string) (*leadState, error) {
	v, ok := m.leads.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeadNotFound, id)
	}
	return v.(*leadState), nil
}

// Get returns a copy of the lead.
func (m *Manager) Get(id string) (model.Lead, error) {
	st, err := m.state(id)
	if err != nil {
		return model.Lead{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lead.Clone(), nil
}

// Create validates a lead, records its intake and moves it to
// pending_assignment. It does not start allocation.
func (m *Manager) Create(ctx context.Context, l model.Lead) (model.Lead, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Priority == "" {
		l.Priority = model.PriorityMedium
	}
	if err := validateLead(l); err != nil {
		return model.Lead{}, err
	}
	l.Status = model.StatusNew
	l.Assignment = model.AssignmentInfo{}
	l.Timeline = model.LeadTimeline{CreatedAt: m.now()}
	l.CancelReason = ""
	l.Zone = m.geo.ZoneOf(l.Location.Coordinates)

	st := &leadState{lead: l, unreachable: map[string]bool{}}
	if _, loaded := m.leads.LoadOrStore(l.ID, st); loaded {
		return model.Lead{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidLead, l.ID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	m.record(ctx, st, model.AllocationEvent{Type: model.EventLeadCreated, ToStatus: model.StatusNew})
	if err := m.move(ctx, st, model.StatusPendingAssignment, model.AllocationEvent{Type: model.EventLeadPending}); err != nil {
		return model.Lead{}, err
	}
	return st.lead.Clone(), nil
}

func validateLead(l model.Lead) error {
	if !l.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidLead, l.Priority)
	}
	if l.Details.ServiceType == "" {
		return fmt.Errorf("%w: service type is required", ErrInvalidLead)
	}
	c := l.Location.Coordinates
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 || (c.Lat == 0 && c.Lng == 0) {
		return fmt.Errorf("%w: coordinates must be resolved", ErrInvalidLead)
	}
	return nil
}

// Submit creates the lead and queues it for the workers.
func (m *Manager) Submit(ctx context.Context, l model.Lead) (model.Lead, error) {
	created, err := m.Create(ctx, l)
	if err != nil {
		return model.Lead{}, err
	}
	select {
	case m.queue <- created.ID:
	case <-ctx.Done():
		return created, ctx.Err()
	}
	return created, nil
}

func (m *Manager) enqueue(id string) {
	ctx := m.background()
	select {
	case m.queue <- id:
	case <-ctx.Done():
	}
}

// Run starts the workers and the expiry sweep. It blocks until ctx is
// canceled and every worker returned.
func (m *Manager) Run(ctx context.Context) {
	m.ctxMu.Lock()
	m.ctx = ctx
	m.ctxMu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			m.work(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(m.cfg.ExpirySweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := m.SweepExpired(ctx); n > 0 {
					m.log.Infof("expiry sweep declined %d offers", n)
				}
			}
		}
	}()
	wg.Wait()
}

func (m *Manager) work(ctx context.Context, worker int) {
	tags := map[string]string{"component": "allocation", "worker": fmt.Sprint(worker)}
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			err := monitoring.Guard(tags, func() {
				if err := m.Allocate(ctx, id); err != nil {
					m.log.Debugf("allocate %s: %v", id, err)
				}
			})
			if err != nil {
				m.log.Errorf("allocation worker %d: %v", worker, err)
			}
		}
	}
}
