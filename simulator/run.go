package simulator

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/core/notify"
)

// ReasonNoResponse marks offers the simulated contractor ignored.
const ReasonNoResponse = "no_response"

// Engine is the part of the allocation manager the simulation drives.
type Engine interface {
	Create(ctx context.Context, l model.Lead) (model.Lead, error)
	Allocate(ctx context.Context, id string) error
	Get(id string) (model.Lead, error)
	Respond(ctx context.Context, r notify.Response) (model.Lead, error)
	Start(ctx context.Context, leadID, actor string) (model.Lead, error)
	Complete(ctx context.Context, leadID, actor string) (model.Lead, error)
}

// Result summarises a simulation run.
type Result struct {
	Leads    int                      `json:"leads"`
	Offers   int                      `json:"offers"`
	Ignored  int                      `json:"ignored"`
	Statuses map[model.LeadStatus]int `json:"statuses"`
}

// Simulation plays leads one after another through an engine.
type Simulation struct {
	engine   Engine
	strategy ResponseStrategy
	cfg      Config
	rng      *rand.Rand
	log      logger.Logger
	// rebalance runs every cfg.RebalanceEvery leads when set.
	rebalance func(context.Context)
}

func New(engine Engine, strategy ResponseStrategy, cfg Config, log logger.Logger) *Simulation {
	return &Simulation{engine: engine, strategy: strategy, cfg: cfg, rng: NewRand(cfg.Seed), log: log}
}

// WithRebalance sets the hook that republishes lead shares during the run.
func (s *Simulation) WithRebalance(fn func(context.Context)) *Simulation {
	s.rebalance = fn
	return s
}

// NewRand returns the deterministic generator used for a seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Run submits leads and answers every offer until all leads settled or ctx
// is done.
func (s *Simulation) Run(ctx context.Context, leads []model.Lead) (Result, error) {
	res := Result{Statuses: map[model.LeadStatus]int{}}
	var active []string
	for _, l := range leads {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		active = s.finish(ctx, active)
		created, err := s.engine.Create(ctx, l)
		if err != nil {
			s.log.Warnf("simulate: create %s: %v", l.ID, err)
			continue
		}
		res.Leads++
		if err := s.engine.Allocate(ctx, created.ID); err != nil {
			s.log.Debugf("simulate: allocate %s: %v", created.ID, err)
		}
		if s.answer(ctx, created.ID, &res) {
			active = append(active, created.ID)
		}
		if s.rebalance != nil && s.cfg.RebalanceEvery > 0 && res.Leads%s.cfg.RebalanceEvery == 0 {
			s.rebalance(ctx)
		}
	}
	for _, l := range leads {
		if got, err := s.engine.Get(l.ID); err == nil {
			res.Statuses[got.Status]++
		}
	}
	return res, nil
}

// answer plays offers on the lead until it leaves the assigned state. It
// reports whether the lead ended accepted.
func (s *Simulation) answer(ctx context.Context, id string, res *Result) bool {
	for {
		l, err := s.engine.Get(id)
		if err != nil {
			return false
		}
		switch l.Status {
		case model.StatusAccepted:
			return true
		case model.StatusAssigned:
		default:
			return false
		}
		res.Offers++
		cur := l.Assignment.Current
		ans := s.strategy.Answer(s.rng, cur)
		r := notify.Response{OfferID: l.Assignment.OfferID, LeadID: id, ContractorID: cur, Accepted: ans.Accept, At: time.Now()}
		if !ans.Respond {
			res.Ignored++
			r.Accepted = false
			r.Reason = ReasonNoResponse
		}
		if _, err := s.engine.Respond(ctx, r); err != nil {
			s.log.Warnf("simulate: respond %s: %v", id, err)
			return false
		}
	}
}

// finish completes a random share of the active leads and returns the rest.
func (s *Simulation) finish(ctx context.Context, active []string) []string {
	kept := active[:0]
	for _, id := range active {
		if s.rng.Float64() >= s.cfg.CompleteRate {
			kept = append(kept, id)
			continue
		}
		if _, err := s.engine.Start(ctx, id, "simulator"); err != nil {
			s.log.Warnf("simulate: start %s: %v", id, err)
			continue
		}
		if _, err := s.engine.Complete(ctx, id, "simulator"); err != nil {
			s.log.Warnf("simulate: complete %s: %v", id, err)
		}
	}
	return kept
}
