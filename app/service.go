// Package app wires the allocation engine, its transports and the operator
// API from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/leadalloc/api"
	"github.com/kilianp07/leadalloc/config"
	"github.com/kilianp07/leadalloc/core/allocation"
	"github.com/kilianp07/leadalloc/core/analytics"
	"github.com/kilianp07/leadalloc/core/audit"
	"github.com/kilianp07/leadalloc/core/balancer"
	"github.com/kilianp07/leadalloc/core/capacity"
	"github.com/kilianp07/leadalloc/core/contractor"
	"github.com/kilianp07/leadalloc/core/geo"
	"github.com/kilianp07/leadalloc/core/kpi"
	coremetrics "github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/core/model"
	coremon "github.com/kilianp07/leadalloc/core/monitoring"
	"github.com/kilianp07/leadalloc/core/notify"
	"github.com/kilianp07/leadalloc/core/rules"
	"github.com/kilianp07/leadalloc/infra/logger"
	"github.com/kilianp07/leadalloc/infra/metrics"
	"github.com/kilianp07/leadalloc/infra/monitoring"
	"github.com/kilianp07/leadalloc/infra/mqtt"
	"github.com/kilianp07/leadalloc/infra/redis"
	"github.com/kilianp07/leadalloc/infra/webhook"
	"github.com/kilianp07/leadalloc/internal/eventbus"
)

// ResponseSource streams contractor responses from a transport.
type ResponseSource interface {
	Responses() <-chan notify.Response
}

// Service owns every long running component of the engine.
type Service struct {
	Manager     *allocation.Manager
	Contractors *contractor.Registry
	Balancer    *balancer.Controller
	Rules       *rules.Engine
	Analytics   *analytics.Snapshotter
	Capacity    *capacity.Tracker
	KPI         *kpi.Store
	Events      audit.Store
	Publisher   notify.Publisher

	cfg       *config.Config
	sink      coremetrics.MetricsSink
	bus       *eventbus.TypedBus[eventbus.Event]
	responses []ResponseSource
	mqtt      *mqtt.PahoClient
	cooldowns *redis.CooldownStore
	log       logger.Logger
}

// Options override transports, mostly for tests and simulations.
type Options struct {
	// Publisher replaces the configured MQTT and webhook transports.
	Publisher notify.Publisher
	// Responses are extra response streams fed into the engine.
	Responses []ResponseSource
}

// New creates a Service from the configuration.
func New(cfg *config.Config, opts Options) (svc *Service, err error) {
	logger.Configure(cfg.Logging.Options())
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	s := &Service{cfg: cfg, bus: eventbus.New(), log: logger.New("service"), responses: opts.Responses}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	if s.Events, err = cfg.Audit.Open(); err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	if s.Publisher, err = s.publisher(cfg, opts); err != nil {
		return nil, err
	}

	var cooldowns balancer.CooldownStore
	if cfg.Balancer.CooldownBackend == "redis" {
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.cooldowns = redis.NewCooldownStore(rdb, cfg.Redis)
		cooldowns = s.cooldowns
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.cooldowns.Ping(pingCtx); err != nil {
			s.log.Warnf("redis unreachable, cooldown checks will fail until it recovers: %v", err)
		}
		cancel()
	}

	var ruleSet []model.AllocationRule
	if cfg.RulesPath != "" {
		if ruleSet, err = rules.Load(cfg.RulesPath); err != nil {
			return nil, err
		}
	}
	if s.Rules, err = rules.NewEngine(ruleSet, logger.New("rules")); err != nil {
		return nil, err
	}

	g := geo.NewIndex(cfg.Zones, logger.New("geo"))
	s.Capacity = capacity.NewTracker()
	s.KPI = kpi.NewStore(cfg.KPI, logger.New("kpi"))
	s.Contractors = contractor.NewRegistry(g, s.Capacity, s.KPI)
	if cfg.ContractorsPath != "" {
		seed, err := config.LoadContractors(cfg.ContractorsPath)
		if err != nil {
			return nil, err
		}
		for _, c := range seed {
			if err := s.Contractors.Upsert(c); err != nil {
				return nil, fmt.Errorf("seed contractor %s: %w", c.ID, err)
			}
		}
		s.log.Infof("seeded %d contractors", len(seed))
	}

	if s.Balancer, err = balancer.NewController(cfg.LoadBalancing, cooldowns, s.Capacity, s.bus, logger.New("balancer")); err != nil {
		return nil, fmt.Errorf("balancer: %w", err)
	}
	if s.Manager, err = allocation.NewManager(cfg.Allocation, allocation.Deps{
		Geo:         g,
		Contractors: s.Contractors,
		Capacity:    s.Capacity,
		KPI:         s.KPI,
		Rules:       s.Rules,
		Balancer:    s.Balancer,
		Recorder:    audit.NewRecorder(s.Events, s.bus, logger.New("audit"), cfg.Audit.SystemVersion),
		Publisher:   s.Publisher,
		Sink:        s.sink,
		Bus:         s.bus,
		Log:         logger.New("allocation"),
	}); err != nil {
		return nil, fmt.Errorf("allocation manager: %w", err)
	}

	recorder, ok := s.sink.(coremetrics.AnalyticsRecorder)
	if !ok {
		recorder = coremetrics.NopSink{}
	}
	s.Analytics = analytics.NewSnapshotter(s.Events, recorder, cfg.Analytics.Window, func() analytics.Thresholds {
		return analytics.ThresholdsFor(s.Balancer.Config())
	}, logger.New("analytics"))
	return s, nil
}

// publisher assembles the outbound transports. Without any configured the
// engine still runs and offers are only visible through the audit trail.
func (s *Service) publisher(cfg *config.Config, opts Options) (notify.Publisher, error) {
	if opts.Publisher != nil {
		return opts.Publisher, nil
	}
	var out webhook.Fanout
	if cfg.MQTT.Broker != "" {
		client, err := mqtt.NewPahoClient(cfg.MQTT, logger.New("mqtt"))
		if err != nil {
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		s.mqtt = client
		s.responses = append(s.responses, client)
		out = append(out, client)
	}
	if cfg.Webhook.Enabled() {
		out = append(out, webhook.NewPublisher(cfg.Webhook, logger.New("webhook")))
	}
	switch len(out) {
	case 0:
		s.log.Warnf("no notification transport configured, offers are not delivered")
		return notify.NopPublisher{}, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

// Handler returns the operator API.
func (s *Service) Handler() http.Handler {
	return api.NewRouter(api.Deps{
		Manager:     s.Manager,
		Contractors: s.Contractors,
		Events:      s.Events,
		Analytics:   s.Analytics,
		Balancer:    s.Balancer,
		Rules:       s.Rules,
		Token:       s.cfg.HTTP.Token,
		Log:         logger.New("api"),
	})
}

// Run starts every component and blocks until ctx is canceled or one of
// them fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	metrics.StartEventCollector(ctx, s.bus, s.sink)

	g.Go(func() error { s.Manager.Run(ctx); return nil })
	g.Go(func() error { s.KPI.Run(ctx); return nil })
	g.Go(func() error { s.Analytics.Run(ctx, s.cfg.Analytics.Interval); return nil })
	g.Go(func() error {
		s.every(ctx, s.cfg.Balancer.RebalanceInterval, s.Rebalance)
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.cfg.Balancer.RolloverInterval, func(context.Context) { s.Capacity.Rollover(time.Now()) })
		return nil
	})
	for _, src := range s.responses {
		g.Go(func() error { s.consume(ctx, src.Responses()); return nil })
	}
	if addr := s.cfg.Metrics.PrometheusAddr; addr != "" {
		g.Go(func() error { return metrics.StartPromServer(ctx, addr, s.log) })
	}
	g.Go(func() error { return s.serve(ctx) })
	return g.Wait()
}

// Rebalance recomputes shares and publishes each contractor's highest zone
// share on its profile.
func (s *Service) Rebalance(ctx context.Context) {
	rep := s.Balancer.Rebalance(ctx)
	top := map[string]float64{}
	for _, zone := range rep.Shares.ZoneIDs() {
		for id, share := range rep.Shares.Zones[zone].Shares {
			if share > top[id] {
				top[id] = share
			}
		}
	}
	for id, share := range top {
		s.Contractors.SetShare(id, share)
	}
}

func (s *Service) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Service) consume(ctx context.Context, ch <-chan notify.Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if _, err := s.Manager.Respond(ctx, r); err != nil {
				s.log.Warnw("response rejected", map[string]any{
					"lead_id": r.LeadID, "contractor_id": r.ContractorID, "error": err.Error(),
				})
			}
		}
	}
}

func (s *Service) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.HTTP.ReadTimeout,
		WriteTimeout:      s.cfg.HTTP.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("api server shutdown: %v", err)
		}
	}()
	s.log.Infof("api listening on %s", s.cfg.HTTP.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	var errs []error
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.Events != nil {
		errs = append(errs, s.Events.Close())
	}
	if s.cooldowns != nil {
		errs = append(errs, s.cooldowns.Close())
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	s.bus.Close()
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}
