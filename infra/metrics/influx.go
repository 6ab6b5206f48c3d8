package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/infra/logger"
)

// InfluxConfig locates the InfluxDB bucket.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes allocation events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordAllocation writes one allocation step.
func (s *InfluxSink) RecordAllocation(r coremetrics.AllocationResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("allocation_result").
		AddTag("lead_id", r.LeadID).
		AddTag("outcome", string(r.Outcome)).
		AddTag("method", string(r.Method)).
		AddTag("priority", string(r.Priority)).
		AddTag("zone", r.Zone)
	if r.ContractorID != "" {
		p = p.AddTag("contractor_id", r.ContractorID)
	}
	if r.Reason != "" {
		p = p.AddField("reason", r.Reason)
	}
	p = p.AddField("score", round3(r.Score)).
		AddField("attempt", r.Attempt).
		AddField("latency_s", round3(r.Latency.Seconds())).
		SetTime(r.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordAnalytics writes the aggregate and one share point per contractor.
func (s *InfluxSink) RecordAnalytics(snap coremetrics.AnalyticsSnapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("analytics_snapshot").
		AddTag("window", snap.To.Sub(snap.From).String()).
		AddField("acceptance_rate", round3(snap.AcceptanceRate)).
		AddField("fairness_score", round3(snap.FairnessScore)).
		AddField("efficiency_score", round3(snap.EfficiencyScore)).
		SetTime(snap.Time)
	for k, v := range snap.Totals {
		p = p.AddField("total_"+k, v)
	}
	points := []*write.Point{p}
	for id, share := range snap.Shares {
		points = append(points, write.NewPointWithMeasurement("contractor_share").
			AddTag("contractor_id", id).
			AddField("share_percent", round3(share)).
			SetTime(snap.Time))
	}
	return s.writeAPI.WritePoint(ctx, points...)
}

// RecordSaturation writes a saturation cooldown start.
func (s *InfluxSink) RecordSaturation(ev coremetrics.SaturationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("saturation_cooldown").
		AddTag("contractor_id", ev.ContractorID).
		AddField("utilization", round3(ev.Utilization)).
		AddField("until", strconv.FormatInt(ev.Until.Unix(), 10)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordFairness writes the per-zone fairness after a rebalance.
func (s *InfluxSink) RecordFairness(ev coremetrics.FairnessEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("zone_fairness").
		AddTag("zone", ev.Zone).
		AddField("score", round3(ev.Score)).
		AddField("alerts", ev.Alerts).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close flushes and closes the client.
func (s *InfluxSink) Close() { s.client.Close() }

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
