package metrics

import (
	"context"
	"sort"
	"time"

	"github.com/kilianp07/leadalloc/core/events"
	coremetrics "github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and forwards balancer
// events to sinks that record them. It stops when the context is canceled.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				collect(sink, ev)
			}
		}
	}()
}

func collect(sink coremetrics.MetricsSink, ev any) {
	switch e := ev.(type) {
	case events.SaturationEvent:
		if r, ok := sink.(coremetrics.SaturationRecorder); ok {
			_ = r.RecordSaturation(coremetrics.SaturationEvent{
				ContractorID: e.ContractorID,
				Utilization:  e.Utilization,
				Until:        e.Until,
				Time:         time.Now(),
			})
		}
	case events.RebalanceEvent:
		r, ok := sink.(coremetrics.FairnessRecorder)
		if !ok {
			return
		}
		alerts := make(map[string]int)
		for _, a := range e.Alerts {
			alerts[a.Zone]++
		}
		zones := make([]string, 0, len(e.Fairness))
		for z := range e.Fairness {
			zones = append(zones, z)
		}
		sort.Strings(zones)
		for _, z := range zones {
			_ = r.RecordFairness(coremetrics.FairnessEvent{Zone: z, Score: e.Fairness[z], Alerts: alerts[z], Time: e.At})
		}
	}
}
