// Package util provides the container and polling helpers the integration
// tests share.
//
// StartBroker runs a throwaway Mosquitto broker and only returns once an
// offer published on the contractor topic layout is delivered back.
//
// WaitForAllocationMetric scrapes the engine's Prometheus endpoint until a
// leadalloc_ series with the wanted labels has a non-zero value.
//
// StartInflux launches a disposable InfluxDB 2 instance with a bucket ready
// for allocation results.
package util

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	BrokerReadyTimeout = 10 * time.Second
	MetricTimeout      = 5 * time.Second

	// MetricPrefix namespaces every series the engine exports.
	MetricPrefix = "leadalloc_"

	readyTopic   = "contractor/healthcheck/offers"
	pollInterval = 50 * time.Millisecond
)

// WaitForAllocationMetric polls metricsURL until the named series carries
// every label in labels with a value above zero. The leadalloc_ prefix is
// added when name lacks it.
func WaitForAllocationMetric(ctx context.Context, metricsURL, name string, labels map[string]string) error {
	if !strings.HasPrefix(name, MetricPrefix) {
		name = MetricPrefix + name
	}
	for {
		found, err := scrape(ctx, metricsURL, name, labels)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if found {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("series %s%v not reported: %w", name, labels, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func scrape(ctx context.Context, metricsURL, name string, labels map[string]string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metricsURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// endpoint not up yet
		return false, nil
	}
	defer resp.Body.Close()
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return false, fmt.Errorf("parse metrics: %w", err)
	}
	mf, ok := families[name]
	if !ok {
		return false, nil
	}
	for _, m := range mf.GetMetric() {
		if hasLabels(m, labels) && sampleValue(m) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Histogram != nil:
		return float64(m.GetHistogram().GetSampleCount())
	case m.Summary != nil:
		return float64(m.GetSummary().GetSampleCount())
	}
	return 0
}

// StartBroker launches a Mosquitto broker for offer and response traffic and
// returns its URL along with a cleanup function.
func StartBroker(ctx context.Context) (string, func(), error) {
	conf := "listener 1883\nallow_anonymous true\npersistence false\nlog_dest stdout\nlog_type error\nlog_type warning\n"

	dir, err := os.MkdirTemp("", "leadalloc-broker")
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(dir, "mosquitto.conf")
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}

	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "eclipse-mosquitto:2.0",
			ExposedPorts: []string{"1883/tcp"},
			WaitingFor:   wait.ForListeningPort("1883/tcp"),
			Files: []tc.ContainerFile{{
				HostFilePath:      path,
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0o644,
			}},
		},
		Started: true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}
	cleanup := func() {
		_ = cont.Terminate(context.Background())
		_ = os.RemoveAll(dir)
	}

	endpoint, err := cont.PortEndpoint(ctx, "1883/tcp", "tcp")
	if err != nil {
		cleanup()
		return "", nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, BrokerReadyTimeout)
	defer cancel()
	if err := waitForOfferRoute(readyCtx, endpoint); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("broker not routing offers: %w", err)
	}
	return endpoint, cleanup, nil
}

// waitForOfferRoute subscribes to a contractor offer topic and publishes to
// it until the message comes back.
func waitForOfferRoute(ctx context.Context, broker string) error {
	delivered := make(chan struct{}, 1)
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID("leadalloc-readiness").
		SetConnectTimeout(time.Second)
	for {
		cli := paho.NewClient(opts)
		if tok := cli.Connect(); tok.Wait() && tok.Error() == nil {
			sub := cli.Subscribe(readyTopic, 1, func(paho.Client, paho.Message) {
				select {
				case delivered <- struct{}{}:
				default:
				}
			})
			if sub.Wait() && sub.Error() == nil {
				cli.Publish(readyTopic, 1, false, `{"offer_id":"readiness"}`).Wait()
				select {
				case <-delivered:
					cli.Disconnect(100)
					return nil
				case <-time.After(time.Second):
				}
			}
			cli.Disconnect(100)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// InfluxSetup holds the credentials created by StartInflux.
type InfluxSetup struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// StartInflux launches an InfluxDB 2 container initialised with a single
// org, bucket and admin token.
func StartInflux(ctx context.Context) (InfluxSetup, func(), error) {
	setup := InfluxSetup{Token: "leadalloc-token", Org: "leadalloc", Bucket: "allocations"}
	req := tc.ContainerRequest{
		Image:        "influxdb:2.7",
		ExposedPorts: []string{"8086/tcp"},
		Env: map[string]string{
			"DOCKER_INFLUXDB_INIT_MODE":        "setup",
			"DOCKER_INFLUXDB_INIT_USERNAME":    "admin",
			"DOCKER_INFLUXDB_INIT_PASSWORD":    "leadalloc-admin",
			"DOCKER_INFLUXDB_INIT_ORG":         setup.Org,
			"DOCKER_INFLUXDB_INIT_BUCKET":      setup.Bucket,
			"DOCKER_INFLUXDB_INIT_ADMIN_TOKEN": setup.Token,
		},
		WaitingFor: wait.ForHTTP("/health").WithPort("8086/tcp").WithStartupTimeout(60 * time.Second),
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		return setup, nil, err
	}
	cleanup := func() { _ = cont.Terminate(context.Background()) }
	host, err := cont.Host(ctx)
	if err != nil {
		cleanup()
		return setup, nil, err
	}
	port, err := cont.MappedPort(ctx, "8086")
	if err != nil {
		cleanup()
		return setup, nil, err
	}
	setup.URL = fmt.Sprintf("http://%s:%s", host, port.Port())
	return setup, cleanup, nil
}
