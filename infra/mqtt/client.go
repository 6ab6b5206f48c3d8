package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/leadalloc/core/monitoring"
	"github.com/kilianp07/leadalloc/core/notify"
	"github.com/kilianp07/leadalloc/infra/logger"
)

// Default topic layout. %s is replaced by the contractor or lead ID.
const (
	DefaultOfferTopic    = "contractor/%s/offers"
	DefaultStatusTopic   = "lead/%s/status"
	DefaultResponseTopic = "contractor/+/responses"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker        string          `json:"broker"`
	ClientID      string          `json:"client_id"`
	Username      string          `json:"username"`
	Password      string          `json:"password"`
	OfferTopic    string          `json:"offer_topic"`
	StatusTopic   string          `json:"status_topic"`
	ResponseTopic string          `json:"response_topic"`
	UseTLS        bool            `json:"use_tls"`
	ClientCert    string          `json:"client_cert"`
	ClientKey     string          `json:"client_key"`
	CABundle      string          `json:"ca_bundle"`
	AuthMethod    string          `json:"auth_method"`
	QoS           map[string]byte `json:"qos"`
	LWTTopic      string          `json:"lwt_topic"`
	LWTPayload    string          `json:"lwt_payload"`
	LWTQoS        byte            `json:"lwt_qos"`
	LWTRetain     bool            `json:"lwt_retain"`
	MaxRetries    int             `json:"max_retries"`
	BackoffMS     int             `json:"backoff_ms"`
	Buffer        int             `json:"buffer"`
	TLSConfig     *tls.Config     `json:"-"`
}

// SetDefaults fills the topic layout and retry policy.
func (c *Config) SetDefaults() {
	if c.OfferTopic == "" {
		c.OfferTopic = DefaultOfferTopic
	}
	if c.StatusTopic == "" {
		c.StatusTopic = DefaultStatusTopic
	}
	if c.ResponseTopic == "" {
		c.ResponseTopic = DefaultResponseTopic
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

// Validate checks the connection settings.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.New("mqtt: broker is required")
	}
	if c.ClientID == "" {
		return errors.New("mqtt: client_id is required")
	}
	if !strings.Contains(c.OfferTopic, "%s") || !strings.Contains(c.StatusTopic, "%s") {
		return errors.New("mqtt: offer_topic and status_topic need a %s placeholder")
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient implements notify.Publisher and notify.ResponseSource on top of
// Eclipse Paho.
type PahoClient struct {
	cli    pahoClient
	cfg    Config
	logger logger.Logger

	mu        sync.Mutex
	closed    bool
	responses chan notify.Response
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the broker and subscribes to contractor responses.
func NewPahoClient(cfg Config, log logger.Logger) (*PahoClient, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New("mqtt_client")
	}
	pc := &PahoClient{
		cfg:       cfg,
		logger:    log,
		responses: make(chan notify.Response, cfg.Buffer),
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(cfg.ResponseTopic, pc.qos("response"), pc.onResponse); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	opts.SetOrderMatters(false)
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *PahoClient) qos(kind string) byte {
	if q, ok := p.cfg.QoS[kind]; ok {
		return q
	}
	return 1
}

// contractorFromTopic extracts the wildcard segment of the response topic.
func (p *PahoClient) contractorFromTopic(topic string) string {
	pattern := strings.Split(p.cfg.ResponseTopic, "/")
	parts := strings.Split(topic, "/")
	if len(pattern) != len(parts) {
		return ""
	}
	for i, seg := range pattern {
		if seg == "+" {
			return parts[i]
		}
	}
	return ""
}

func (p *PahoClient) onResponse(_ paho.Client, msg paho.Message) {
	var r notify.Response
	if err := json.Unmarshal(msg.Payload(), &r); err != nil {
		p.logger.Errorf("failed to decode response: %v", err)
		return
	}
	if r.ContractorID == "" {
		r.ContractorID = p.contractorFromTopic(msg.Topic())
	}
	if r.OfferID == "" || r.LeadID == "" || r.ContractorID == "" {
		p.logger.Warnw("dropping incomplete response", map[string]any{"topic": msg.Topic()})
		return
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.responses <- r:
		p.logger.Debugw("received response", map[string]any{"lead_id": r.LeadID, "contractor_id": r.ContractorID, "accepted": r.Accepted})
	default:
		p.logger.Warnw("response buffer full", map[string]any{"lead_id": r.LeadID, "offer_id": r.OfferID})
	}
}

// Responses streams decoded contractor responses. The channel is closed by
// Disconnect.
func (p *PahoClient) Responses() <-chan notify.Response { return p.responses }

// PublishOffer sends an offer to the contractor's offer topic.
func (p *PahoClient) PublishOffer(ctx context.Context, o notify.Offer) error {
	topic := fmt.Sprintf(p.cfg.OfferTopic, o.ContractorID)
	if err := p.publish(ctx, topic, p.qos("offer"), false, o); err != nil {
		monitoring.CaptureException(err, map[string]string{"module": "mqtt", "contractor_id": o.ContractorID, "lead_id": o.LeadID})
		return err
	}
	p.logger.Infof("sent offer %s to %s", o.OfferID, topic)
	return nil
}

// PublishStatus sends a retained status update for the lead.
func (p *PahoClient) PublishStatus(ctx context.Context, s notify.StatusUpdate) error {
	topic := fmt.Sprintf(p.cfg.StatusTopic, s.LeadID)
	return p.publish(ctx, topic, p.qos("status"), true, s)
}

func (p *PahoClient) publish(ctx context.Context, topic string, qos byte, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	backoff := time.Duration(p.cfg.BackoffMS) * time.Millisecond
	var publishErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		token := p.cli.Publish(topic, qos, retained, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		p.logger.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		if attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", notify.ErrPublish, ctx.Err())
		case <-time.After(backoff * time.Duration(1<<attempt)):
		}
	}
	return fmt.Errorf("%w: %w", notify.ErrPublish, publishErr)
}

// Disconnect gracefully closes the MQTT connection and the response stream.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.responses)
	}
}
