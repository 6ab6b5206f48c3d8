// Package webhook delivers offers and status updates to an HTTP receiver,
// for contractor portals that do not speak MQTT.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kilianp07/leadalloc/auth"
	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/monitoring"
	"github.com/kilianp07/leadalloc/core/notify"
)

// Config configures the receiver. Offers are POSTed to {url}/offers and
// status updates to {url}/status.
type Config struct {
	URL        string        `json:"url"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	BackoffMS  int           `json:"backoff_ms"`
	Auth       auth.Conf     `json:"auth"`
}

// Enabled reports whether a receiver is configured.
func (c Config) Enabled() bool { return c.URL != "" }

func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 200
	}
}

func (c Config) Validate() error {
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("webhook url must be http(s), got %q", c.URL)
	}
	if c.Auth.Enabled() && c.Auth.ClientID == "" {
		return errors.New("webhook auth requires client_id")
	}
	return nil
}

// errPermanent marks receiver answers that retrying will not fix.
var errPermanent = errors.New("rejected by receiver")

// Publisher implements notify.Publisher over HTTP.
type Publisher struct {
	cfg    Config
	client *http.Client
	creds  *auth.ClientCred
	log    logger.Logger
}

func NewPublisher(cfg Config, log logger.Logger) *Publisher {
	cfg.SetDefaults()
	p := &Publisher{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: log}
	if cfg.Auth.Enabled() {
		p.creds = auth.NewClientCred(cfg.Auth)
	}
	return p
}

func (p *Publisher) PublishOffer(ctx context.Context, o notify.Offer) error {
	if err := p.post(ctx, "/offers", o); err != nil {
		monitoring.CaptureException(err, map[string]string{"module": "webhook", "contractor_id": o.ContractorID, "lead_id": o.LeadID})
		return err
	}
	p.log.Infof("sent offer %s to contractor %s via webhook", o.OfferID, o.ContractorID)
	return nil
}

func (p *Publisher) PublishStatus(ctx context.Context, s notify.StatusUpdate) error {
	return p.post(ctx, "/status", s)
}

func (p *Publisher) post(ctx context.Context, path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	url := strings.TrimRight(p.cfg.URL, "/") + path
	backoff := time.Duration(p.cfg.BackoffMS) * time.Millisecond
	var sendErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		sendErr = p.send(ctx, url, payload, attempt > 0)
		if sendErr == nil {
			return nil
		}
		p.log.Errorf("webhook attempt %d to %s failed: %v", attempt+1, url, sendErr)
		if errors.Is(sendErr, errPermanent) || attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", notify.ErrPublish, ctx.Err())
		case <-time.After(backoff * time.Duration(1<<attempt)):
		}
	}
	return fmt.Errorf("%w: %w", notify.ErrPublish, sendErr)
}

func (p *Publisher) send(ctx context.Context, url string, payload []byte, retry bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.creds != nil {
		if err := p.creds.SetAuthHeader(ctx, req); err != nil {
			return fmt.Errorf("failed to set auth header: %w", err)
		}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized && p.creds != nil && !retry:
		// The cached token may have been revoked early.
		if _, err := p.creds.ForceRefresh(ctx); err != nil {
			return err
		}
		return fmt.Errorf("unauthorized, token refreshed")
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	default:
		return fmt.Errorf("%w: status %d, body: %s", errPermanent, resp.StatusCode, body)
	}
}

// Fanout publishes to every transport. Delivery succeeds when at least one
// transport accepted the message.
type Fanout []notify.Publisher

func (f Fanout) PublishOffer(ctx context.Context, o notify.Offer) error {
	return f.each(func(p notify.Publisher) error { return p.PublishOffer(ctx, o) })
}

func (f Fanout) PublishStatus(ctx context.Context, s notify.StatusUpdate) error {
	return f.each(func(p notify.Publisher) error { return p.PublishStatus(ctx, s) })
}

func (f Fanout) each(fn func(notify.Publisher) error) error {
	var errs []error
	for _, p := range f {
		if err := fn(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) < len(f) {
		return nil
	}
	return errors.Join(errs...)
}
