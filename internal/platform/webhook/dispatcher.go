// Package webhook delivers claim lifecycle events to configured HTTP
// endpoints. Payloads are signed with HMAC-SHA256 and retried on transient
// failures.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Event types published by the claims service.
const (
	EventBatchIngested = "claims.batch_ingested"
	EventRevalidated   = "claims.revalidated"
)

// Endpoint is a delivery target. Events lists the event types it receives;
// "*" and "claims.*" style wildcards are accepted. An empty list receives
// everything.
type Endpoint struct {
	URL    string   `json:"url"`
	Secret string   `json:"-"`
	Events []string `json:"events"`
}

// Event is the JSON body POSTed to endpoints.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TenantID  string          `json:"tenant_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryResult summarises the outcome of delivering an event to one endpoint.
type DeliveryResult struct {
	URL        string        `json:"url"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the transport used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client.HTTPClient = c }
}

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.client.RetryMax = n
		}
	}
}

// WithRetryWait bounds the wait between retries.
func WithRetryWait(min, max time.Duration) Option {
	return func(d *Dispatcher) {
		d.client.RetryWaitMin = min
		d.client.RetryWaitMax = max
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
		d.client.Logger = leveledLogger{l}
	}
}

// Dispatcher fans events out to every matching endpoint.
type Dispatcher struct {
	endpoints []Endpoint
	client    *retryablehttp.Client
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewDispatcher validates the endpoints and returns a Dispatcher for them.
func NewDispatcher(endpoints []Endpoint, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = 10 * time.Second
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 30 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	d := &Dispatcher{
		endpoints: endpoints,
		client:    client,
		logger:    zerolog.Nop(),
	}
	client.Logger = leveledLogger{d.logger}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// EndpointsFromURLs builds endpoints sharing one secret that receive every event.
func EndpointsFromURLs(urls []string, secret string) []Endpoint {
	out := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		out = append(out, Endpoint{URL: u, Secret: secret})
	}
	return out
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", rawURL)
	}
	return nil
}

// eventMatches reports whether eventType matches a subscription pattern.
// Patterns are exact ("claims.revalidated"), "*", or prefix wildcards ("claims.*").
func eventMatches(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) wants(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// NewEvent wraps payload in an Event envelope.
func NewEvent(eventType, tenantID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Publish delivers the event in the background and returns once it is
// queued. Delivery outlives ctx's cancellation; call Wait to drain.
func (d *Dispatcher) Publish(ctx context.Context, eventType, tenantID string, payload any) error {
	if d == nil || len(d.endpoints) == 0 {
		return nil
	}
	ev, err := NewEvent(eventType, tenantID, payload)
	if err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, r := range d.Deliver(context.WithoutCancel(ctx), ev) {
			if !r.Success {
				d.logger.Warn().Str("event", ev.Type).Str("event_id", ev.ID).Str("url", r.URL).
					Int("status", r.StatusCode).Str("error", r.Error).Msg("webhook delivery failed")
			}
		}
	}()
	return nil
}

// Wait blocks until every published event has been delivered or abandoned.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

// Deliver sends the event to every matching endpoint and reports each outcome.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) []DeliveryResult {
	body, err := json.Marshal(ev)
	if err != nil {
		return []DeliveryResult{{Error: err.Error()}}
	}

	var results []DeliveryResult
	for _, ep := range d.endpoints {
		if !ep.wants(ev.Type) {
			continue
		}
		results = append(results, d.deliverTo(ctx, ep, ev, body))
	}
	return results
}

func (d *Dispatcher) deliverTo(ctx context.Context, ep Endpoint, ev Event, body []byte) DeliveryResult {
	res := DeliveryResult{URL: ep.URL}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, ep.URL, body)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-ID", ev.ID)
	req.Header.Set("X-Webhook-Timestamp", ev.Timestamp.Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(body, ep.Secret))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
	} else {
		res.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	d.logger.Debug().Str("event", ev.Type).Str("url", ep.URL).Int("status", resp.StatusCode).
		Dur("elapsed", res.Duration).Msg("webhook delivered")
	return res
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
