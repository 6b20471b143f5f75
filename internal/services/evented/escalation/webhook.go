// Package escalation notifies an external HTTPS endpoint of rejected saga
// commands.
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/louisbranch/evented/internal/platform/timeouts"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/compensation"
)

// Issuer is the iss claim of webhook tokens.
const Issuer = "evented"

// tokenTTL bounds how long a signed webhook token stays valid.
const tokenTTL = time.Minute

// Config configures a Webhook.
type Config struct {
	URL string
	// Secret signs an HS256 bearer token per request when set.
	Secret string
	// Rate and Burst bound outgoing requests; zero Rate means unlimited.
	Rate  rate.Limit
	Burst int
	// Timeout bounds one request, including the rate-limit wait.
	Timeout time.Duration
}

// Webhook posts one JSON document per escalation. Failures are returned to
// the caller and never retried.
type Webhook struct {
	endpoint string
	secret   []byte
	timeout  time.Duration
	limiter  *rate.Limiter
	client   *http.Client
	now      func() time.Time
}

// Option configures a Webhook.
type Option func(*Webhook)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Webhook) {
		if client != nil {
			w.client = client
		}
	}
}

// WithClock overrides the token clock.
func WithClock(now func() time.Time) Option {
	return func(w *Webhook) {
		if now != nil {
			w.now = now
		}
	}
}

// New validates cfg and builds a webhook escalator.
func New(cfg Config, opts ...Option) (*Webhook, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, errors.New("webhook url is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return nil, fmt.Errorf("invalid webhook url %q", endpoint)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = timeouts.WebhookRequest
	}
	limit, burst := cfg.Rate, cfg.Burst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	w := &Webhook{
		endpoint: endpoint,
		secret:   []byte(cfg.Secret),
		timeout:  timeout,
		limiter:  rate.NewLimiter(limit, burst),
		client:   &http.Client{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Payload is the JSON document posted to the endpoint.
type Payload struct {
	Key           string           `json:"key"`
	Saga          string           `json:"saga"`
	Reason        string           `json:"reason"`
	CorrelationID string           `json:"correlation_id"`
	Source        book.Cover       `json:"source"`
	Command       book.CommandBook `json:"command"`
	IssuedAt      time.Time        `json:"issued_at"`
}

// Escalate posts n to the endpoint.
func (w *Webhook) Escalate(ctx context.Context, n book.RejectionNotification) error {
	if w == nil {
		return errors.New("webhook not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for webhook rate limit: %w", err)
	}

	key := n.Key()
	body, err := json.Marshal(Payload{
		Key:           key,
		Saga:          n.SagaName,
		Reason:        n.Reason,
		CorrelationID: n.CorrelationID,
		Source:        n.SourceCover,
		Command:       n.Command,
		IssuedAt:      n.IssuedAt,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		token, err := w.sign(n.SagaName, key)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) sign(saga, key string) (string, error) {
	now := w.now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   saga,
		ID:        key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(w.secret)
	if err != nil {
		return "", fmt.Errorf("sign webhook token: %w", err)
	}
	return token, nil
}

var _ compensation.Escalator = (*Webhook)(nil)
