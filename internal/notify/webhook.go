// Package notify delivers best-effort failure alerts to a webhook sink.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/precheck/monitor/internal/provider/resilience"
)

const (
	// AlertType is the alert_type of every probe failure alert.
	AlertType = "API Request Failure"

	// DefaultTimeout bounds the single delivery attempt.
	DefaultTimeout = 10 * time.Second
)

// Failure describes one failed probe.
type Failure struct {
	Environment string
	APIURL      string
	Error       string
	Attempts    int
	StatusCode  *int
}

// Payload is the JSON body posted to the sink.
type Payload struct {
	Timestamp   string `json:"timestamp"`
	AlertType   string `json:"alert_type"`
	Environment string `json:"environment"`
	APIURL      string `json:"api_url"`
	Error       string `json:"error"`
	Attempts    int    `json:"attempts"`
	StatusCode  *int   `json:"status_code"`
}

// Notifier sends failure alerts.
type Notifier interface {
	Notify(ctx context.Context, failure Failure)
}

// WebhookConfig holds configuration for the webhook notifier.
type WebhookConfig struct {
	URL     string
	Enabled bool

	// Timeout bounds the delivery attempt.
	// Default: 10 seconds
	Timeout time.Duration

	// HTTPClient overrides the underlying client.
	HTTPClient *http.Client

	// Breaker skips delivery while the sink keeps failing. If nil, a breaker
	// with resilience.DefaultCircuitBreakerConfig is created.
	Breaker *gobreaker.CircuitBreaker[struct{}]

	Logger zerolog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Webhook posts one JSON alert per failure. Delivery is attempted once and
// errors are logged, never returned.
type Webhook struct {
	url        string
	enabled    bool
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     zerolog.Logger
	now        func() time.Time
}

var _ Notifier = (*Webhook)(nil)

// NewWebhook creates a new webhook notifier.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	breaker := cfg.Breaker
	if breaker == nil {
		bc := resilience.DefaultCircuitBreakerConfig("webhook")
		bc.OnStateChange = resilience.LogStateChange(cfg.Logger)
		breaker = resilience.NewCircuitBreaker[struct{}](bc)
	}

	return &Webhook{
		url:        cfg.URL,
		enabled:    cfg.Enabled,
		httpClient: httpClient,
		breaker:    breaker,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// Enabled reports whether alerts will be sent.
func (w *Webhook) Enabled() bool {
	return w.enabled && w.url != ""
}

// Notify posts the alert. It is a no-op when the notifier is disabled or has
// no URL.
func (w *Webhook) Notify(ctx context.Context, failure Failure) {
	if !w.enabled {
		return
	}
	if w.url == "" {
		w.logger.Warn().Msg("webhook enabled but no URL configured")
		return
	}

	payload := Payload{
		Timestamp:   w.now().UTC().Format(time.RFC3339),
		AlertType:   AlertType,
		Environment: failure.Environment,
		APIURL:      failure.APIURL,
		Error:       failure.Error,
		Attempts:    failure.Attempts,
		StatusCode:  failure.StatusCode,
	}

	_, err := w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(ctx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		w.logger.Warn().
			Str("environment", failure.Environment).
			Str("api_url", failure.APIURL).
			Str("breaker_state", w.breaker.State().String()).
			Msg("webhook circuit open, alert suppressed")
		return
	}
	if err != nil {
		w.logger.Error().
			Err(err).
			Str("environment", failure.Environment).
			Str("api_url", failure.APIURL).
			Msg("failed to send webhook notification")
		return
	}

	w.logger.Info().
		Str("environment", failure.Environment).
		Str("api_url", failure.APIURL).
		Msg("webhook notification sent")
}

func (w *Webhook) post(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

// Nop discards every alert.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Failure) {}
