package resilience

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

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Defaults applied by NewClient to zero-valued ClientConfig fields.
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 10 * time.Second
	DefaultTimeout    = 30 * time.Second
)

// maxBodyBytes bounds how much of a response body is buffered.
const maxBodyBytes = 4 << 20

// ErrUnsupportedMethod is returned for methods other than GET and POST
// (compared case-insensitively).
// No request is sent.
var ErrUnsupportedMethod = errors.New("unsupported HTTP method")

// ClientConfig holds configuration for the retrying HTTP client.
type ClientConfig struct {
	// Name identifies this client in logs.
	Name string

	// MaxRetries is the total number of attempts per call, including the first.
	// Default: 5
	MaxRetries int

	// RetryDelay is the fixed pause between attempts.
	// Default: 10 seconds
	RetryDelay time.Duration

	// Timeout bounds each individual HTTP attempt.
	// Default: 30 seconds
	Timeout time.Duration

	// HTTPClient overrides the underlying client. Its Timeout is left untouched.
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Body       []byte
	Attempts   int
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// JSON returns the body as a generic JSON value, or the raw text when the
// body is not JSON.
func (r *Response) JSON() any {
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return string(r.Body)
	}
	return v
}

// TransportError is returned once every attempt has failed.
type TransportError struct {
	// Message describes the last failure.
	Message string

	// StatusCode is the HTTP status of the last attempt, nil when no
	// response was received.
	StatusCode *int

	// Attempts is the number of requests that were sent.
	Attempts int

	// Err is the last underlying error.
	Err error
}

func (e *TransportError) Error() string {
	if e.StatusCode != nil {
		return fmt.Sprintf("request failed after %d attempts (status %d): %s", e.Attempts, *e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed after %d attempts: %s", e.Attempts, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// statusError marks a non-2xx response.
type statusError struct {
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Client sends authenticated JSON requests with a bounded number of
// fixed-delay retries.
type Client struct {
	httpClient *http.Client
	config     ClientConfig
	logger     zerolog.Logger
}

// NewClient creates a new retrying HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     cfg.Logger.With().Str("client", cfg.Name).Logger(),
	}
}

// MaxRetries returns the configured attempt budget.
func (c *Client) MaxRetries() int {
	return c.config.MaxRetries
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, token, url string) (*Response, error) {
	return c.Call(ctx, http.MethodGet, token, url, nil)
}

// Post sends a POST request with body encoded as JSON.
func (c *Client) Post(ctx context.Context, token, url string, body any) (*Response, error) {
	return c.Call(ctx, http.MethodPost, token, url, body)
}

// Call sends the request up to MaxRetries times, pausing RetryDelay between
// attempts, and returns on the first 2xx response. Network errors and non-2xx
// statuses are both retried.
func (c *Client) Call(ctx context.Context, method, token, url string, body any) (*Response, error) {
	method = strings.ToUpper(method)
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	var (
		attempts int
		result   *Response
		lastErr  error
		lastCode *int
	)

	operation := func() error {
		attempts++
		resp, err := c.send(ctx, method, token, url, payload)
		if err != nil {
			lastErr = err
			var se *statusError
			if errors.As(err, &se) {
				code := se.StatusCode
				lastCode = &code
			} else {
				lastCode = nil
			}
			return err
		}
		resp.Attempts = attempts
		result = resp
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn().
			Err(err).
			Str("method", method).
			Str("url", url).
			Int("attempt", attempts).
			Int("max_retries", c.config.MaxRetries).
			Dur("retry_in", next).
			Msg("request failed, retrying")
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryDelay), uint64(c.config.MaxRetries-1)),
		ctx,
	)

	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		c.logger.Error().
			Err(lastErr).
			Str("method", method).
			Str("url", url).
			Int("attempts", attempts).
			Msg("request failed")
		return nil, &TransportError{
			Message:    lastErr.Error(),
			StatusCode: lastCode,
			Attempts:   attempts,
			Err:        lastErr,
		}
	}

	return result, nil
}

func (c *Client) send(ctx context.Context, method, token, url string, payload []byte) (*Response, error) {
	var reader io.Reader = http.NoBody
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{StatusCode: resp.StatusCode}
	}

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}
