// Package apiclient relays raw observation payloads to the ingestion API.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("ingestion api circuit open")

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// StatusError is a non-2xx response from the ingestion API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingestion api error: status %d: %s", e.Code, e.Body)
}

// IsClientError reports whether err is a 4xx response that a retry cannot
// fix. 408 and 429 are excluded since they are transient.
func IsClientError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

// Client posts observation payloads to the ingestion endpoint.
type Client struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBreaker trips the breaker after failures consecutive failed calls and
// lets a trial call through after cooldown.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(c *Client) { c.breaker = c.newBreaker(failures, cooldown) }
}

// New creates a Client for url. Each Forward call is bounded by timeout.
func New(url string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		url:        url,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = c.newBreaker(5, 30*time.Second)
	}
	return c
}

func (c *Client) newBreaker(failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ingest-api",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A rejected payload says nothing about the API's health.
		IsSuccessful: func(err error) bool {
			return err == nil || IsClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Forward POSTs body as JSON. requestID is sent as X-Request-ID; a new one
// is generated when empty. Any non-2xx response is a *StatusError.
func (c *Client) Forward(ctx context.Context, body []byte, requestID string) error {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, body, requestID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func (c *Client) post(ctx context.Context, body []byte, requestID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forward request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
	return nil
}
