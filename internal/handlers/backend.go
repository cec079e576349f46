// Package handlers performs queued operations against the backend API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/security"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerOpen     = 30 * time.Second
)

var (
	// ErrUnauthorized is returned on a 401. Stored tokens are dropped.
	ErrUnauthorized = errors.New("handlers: backend rejected credentials")
	// ErrInvalidPayload is returned when a payload lacks a required field.
	ErrInvalidPayload = errors.New("handlers: invalid payload")
)

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// TokenSource provides the bearer token for backend calls.
type TokenSource interface {
	AuthTokens(ctx context.Context) (*security.AuthTokens, error)
	RemoveAuthTokens(ctx context.Context) error
}

// Options configures a Backend.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// BreakerFailures consecutive failures open the breaker for BreakerOpen.
	BreakerFailures uint32
	BreakerOpen     time.Duration
	Tokens          TokenSource
	Client          *http.Client
	Logger          *slog.Logger
}

// Backend is a JSON HTTP client for the emergency API behind a circuit
// breaker. Transport errors and 5xx responses count against the breaker;
// 4xx responses fail the call without tripping it.
type Backend struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// New creates a backend client.
func New(opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend")

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	open := opts.BreakerOpen
	if open <= 0 {
		open = defaultBreakerOpen
	}

	b := &Backend{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		tokens:     opts.Tokens,
		httpClient: client,
		logger:     logger,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidPayload)
		},
	})
	return b
}

// State reports the breaker state.
func (b *Backend) State() gobreaker.State {
	return b.breaker.State()
}

// Do sends body as JSON to path and fails on any non-2xx response.
func (b *Backend) Do(ctx context.Context, method, path string, body any) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.do(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("handlers: %s %s: %w", method, path, err)
	}
	return err
}

func (b *Backend) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("handlers: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("handlers: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := b.token(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("handlers: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b.logger.Debug("backend call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		b.logout(ctx)
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("handlers: %s %s: %w", method, path, err)
	}
	return nil
}

func (b *Backend) token(ctx context.Context) string {
	if b.tokens == nil {
		return ""
	}
	tokens, err := b.tokens.AuthTokens(ctx)
	if err != nil {
		b.logger.Warn("cannot read auth tokens", "error", err)
		return ""
	}
	if tokens == nil {
		return ""
	}
	return tokens.AccessToken
}

func (b *Backend) logout(ctx context.Context) {
	if b.tokens == nil {
		return
	}
	b.logger.Warn("backend rejected token, clearing stored session")
	if err := b.tokens.RemoveAuthTokens(ctx); err != nil {
		b.logger.Error("failed to clear auth tokens", "error", err)
	}
}

// checkStatus returns a StatusError for a non-2xx response.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
