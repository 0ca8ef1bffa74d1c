// Package controlplane is a client for the intermediary's JSON-RPC 2.0
// management API, which scenarios use to install the slicing rules under
// test before exchanging any OpenFlow traffic.
package controlplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// -------------------------------------------------------------------------
// Control Plane Errors
// -------------------------------------------------------------------------

var (
	// ErrUnauthorized indicates HTTP 401: the credentials were rejected.
	ErrUnauthorized = errors.New("control plane: authentication failed")

	// ErrGatewayTimeout indicates HTTP 504.
	ErrGatewayTimeout = errors.New("control plane: gateway timeout")

	// ErrHTTPStatus indicates any other non-2xx HTTP status.
	ErrHTTPStatus = errors.New("control plane: unexpected HTTP status")

	// ErrUnknownMethod indicates a rule method outside the API.
	ErrUnknownMethod = errors.New("control plane: unknown method")

	// ErrMalformedResponse indicates a body that is not a JSON-RPC response.
	ErrMalformedResponse = errors.New("control plane: malformed response")

	// ErrCountMismatch indicates a flow or rewrite database holding a
	// different number of entries than expected.
	ErrCountMismatch = errors.New("control plane: count mismatch")
)

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("control plane: rpc error %d: %s", e.Code, e.Message)
}

// Defaults.
const (
	DefaultURL        = "https://localhost:18080"
	DefaultUser       = "fvadmin"
	DefaultAttempts   = 1
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultTimeout    = 10 * time.Second

	// requestID is the fixed JSON-RPC id; calls are strictly sequential.
	requestID = "fv-test"

	// settleDelay follows flowspace insertion so the intermediary has
	// pushed the new rules before traffic starts.
	settleDelay = 500 * time.Millisecond
)

// Config holds the control plane endpoint and credentials.
type Config struct {
	URL      string
	User     string
	Password string

	// Attempts is the number of tries SetRule makes before giving up.
	Attempts int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// InsecureSkipVerify accepts the self-signed certificate the
	// management API usually ships with.
	InsecureSkipVerify bool
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Client issues JSON-RPC calls with HTTP basic authentication.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client. Zero fields of cfg take their defaults.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.User == "" {
		cfg.User = DefaultUser
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		cfg:    cfg,
		http:   newHTTPClient(cfg),
		logger: logger.With(slog.String("component", "controlplane")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newHTTPClient(cfg Config) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed management certs
	}
	// Negotiate HTTP/2 when the server offers it.
	_ = http2.ConfigureTransport(tr)
	return &http.Client{Transport: tr, Timeout: cfg.Timeout}
}

type request struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	JSONRPC string `json:"jsonrpc"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	ID      json.RawMessage `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Call performs one JSON-RPC call. A nil params omits the field. When
// result is non-nil the response result is decoded into it.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(request{ID: requestID, Method: method, JSONRPC: "2.0", Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("call %s: %w", method, ErrUnauthorized)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("call %s: %w", method, ErrGatewayTimeout)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("call %s: %d: %w", method, resp.StatusCode, ErrHTTPStatus)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedResponse, method, err)
	}
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}

// SetRule validates method against the API, then calls it, retrying
// transport failures and gateway timeouts up to Attempts times with
// RetryDelay between tries. RPC errors and rejected credentials are not
// retried.
func (c *Client) SetRule(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !KnownMethod(method) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		raw, err := c.call(ctx, method, params)
		if err == nil {
			if method == MethodAddFlowSpace {
				if err := sleepContext(ctx, settleDelay); err != nil {
					return nil, err
				}
			}
			return raw, nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.cfg.Attempts {
			break
		}
		c.logger.Debug("control plane unreachable, retrying",
			slog.String("method", method),
			slog.Int("remaining", c.cfg.Attempts-attempt),
			slog.String("error", err.Error()),
		)
		if err := sleepContext(ctx, c.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}

	c.logger.Warn("rule failed",
		slog.String("method", method),
		slog.String("error", lastErr.Error()),
	)
	return nil, lastErr
}

// Apply is SetRule reduced to whether the configuration took effect.
func (c *Client) Apply(ctx context.Context, method string, params any) bool {
	_, err := c.SetRule(ctx, method, params)
	return err == nil
}

func retryable(err error) bool {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrHTTPStatus),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
