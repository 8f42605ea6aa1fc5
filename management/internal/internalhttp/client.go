// Package internalhttp is the JSON client used for service-to-service calls. Every
// request carries the internal API key and a correlation id.
package internalhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	fortify "github.com/felixgeelhaar/fortify/retry"

	"github.com/seomaster/platform/management/internal/retry"
)

const (
	HeaderAPIKey        = "X-Internal-API-Key"
	HeaderCorrelationID = "X-Correlation-ID"

	maxErrorBody = 2048
)

// StatusError is a non-2xx response from a downstream service.
type StatusError struct {
	Service string
	Method  string
	Path    string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Service, e.Method, e.Path, e.Code, e.Body)
}

// Transient is true for 5xx responses. 4xx responses are application errors.
func (e *StatusError) Transient() bool {
	return e.Code >= 500
}

type Config struct {
	Service    string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retry      retry.Policy
	HTTPClient *http.Client
}

type Client struct {
	service string
	baseURL string
	apiKey  string
	timeout time.Duration
	policy  retry.Policy
	client  *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s base url required", cfg.Service)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &Client{
		service: cfg.Service,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		policy:  policy,
		client:  client,
	}, nil
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

// Call performs a single request. body may be nil; out may be nil to discard the response.
func (c *Client) Call(ctx context.Context, method, path, correlationID string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return retry.Permanent(fmt.Errorf("%s marshal request: %w", c.service, err))
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%s build request: %w", c.service, err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderAPIKey, c.apiKey)
	if correlationID != "" {
		req.Header.Set(HeaderCorrelationID, correlationID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", c.service, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Service: c.service,
			Method:  method,
			Path:    path,
			Code:    resp.StatusCode,
			Body:    strings.TrimSpace(string(raw)),
		}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return retry.Permanent(fmt.Errorf("%s decode response: %w", c.service, err))
	}
	return nil
}

// CallWithRetry wraps Call in the client's retry policy.
func (c *Client) CallWithRetry(ctx context.Context, method, path, correlationID string, body, out interface{}) error {
	_, err := fortify.New[struct{}](c.policy.Config()).Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Call(ctx, method, path, correlationID, body, out)
	})
	return err
}

func (c *Client) Get(ctx context.Context, path, correlationID string, out interface{}) error {
	return c.Call(ctx, http.MethodGet, path, correlationID, nil, out)
}

func (c *Client) Post(ctx context.Context, path, correlationID string, body, out interface{}) error {
	return c.CallWithRetry(ctx, http.MethodPost, path, correlationID, body, out)
}
