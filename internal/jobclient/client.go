// Package jobclient is the reference fetch collaborator: an HTTP
// client producing execution snapshots for the polling engine. The
// engine itself never depends on it; the binary wires the two.
package jobclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/pollwatch/internal/core/domain"
)

// StatusError carries the HTTP status of a rejected fetch so the error
// classifier can separate server-side outages from client mistakes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// HTTPStatusCode implements the classifier's status carrier interface.
func (e *StatusError) HTTPStatusCode() int { return e.Code }

// Client fetches execution snapshots over the workflow engine's REST
// API. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sends key on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client, primarily for
// tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchExecution retrieves the current snapshot of one execution.
func (c *Client) FetchExecution(ctx context.Context, id domain.JobID) (domain.Execution, error) {
	var zero domain.Execution

	endpoint := fmt.Sprintf("%s/api/v1/executions/%s", c.baseURL, url.PathEscape(string(id)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("fetch execution: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return zero, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return zero, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var exec domain.Execution
	if err := json.Unmarshal(body, &exec); err != nil {
		return zero, fmt.Errorf("parse execution: %w", err)
	}
	if exec.ID == "" {
		exec.ID = id
	}
	return exec, nil
}

// Fetch adapts the client into the scheduler's per-job fetch shape.
func (c *Client) Fetch(id domain.JobID) func(ctx context.Context) (domain.Execution, error) {
	return func(ctx context.Context) (domain.Execution, error) {
		return c.FetchExecution(ctx, id)
	}
}
