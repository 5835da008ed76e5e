// Package jobs provides the HTTP client for the job execution service.
// It exposes the two read endpoints the reconciliation engine consumes:
// the run listing and the per-job trace listing.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crewdeck/runwatch/internal/core"
)

const (
	// DefaultTimeout is the default HTTP client timeout
	DefaultTimeout = 10 * time.Second

	// DefaultMaxAttempts bounds retries on server errors
	DefaultMaxAttempts = 3

	// initialBackoff is the first retry delay; later delays grow linearly
	initialBackoff = 100 * time.Millisecond
)

// Client talks to the job execution service. Server errors are retried a
// bounded number of times with linear backoff; client errors and transport
// failures are terminal, since the poll scheduler owns the longer retry
// cadence.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
}

// serverError marks a 5xx response, the only class worth retrying.
type serverError struct {
	status int
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server returned status %d", e.status)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxAttempts overrides the number of attempts per call.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient creates a client for the job service at the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// runsResponse is the wire shape of the run listing endpoint.
type runsResponse struct {
	Runs []core.Run `json:"runs"`
}

// ListRuns fetches up to limit run summaries starting at offset.
func (c *Client) ListRuns(ctx context.Context, limit, offset int) ([]core.Run, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var resp runsResponse
	if err := c.getJSON(ctx, "/runs?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return resp.Runs, nil
}

// GetRun fetches the current summary for a single job. Used to re-query the
// result payload after a completion notification.
func (c *Client) GetRun(ctx context.Context, jobID string) (*core.Run, error) {
	var run core.Run
	if err := c.getJSON(ctx, "/runs/"+url.PathEscape(jobID), &run); err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", jobID, err)
	}
	return &run, nil
}

// ListTraces fetches the trace events recorded so far for a job.
func (c *Client) ListTraces(ctx context.Context, jobID string) ([]core.TraceEvent, error) {
	var events []core.TraceEvent
	if err := c.getJSON(ctx, "/runs/"+url.PathEscape(jobID)+"/traces", &events); err != nil {
		return nil, fmt.Errorf("failed to list traces for %s: %w", jobID, err)
	}
	return events, nil
}

// getJSON performs a GET request and decodes the JSON response into out,
// retrying server errors with linear backoff: 100ms, 200ms, ...
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.doGetJSON(ctx, path, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *serverError
		if !errors.As(err, &se) {
			return err
		}
		if attempt < c.maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(initialBackoff * time.Duration(attempt)):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// doGetJSON is a single request attempt.
func (c *Client) doGetJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return &serverError{status: resp.StatusCode}
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
