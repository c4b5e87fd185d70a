package extsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client invokes the external compute service. It is treated as an opaque,
// fallible, paid dependency: the worker only cares about output bytes and
// the transient/permanent classification of failures.
type Client interface {
	Invoke(ctx context.Context, jobType string, input map[string]any) (map[string]any, error)
}

// PermanentError marks a failure that retrying cannot fix. Anything else is
// treated as transient and fed to the retry controller.
type PermanentError struct {
	Msg string
}

func (e *PermanentError) Error() string { return e.Msg }

// IsPermanent reports whether err (or anything it wraps) is non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// HTTPClient calls the service over HTTP under a bounded timeout, so a stuck
// dependency cannot hold a worker slot indefinitely. A timed-out call is
// abandoned; its late response, if any, is ignored.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
}

// NewHTTPClient builds a client for the configured service URL.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

type invokeRequest struct {
	JobType string         `json:"job_type"`
	Input   map[string]any `json:"input"`
}

// Invoke posts the job to the service and classifies the outcome. Timeouts,
// transport errors, 5xx, 408 and 429 are transient; remaining 4xx responses
// are permanent.
func (c *HTTPClient) Invoke(ctx context.Context, jobType string, input map[string]any) (map[string]any, error) {
	body, err := json.Marshal(invokeRequest{JobType: jobType, Input: input})
	if err != nil {
		return nil, &PermanentError{Msg: fmt.Sprintf("marshal request: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Msg: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call external service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, &PermanentError{Msg: fmt.Sprintf("decode response: %v", err)}
		}
		return out, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("external service throttled: HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("external service error: HTTP %d", resp.StatusCode)
	default:
		return nil, &PermanentError{Msg: fmt.Sprintf("external service rejected request: HTTP %d: %s", resp.StatusCode, truncate(raw, 200))}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
