package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// InvokeRequest is the payload posted to a remote worker.
type InvokeRequest struct {
	Task    *taskgraph.Task `json:"task"`
	Context *Context        `json:"context"`
}

// HTTPClient dispatches tasks to a remote worker over HTTP. The worker
// contract is two endpoints: POST /invoke taking an InvokeRequest and
// returning a Result, and GET /healthz returning 200 when ready.
type HTTPClient struct {
	base string
	hc   *http.Client
}

// NewHTTPClient creates a client for the worker at baseURL. The timeout
// bounds the health check only; Invoke runs under the caller's context so
// the engine's stall window stays in charge.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		base: baseURL,
		hc:   &http.Client{Timeout: timeout},
	}
}

// Invoke posts the task to the worker and decodes its result.
func (c *HTTPClient) Invoke(ctx context.Context, task *taskgraph.Task, actx *Context) (*Result, error) {
	body, err := json.Marshal(InvokeRequest{Task: task, Context: actx})
	if err != nil {
		return nil, fmt.Errorf("marshal invoke request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// No client-side timeout here: ctx carries the stall window.
	resp, err := (&http.Client{Transport: c.hc.Transport}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke worker %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: worker %s returned 503", ErrCapabilityUnavailable, c.base)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("worker %s returned %d: %s", c.base, resp.StatusCode, string(msg))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode worker result: %w", err)
	}
	if res.TaskID == "" {
		res.TaskID = task.ID
	}
	return &res, nil
}

// Healthy probes the worker's readiness endpoint.
func (c *HTTPClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: worker %s health returned %d", ErrCapabilityUnavailable, c.base, resp.StatusCode)
	}
	return nil
}
