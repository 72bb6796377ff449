// Package runner implements the queue runner: an external worker process
// bound to one queue that discovers, claims and reports tasks over the
// service API. Time-bounded ownership is enforced server-side; the
// runner holds no lease of its own.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sparkq-dev/sparkq/internal/types"
)

// Client is the runner's HTTP binding to the sparkq service. Errors from
// the service come back as domain errors carrying the wire code, so the
// poll loop can distinguish "nothing to do" from real failures.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError rebuilds the domain error from the wire shape, inferring
// the kind from the status code.
func decodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	code := body.Error.Code
	if code == "" {
		code = "http_error"
	}
	msg := body.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("service returned status %d", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return types.Validationf(code, "%s", msg)
	case http.StatusNotFound:
		return types.NotFoundf(code, "%s", msg)
	case http.StatusConflict:
		return types.Conflictf(code, "%s", msg)
	case http.StatusServiceUnavailable:
		return types.Busyf(code, "%s", msg)
	default:
		return types.Internalf(code, "%s", msg)
	}
}

// Health pings the service.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Version returns the server build identifier.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Reload asks the server to re-read its configuration document.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/admin/reload", nil, nil)
}

// Queues lists non-archived queues.
func (c *Client) Queues(ctx context.Context) ([]*types.Queue, error) {
	var out struct {
		Items []*types.Queue `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/queues", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// NextTask returns the oldest queued task for a queue without claiming
// it. NotFound when the queue is drained.
func (c *Client) NextTask(ctx context.Context, queueID string) (*types.Task, error) {
	var t types.Task
	if err := c.do(ctx, http.MethodGet, "/api/queues/"+queueID+"/next", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Claim attempts the claim handshake. NotFound means another runner won
// the race.
func (c *Client) Claim(ctx context.Context, taskID string) (*types.Task, error) {
	var t types.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/claim", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Complete reports a successful outcome.
func (c *Client) Complete(ctx context.Context, taskID string, result json.RawMessage, stdout, stderr string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/complete", map[string]any{
		"result": result,
		"stdout": stdout,
		"stderr": stderr,
	}, nil)
}

// Fail reports a failed outcome.
func (c *Client) Fail(ctx context.Context, taskID, errMsg, stdout, stderr string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/fail", map[string]any{
		"error":  errMsg,
		"stdout": stdout,
		"stderr": stderr,
	}, nil)
}

// SaveContinuation stores the opaque continuation token on the queue.
func (c *Client) SaveContinuation(ctx context.Context, queueID, token string) error {
	return c.do(ctx, http.MethodPut, "/api/queues/"+queueID, map[string]any{
		"codex_session_id": token,
	}, nil)
}
