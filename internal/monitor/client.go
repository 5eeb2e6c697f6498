package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/shipline/internal/events"
	httpapi "github.com/fyrsmithlabs/shipline/internal/http"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// Client calls the shipline HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
}

// APIError is a non-2xx API response.
type APIError struct {
	Status int
	httpapi.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.ErrorResponse.Error, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.ErrorResponse.Error, e.Status)
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		// Streams stay open for the life of a pipeline.
		stream: &http.Client{},
	}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil || apiErr.ErrorResponse.Error == "" {
		apiErr.ErrorResponse.Error = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) (*httpapi.HealthResponse, error) {
	var out httpapi.HealthResponse
	return &out, c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// CreateTask creates a task and starts its pipeline.
func (c *Client) CreateTask(ctx context.Context, req httpapi.CreateTaskRequest) (*httpapi.CreateTaskResponse, error) {
	var out httpapi.CreateTaskResponse
	return &out, c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &out)
}

// Task returns the stage ledger and pending gate of a task.
func (c *Client) Task(ctx context.Context, taskID string) (*httpapi.TaskStatusResponse, error) {
	var out httpapi.TaskStatusResponse
	return &out, c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &out)
}

// Iterations returns the loop iteration records of a task.
func (c *Client) Iterations(ctx context.Context, taskID string) ([]*pipeline.LoopIteration, error) {
	var out []*pipeline.LoopIteration
	return out, c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID)+"/iterations", nil, &out)
}

// Issues returns the code review issues of a task.
func (c *Client) Issues(ctx context.Context, taskID string) ([]pipeline.Issue, error) {
	var out []pipeline.Issue
	return out, c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID)+"/issues", nil, &out)
}

// StartStage starts, or retries, a stage.
func (c *Client) StartStage(ctx context.Context, taskID string, stage pipeline.Stage) (*pipeline.StageEntry, error) {
	var out pipeline.StageEntry
	path := fmt.Sprintf("/api/v1/tasks/%s/stages/%s/start", url.PathEscape(taskID), url.PathEscape(string(stage)))
	return &out, c.do(ctx, http.MethodPost, path, nil, &out)
}

// Cancel cancels the active stage of a task.
func (c *Client) Cancel(ctx context.Context, taskID string) (*pipeline.StageEntry, error) {
	var out pipeline.StageEntry
	return &out, c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &out)
}

// ResolveGate approves or rejects a gate.
func (c *Client) ResolveGate(ctx context.Context, gateID string, approved bool, notes string) (*pipeline.Gate, error) {
	var out pipeline.Gate
	req := httpapi.ResolveGateRequest{Approved: approved, Notes: notes}
	return &out, c.do(ctx, http.MethodPost, "/api/v1/gates/"+url.PathEscape(gateID)+"/resolve", req, &out)
}

// ResolveIssue marks a review issue resolved.
func (c *Client) ResolveIssue(ctx context.Context, taskID, issueID string) (*pipeline.Issue, error) {
	var out pipeline.Issue
	path := fmt.Sprintf("/api/v1/tasks/%s/issues/%s/resolve", url.PathEscape(taskID), url.PathEscape(issueID))
	return &out, c.do(ctx, http.MethodPost, path, nil, &out)
}

// StreamTask calls fn with every event of a task until the server ends
// the stream, ctx is done or fn returns an error.
func (c *Client) StreamTask(ctx context.Context, taskID string, fn func(events.Event) error) error {
	return c.streamEvents(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/events", fn)
}

// StreamOwner calls fn with every event of an owner's tasks.
func (c *Client) StreamOwner(ctx context.Context, owner string, fn func(events.Event) error) error {
	return c.streamEvents(ctx, "/api/v1/owners/"+url.PathEscape(owner)+"/events", fn)
}

func (c *Client) streamEvents(ctx context.Context, path string, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("stream failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses text/event-stream frames. Comment lines are
// keep-alives and are skipped.
func readEvents(r io.Reader, fn func(events.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}
