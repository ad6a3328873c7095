// Package ntctl implements the control-client side of the network tracing
// daemon's HTTP API (§6): the request/response types ntd's routes speak,
// a thin HTTP client wrapping them, and the event sinks the `events`
// subcommand fans a task's stream out to.
//
// Grounded on cli/api.py's ApiClient: one HTTP client wrapping the same
// five daemon operations (daemon info, list/get/create/remove tracing
// task), translated from requests.Session onto net/http.
package ntctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ntracing/ntd/internal/event"
	"github.com/ntracing/ntd/internal/task"
)

// DaemonInfo is GET /'s response body.
type DaemonInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// TaskSummary is one entry of GET /tracing_tasks and the body of
// GET /tracing_tasks/{id}.
type TaskSummary struct {
	ID      string       `json:"id"`
	Options task.Options `json:"options"`
}

// apiError mirrors the daemon's uniform {message: string} error shape.
type apiError struct {
	Message string `json:"message"`
}

// Error is returned for any non-2xx daemon response, carrying the parsed
// {message: string} body when present (grounded on cli/api.py's
// ApiException, which does the same from the Python error dataclass).
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Client talks to one ntd instance's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against baseURL (e.g. "http://localhost:10032").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var parsed apiError
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &parsed)
		return nil, &Error{StatusCode: resp.StatusCode, Message: parsed.Message}
	}
	return resp, nil
}

// DaemonInfo calls GET /.
func (c *Client) DaemonInfo(ctx context.Context) (*DaemonInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info DaemonInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding daemon info: %w", err)
	}
	return &info, nil
}

// ListTasks calls GET /tracing_tasks.
func (c *Client) ListTasks(ctx context.Context) ([]TaskSummary, error) {
	resp, err := c.do(ctx, http.MethodGet, "/tracing_tasks", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tasks []TaskSummary
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("decoding task list: %w", err)
	}
	return tasks, nil
}

// GetTask calls GET /tracing_tasks/{id}.
func (c *Client) GetTask(ctx context.Context, id string) (*TaskSummary, error) {
	resp, err := c.do(ctx, http.MethodGet, "/tracing_tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var t TaskSummary
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &t, nil
}

// CreateTask calls POST /tracing_tasks, returning the new task's ID.
func (c *Client) CreateTask(ctx context.Context, opts task.Options) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/tracing_tasks", opts)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding create response: %w", err)
	}
	return created.ID, nil
}

// RemoveTask calls DELETE /tracing_tasks/{id}.
func (c *Client) RemoveTask(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/tracing_tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// StreamEvents calls GET /tracing_tasks/{id}/events and invokes handle
// once per decoded json-lines event until ctx is cancelled or the
// connection ends. Grounded on cli/actions/events.py's poll-loop, which
// pulls from a background thread into a queue; here the same shape is a
// blocking read loop since the caller already runs it off the main
// goroutine when needed.
func (c *Client) StreamEvents(ctx context.Context, id string, handle func(*event.Event) error) error {
	// The stream uses a client without the overall request timeout, which
	// would otherwise cut the body off mid-stream.
	stream := &Client{baseURL: c.baseURL, http: &http.Client{Transport: c.http.Transport}}
	resp, err := stream.do(ctx, http.MethodGet, "/tracing_tasks/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e event.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		if err := handle(&e); err != nil {
			return err
		}
	}
	return scanner.Err()
}
