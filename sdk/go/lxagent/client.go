// Package lxagent provides a small Go client for the LX-Agent REST API.
package lxagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to an LX-Agent daemon over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpc.Timeout = timeout
	}
}

// New creates a client for the given base URL, e.g. "http://127.0.0.1:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("lxagent: base URL is empty")
	}
	c := &Client{
		baseURL: trimmed,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// APIError is returned when the daemon answers with an error body.
// Raw holds the verbatim response body for callers that need more
// than the code/message pair.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Raw        json.RawMessage
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("lxagent: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
}

// CommandRequest mirrors POST /api/v1/commands.
type CommandRequest struct {
	SessionID    string `json:"session_id,omitempty"`
	Command      string `json:"command,omitempty"`
	Capability   string `json:"capability,omitempty"`
	AutoContinue *bool  `json:"auto_continue,omitempty"`
	MaxSteps     int    `json:"max_steps,omitempty"`
	Confirm      bool   `json:"confirm,omitempty"`
}

// StepResult is one executed call inside a command run.
type StepResult struct {
	Step      int            `json:"step"`
	Operation string         `json:"operation"`
	Adapter   string         `json:"adapter,omitempty"`
	Attempted []string       `json:"attempted,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ToolCall is a planned call awaiting confirmation.
type ToolCall struct {
	Capability string         `json:"capability,omitempty"`
	Operation  string         `json:"operation"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// CommandResult is the outcome of a synchronous command run.
// A "planning_failed" status carries the steps executed before the
// failure together with the structured error text.
type CommandResult struct {
	SessionID    string       `json:"session_id"`
	Status       string       `json:"status"`
	Summary      string       `json:"summary,omitempty"`
	Steps        []StepResult `json:"steps,omitempty"`
	PendingCalls []ToolCall   `json:"pending_calls,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Task mirrors the async task resource.
type Task struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id,omitempty"`
	Command      string         `json:"command"`
	Capability   string         `json:"capability,omitempty"`
	AutoContinue bool           `json:"auto_continue"`
	MaxSteps     int            `json:"max_steps,omitempty"`
	Status       string         `json:"status"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"last_error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	Result       *CommandResult `json:"result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SubmitTaskRequest mirrors POST /api/v1/tasks.
type SubmitTaskRequest struct {
	SessionID    string `json:"session_id,omitempty"`
	Command      string `json:"command"`
	Capability   string `json:"capability,omitempty"`
	AutoContinue bool   `json:"auto_continue"`
	MaxSteps     int    `json:"max_steps,omitempty"`
}

// ListTasksOptions filters GET /api/v1/tasks.
type ListTasksOptions struct {
	Status    string
	SessionID string
	Limit     int
	Offset    int
}

// Session mirrors the session resource.
type Session struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	History   []Turn    `json:"history"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one entry of the session history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RunCommand executes a command synchronously. When planning fails
// mid-run the daemon still reports the steps executed so far: in that
// case both a partial result and the error are returned.
func (c *Client) RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	var result CommandResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/commands", req, &result); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(apiErr.Raw) > 0 {
			var partial CommandResult
			if json.Unmarshal(apiErr.Raw, &partial) == nil && partial.Status != "" {
				return &partial, err
			}
		}
		return nil, err
	}
	return &result, nil
}

// Confirm approves the pending dangerous calls of a paused session.
func (c *Client) Confirm(ctx context.Context, sessionID string) (*CommandResult, error) {
	return c.RunCommand(ctx, CommandRequest{SessionID: sessionID, Confirm: true})
}

// SubmitTask enqueues a command for asynchronous execution.
func (c *Client) SubmitTask(ctx context.Context, req SubmitTaskRequest) (*Task, error) {
	var created Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetTask fetches a task by ID.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var found Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &found); err != nil {
		return nil, err
	}
	return &found, nil
}

// ListTasks lists tasks matching the options.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.SessionID != "" {
		query.Set("session_id", opts.SessionID)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/v1/tasks"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var payload struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Tasks, nil
}

// WaitTask polls a task until it reaches a terminal state.
func (c *Client) WaitTask(ctx context.Context, id string, poll time.Duration) (*Task, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		found, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if found.Status == "succeeded" || found.Status == "failed" {
			return found, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Capabilities returns the capability catalogue of the connected adapters.
func (c *Client) Capabilities(ctx context.Context) (map[string][]string, error) {
	var payload struct {
		Capabilities map[string][]string `json:"capabilities"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/capabilities", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Capabilities, nil
}

// GetSession fetches a session with its history.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// EndSession marks a session as ended and drops pending confirmations.
func (c *Client) EndSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/end", struct{}{}, nil)
}

// DeleteSession removes a session and its history.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, nil)
}

// Health checks the daemon liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("lxagent: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("lxagent: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("lxagent: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("lxagent: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "UNKNOWN", Raw: payload}
		var wrapped struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(payload, &wrapped) == nil && wrapped.Error.Code != "" {
			apiErr.Code = wrapped.Error.Code
			apiErr.Message = wrapped.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return apiErr
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("lxagent: decode response: %w", err)
	}
	return nil
}
