package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

// Client talks to the control plane API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client. A zero timeout means 30s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx answer from the control plane.
type APIError struct {
	Status    int
	Type      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	if e.Type != "" {
		msg = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.RequestID != "" {
		msg += " request_id=" + e.RequestID
	}
	return msg
}

// ListRuns returns runs, newest first.
func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]*domain.PipelineRun, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Runs []*domain.PipelineRun `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) RunEvents(ctx context.Context, runID string) ([]*domain.Event, error) {
	var out struct {
		Events []*domain.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) Trigger(ctx context.Context, branch, commit string) (*domain.PipelineRun, error) {
	body := map[string]string{}
	if branch != "" {
		body["branch_name"] = branch
	}
	if commit != "" {
		body["after_commit"] = commit
	}
	var run domain.PipelineRun
	if err := c.do(ctx, http.MethodPost, "/runs", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) Approve(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	return c.gate(ctx, runID, "approve", nil)
}

func (c *Client) Reject(ctx context.Context, runID, reason string) (*domain.PipelineRun, error) {
	return c.gate(ctx, runID, "reject", map[string]string{"reason": reason})
}

func (c *Client) Cancel(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	return c.gate(ctx, runID, "cancel", nil)
}

func (c *Client) gate(ctx context.Context, runID, action string, body any) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	if err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/"+action, body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, RequestID: resp.Header.Get("X-Request-ID")}
		var eb struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &eb) == nil && eb.Message != "" {
			apiErr.Type, apiErr.Message = eb.Type, eb.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
