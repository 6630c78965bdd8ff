package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
)

const (
	// defaultRetryDelay is the base delay for exponential backoff.
	defaultRetryDelay = 500 * time.Millisecond
	// maxRetryDelay caps the backoff delay.
	maxRetryDelay = 5 * time.Second
)

// StatusError is a non-2xx answer from the build service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("build service returned status %d: %s", e.Code, e.Body)
}

// transientError marks a failure worth another attempt: the request never
// got an answer.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// isRetryable reports whether err may succeed on another attempt. Transport
// failures, 5xx and 429 are retried; other statuses are permanent.
func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	var transient *transientError
	return errors.As(err, &transient)
}

// BuildClient talks to the build service over HTTP.
//
//	POST {endpoint}/builds?wait=true  -> BuildResult (pipeline-artifact mode)
//	POST {endpoint}/builds            -> BuildHandle (completion arrives as an event)
type BuildClient struct {
	endpoint   string
	retries    int
	retryDelay time.Duration
	headers    map[string]string
	client   *http.Client
	logger   *slog.Logger
}

// BuildClientConfig configures a BuildClient.
type BuildClientConfig struct {
	Endpoint string
	Timeout  time.Duration
	Retries  int
	// RetryDelay is the first backoff delay; it doubles per attempt.
	RetryDelay time.Duration
	Headers    map[string]string
	Client     *http.Client
	Logger     *slog.Logger
}

// NewBuildClient creates a build service client.
func NewBuildClient(cfg BuildClientConfig) *BuildClient {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return &BuildClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		retries:    cfg.Retries,
		retryDelay: retryDelay,
		headers:    cfg.Headers,
		client:     client,
		logger:     logger,
	}
}

// RunBuild starts a build and waits for its result.
func (c *BuildClient) RunBuild(ctx context.Context, req *domain.BuildRequest) (*domain.BuildResult, error) {
	var result domain.BuildResult
	if err := c.post(ctx, "/builds?wait=true", req, &result); err != nil {
		return nil, err
	}
	if result.BuildStatus == "" {
		return nil, fmt.Errorf("build service returned no status for project %s", req.ProjectName)
	}
	return &result, nil
}

// StartBuild starts a build without waiting.
func (c *BuildClient) StartBuild(ctx context.Context, req *domain.BuildRequest) (*domain.BuildHandle, error) {
	var handle domain.BuildHandle
	if err := c.post(ctx, "/builds", req, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

// backoff returns the delay before retry number attempt (0-based).
func (c *BuildClient) backoff(attempt int) time.Duration {
	delay := c.retryDelay << attempt
	if delay <= 0 || delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// post retries retryable failures with exponential backoff. Every attempt
// carries the same Idempotency-Key so the build service can drop duplicates.
func (c *BuildClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal build request: %w", err)
	}
	key := uuid.NewString()

	for attempt := 0; ; attempt++ {
		err := c.do(ctx, path, key, body, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isRetryable(err) || attempt >= c.retries {
			return err
		}

		delay := c.backoff(attempt)
		c.logger.Warn("build service request failed, retrying",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (c *BuildClient) do(ctx context.Context, path, key string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", key)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &transientError{err: fmt.Errorf("build service request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transientError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal build response: %w", err)
	}
	return nil
}

// DryRunRunner stands in for a build service in local setups. Pipeline
// builds copy their first input to their output and succeed; started builds
// only get an id.
type DryRunRunner struct {
	artifacts ports.ArtifactStore
	logger    *slog.Logger
}

// NewDryRunRunner creates a DryRunRunner over the shared artifact store.
func NewDryRunRunner(artifacts ports.ArtifactStore, logger *slog.Logger) *DryRunRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunRunner{artifacts: artifacts, logger: logger}
}

func (r *DryRunRunner) RunBuild(ctx context.Context, req *domain.BuildRequest) (*domain.BuildResult, error) {
	id := req.ProjectName + ":" + uuid.NewString()

	if req.OutputArtifact != nil {
		if len(req.InputArtifacts) == 0 {
			return &domain.BuildResult{
				BuildID:     id,
				BuildStatus: domain.BuildFailed,
				Message:     "no input to copy into " + string(req.OutputArtifact.Name),
			}, nil
		}

		src, err := r.artifacts.Get(ctx, req.InputArtifacts[0].Key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", req.InputArtifacts[0].Name, err)
		}
		defer src.Close()

		if err := r.artifacts.Put(ctx, req.OutputArtifact.Key, src, -1); err != nil {
			return nil, fmt.Errorf("write %s: %w", req.OutputArtifact.Name, err)
		}
	}

	r.logger.Info("dry-run build",
		slog.String("project", req.ProjectName),
		slog.String("build_id", id),
		slog.String("source_version", req.SourceVersion))

	return &domain.BuildResult{BuildID: id, BuildStatus: domain.BuildSucceeded}, nil
}

func (r *DryRunRunner) StartBuild(_ context.Context, req *domain.BuildRequest) (*domain.BuildHandle, error) {
	id := req.ProjectName + ":" + uuid.NewString()
	r.logger.Info("dry-run build started",
		slog.String("project", req.ProjectName),
		slog.String("build_id", id),
		slog.String("source_version", req.SourceVersion))
	return &domain.BuildHandle{BuildID: id}, nil
}

var (
	_ ports.BuildRunner = (*BuildClient)(nil)
	_ ports.BuildRunner = (*DryRunRunner)(nil)
)
