// Package controlplane serves the operator and ingress HTTP API: run
// inspection and approval gates, source webhooks and build-state events.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/eventrouter"
	"github.com/tjfontaine/sitepipe/internal/feedback"
	"github.com/tjfontaine/sitepipe/internal/pipeline"
	"github.com/tjfontaine/sitepipe/internal/server"
)

// MaxBodyBytes caps webhook and event payloads.
const MaxBodyBytes = 1 << 20

// Pipeline is the run-management surface the API drives.
type Pipeline interface {
	pipeline.Triggerer
	Approve(ctx context.Context, runID string) (*domain.PipelineRun, error)
	Reject(ctx context.Context, runID, reason string) (*domain.PipelineRun, error)
	Cancel(ctx context.Context, runID string) (*domain.PipelineRun, error)
	Get(ctx context.Context, runID string) (*domain.PipelineRun, error)
	List(ctx context.Context, opts ports.RunListOptions) ([]*domain.PipelineRun, error)
	Events(ctx context.Context, runID string) ([]*domain.Event, error)
	ActiveRuns() int
}

// WebhookParser translates provider webhook deliveries into signals.
type WebhookParser interface {
	Kind() domain.ProviderKind
	ParseWebhook(header http.Header, body []byte) (*domain.SourceSignal, error)
}

// SignalHandler acts on normalized source signals.
type SignalHandler interface {
	Handle(ctx context.Context, sig *domain.SourceSignal) (*pipeline.SignalOutcome, error)
}

// RouterStats reports event delivery counters.
type RouterStats interface {
	Stats() eventrouter.Stats
}

// Deps are the collaborators of the API server. Source, Signals, Events and
// Router may be nil; the corresponding endpoints then answer 503.
type Deps struct {
	Pipeline Pipeline
	Source   WebhookParser
	Signals  SignalHandler
	Events   ports.EventDispatcher
	Router   RouterStats
	Logger   *slog.Logger
}

type Server struct {
	router    *chi.Mux
	startTime time.Time
	deps      Deps
	logger    *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		deps:      deps,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/stats", s.handleStats)

	s.router.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleTrigger)
		r.Get("/{run_id}", s.handleGetRun)
		r.Get("/{run_id}/events", s.handleRunEvents)
		r.Post("/{run_id}/approve", s.handleApprove)
		r.Post("/{run_id}/reject", s.handleReject)
		r.Post("/{run_id}/cancel", s.handleCancel)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(server.BodyLimitMiddleware(MaxBodyBytes))
		r.Post("/webhooks/{provider}", s.handleWebhook)
		r.Post("/events/build", s.handleBuildEvent)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler exposes the router for mounting.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type StatsResponse struct {
	Uptime       string             `json:"uptime"`
	GoVersion    string             `json:"go_version"`
	NumGoroutine int                `json:"num_goroutine"`
	Memory       MemoryStats        `json:"memory"`
	ActiveRuns   int                `json:"active_runs"`
	Events       *eventrouter.Stats `json:"events,omitempty"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
		ActiveRuns: s.deps.Pipeline.ActiveRuns(),
	}
	if s.deps.Router != nil {
		rs := s.deps.Router.Stats()
		stats.Events = &rs
	}

	writeJSON(w, http.StatusOK, stats)
}

// RunListResponse is the body of GET /runs.
type RunListResponse struct {
	Runs []*domain.PipelineRun `json:"runs"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := ports.RunListOptions{Limit: 50}

	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			s.writeError(w, r, domain.NewInvalidRequestError("limit must be between 1 and 200"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, domain.NewInvalidRequestError("offset must be a non-negative integer"))
			return
		}
		opts.Offset = n
	}
	opts.Status = domain.RunStatus(q.Get("status"))

	runs, err := s.deps.Pipeline.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*domain.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, RunListResponse{Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	server.AddLogField(r.Context(), "run_id", runID)

	run, err := s.deps.Pipeline.Get(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// EventListResponse is the body of GET /runs/{id}/events.
type EventListResponse struct {
	Events []*domain.Event `json:"events"`
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	server.AddLogField(r.Context(), "run_id", runID)

	if _, err := s.deps.Pipeline.Get(r.Context(), runID); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Pipeline.Events(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	writeJSON(w, http.StatusOK, EventListResponse{Events: events})
}

// TriggerRequest is the body of POST /runs. Every field is optional; the
// tracked branch head is used when empty.
type TriggerRequest struct {
	BranchName   string `json:"branch_name,omitempty"`
	BeforeCommit string `json:"before_commit,omitempty"`
	AfterCommit  string `json:"after_commit,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.deps.Pipeline.Trigger(r.Context(), domain.ChangeReference{
		BranchName:   req.BranchName,
		BeforeCommit: req.BeforeCommit,
		AfterCommit:  req.AfterCommit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "run_id", run.RunID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.signal(w, r, func(ctx context.Context, runID string) (*domain.PipelineRun, error) {
		return s.deps.Pipeline.Approve(ctx, runID)
	})
}

// RejectRequest is the optional body of POST /runs/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.signal(w, r, func(ctx context.Context, runID string) (*domain.PipelineRun, error) {
		return s.deps.Pipeline.Reject(ctx, runID, req.Reason)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.signal(w, r, func(ctx context.Context, runID string) (*domain.PipelineRun, error) {
		return s.deps.Pipeline.Cancel(ctx, runID)
	})
}

func (s *Server) signal(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*domain.PipelineRun, error)) {
	runID := chi.URLParam(r, "run_id")
	server.AddLogField(r.Context(), "run_id", runID)

	run, err := fn(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// WebhookResponse reports what a webhook delivery led to.
type WebhookResponse struct {
	Handled bool                    `json:"handled"`
	Signal  *domain.SourceSignal    `json:"signal,omitempty"`
	Outcome *pipeline.SignalOutcome `json:"outcome,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := domain.ProviderKind(chi.URLParam(r, "provider"))
	if !provider.Valid() {
		s.writeError(w, r, &domain.Error{Type: domain.ErrorTypeNotFound, Message: fmt.Sprintf("unknown provider %q", provider)})
		return
	}
	if s.deps.Source == nil || s.deps.Signals == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Type: "unavailable", Message: "source webhooks not configured"})
		return
	}
	if s.deps.Source.Kind() != provider {
		s.writeError(w, r, &domain.Error{Type: domain.ErrorTypeNotFound, Message: fmt.Sprintf("provider %q is not configured", provider)})
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sig, err := s.deps.Source.ParseWebhook(r.Header, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sig == nil {
		writeJSON(w, http.StatusOK, WebhookResponse{})
		return
	}

	server.AddLogField(r.Context(), "signal", string(sig.Kind))
	outcome, err := s.deps.Signals.Handle(r.Context(), sig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, WebhookResponse{Handled: true, Signal: sig, Outcome: outcome})
}

// BuildEventResponse acknowledges a build-state event.
type BuildEventResponse struct {
	EventID string   `json:"event_id"`
	Targets []string `json:"targets"`
}

func (s *Server) handleBuildEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Type: "unavailable", Message: "event routing not configured"})
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	event, err := feedback.DecodeEnvelope(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "event_id", event.ID)

	resp := BuildEventResponse{EventID: event.ID, Targets: []string{}}
	if m, ok := s.deps.Events.(interface {
		Match(*domain.Event) []string
	}); ok {
		if targets := m.Match(event); targets != nil {
			resp.Targets = targets
		}
	}

	s.deps.Events.Dispatch(r.Context(), event)
	writeJSON(w, http.StatusAccepted, resp)
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	if de, ok := domain.AsError(err); ok {
		writeJSON(w, de.HTTPStatusCode(), errorBody{Type: string(de.Type), Message: de.Message, RunID: de.RunID})
		return
	}

	s.logger.Error("request failed",
		slog.String("request_id", server.GetRequestID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody{Type: "internal", Message: "internal error"})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, domain.NewInvalidRequestError("body exceeds %d bytes", maxErr.Limit)
		}
		return nil, domain.NewInvalidRequestError("read body").WithCause(err)
	}
	return body, nil
}

// decodeOptional decodes a JSON body into v, treating an empty body as {}.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.NewInvalidRequestError("invalid JSON body").WithCause(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
