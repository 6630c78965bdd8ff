// Package feedback turns validation build completions into verdict comments
// on the change request that triggered them.
//
// The service is stateless. Completion events arrive at least once and in
// any order; each delivery is handled on its own and may post a comment, so
// a redelivered event posts an identical comment again.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
)

var tracer = otel.Tracer("github.com/tjfontaine/sitepipe/internal/feedback")

// Reporter carries operator-facing failure reports.
type Reporter interface {
	Report(ctx context.Context, text string)
}

// Service posts verdicts through a ChangeRequestSink.
type Service struct {
	sink     ports.ChangeRequestSink
	reporter Reporter
	logger   *slog.Logger
}

// NewService creates a Service. reporter may be nil.
func NewService(sink ports.ChangeRequestSink, reporter Reporter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sink: sink, reporter: reporter, logger: logger}
}

// Name identifies the service as a routing target.
func (s *Service) Name() string { return config.TargetFeedback }

// Deliver handles a routed build lifecycle event. Malformed events are
// absorbed here; only a failed submission is returned.
func (s *Service) Deliver(ctx context.Context, e *domain.Event) error {
	if e.Source != domain.SourceBuildLifecycle || e.Build == nil {
		return nil
	}

	_, err := s.Handle(ctx, e.Build)
	if errors.Is(err, ErrMalformedEvent) {
		s.logger.Warn("build completion event dropped",
			slog.String("event_id", e.ID),
			slog.String("project", e.Build.ProjectName),
			slog.String("error", err.Error()))
		return nil
	}
	return err
}

// Handle extracts, decides, renders and submits. It returns the posted
// comment, nil for builds still in progress, or an error wrapping
// ErrMalformedEvent when the event cannot be attributed.
func (s *Service) Handle(ctx context.Context, ev *domain.BuildCompletionEvent) (*domain.VerdictComment, error) {
	ctx, span := tracer.Start(ctx, "feedback.handle")
	defer span.End()

	if ev == nil {
		return nil, fmt.Errorf("%w: no build detail", ErrMalformedEvent)
	}
	span.SetAttributes(
		attribute.String("build.project", ev.ProjectName),
		attribute.String("build.id", ev.BuildID),
		attribute.String("build.status", string(ev.BuildStatus)))

	if !ev.BuildStatus.Completed() {
		return nil, nil
	}

	facts, err := Extract(ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	verdict := Decide(ev)
	comment := &domain.VerdictComment{
		ChangeRequestID: facts.ChangeRequestID,
		RepositoryName:  facts.RepositoryName,
		BeforeCommitID:  facts.BeforeCommit,
		AfterCommitID:   facts.AfterCommit,
		Verdict:         verdict,
		Content:         Render(ev.Region, verdict, ev.LogLink),
	}
	span.SetAttributes(
		attribute.String("change_request", comment.ChangeRequestID),
		attribute.String("verdict", string(verdict)))

	if err := s.sink.PostComment(ctx, comment); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("verdict comment not posted",
			slog.String("change_request", comment.ChangeRequestID),
			slog.String("repository", comment.RepositoryName),
			slog.String("error", err.Error()))
		if s.reporter != nil {
			s.reporter.Report(ctx, fmt.Sprintf("The %s verdict for pull request %s of %s (%s..%s) could not be posted: %v",
				verdict, comment.ChangeRequestID, comment.RepositoryName, comment.BeforeCommitID, comment.AfterCommitID, err))
		}
		return nil, err
	}

	s.logger.Info("verdict comment posted",
		slog.String("change_request", comment.ChangeRequestID),
		slog.String("repository", comment.RepositoryName),
		slog.String("verdict", string(verdict)),
		slog.String("range", comment.BeforeCommitID+".."+comment.AfterCommitID))
	return comment, nil
}
