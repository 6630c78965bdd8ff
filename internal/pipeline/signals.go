package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
)

// Triggerer starts pipeline runs.
type Triggerer interface {
	Trigger(ctx context.Context, change domain.ChangeReference) (*domain.PipelineRun, error)
}

// SignalOutcome reports what a source signal led to.
type SignalOutcome struct {
	Run     *domain.PipelineRun `json:"run,omitempty"`
	BuildID string              `json:"build_id,omitempty"`
}

// SignalHandler turns normalized source signals into work. Branch updates
// trigger a pipeline run; change-request activity starts the validation
// build, whose completion reaches the feedback service as an event.
type SignalHandler struct {
	pipeline          Triggerer
	runner            ports.BuildRunner
	validationProject string
	logger            *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(pipeline Triggerer, runner ports.BuildRunner, validationProject string, logger *slog.Logger) *SignalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHandler{
		pipeline:          pipeline,
		runner:            runner,
		validationProject: validationProject,
		logger:            logger,
	}
}

// Handle acts on one signal.
func (h *SignalHandler) Handle(ctx context.Context, sig *domain.SourceSignal) (*SignalOutcome, error) {
	switch sig.Kind {
	case domain.SignalBranchUpdated:
		run, err := h.pipeline.Trigger(ctx, sig.Change)
		if err != nil {
			return nil, err
		}
		return &SignalOutcome{Run: run}, nil

	case domain.SignalChangeRequestCreated, domain.SignalChangeRequestUpdated:
		if h.validationProject == "" {
			return nil, domain.NewConfigError("build.validation_project is required for change request validation")
		}
		change := sig.Change
		handle, err := h.runner.StartBuild(ctx, &domain.BuildRequest{
			ProjectName:   h.validationProject,
			SourceVersion: change.SourceVersion(),
			ArtifactMode:  domain.ArtifactsNone,
			EnvironmentOverrides: map[string]string{
				domain.EnvPullRequestID:     change.ChangeRequestID,
				domain.EnvRepositoryName:    change.RepositoryID,
				domain.EnvSourceCommit:      change.BeforeCommit,
				domain.EnvDestinationCommit: change.AfterCommit,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("start validation build for change request %s: %w", change.ChangeRequestID, err)
		}

		h.logger.Info("validation build started",
			slog.String("change_request", change.ChangeRequestID),
			slog.String("build_id", handle.BuildID),
			slog.String("source_version", change.SourceVersion()))
		return &SignalOutcome{BuildID: handle.BuildID}, nil
	}

	return nil, domain.NewInvalidRequestError("unknown signal kind %q", sig.Kind)
}
