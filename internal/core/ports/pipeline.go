// Package ports defines the core interfaces for the control plane.
// This file contains the pipeline stage and build subsystem boundaries.
package ports

import (
	"context"
	"io"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

// StageInput is the data handed to a stage action.
type StageInput struct {
	// Run is a snapshot of the run; actions must not retain it.
	Run *domain.PipelineRun
	// Inputs are the declared input artifacts, all of which exist.
	Inputs []domain.ArtifactRef
	// Output is where the stage must write its declared output, if any.
	Output *domain.ArtifactRef
}

// StageAction performs the work of one stage.
type StageAction interface {
	// Stage returns the stage this action implements.
	Stage() domain.StageName
	// Execute runs the stage to completion. A returned error or a result
	// with status Failed halts the run.
	Execute(ctx context.Context, in *StageInput) (*domain.StageResult, error)
}

// ArtifactStore is the opaque put/get store used between stages. No core
// logic inspects artifact contents.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// BuildRunner is the build subsystem boundary.
type BuildRunner interface {
	// RunBuild invokes a project in pipeline-artifact mode and waits for the
	// result.
	RunBuild(ctx context.Context, req *domain.BuildRequest) (*domain.BuildResult, error)
	// StartBuild invokes a project and returns immediately; completion
	// arrives later as a build lifecycle event.
	StartBuild(ctx context.Context, req *domain.BuildRequest) (*domain.BuildHandle, error)
}
