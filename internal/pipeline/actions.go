package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
)

// SourceFetcher downloads the tree of a change.
type SourceFetcher interface {
	FetchSource(ctx context.Context, change domain.ChangeReference) (io.ReadCloser, int64, error)
}

// SourceAction checks out the change and publishes it as RepoSource.
type SourceAction struct {
	fetcher   SourceFetcher
	artifacts ports.ArtifactStore
}

// NewSourceAction creates the Source stage action.
func NewSourceAction(fetcher SourceFetcher, artifacts ports.ArtifactStore) *SourceAction {
	return &SourceAction{fetcher: fetcher, artifacts: artifacts}
}

func (a *SourceAction) Stage() domain.StageName { return domain.StageSource }

func (a *SourceAction) Execute(ctx context.Context, in *ports.StageInput) (*domain.StageResult, error) {
	if in.Output == nil {
		return nil, fmt.Errorf("source stage has no output artifact")
	}

	body, size, err := a.fetcher.FetchSource(ctx, in.Run.Change)
	if err != nil {
		return nil, fmt.Errorf("fetch source %s: %w", in.Run.Change.SourceVersion(), err)
	}
	defer body.Close()

	if err := a.artifacts.Put(ctx, in.Output.Key, body, size); err != nil {
		return nil, fmt.Errorf("store %s: %w", in.Output.Name, err)
	}

	return &domain.StageResult{
		Stage:            domain.StageSource,
		Status:           domain.StageSucceeded,
		ProducedArtifact: in.Output,
	}, nil
}

// BuildAction runs a build project in pipeline-artifact mode. Test, Build and
// Deploy are all BuildActions bound to different projects.
type BuildAction struct {
	stage   domain.StageName
	project string
	runner  ports.BuildRunner
}

// NewBuildAction binds a stage to a build project.
func NewBuildAction(stage domain.StageName, project string, runner ports.BuildRunner) *BuildAction {
	return &BuildAction{stage: stage, project: project, runner: runner}
}

func (a *BuildAction) Stage() domain.StageName { return a.stage }

// Project returns the bound build project.
func (a *BuildAction) Project() string { return a.project }

func (a *BuildAction) Execute(ctx context.Context, in *ports.StageInput) (*domain.StageResult, error) {
	req := &domain.BuildRequest{
		ProjectName:    a.project,
		SourceVersion:  in.Run.Change.SourceVersion(),
		ArtifactMode:   domain.ArtifactsPipeline,
		InputArtifacts: in.Inputs,
		OutputArtifact: in.Output,
		RunID:          in.Run.RunID,
	}

	result, err := a.runner.RunBuild(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("build project %s: %w", a.project, err)
	}

	if result.BuildStatus != domain.BuildSucceeded {
		msg := fmt.Sprintf("build %s of project %s finished %s", result.BuildID, a.project, result.BuildStatus)
		if result.Message != "" {
			msg += ": " + result.Message
		}
		return &domain.StageResult{Stage: a.stage, Status: domain.StageFailed, Message: msg}, nil
	}

	return &domain.StageResult{
		Stage:            a.stage,
		Status:           domain.StageSucceeded,
		ProducedArtifact: in.Output,
		Message:          result.LogLink,
	}, nil
}

var (
	_ ports.StageAction = (*SourceAction)(nil)
	_ ports.StageAction = (*BuildAction)(nil)
)
