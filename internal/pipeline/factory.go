package pipeline

import (
	"log/slog"
	"time"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
	"github.com/tjfontaine/sitepipe/internal/source"
)

// Deps are the collaborators a configured pipeline needs.
type Deps struct {
	Source    source.Provider
	Runner    ports.BuildRunner
	Artifacts ports.ArtifactStore
	Store     ports.RunStore
	Events    ports.EventPublisher
	Logger    *slog.Logger
}

// NewMachineFromConfig assembles the five-stage pipeline from configuration.
func NewMachineFromConfig(cfg *config.Config, deps Deps) (*Machine, error) {
	b := cfg.Build
	for name, project := range map[string]string{
		"test_project":    b.TestProject,
		"release_project": b.ReleaseProject,
		"deploy_project":  b.DeployProject,
	} {
		if project == "" {
			return nil, domain.NewConfigError("build.%s is required", name)
		}
	}

	return NewMachine(MachineConfig{
		Pipeline: cfg.Pipeline.Name,
		Account:  cfg.Pipeline.Account,
		Region:   cfg.Pipeline.Region,
		Source:   deps.Source,
		Actions: []ports.StageAction{
			NewSourceAction(deps.Source, deps.Artifacts),
			NewBuildAction(domain.StageTest, b.TestProject, deps.Runner),
			NewBuildAction(domain.StageBuild, b.ReleaseProject, deps.Runner),
			NewBuildAction(domain.StageDeploy, b.DeployProject, deps.Runner),
		},
		Artifacts: deps.Artifacts,
		Store:     deps.Store,
		Events:    deps.Events,
		Logger:    deps.Logger,
	})
}

// NewBuildRunnerFromConfig returns an HTTP build client, or a DryRunRunner
// when no build endpoint is configured.
func NewBuildRunnerFromConfig(cfg config.BuildConfig, artifacts ports.ArtifactStore, logger *slog.Logger) (ports.BuildRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Endpoint == "" {
		logger.Warn("no build endpoint configured, builds run in dry-run mode")
		return NewDryRunRunner(artifacts, logger), nil
	}

	// Parse timeout
	timeout := 30 * time.Minute
	if cfg.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, domain.NewConfigError("invalid build.timeout %q: %v", cfg.Timeout, err)
		}
	}
	if cfg.Retries < 0 {
		return nil, domain.NewConfigError("build.retries must not be negative, got %d", cfg.Retries)
	}

	logger.Info("build service configured",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("timeout", timeout.String()),
		slog.Int("retries", cfg.Retries))

	return NewBuildClient(BuildClientConfig{
		Endpoint: cfg.Endpoint,
		Timeout:  timeout,
		Retries:  cfg.Retries,
		Headers:  cfg.Headers,
		Logger:   logger,
	}), nil
}
