package domain

// BuildStatus is the status reported by the build subsystem.
type BuildStatus string

const (
	BuildSucceeded  BuildStatus = "SUCCEEDED"
	BuildFailed     BuildStatus = "FAILED"
	BuildFault      BuildStatus = "FAULT"
	BuildStopped    BuildStatus = "STOPPED"
	BuildTimedOut   BuildStatus = "TIMED_OUT"
	BuildInProgress BuildStatus = "IN_PROGRESS"
)

// Failed reports whether the status is one of the failing outcomes.
func (s BuildStatus) Failed() bool {
	switch s {
	case BuildFailed, BuildFault, BuildStopped, BuildTimedOut:
		return true
	}
	return false
}

// Completed reports whether the build reached a final status.
func (s BuildStatus) Completed() bool {
	return s == BuildSucceeded || s.Failed()
}

// Environment variable names the validation build is started with and echoes
// back in its completion payload.
const (
	EnvPullRequestID     = "pullRequestId"
	EnvRepositoryName    = "repositoryName"
	EnvSourceCommit      = "sourceCommit"
	EnvDestinationCommit = "destinationCommit"
)

// BuildPhase is one phase of a build as reported on completion.
type BuildPhase struct {
	Type   string      `json:"phase-type,omitempty"`
	Status BuildStatus `json:"phase-status,omitempty"`
}

// BuildCompletionEvent is the payload the feedback service consumes. It is
// owned by the build subsystem and only read here. Delivery is at-least-once
// and unordered.
type BuildCompletionEvent struct {
	ProjectName          string            `json:"project_name"`
	BuildID              string            `json:"build_id,omitempty"`
	BuildStatus          BuildStatus       `json:"build_status"`
	Region               string            `json:"region"`
	Account              string            `json:"account,omitempty"`
	LogLink              string            `json:"log_link"`
	Phases               []BuildPhase      `json:"phases"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
}

// ArtifactMode selects whether a build produces pipeline artifacts.
type ArtifactMode string

const (
	ArtifactsNone     ArtifactMode = "NO_ARTIFACTS"
	ArtifactsPipeline ArtifactMode = "CODEPIPELINE"
)

// BuildRequest invokes a build project.
type BuildRequest struct {
	ProjectName          string            `json:"project_name"`
	SourceVersion        string            `json:"source_version"`
	ArtifactMode         ArtifactMode      `json:"artifact_mode"`
	EnvironmentOverrides map[string]string `json:"environment_overrides,omitempty"`
	// InputArtifacts and OutputArtifact are set in pipeline-artifact mode.
	InputArtifacts []ArtifactRef `json:"input_artifacts,omitempty"`
	OutputArtifact *ArtifactRef  `json:"output_artifact,omitempty"`
	RunID          string        `json:"run_id,omitempty"`
}

// BuildResult is the synchronous answer of a pipeline-mode build.
type BuildResult struct {
	BuildID     string       `json:"build_id"`
	BuildStatus BuildStatus  `json:"build_status"`
	Phases      []BuildPhase `json:"phases,omitempty"`
	LogLink     string       `json:"log_link,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// BuildHandle identifies an asynchronously started build.
type BuildHandle struct {
	BuildID string `json:"build_id"`
}
