package domain

import (
	"strings"
	"time"
)

// EventSource is the category an event belongs to. Routing rules match on it.
type EventSource string

const (
	SourcePipelineLifecycle EventSource = "pipelineLifecycle"
	SourceBuildLifecycle    EventSource = "buildLifecycle"
)

// DetailType further classifies an event within its source.
type DetailType string

const (
	DetailPipelineExecution DetailType = "Pipeline Execution State Change"
	DetailPipelineStage     DetailType = "Pipeline Stage Execution State Change"
	DetailBuildState        DetailType = "Build State Change"
)

// ExecutionState is the run-level state carried by pipeline execution events.
type ExecutionState string

const (
	ExecutionStarted    ExecutionState = "STARTED"
	ExecutionSucceeded  ExecutionState = "SUCCEEDED"
	ExecutionFailed     ExecutionState = "FAILED"
	ExecutionResumed    ExecutionState = "RESUMED"
	ExecutionCanceled   ExecutionState = "CANCELED"
	ExecutionSuperseded ExecutionState = "SUPERSEDED"
)

// ExecutionStateFor maps a terminal run status to the execution state that
// announces it. A rejected approval fails its stage, so it is announced as
// FAILED; only operator cancellation reads CANCELED.
func ExecutionStateFor(status RunStatus) (ExecutionState, bool) {
	switch status {
	case RunSucceeded:
		return ExecutionSucceeded, true
	case RunFailed, RunRejected:
		return ExecutionFailed, true
	case RunCanceled:
		return ExecutionCanceled, true
	case RunSuperseded:
		return ExecutionSuperseded, true
	}
	return "", false
}

// Event is the envelope routed by the event router. Exactly one of Pipeline
// or Build is set, according to Source.
type Event struct {
	ID         string      `json:"id"`
	Source     EventSource `json:"source"`
	DetailType DetailType  `json:"detail_type"`
	Time       time.Time   `json:"time"`
	Account    string      `json:"account,omitempty"`
	Region     string      `json:"region,omitempty"`
	// Resources lists identifiers a rule may pin on: pipeline name and run id
	// for pipeline events, project name and build id for build events.
	Resources []string `json:"resources,omitempty"`

	Pipeline *PipelineEventDetail  `json:"pipeline,omitempty"`
	Build    *BuildCompletionEvent `json:"build,omitempty"`
}

// PipelineEventDetail is the lifecycle event emitted by the state machine on
// every transition: {runId, stageName, newStatus, timestamp}. Stage is empty
// for execution-level events.
type PipelineEventDetail struct {
	Pipeline string    `json:"pipeline"`
	RunID    string    `json:"run_id"`
	Stage    StageName `json:"stage,omitempty"`
	State    string    `json:"state"`
	Message  string    `json:"message,omitempty"`
}

// Status returns the status string rules match against.
func (e *Event) Status() string {
	switch {
	case e.Pipeline != nil:
		return e.Pipeline.State
	case e.Build != nil:
		return string(e.Build.BuildStatus)
	}
	return ""
}

// HasResource reports whether id is one of the event's resources.
func (e *Event) HasResource(id string) bool {
	for _, r := range e.Resources {
		if r == id {
			return true
		}
	}
	return false
}

// StageState renders a stage status in the upper-case form used on the wire.
func StageState(s StageStatus) string {
	return strings.ToUpper(string(s))
}
