package domain

import (
	"time"
)

// StageName names one ordered phase of a pipeline run.
type StageName string

const (
	StageSource   StageName = "Source"
	StageTest     StageName = "Test"
	StageBuild    StageName = "Build"
	StageApproval StageName = "Approval"
	StageDeploy   StageName = "Deploy"
)

// StageOrder is the forced stage sequence. It is the same for every provider
// kind.
var StageOrder = []StageName{StageSource, StageTest, StageBuild, StageApproval, StageDeploy}

// Index returns the position of the stage in StageOrder, or -1.
func (s StageName) Index() int {
	for i, name := range StageOrder {
		if name == s {
			return i
		}
	}
	return -1
}

// StageStatus is the status of a single stage.
type StageStatus string

const (
	StagePending   StageStatus = "Pending"
	StageRunning   StageStatus = "Running"
	StageSucceeded StageStatus = "Succeeded"
	StageFailed    StageStatus = "Failed"
	// StageCanceled is recorded when a run is canceled or superseded while the
	// stage was pending or running.
	StageCanceled StageStatus = "Canceled"
)

// RunStatus is the overall status of a pipeline run.
type RunStatus string

const (
	RunRunning          RunStatus = "Running"
	RunAwaitingApproval RunStatus = "AwaitingApproval"
	RunSucceeded        RunStatus = "Succeeded"
	RunFailed           RunStatus = "Failed"
	RunRejected         RunStatus = "Rejected"
	RunCanceled         RunStatus = "Canceled"
	RunSuperseded       RunStatus = "Superseded"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunRejected, RunCanceled, RunSuperseded:
		return true
	}
	return false
}

// ArtifactName names an artifact passed between stages.
type ArtifactName string

const (
	ArtifactRepoSource  ArtifactName = "RepoSource"
	ArtifactBuildOutput ArtifactName = "BuildOutput"
)

// ArtifactRef points at an artifact in the artifact store.
type ArtifactRef struct {
	Name ArtifactName `json:"name"`
	Key  string       `json:"key"`
}

// StageRecord is one append-only entry of a run's stage history.
type StageRecord struct {
	Stage     StageName   `json:"stage"`
	Status    StageStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Message   string      `json:"message,omitempty"`
}

// StageResult is what a stage action reports back to the machine.
type StageResult struct {
	Stage            StageName    `json:"stage"`
	Status           StageStatus  `json:"status"`
	ProducedArtifact *ArtifactRef `json:"produced_artifact,omitempty"`
	Message          string       `json:"message,omitempty"`
}

// PipelineRun is one triggered execution of the pipeline. It is owned by the
// pipeline state machine; everything else sees copies.
type PipelineRun struct {
	RunID              string          `json:"run_id"`
	Pipeline           string          `json:"pipeline"`
	SourceProviderKind ProviderKind    `json:"source_provider_kind"`
	Source             SourceIdentity  `json:"source"`
	Change             ChangeReference `json:"change"`
	CurrentStage       StageName       `json:"current_stage"`
	Status             RunStatus       `json:"status"`
	StageHistory       []StageRecord   `json:"stage_history"`
	// Artifacts holds the artifacts made visible by succeeded stages.
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StageStatus returns the latest recorded status for a stage, or Pending when
// the stage has no history yet.
func (r *PipelineRun) StageStatus(stage StageName) StageStatus {
	for i := len(r.StageHistory) - 1; i >= 0; i-- {
		if r.StageHistory[i].Stage == stage {
			return r.StageHistory[i].Status
		}
	}
	return StagePending
}

// Artifact returns the visible artifact with the given name.
func (r *PipelineRun) Artifact(name ArtifactName) (ArtifactRef, bool) {
	for _, a := range r.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return ArtifactRef{}, false
}

// StageSequence returns the distinct stages in the order they first appear in
// the history.
func (r *PipelineRun) StageSequence() []StageName {
	seen := make(map[StageName]bool)
	var out []StageName
	for _, rec := range r.StageHistory {
		if !seen[rec.Stage] {
			seen[rec.Stage] = true
			out = append(out, rec.Stage)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to other components.
func (r *PipelineRun) Clone() *PipelineRun {
	if r == nil {
		return nil
	}
	cp := *r
	cp.StageHistory = append([]StageRecord(nil), r.StageHistory...)
	cp.Artifacts = append([]ArtifactRef(nil), r.Artifacts...)
	return &cp
}
