package pipeline

import (
	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

// StageContract declares what a stage consumes and produces.
type StageContract struct {
	Stage  domain.StageName
	Inputs []domain.ArtifactName
	Output domain.ArtifactName // empty when the stage produces nothing
}

// Contracts is the contract table for the forced stage order.
var Contracts = map[domain.StageName]StageContract{
	domain.StageSource:   {Stage: domain.StageSource, Output: domain.ArtifactRepoSource},
	domain.StageTest:     {Stage: domain.StageTest, Inputs: []domain.ArtifactName{domain.ArtifactRepoSource}},
	domain.StageBuild:    {Stage: domain.StageBuild, Inputs: []domain.ArtifactName{domain.ArtifactRepoSource}, Output: domain.ArtifactBuildOutput},
	domain.StageApproval: {Stage: domain.StageApproval},
	domain.StageDeploy:   {Stage: domain.StageDeploy, Inputs: []domain.ArtifactName{domain.ArtifactBuildOutput}},
}

// ArtifactKey is the artifact store key of a run's artifact.
func ArtifactKey(runID string, name domain.ArtifactName) string {
	return "runs/" + runID + "/" + string(name)
}

// OutputRef returns the declared output of stage for a run, or nil.
func OutputRef(runID string, stage domain.StageName) *domain.ArtifactRef {
	c, ok := Contracts[stage]
	if !ok || c.Output == "" {
		return nil
	}
	return &domain.ArtifactRef{Name: c.Output, Key: ArtifactKey(runID, c.Output)}
}
