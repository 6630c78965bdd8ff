package domain

import "fmt"

// ProviderKind identifies which source-control backend feeds the pipeline.
type ProviderKind string

const (
	// ProviderCodeCommit is a self-hosted, managed repository. No external
	// credential is required.
	ProviderCodeCommit ProviderKind = "codecommit"
	// ProviderGitHub is a hosted repository addressed by owner/repo and
	// accessed with a token.
	ProviderGitHub ProviderKind = "github"
)

// Valid reports whether k is a supported provider kind.
func (k ProviderKind) Valid() bool {
	return k == ProviderCodeCommit || k == ProviderGitHub
}

// ChangeReference identifies the unit of work flowing through the pipeline.
// It is created when a source event is normalized and never modified after.
type ChangeReference struct {
	RepositoryID    string `json:"repository_id"`
	BranchName      string `json:"branch_name"`
	BeforeCommit    string `json:"before_commit,omitempty"`
	AfterCommit     string `json:"after_commit"`
	ChangeRequestID string `json:"change_request_id,omitempty"`
}

// IsChangeRequest reports whether the change belongs to a pull request rather
// than a direct branch push.
func (c ChangeReference) IsChangeRequest() bool {
	return c.ChangeRequestID != ""
}

// SourceVersion is the commit a build of this change checks out. For change
// requests BeforeCommit carries the request's source commit and AfterCommit
// the destination commit, the same pair the verdict comment is anchored to.
func (c ChangeReference) SourceVersion() string {
	if c.IsChangeRequest() {
		return c.BeforeCommit
	}
	return c.AfterCommit
}

// Range renders the commit range as before..after.
func (c ChangeReference) Range() string {
	return fmt.Sprintf("%s..%s", c.BeforeCommit, c.AfterCommit)
}

// SignalKind classifies a normalized source signal.
type SignalKind string

const (
	// SignalBranchUpdated means a new revision landed on the tracked branch.
	SignalBranchUpdated SignalKind = "branch_updated"
	// SignalChangeRequestCreated means a pull request was opened or reopened.
	SignalChangeRequestCreated SignalKind = "change_request_created"
	// SignalChangeRequestUpdated means a pull request's source branch moved.
	SignalChangeRequestUpdated SignalKind = "change_request_updated"
)

// SourceSignal is what a provider emits after translating a webhook delivery.
type SourceSignal struct {
	Kind   SignalKind      `json:"kind"`
	Change ChangeReference `json:"change"`
	// DestinationBranch is set for change requests: the branch the change
	// targets.
	DestinationBranch string `json:"destination_branch,omitempty"`
}

// SourceIdentity describes the action provider used for the Source stage.
// It is the only place the two provider kinds differ from the machine's
// point of view.
type SourceIdentity struct {
	Kind       ProviderKind `json:"kind"`
	Owner      string       `json:"owner"`    // "AWS" for managed, "ThirdParty" for hosted
	Provider   string       `json:"provider"` // "CodeCommit" or "GitHub"
	Repository string       `json:"repository"`
	Branch     string       `json:"branch"`
	// CredentialRef names the credential used, never the secret itself.
	CredentialRef string `json:"credential_ref,omitempty"`
}
