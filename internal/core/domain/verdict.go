package domain

// Verdict is the pass/fail outcome of a validation build.
type Verdict string

const (
	VerdictSucceeded Verdict = "Succeeded"
	VerdictFailed    Verdict = "Failed"
)

// VerdictComment is posted to the change request a validation build belongs
// to. It is anchored to the commit range, not just the pull request number.
// Nothing here persists it; it is handed straight to the change-request sink.
type VerdictComment struct {
	ChangeRequestID string  `json:"pull_request_id"`
	RepositoryName  string  `json:"repository_name"`
	BeforeCommitID  string  `json:"before_commit_id"`
	AfterCommitID   string  `json:"after_commit_id"`
	Verdict         Verdict `json:"verdict"`
	Content         string  `json:"content"`
}
