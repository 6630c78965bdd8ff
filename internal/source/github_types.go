package source

// Minimal GitHub webhook payloads. Only the fields the pipeline reads are
// declared.

type ghRepository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

type ghPushPayload struct {
	Ref        string       `json:"ref"`
	Before     string       `json:"before"`
	After      string       `json:"after"`
	Deleted    bool         `json:"deleted"`
	Repository ghRepository `json:"repository"`
}

type ghRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type ghPullRequest struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Head   ghRef  `json:"head"`
	Base   ghRef  `json:"base"`
}

type ghPullRequestPayload struct {
	Action      string        `json:"action"`
	Number      int           `json:"number"`
	PullRequest ghPullRequest `json:"pull_request"`
	Repository  ghRepository  `json:"repository"`
}
