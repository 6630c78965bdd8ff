package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
)

// CodeCommit event envelope detail types.
const (
	ccRepositoryStateChange  = "CodeCommit Repository State Change"
	ccPullRequestStateChange = "CodeCommit Pull Request State Change"
)

// CodeCommit reads from a managed repository service addressed by repository
// name. No external credential is involved.
type CodeCommit struct {
	repository string
	branch     string
	api        *apiClient
	logger     *slog.Logger
}

// NewCodeCommit validates cfg and builds the managed repository provider.
func NewCodeCommit(cfg config.CodeCommitConfig, opts Options) (*CodeCommit, error) {
	switch {
	case cfg.Repository == "":
		return nil, domain.NewConfigError("codecommit provider requires source.codecommit.repository")
	case cfg.Branch == "":
		return nil, domain.NewConfigError("codecommit provider requires source.codecommit.branch")
	case cfg.Endpoint == "":
		return nil, domain.NewConfigError("codecommit provider requires source.codecommit.endpoint")
	}

	client := opts.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &CodeCommit{
		repository: cfg.Repository,
		branch:     cfg.Branch,
		api:        &apiClient{baseURL: cfg.Endpoint, client: client},
		logger:     logger,
	}, nil
}

func (c *CodeCommit) Kind() domain.ProviderKind { return domain.ProviderCodeCommit }

func (c *CodeCommit) Identity() domain.SourceIdentity {
	return domain.SourceIdentity{
		Kind:       domain.ProviderCodeCommit,
		Owner:      "AWS",
		Provider:   "CodeCommit",
		Repository: c.repository,
		Branch:     c.branch,
	}
}

type ccBranchResponse struct {
	Branch struct {
		BranchName string `json:"branchName"`
		CommitID   string `json:"commitId"`
	} `json:"branch"`
}

func (c *CodeCommit) repoPath() string {
	return "/repositories/" + url.PathEscape(c.repository)
}

// Resolve checks the branch against the repository service.
func (c *CodeCommit) Resolve(ctx context.Context, change domain.ChangeReference) (domain.ChangeReference, error) {
	branch := change.BranchName
	if branch == "" {
		branch = c.branch
	}

	var resp ccBranchResponse
	path := c.repoPath() + "/branches/" + url.PathEscape(branch)
	if err := c.api.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return change, domain.NewConfigError("branch %q of repository %q cannot be resolved", branch, c.repository).WithCause(err)
	}
	if resp.Branch.CommitID == "" {
		return change, domain.NewConfigError("branch %q of repository %q has no head commit", branch, c.repository)
	}

	change.RepositoryID = c.repository
	change.BranchName = branch
	if change.AfterCommit == "" {
		change.AfterCommit = resp.Branch.CommitID
	}
	return change, nil
}

// FetchSource downloads the archive for the change's source version.
func (c *CodeCommit) FetchSource(ctx context.Context, change domain.ChangeReference) (io.ReadCloser, int64, error) {
	version := change.SourceVersion()
	if version == "" {
		return nil, 0, domain.NewInvalidRequestError("change has no commit to fetch")
	}
	body, size, err := c.api.stream(ctx, c.repoPath()+"/archive/"+url.PathEscape(version))
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s@%s: %w", c.repository, version, err)
	}
	return body, size, nil
}

type ccCommentRequest struct {
	BeforeCommitID string `json:"beforeCommitId"`
	AfterCommitID  string `json:"afterCommitId"`
	Content        string `json:"content"`
}

// PostComment posts the comment anchored at the comment's commit range.
func (c *CodeCommit) PostComment(ctx context.Context, comment *domain.VerdictComment) error {
	repo := comment.RepositoryName
	if repo == "" {
		repo = c.repository
	}
	path := "/repositories/" + url.PathEscape(repo) + "/pull-requests/" + url.PathEscape(comment.ChangeRequestID) + "/comments"
	req := ccCommentRequest{
		BeforeCommitID: comment.BeforeCommitID,
		AfterCommitID:  comment.AfterCommitID,
		Content:        comment.Content,
	}
	if err := c.api.doJSON(ctx, http.MethodPost, path, req, nil); err != nil {
		return domain.NewDeliveryError("pull request "+comment.ChangeRequestID, err)
	}
	return nil
}

type ccEnvelope struct {
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Detail     json.RawMessage `json:"detail"`
}

type ccReferenceDetail struct {
	Event          string `json:"event"`
	RepositoryName string `json:"repositoryName"`
	ReferenceType  string `json:"referenceType"`
	ReferenceName  string `json:"referenceName"`
	CommitID       string `json:"commitId"`
	OldCommitID    string `json:"oldCommitId"`
}

type ccPullRequestDetail struct {
	Event                string   `json:"event"`
	PullRequestID        string   `json:"pullRequestId"`
	PullRequestStatus    string   `json:"pullRequestStatus"`
	RepositoryNames      []string `json:"repositoryNames"`
	SourceReference      string   `json:"sourceReference"`
	DestinationReference string   `json:"destinationReference"`
	SourceCommit         string   `json:"sourceCommit"`
	DestinationCommit    string   `json:"destinationCommit"`
}

// ParseWebhook understands repository state change and pull request state
// change envelopes.
func (c *CodeCommit) ParseWebhook(_ http.Header, body []byte) (*domain.SourceSignal, error) {
	var env ccEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.NewInvalidRequestError("decode codecommit event: %v", err)
	}

	switch env.DetailType {
	case ccRepositoryStateChange:
		var d ccReferenceDetail
		if err := json.Unmarshal(env.Detail, &d); err != nil {
			return nil, domain.NewInvalidRequestError("decode reference detail: %v", err)
		}
		return c.referenceSignal(d), nil

	case ccPullRequestStateChange:
		var d ccPullRequestDetail
		if err := json.Unmarshal(env.Detail, &d); err != nil {
			return nil, domain.NewInvalidRequestError("decode pull request detail: %v", err)
		}
		return c.pullRequestSignal(d)

	default:
		c.logger.Debug("codecommit webhook: unhandled detail type", slog.String("detail_type", env.DetailType))
		return nil, nil
	}
}

func (c *CodeCommit) referenceSignal(d ccReferenceDetail) *domain.SourceSignal {
	if d.Event != "referenceUpdated" && d.Event != "referenceCreated" {
		return nil
	}
	if d.ReferenceType != "branch" || d.RepositoryName != c.repository || d.ReferenceName != c.branch {
		return nil
	}
	return &domain.SourceSignal{
		Kind: domain.SignalBranchUpdated,
		Change: domain.ChangeReference{
			RepositoryID: d.RepositoryName,
			BranchName:   d.ReferenceName,
			BeforeCommit: d.OldCommitID,
			AfterCommit:  d.CommitID,
		},
	}
}

func (c *CodeCommit) pullRequestSignal(d ccPullRequestDetail) (*domain.SourceSignal, error) {
	var kind domain.SignalKind
	switch d.Event {
	case "pullRequestCreated":
		kind = domain.SignalChangeRequestCreated
	case "pullRequestSourceBranchUpdated":
		kind = domain.SignalChangeRequestUpdated
	case "pullRequestStatusChanged":
		if d.PullRequestStatus != "Open" {
			return nil, nil
		}
		kind = domain.SignalChangeRequestCreated
	default:
		return nil, nil
	}

	if d.PullRequestID == "" {
		return nil, domain.NewInvalidRequestError("pull request event without pullRequestId")
	}
	repo := c.repository
	if len(d.RepositoryNames) > 0 {
		repo = d.RepositoryNames[0]
	}
	if repo != c.repository {
		return nil, nil
	}

	return &domain.SourceSignal{
		Kind: kind,
		Change: domain.ChangeReference{
			RepositoryID:    repo,
			BranchName:      trimRef(d.SourceReference),
			BeforeCommit:    d.SourceCommit,
			AfterCommit:     d.DestinationCommit,
			ChangeRequestID: d.PullRequestID,
		},
		DestinationBranch: trimRef(d.DestinationReference),
	}, nil
}

var _ Provider = (*CodeCommit)(nil)
