package source

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
)

// verdictMarker tags verdict comments with their commit range. Issue
// comments have no native commit anchor.
const verdictMarker = "<!-- sitepipe:verdict %s..%s -->"

// GitHub reads from a hosted repository addressed by owner/repo. All API
// calls are authorized with the configured token.
type GitHub struct {
	owner      string
	repository string
	branch     string
	secret     []byte
	api        *apiClient
	logger     *slog.Logger
}

// NewGitHub validates cfg and builds the hosted provider. A token is
// required; the webhook secret is optional but recommended.
func NewGitHub(ctx context.Context, cfg config.GitHubConfig, opts Options) (*GitHub, error) {
	switch {
	case cfg.Owner == "":
		return nil, domain.NewConfigError("github provider requires source.github.owner")
	case cfg.Repository == "":
		return nil, domain.NewConfigError("github provider requires source.github.repository")
	case cfg.Branch == "":
		return nil, domain.NewConfigError("github provider requires source.github.branch")
	case cfg.Token == "":
		return nil, domain.NewConfigError("github provider requires source.github.token")
	}

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}

	base := opts.HTTPClient
	if base == nil {
		base = defaultHTTPClient()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	client.Timeout = base.Timeout

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GitHub{
		owner:      cfg.Owner,
		repository: cfg.Repository,
		branch:     cfg.Branch,
		secret:     []byte(cfg.WebhookSecret),
		api: &apiClient{
			baseURL: apiURL,
			client:  client,
			headers: map[string]string{
				"X-GitHub-Api-Version": "2022-11-28",
			},
		},
		logger: logger,
	}, nil
}

func (g *GitHub) Kind() domain.ProviderKind { return domain.ProviderGitHub }

func (g *GitHub) Identity() domain.SourceIdentity {
	return domain.SourceIdentity{
		Kind:          domain.ProviderGitHub,
		Owner:         "ThirdParty",
		Provider:      "GitHub",
		Repository:    g.fullName(),
		Branch:        g.branch,
		CredentialRef: "source.github.token",
	}
}

func (g *GitHub) fullName() string {
	return g.owner + "/" + g.repository
}

func (g *GitHub) repoPath() string {
	return "/repos/" + url.PathEscape(g.owner) + "/" + url.PathEscape(g.repository)
}

type ghBranch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// Resolve checks the branch via the branches API.
func (g *GitHub) Resolve(ctx context.Context, change domain.ChangeReference) (domain.ChangeReference, error) {
	branch := change.BranchName
	if branch == "" {
		branch = g.branch
	}

	var resp ghBranch
	if err := g.api.doJSON(ctx, http.MethodGet, g.repoPath()+"/branches/"+url.PathEscape(branch), nil, &resp); err != nil {
		return change, domain.NewConfigError("branch %q of repository %q cannot be resolved", branch, g.fullName()).WithCause(err)
	}
	if resp.Commit.SHA == "" {
		return change, domain.NewConfigError("branch %q of repository %q has no head commit", branch, g.fullName())
	}

	change.RepositoryID = g.fullName()
	change.BranchName = branch
	if change.AfterCommit == "" {
		change.AfterCommit = resp.Commit.SHA
	}
	return change, nil
}

// FetchSource downloads the tarball of the change's source version.
func (g *GitHub) FetchSource(ctx context.Context, change domain.ChangeReference) (io.ReadCloser, int64, error) {
	version := change.SourceVersion()
	if version == "" {
		return nil, 0, domain.NewInvalidRequestError("change has no commit to fetch")
	}
	body, size, err := g.api.stream(ctx, g.repoPath()+"/tarball/"+url.PathEscape(version))
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s@%s: %w", g.fullName(), version, err)
	}
	return body, size, nil
}

type ghCommentRequest struct {
	Body string `json:"body"`
}

// ownsRepository reports whether name addresses the configured repository,
// either as owner/repo or as the bare repository name.
func (g *GitHub) ownsRepository(name string) bool {
	if owner, repo, ok := strings.Cut(name, "/"); ok {
		return strings.EqualFold(owner, g.owner) && strings.EqualFold(repo, g.repository)
	}
	return name != "" && strings.EqualFold(name, g.repository)
}

// PostComment posts an issue comment on the pull request. The commit range
// is recorded in a trailing marker. Comments addressed to any repository but
// the configured one are refused.
func (g *GitHub) PostComment(ctx context.Context, comment *domain.VerdictComment) error {
	if !g.ownsRepository(comment.RepositoryName) {
		return domain.NewInvalidRequestError("verdict for repository %q does not belong to %s", comment.RepositoryName, g.fullName())
	}
	number, err := strconv.Atoi(comment.ChangeRequestID)
	if err != nil || number <= 0 {
		return domain.NewInvalidRequestError("pull request id %q is not a number", comment.ChangeRequestID)
	}

	body := comment.Content + "\n\n" + fmt.Sprintf(verdictMarker, comment.BeforeCommitID, comment.AfterCommitID)
	path := fmt.Sprintf("%s/issues/%d/comments", g.repoPath(), number)
	if err := g.api.doJSON(ctx, http.MethodPost, path, ghCommentRequest{Body: body}, nil); err != nil {
		return domain.NewDeliveryError("pull request "+comment.ChangeRequestID, err)
	}
	return nil
}

// ParseWebhook verifies the delivery signature (when a secret is set) and
// translates push and pull_request deliveries.
func (g *GitHub) ParseWebhook(header http.Header, body []byte) (*domain.SourceSignal, error) {
	if len(g.secret) > 0 {
		if err := VerifySignature(g.secret, body, header.Get("X-Hub-Signature-256")); err != nil {
			return nil, err
		}
	}

	eventType := header.Get("X-GitHub-Event")
	switch eventType {
	case "push":
		var p ghPushPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, domain.NewInvalidRequestError("decode push payload: %v", err)
		}
		return g.pushSignal(&p), nil

	case "pull_request":
		var p ghPullRequestPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, domain.NewInvalidRequestError("decode pull_request payload: %v", err)
		}
		return g.pullRequestSignal(&p), nil

	case "":
		return nil, domain.NewInvalidRequestError("missing X-GitHub-Event header")

	default:
		g.logger.Debug("github webhook: unhandled event type", slog.String("event_type", eventType))
		return nil, nil
	}
}

func (g *GitHub) pushSignal(p *ghPushPayload) *domain.SourceSignal {
	if p.Deleted || p.Repository.FullName != g.fullName() {
		return nil
	}
	if !strings.HasPrefix(p.Ref, "refs/heads/") || trimRef(p.Ref) != g.branch {
		return nil
	}
	return &domain.SourceSignal{
		Kind: domain.SignalBranchUpdated,
		Change: domain.ChangeReference{
			RepositoryID: p.Repository.FullName,
			BranchName:   g.branch,
			BeforeCommit: p.Before,
			AfterCommit:  p.After,
		},
	}
}

func (g *GitHub) pullRequestSignal(p *ghPullRequestPayload) *domain.SourceSignal {
	var kind domain.SignalKind
	switch p.Action {
	case "opened", "reopened":
		kind = domain.SignalChangeRequestCreated
	case "synchronize":
		kind = domain.SignalChangeRequestUpdated
	default:
		return nil
	}
	if p.Repository.FullName != g.fullName() {
		return nil
	}

	pr := p.PullRequest
	return &domain.SourceSignal{
		Kind: kind,
		Change: domain.ChangeReference{
			RepositoryID:    p.Repository.FullName,
			BranchName:      pr.Head.Ref,
			BeforeCommit:    pr.Head.SHA,
			AfterCommit:     pr.Base.SHA,
			ChangeRequestID: strconv.Itoa(p.Number),
		},
		DestinationBranch: pr.Base.Ref,
	}
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the HMAC-SHA256 of body.
func VerifySignature(secret, body []byte, signature string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return domain.NewInvalidRequestError("missing or malformed webhook signature")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, prefix))
	if err != nil {
		return domain.NewInvalidRequestError("malformed webhook signature")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.NewInvalidRequestError("webhook signature mismatch")
	}
	return nil
}

// Sign computes the X-Hub-Signature-256 header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

var _ Provider = (*GitHub)(nil)
