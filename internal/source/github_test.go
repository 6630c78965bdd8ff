package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
	"github.com/tjfontaine/sitepipe/internal/testutil"
)

func newRecordedGitHub(t *testing.T, secret string) *GitHub {
	t.Helper()

	recorder, cleanup := testutil.NewVCRRecorder(t, "github_api")
	t.Cleanup(cleanup)

	g, err := NewGitHub(context.Background(), config.GitHubConfig{
		Owner:         "acme",
		Repository:    "site",
		Branch:        "main",
		Token:         "ghp_test",
		WebhookSecret: secret,
	}, Options{HTTPClient: testutil.VCRHTTPClient(recorder)})
	if err != nil {
		t.Fatalf("NewGitHub: %v", err)
	}
	return g
}

func TestGitHub_Resolve(t *testing.T) {
	g := newRecordedGitHub(t, "")

	change, err := g.Resolve(context.Background(), domain.ChangeReference{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if change.RepositoryID != "acme/site" || change.BranchName != "main" {
		t.Errorf("unexpected change %+v", change)
	}
	if change.AfterCommit != "def456" {
		t.Errorf("AfterCommit = %q, want branch head def456", change.AfterCommit)
	}
}

func TestGitHub_ResolveMissingBranch(t *testing.T) {
	g := newRecordedGitHub(t, "")

	_, err := g.Resolve(context.Background(), domain.ChangeReference{BranchName: "gone"})
	if err == nil {
		t.Fatal("expected error for missing branch")
	}
	if !domain.IsConfigError(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestGitHub_PostComment(t *testing.T) {
	g := newRecordedGitHub(t, "")

	err := g.PostComment(context.Background(), &domain.VerdictComment{
		ChangeRequestID: "42",
		RepositoryName:  "site",
		BeforeCommitID:  "abc123",
		AfterCommitID:   "def456",
		Verdict:         domain.VerdictSucceeded,
		Content:         "![Result](https://s3-eu-west-1.amazonaws.com/codefactory-eu-west-1-prod-default-build-badges/passing.svg) - See the [Logs](https://logs.example.com/b-1)",
	})
	if err != nil {
		t.Fatalf("PostComment: %v", err)
	}
}

func TestGitHub_PostCommentRejectsNonNumericID(t *testing.T) {
	g := newRecordedGitHub(t, "")

	err := g.PostComment(context.Background(), &domain.VerdictComment{ChangeRequestID: "abc", RepositoryName: "acme/site"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestGitHub_PostCommentRepository(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	g, err := NewGitHub(context.Background(), config.GitHubConfig{
		Owner:      "acme",
		Repository: "site",
		Branch:     "main",
		Token:      "ghp_test",
		APIURL:     srv.URL,
	}, Options{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewGitHub: %v", err)
	}

	tests := []struct {
		repository string
		wantErr    bool
	}{
		{repository: "acme/site"},
		{repository: "Acme/Site"},
		{repository: "site"},
		{repository: "other/blog", wantErr: true},
		{repository: "acme/blog", wantErr: true},
		{repository: "other/site", wantErr: true},
		{repository: "blog", wantErr: true},
		{repository: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.repository, func(t *testing.T) {
			mu.Lock()
			before := len(paths)
			mu.Unlock()

			err := g.PostComment(context.Background(), &domain.VerdictComment{
				ChangeRequestID: "42",
				RepositoryName:  tt.repository,
				BeforeCommitID:  "abc123",
				AfterCommitID:   "def456",
				Content:         "verdict",
			})

			mu.Lock()
			posted := paths[before:]
			mu.Unlock()

			if tt.wantErr {
				e, ok := domain.AsError(err)
				if !ok || e.Type != domain.ErrorTypeInvalidRequest {
					t.Fatalf("PostComment error = %v, want invalid request", err)
				}
				if len(posted) != 0 {
					t.Errorf("comment posted to %v", posted)
				}
				return
			}
			if err != nil {
				t.Fatalf("PostComment: %v", err)
			}
			if len(posted) != 1 || posted[0] != "/repos/acme/site/issues/42/comments" {
				t.Errorf("posted to %v", posted)
			}
		})
	}
}

func TestGitHub_FetchSource(t *testing.T) {
	g := newRecordedGitHub(t, "")

	body, _, err := g.FetchSource(context.Background(), domain.ChangeReference{AfterCommit: "def456"})
	if err != nil {
		t.Fatalf("FetchSource: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "site-archive-bytes" {
		t.Errorf("body = %q", data)
	}
}

func TestNewGitHub_RequiresToken(t *testing.T) {
	_, err := NewGitHub(context.Background(), config.GitHubConfig{Owner: "acme", Repository: "site", Branch: "main"}, Options{})
	if !domain.IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestGitHub_ParseWebhook(t *testing.T) {
	secret := []byte("s3cret")
	g := newRecordedGitHub(t, string(secret))

	push := `{"ref":"refs/heads/main","before":"abc123","after":"def456","repository":{"full_name":"acme/site"}}`
	otherBranch := `{"ref":"refs/heads/feature","before":"abc123","after":"def456","repository":{"full_name":"acme/site"}}`
	opened := `{"action":"opened","number":42,"pull_request":{"number":42,"head":{"ref":"feature","sha":"abc123"},"base":{"ref":"main","sha":"def456"}},"repository":{"full_name":"acme/site"}}`
	closed := `{"action":"closed","number":42,"pull_request":{"number":42},"repository":{"full_name":"acme/site"}}`

	tests := []struct {
		name      string
		event     string
		body      string
		signature string
		wantErr   bool
		wantNil   bool
		wantKind  domain.SignalKind
		wantPR    string
	}{
		{name: "push to tracked branch", event: "push", body: push, wantKind: domain.SignalBranchUpdated},
		{name: "push to other branch", event: "push", body: otherBranch, wantNil: true},
		{name: "pull request opened", event: "pull_request", body: opened, wantKind: domain.SignalChangeRequestCreated, wantPR: "42"},
		{name: "pull request closed", event: "pull_request", body: closed, wantNil: true},
		{name: "ping ignored", event: "ping", body: `{"zen":"hi"}`, wantNil: true},
		{name: "bad signature", event: "push", body: push, signature: "sha256=00", wantErr: true},
		{name: "missing event header", event: "", body: push, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.event != "" {
				header.Set("X-GitHub-Event", tt.event)
			}
			sig := tt.signature
			if sig == "" {
				sig = Sign(secret, []byte(tt.body))
			}
			header.Set("X-Hub-Signature-256", sig)

			signal, err := g.ParseWebhook(header, []byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if tt.wantNil {
				if signal != nil {
					t.Fatalf("expected no signal, got %+v", signal)
				}
				return
			}
			if signal == nil {
				t.Fatal("expected signal")
			}
			if signal.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", signal.Kind, tt.wantKind)
			}
			if signal.Change.ChangeRequestID != tt.wantPR {
				t.Errorf("change request = %q, want %q", signal.Change.ChangeRequestID, tt.wantPR)
			}
			if tt.wantPR != "" && (signal.Change.BeforeCommit != "abc123" || signal.Change.AfterCommit != "def456") {
				t.Errorf("commit range = %s", signal.Change.Range())
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("key")
	body := []byte(`{"a":1}`)

	if err := VerifySignature(secret, body, Sign(secret, body)); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(secret, body, "sha1=abc"); err == nil {
		t.Error("wrong prefix accepted")
	}
	if err := VerifySignature(secret, body, Sign([]byte("other"), body)); err == nil {
		t.Error("signature from another secret accepted")
	}
	if !strings.HasPrefix(Sign(secret, body), "sha256=") {
		t.Error("Sign should produce a sha256= prefixed value")
	}
}
