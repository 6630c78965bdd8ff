// Package source normalizes source-control activity into change references.
//
// The two supported backends differ only in how they are reached: a managed
// CodeCommit-like repository addressed by name, and a hosted GitHub-like
// repository addressed by owner/repo with a token. Everything downstream sees
// the same Provider capability, chosen once by New.
package source

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
)

// Provider is the source capability the rest of the system depends on.
type Provider interface {
	ports.ChangeRequestSink

	// Kind returns the backing provider kind.
	Kind() domain.ProviderKind

	// Identity returns the Source stage action identity for this provider.
	Identity() domain.SourceIdentity

	// Resolve verifies the change's branch exists on the tracked repository
	// and fills AfterCommit from the branch head when empty. Any failure is
	// a configuration error.
	Resolve(ctx context.Context, change domain.ChangeReference) (domain.ChangeReference, error)

	// ParseWebhook translates a webhook delivery into a signal. It returns
	// nil for deliveries that do not concern the pipeline (other branches,
	// unhandled event types).
	ParseWebhook(header http.Header, body []byte) (*domain.SourceSignal, error)

	// FetchSource returns the source archive for the change. size is -1 when
	// unknown.
	FetchSource(ctx context.Context, change domain.ChangeReference) (body io.ReadCloser, size int64, err error)
}

// Options carries optional collaborators for provider construction.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New selects and constructs the configured provider. Missing parameters are
// configuration errors.
func New(cfg config.SourceConfig, opts Options) (Provider, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var (
		p   Provider
		err error
	)
	switch domain.ProviderKind(cfg.Provider) {
	case domain.ProviderCodeCommit:
		p, err = NewCodeCommit(cfg.CodeCommit, opts)
	case domain.ProviderGitHub:
		p, err = NewGitHub(context.Background(), cfg.GitHub, opts)
	default:
		return nil, domain.NewConfigError("unknown source provider %q (must be codecommit or github)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	opts.Logger.Info("source provider selected",
		slog.String("kind", string(p.Kind())),
		slog.String("repository", p.Identity().Repository))
	return p, nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// trimRef strips the refs/heads/ prefix from a git reference.
func trimRef(ref string) string {
	const prefix = "refs/heads/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ref
}
