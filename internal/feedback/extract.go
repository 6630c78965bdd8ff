package feedback

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

// ErrMalformedEvent marks a completion event that cannot be tied back to a
// change request.
var ErrMalformedEvent = errors.New("malformed build completion event")

// Facts are the change-request coordinates carried in a validation build's
// environment.
type Facts struct {
	ChangeRequestID string
	RepositoryName  string
	BeforeCommit    string
	AfterCommit     string
}

// Extract reads Facts from the build environment. It fails closed: if any
// value is absent the whole event is rejected.
func Extract(ev *domain.BuildCompletionEvent) (Facts, error) {
	if ev == nil {
		return Facts{}, fmt.Errorf("%w: no build detail", ErrMalformedEvent)
	}

	env := ev.EnvironmentVariables
	f := Facts{
		ChangeRequestID: env[domain.EnvPullRequestID],
		RepositoryName:  env[domain.EnvRepositoryName],
		BeforeCommit:    env[domain.EnvSourceCommit],
		AfterCommit:     env[domain.EnvDestinationCommit],
	}

	var missing []string
	for _, kv := range []struct{ key, val string }{
		{domain.EnvPullRequestID, f.ChangeRequestID},
		{domain.EnvRepositoryName, f.RepositoryName},
		{domain.EnvSourceCommit, f.BeforeCommit},
		{domain.EnvDestinationCommit, f.AfterCommit},
	} {
		if kv.val == "" {
			missing = append(missing, kv.key)
		}
	}
	if len(missing) > 0 {
		return Facts{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, strings.Join(missing, ", "))
	}
	return f, nil
}
