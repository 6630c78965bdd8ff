package ports

import (
	"context"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based with hot reload (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// EventPublisher is the only side channel between the pipeline state machine
// and the rest of the system. The machine publishes a lifecycle event on every
// transition and never waits for consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.Event) error
	Close() error
}

// EventDispatcher fans one event out to its matching targets.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *domain.Event)
}

// ChangeRequestSink accepts verdict comments for a change request. The
// comment is keyed by pull request, repository, and commit range.
type ChangeRequestSink interface {
	PostComment(ctx context.Context, comment *domain.VerdictComment) error
}

// NotificationTransport delivers one message to one subscriber address.
// Delivery confirmation is not observed beyond the returned error.
type NotificationTransport interface {
	Send(ctx context.Context, address, text string) error
}
