package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/sitepipe/internal/adapters/config/file"
	"github.com/tjfontaine/sitepipe/internal/adapters/storage/postgres"
	"github.com/tjfontaine/sitepipe/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/source"
	memstore "github.com/tjfontaine/sitepipe/internal/storage/memory"
)

// Option is a functional option for configuring a Controller.
type Option func(*Controller) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(c *Controller) error {
		provider, err := file.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		c.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(c *Controller) error {
		c.config = provider
		return nil
	}
}

// WithSQLite uses SQLite storage regardless of storage.type.
func WithSQLite(path string) Option {
	return func(c *Controller) error {
		store, err := sqlite.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		c.store = store
		return nil
	}
}

// WithPostgres uses PostgreSQL storage regardless of storage.type.
func WithPostgres(dsn string) Option {
	return func(c *Controller) error {
		store, err := postgres.NewProvider(context.Background(), postgres.DefaultConfig(dsn))
		if err != nil {
			return fmt.Errorf("create postgres storage: %w", err)
		}
		c.store = store
		return nil
	}
}

// WithMemoryStorage keeps runs in process memory. Nothing survives a
// restart.
func WithMemoryStorage() Option {
	return func(c *Controller) error {
		c.store = memstore.New()
		return nil
	}
}

// WithRunStore sets a custom run store.
func WithRunStore(store ports.RunStore) Option {
	return func(c *Controller) error {
		c.store = store
		return nil
	}
}

// WithArtifactStore sets a custom artifact store.
func WithArtifactStore(store ports.ArtifactStore) Option {
	return func(c *Controller) error {
		c.artifacts = store
		return nil
	}
}

// WithSourceProvider sets the source provider instead of building one from
// the source section.
func WithSourceProvider(p source.Provider) Option {
	return func(c *Controller) error {
		c.source = p
		return nil
	}
}

// WithBuildRunner sets the build runner instead of building one from the
// build section.
func WithBuildRunner(r ports.BuildRunner) Option {
	return func(c *Controller) error {
		c.runner = r
		return nil
	}
}

// WithNotificationTransport sets the notification transport.
func WithNotificationTransport(t ports.NotificationTransport) Option {
	return func(c *Controller) error {
		c.transport = t
		return nil
	}
}

// WithHTTPClient sets the client used by the source provider.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) error {
		c.httpClient = client
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) error {
		c.logger = logger
		return nil
	}
}
