// Package runtime assembles the control plane: configuration, stores, the
// source provider, the pipeline state machine, event routing and its
// targets, and the HTTP surface. It owns their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/sitepipe/internal/adapters/artifacts/memory"
	"github.com/tjfontaine/sitepipe/internal/adapters/artifacts/objectstore"
	"github.com/tjfontaine/sitepipe/internal/adapters/events/direct"
	"github.com/tjfontaine/sitepipe/internal/adapters/storage/postgres"
	"github.com/tjfontaine/sitepipe/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/sitepipe/internal/api/controlplane"
	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/eventrouter"
	"github.com/tjfontaine/sitepipe/internal/feedback"
	"github.com/tjfontaine/sitepipe/internal/notify"
	"github.com/tjfontaine/sitepipe/internal/pipeline"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
	"github.com/tjfontaine/sitepipe/internal/server"
	"github.com/tjfontaine/sitepipe/internal/source"
	memstore "github.com/tjfontaine/sitepipe/internal/storage/memory"
)

// Controller is the main entry point for running the control plane. It can
// be embedded in a larger application or run standalone.
type Controller struct {
	// Dependencies (injected via options, otherwise built from config)
	config     ports.ConfigProvider
	store      ports.RunStore
	artifacts  ports.ArtifactStore
	source     source.Provider
	runner     ports.BuildRunner
	transport  ports.NotificationTransport
	httpClient *http.Client
	logger     *slog.Logger

	// Assembled at Start
	cfg       *config.Config
	router    *eventrouter.Router
	channel   *notify.Channel
	feedback  *feedback.Service
	publisher *direct.Publisher
	machine   *pipeline.Machine
	signals   *pipeline.SignalHandler
	api       *controlplane.Server
	server    *server.Server

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	started bool
}

// New creates a Controller with the given options. A config provider is
// required; everything else defaults from the loaded configuration.
func New(opts ...Option) (*Controller, error) {
	c := &Controller{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if c.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	return c, nil
}

// Start loads configuration and assembles every component. It does not
// listen; use Run or mount Handler.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("controller already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	cfg, err := c.config.Load(c.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg

	if err := c.initStorage(cfg); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := c.initSource(cfg); err != nil {
		return fmt.Errorf("init source: %w", err)
	}
	if err := c.initRouting(cfg); err != nil {
		return fmt.Errorf("init routing: %w", err)
	}
	if err := c.initPipeline(cfg); err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	c.initHTTP(cfg)

	go c.watchConfig()

	c.started = true
	c.logger.Info("control plane started",
		slog.String("pipeline", cfg.Pipeline.Name),
		slog.String("provider", string(c.source.Kind())),
		slog.String("storage", cfg.Storage.Type),
		slog.Int("rules", len(cfg.Rules)))
	return nil
}

// Run starts the controller, serves HTTP until ctx is canceled, then shuts
// down.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	serveErr := c.server.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(serveErr, c.Shutdown(shutdownCtx))
}

// Handler returns the API with the standard middleware stack.
func (c *Controller) Handler() http.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.server == nil {
		return nil
	}
	return c.server.Router
}

// Pipeline returns the state machine.
func (c *Controller) Pipeline() *pipeline.Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machine
}

// Router returns the event router.
func (c *Controller) Router() *eventrouter.Router {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.router
}

// Shutdown stops accepting work and drains in-flight runs and deliveries
// until ctx expires.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("shutting down control plane")

	if c.cancel != nil {
		c.cancel()
	}

	var errs []error
	if c.machine != nil {
		if err := c.machine.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for runs: %w", err))
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close events: %w", err))
		}
	}
	if c.router != nil {
		if err := c.router.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for deliveries: %w", err))
		}
	}
	if c.channel != nil {
		if err := c.channel.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for notifications: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if c.config != nil {
		if err := c.config.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close config: %w", err))
		}
	}

	for _, err := range errs {
		c.logger.Error("shutdown step failed", slog.String("error", err.Error()))
	}
	c.logger.Info("control plane shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (c *Controller) watchConfig() {
	onChange := func(newCfg *config.Config) {
		c.logger.Info("config changed, reloading")
		if err := c.reload(newCfg); err != nil {
			c.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := c.config.Watch(c.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
	}
}

// reload applies the hot-reloadable parts of a new configuration: the
// routing rule table and the subscriber list. Everything else needs a
// restart.
func (c *Controller) reload(cfg *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rules, err := eventrouter.RulesFromConfig(cfg.Rules)
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if err := c.router.SetRules(rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	c.channel.SetSubscribers(cfg.Notifications.Subscribers)

	if cfg.Pipeline != c.cfg.Pipeline || cfg.Source.Provider != c.cfg.Source.Provider || cfg.Storage.Type != c.cfg.Storage.Type {
		c.logger.Warn("pipeline, source or storage settings changed; restart to apply")
	}

	c.logger.Info("reload complete",
		slog.Int("rules", len(rules)),
		slog.Int("subscribers", len(cfg.Notifications.Subscribers)))
	return nil
}

func (c *Controller) initStorage(cfg *config.Config) error {
	if c.store == nil {
		switch cfg.Storage.Type {
		case "", "sqlite":
			store, err := sqlite.NewProvider(cfg.Storage.SQLite.Path)
			if err != nil {
				return fmt.Errorf("sqlite: %w", err)
			}
			c.store = store
		case "postgres":
			store, err := postgres.NewProvider(c.ctx, postgres.DefaultConfig(cfg.Storage.Database.DSN))
			if err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			c.store = store
		case "memory":
			c.store = memstore.New()
		default:
			return domain.NewConfigError("unknown storage.type %q (must be sqlite, postgres or memory)", cfg.Storage.Type)
		}
	}

	if c.artifacts == nil {
		switch cfg.Artifacts.Type {
		case "", "memory":
			c.artifacts = memory.New()
		case "minio":
			store, err := objectstore.New(c.ctx, cfg.Artifacts.Minio)
			if err != nil {
				return fmt.Errorf("minio: %w", err)
			}
			c.artifacts = store
		default:
			return domain.NewConfigError("unknown artifacts.type %q (must be minio or memory)", cfg.Artifacts.Type)
		}
	}
	return nil
}

func (c *Controller) initSource(cfg *config.Config) error {
	if c.source != nil {
		return nil
	}
	p, err := source.New(cfg.Source, source.Options{HTTPClient: c.httpClient, Logger: c.logger})
	if err != nil {
		return err
	}
	c.source = p
	return nil
}

// initRouting registers the notification channel and the feedback service
// as routing targets and loads the rule table.
func (c *Controller) initRouting(cfg *config.Config) error {
	if c.transport == nil {
		t, err := notify.NewTransportFromConfig(cfg.Notifications, c.logger)
		if err != nil {
			return err
		}
		c.transport = t
	}

	chOpts := []notify.Option{notify.WithLogger(c.logger)}
	if cfg.Notifications.Timeout != "" {
		d, err := time.ParseDuration(cfg.Notifications.Timeout)
		if err != nil {
			return domain.NewConfigError("invalid notifications.timeout %q: %v", cfg.Notifications.Timeout, err)
		}
		chOpts = append(chOpts, notify.WithSendTimeout(d))
	}
	c.channel = notify.NewChannel(c.transport, cfg.Notifications.Subscribers, chOpts...)
	c.feedback = feedback.NewService(c.source, c.channel, c.logger)

	c.router = eventrouter.New(eventrouter.WithLogger(c.logger))
	c.router.Register(c.channel)
	c.router.Register(c.feedback)

	rules, err := eventrouter.RulesFromConfig(cfg.Rules)
	if err != nil {
		return err
	}
	return c.router.SetRules(rules)
}

func (c *Controller) initPipeline(cfg *config.Config) error {
	publisher, err := direct.NewPublisher(c.store, c.router, c.logger)
	if err != nil {
		return fmt.Errorf("create event publisher: %w", err)
	}
	c.publisher = publisher

	if c.runner == nil {
		runner, err := pipeline.NewBuildRunnerFromConfig(cfg.Build, c.artifacts, c.logger)
		if err != nil {
			return err
		}
		c.runner = runner
	}

	machine, err := pipeline.NewMachineFromConfig(cfg, pipeline.Deps{
		Source:    c.source,
		Runner:    c.runner,
		Artifacts: c.artifacts,
		Store:     c.store,
		Events:    c.publisher,
		Logger:    c.logger,
	})
	if err != nil {
		return err
	}
	c.machine = machine
	c.signals = pipeline.NewSignalHandler(machine, c.runner, cfg.Build.ValidationProject, c.logger)
	return nil
}

func (c *Controller) initHTTP(cfg *config.Config) {
	c.api = controlplane.NewServer(controlplane.Deps{
		Pipeline: c.machine,
		Source:   c.source,
		Signals:  c.signals,
		Events:   c.router,
		Router:   c.router,
		Logger:   c.logger,
	})

	c.server = server.New(cfg.Server.Port, c.logger)
	c.server.Router.Mount("/", c.api)
}
