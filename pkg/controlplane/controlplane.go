// Package controlplane provides the public API for embedding the static-site
// delivery control plane. This is the stable API for external consumers.
package controlplane

import (
	"github.com/tjfontaine/sitepipe/internal/runtime"
)

// Controller runs the pipeline, its event routing, and the HTTP API.
// See internal/runtime.Controller for full documentation.
type Controller = runtime.Controller

// Option is a functional option for configuring a Controller.
type Option = runtime.Option

// New creates a new Controller with the given options.
// Example:
//
//	c, err := controlplane.New(
//	    controlplane.WithFileConfig("config.yaml"),
//	    controlplane.WithSQLite("./data/sitepipe.db"),
//	)
//	if err != nil { ... }
//	err = c.Run(ctx)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite        = runtime.WithSQLite
	WithPostgres      = runtime.WithPostgres
	WithMemoryStorage = runtime.WithMemoryStorage
	WithRunStore      = runtime.WithRunStore
	WithArtifactStore = runtime.WithArtifactStore

	// Collaborators
	WithSourceProvider        = runtime.WithSourceProvider
	WithBuildRunner           = runtime.WithBuildRunner
	WithNotificationTransport = runtime.WithNotificationTransport
	WithHTTPClient            = runtime.WithHTTPClient

	WithLogger = runtime.WithLogger
)
