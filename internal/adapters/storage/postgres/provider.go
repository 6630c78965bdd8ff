// Package postgres provides the PostgreSQL run store adapter, using the pgx
// database/sql driver.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/storage/sqldb"
)

// Config tunes the connection pool.
type Config struct {
	DSN             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool settings suitable for a single control plane.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.DSN == "" {
		return errors.New("storage.database.dsn is required for postgres")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be <= max open conns")
	}
	return nil
}

// Provider implements ports.RunStore on PostgreSQL.
type Provider struct {
	*sqldb.Store
}

// NewProvider connects, verifies the server answers, and prepares the schema.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := sqldb.New(sqldb.Config{Driver: "pgx", DSN: cfg.DSN})
	if err != nil {
		return nil, err
	}

	db := store.DB()
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Provider{Store: store}, nil
}

var _ ports.RunStore = (*Provider)(nil)
