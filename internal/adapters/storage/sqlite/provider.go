// Package sqlite provides the SQLite run store adapter.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/storage/sqldb"
)

// Provider implements ports.RunStore using SQLite. It wraps the shared sqldb
// implementation.
type Provider struct {
	*sqldb.Store
}

// NewProvider opens (creating if needed) the database at path. The parent
// directory is created for file paths.
func NewProvider(path string) (*Provider, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	store, err := sqldb.NewSQLite(path)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Store: store,
	}, nil
}

var _ ports.RunStore = (*Provider)(nil)
