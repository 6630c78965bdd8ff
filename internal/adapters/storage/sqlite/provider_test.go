package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

func TestNewProvider(t *testing.T) {
	provider, err := NewProvider(":memory:")
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer provider.Close()

	if provider.Dialect().Name() != "sqlite" {
		t.Errorf("dialect = %s", provider.Dialect().Name())
	}
}

func TestNewProvider_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "sitepipe.db")

	provider, err := NewProvider(path)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer provider.Close()

	run := &domain.PipelineRun{RunID: "run-1", Pipeline: "p", Status: domain.RunRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := provider.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestProvider_Close(t *testing.T) {
	provider, err := NewProvider(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := provider.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
