package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultConfig("postgres://localhost/sitepipe")},
		{name: "missing dsn", cfg: DefaultConfig(""), wantErr: true},
		{name: "idle above open", cfg: Config{DSN: "x", PingTimeout: time.Second, MaxOpenConns: 1, MaxIdleConns: 2}, wantErr: true},
		{name: "zero ping timeout", cfg: Config{DSN: "x", MaxOpenConns: 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestProvider_RoundTrip runs against a live server when
// SITEPIPE_TEST_POSTGRES_DSN is set.
func TestProvider_RoundTrip(t *testing.T) {
	dsn := os.Getenv("SITEPIPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SITEPIPE_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	p, err := NewProvider(ctx, DefaultConfig(dsn))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Close()

	runID := "pg-" + time.Now().Format("150405.000000")
	run := &domain.PipelineRun{
		RunID:     runID,
		Pipeline:  "site-pipeline",
		Status:    domain.RunRunning,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		StageHistory: []domain.StageRecord{
			{Stage: domain.StageSource, Status: domain.StageRunning, Timestamp: time.Now().UTC()},
		},
	}
	if err := p.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := p.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(got.StageHistory) != 1 {
		t.Errorf("history = %d, want 1", len(got.StageHistory))
	}
}
