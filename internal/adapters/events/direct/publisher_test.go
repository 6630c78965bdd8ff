package direct

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/sitepipe/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e *domain.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

func TestNewPublisher_NilStorage(t *testing.T) {
	_, err := NewPublisher(nil, nil, nil)
	if err == nil {
		t.Fatal("Expected error for nil storage")
	}
	if err.Error() != "run store required" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestPublish(t *testing.T) {
	// Use real SQLite in-memory for testing
	store, err := sqlite.NewProvider(":memory:")
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	run := &domain.PipelineRun{
		RunID:     "run-1",
		Pipeline:  "site-pipeline",
		Status:    domain.RunRunning,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	dispatcher := &recordingDispatcher{}
	publisher, err := NewPublisher(store, dispatcher, nil)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}

	event := &domain.Event{
		ID:         "evt-1",
		Source:     domain.SourcePipelineLifecycle,
		DetailType: domain.DetailPipelineExecution,
		Time:       time.Now().UTC(),
		Resources:  []string{"site-pipeline", "run-1"},
		Pipeline:   &domain.PipelineEventDetail{Pipeline: "site-pipeline", RunID: "run-1", State: "STARTED"},
	}
	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	events, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Pipeline.State != "STARTED" {
		t.Errorf("recorded events = %+v", events)
	}
	if len(dispatcher.events) != 1 || dispatcher.events[0].ID != "evt-1" {
		t.Errorf("dispatched events = %+v", dispatcher.events)
	}
}

func TestPublish_AfterClose(t *testing.T) {
	store, _ := sqlite.NewProvider(":memory:")
	defer store.Close()

	publisher, _ := NewPublisher(store, nil, nil)
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := publisher.Publish(context.Background(), &domain.Event{ID: "late"})
	if err == nil {
		t.Error("Expected error publishing after close")
	}
}
