// Package direct provides an in-process event publisher: every event is
// appended to the run store's event log and handed to the dispatcher.
package direct

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
)

// Publisher implements ports.EventPublisher for single-instance deployments.
// Publish persists synchronously and dispatches asynchronously, so the
// state machine never waits on a consumer.
type Publisher struct {
	store      ports.RunStore
	dispatcher ports.EventDispatcher
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPublisher creates a new direct event publisher. dispatcher may be nil,
// in which case events are only recorded.
func NewPublisher(store ports.RunStore, dispatcher ports.EventDispatcher, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("run store required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Publish records the event and schedules its dispatch. A failed append is
// logged and does not stop the dispatch.
func (p *Publisher) Publish(ctx context.Context, event *domain.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("publisher closed")
	}

	if err := p.store.AppendEvent(ctx, event); err != nil {
		p.logger.Error("failed to record event",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()))
	}

	if p.dispatcher == nil {
		return nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatcher.Dispatch(context.WithoutCancel(ctx), event)
	}()
	return nil
}

// Close stops accepting events and waits for pending dispatches to be
// handed off.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

var _ ports.EventPublisher = (*Publisher)(nil)
