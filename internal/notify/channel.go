// Package notify delivers single-line pipeline status messages to a list of
// subscribers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
)

// AnnouncedStates are the execution states that reach subscribers.
var AnnouncedStates = []domain.ExecutionState{
	domain.ExecutionFailed,
	domain.ExecutionStarted,
	domain.ExecutionSucceeded,
	domain.ExecutionResumed,
	domain.ExecutionCanceled,
	domain.ExecutionSuperseded,
}

// Format renders a pipeline execution event as one line. The account clause
// is left out when no account is configured.
func Format(e *domain.Event) string {
	at := e.Time.UTC().Format(time.RFC3339)
	if e.Account == "" {
		return fmt.Sprintf("The pipeline %s has %s at %s.", e.Pipeline.Pipeline, e.Pipeline.State, at)
	}
	return fmt.Sprintf("The pipeline %s from account %s has %s at %s.",
		e.Pipeline.Pipeline, e.Account, e.Pipeline.State, at)
}

// Channel fans messages out to subscribers. Sends are fire-and-forget: each
// subscriber gets its own goroutine and a failed send is only logged.
type Channel struct {
	transport ports.NotificationTransport
	logger    *slog.Logger
	timeout   time.Duration
	announced map[string]bool

	mu          sync.RWMutex
	subscribers []string

	wg sync.WaitGroup
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithSendTimeout bounds each send.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

// NewChannel creates a channel over transport.
func NewChannel(transport ports.NotificationTransport, subscribers []string, opts ...Option) *Channel {
	c := &Channel{
		transport:   transport,
		logger:      slog.Default(),
		timeout:     10 * time.Second,
		announced:   make(map[string]bool, len(AnnouncedStates)),
		subscribers: append([]string(nil), subscribers...),
	}
	for _, s := range AnnouncedStates {
		c.announced[string(s)] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies the channel as a routing target.
func (c *Channel) Name() string { return config.TargetNotifications }

// SetSubscribers replaces the subscriber list.
func (c *Channel) SetSubscribers(subscribers []string) {
	c.mu.Lock()
	c.subscribers = append([]string(nil), subscribers...)
	c.mu.Unlock()
	c.logger.Info("notification subscribers updated", slog.Int("subscribers", len(subscribers)))
}

// Subscribers returns a copy of the subscriber list.
func (c *Channel) Subscribers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.subscribers...)
}

// Deliver announces a pipeline execution event. Other events are ignored.
func (c *Channel) Deliver(ctx context.Context, e *domain.Event) error {
	if e.Source != domain.SourcePipelineLifecycle || e.DetailType != domain.DetailPipelineExecution || e.Pipeline == nil {
		return nil
	}
	if !c.announced[e.Pipeline.State] {
		return nil
	}

	c.Broadcast(ctx, Format(e))
	return nil
}

// Report sends an operator-facing line to every subscriber.
func (c *Channel) Report(ctx context.Context, text string) {
	c.Broadcast(ctx, text)
}

// Broadcast sends text to every subscriber without waiting.
func (c *Channel) Broadcast(ctx context.Context, text string) {
	base := context.WithoutCancel(ctx)
	for _, addr := range c.Subscribers() {
		c.wg.Add(1)
		go c.send(base, addr, text)
	}
}

func (c *Channel) send(ctx context.Context, addr, text string) {
	defer c.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("notification transport panicked",
				slog.String("subscriber", addr),
				slog.String("panic", fmt.Sprint(rec)))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.transport.Send(ctx, addr, text); err != nil {
		c.logger.Warn("notification not delivered",
			slog.String("subscriber", addr),
			slog.String("error", err.Error()))
	}
}

// Wait blocks until in-flight sends finish or ctx is done.
func (c *Channel) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
