// Package eventrouter fans lifecycle events out to targets according to a
// declarative rule table.
//
// Every rule is evaluated for every event. A target receives an event at
// most once per dispatch no matter how many of its rules match, and each
// delivery runs on its own goroutine, so a slow, failing or panicking target
// never holds up another. The router keeps no per-event state.
package eventrouter

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
)

var tracer = otel.Tracer("github.com/tjfontaine/sitepipe/internal/eventrouter")

// DefaultDeliveryTimeout bounds a single target delivery.
const DefaultDeliveryTimeout = 30 * time.Second

// Target consumes routed events.
type Target interface {
	Name() string
	Deliver(ctx context.Context, event *domain.Event) error
}

// TargetFunc adapts a function to a Target.
type TargetFunc struct {
	TargetName string
	Fn         func(ctx context.Context, event *domain.Event) error
}

func (t TargetFunc) Name() string { return t.TargetName }

func (t TargetFunc) Deliver(ctx context.Context, event *domain.Event) error {
	return t.Fn(ctx, event)
}

// Stats counts deliveries since start.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Panicked   uint64 `json:"panicked"`
	Unmatched  uint64 `json:"unmatched"`
}

// Router implements ports.EventDispatcher.
type Router struct {
	mu      sync.RWMutex
	rules   []Rule
	targets map[string]Target

	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup

	dispatched atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	panicked   atomic.Uint64
	unmatched  atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithDeliveryTimeout bounds each target delivery.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// New creates a router with no rules.
func New(opts ...Option) *Router {
	r := &Router{
		targets: make(map[string]Target),
		timeout: DefaultDeliveryTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a target. Registering a name twice replaces the target.
func (r *Router) Register(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[t.Name()] = t
}

// SetRules swaps the rule table. Every referenced target must be registered;
// on error the old table stays in place.
func (r *Router) SetRules(rules []Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rule := range rules {
		for _, name := range rule.Targets {
			if _, ok := r.targets[name]; !ok {
				return domain.NewConfigError("rule %s: unknown target %q", rule.Name, name)
			}
		}
	}

	r.rules = append([]Rule(nil), rules...)
	r.logger.Info("routing rules loaded", slog.Int("rules", len(rules)))
	return nil
}

// Rules returns a copy of the current rule table.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// Match returns the targets event should be delivered to, each once, in
// rule order.
func (r *Router) Match(event *domain.Event) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchLocked(event)
}

func (r *Router) matchLocked(event *domain.Event) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rule := range r.rules {
		if !rule.Pattern.Matches(event) {
			continue
		}
		for _, name := range rule.Targets {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// Dispatch delivers event to every matching target and returns without
// waiting. Deliveries outlive the caller's context cancellation but keep its
// values.
func (r *Router) Dispatch(ctx context.Context, event *domain.Event) {
	r.dispatched.Add(1)

	r.mu.RLock()
	names := r.matchLocked(event)
	targets := make([]Target, 0, len(names))
	for _, name := range names {
		targets = append(targets, r.targets[name])
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.unmatched.Add(1)
		r.logger.Debug("event matched no rule",
			slog.String("event_id", event.ID),
			slog.String("source", string(event.Source)),
			slog.String("status", event.Status()))
		return
	}

	base := context.WithoutCancel(ctx)
	for _, t := range targets {
		r.wg.Add(1)
		go r.deliver(base, t, event)
	}
}

func (r *Router) deliver(ctx context.Context, t Target, event *domain.Event) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "eventrouter.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("target", t.Name()),
		attribute.String("event.id", event.ID),
		attribute.String("event.source", string(event.Source)),
		attribute.String("event.status", event.Status()))

	defer func() {
		if rec := recover(); rec != nil {
			r.panicked.Add(1)
			span.SetStatus(codes.Error, "panic")
			r.logger.Error("event target panicked",
				slog.String("target", t.Name()),
				slog.String("event_id", event.ID),
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := t.Deliver(ctx, event); err != nil {
		r.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("event delivery failed",
			slog.String("target", t.Name()),
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()))
		return
	}
	r.delivered.Add(1)
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns delivery counters.
func (r *Router) Stats() Stats {
	return Stats{
		Dispatched: r.dispatched.Load(),
		Delivered:  r.delivered.Load(),
		Failed:     r.failed.Load(),
		Panicked:   r.panicked.Load(),
		Unmatched:  r.unmatched.Load(),
	}
}

var _ ports.EventDispatcher = (*Router)(nil)
