// Package memory is an in-process run store for tests and ephemeral
// deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
)

// Store is an in-memory implementation of ports.RunStore. It stores clones so
// callers can never mutate stored runs.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*domain.PipelineRun
	events map[string][]*domain.Event
}

var _ ports.RunStore = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		runs:   make(map[string]*domain.PipelineRun),
		events: make(map[string][]*domain.Event),
	}
}

func (s *Store) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.RunID] = run.Clone()
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return run.Clone(), nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.RunListOptions) ([]*domain.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.PipelineRun, 0, len(s.runs))
	for _, run := range s.runs {
		if opts.Pipeline != "" && run.Pipeline != opts.Pipeline {
			continue
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		result = append(result, run.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].RunID > result[j].RunID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	start := opts.Offset
	if start >= len(result) {
		return []*domain.PipelineRun{}, nil
	}

	end := start + opts.Limit
	if opts.Limit <= 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	if event.Pipeline == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events[event.Pipeline.RunID] = append(s.events[event.Pipeline.RunID], &cp)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*domain.Event(nil), s.events[runID]...), nil
}

func (s *Store) Close() error {
	return nil
}
