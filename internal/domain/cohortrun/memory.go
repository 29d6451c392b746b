package cohortrun

import (
	"context"
	"fmt"
	"sync"

	"github.com/drfirst/go-medindex/internal/domain/medstate"
)

// MemoryStore keeps runs in process. The CLI and tests use it in place of Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	events  map[string][]*Event
	cohorts map[string]*medstate.Cohort
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[string][]*Event),
		cohorts: make(map[string]*medstate.Cohort),
	}
}

// Save appends the run's uncommitted events.
func (s *MemoryStore) Save(_ context.Context, agg *Aggregate, cohort *medstate.Cohort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := agg.Changes()
	for i, event := range changes {
		event.Version = agg.Version() - len(changes) + i + 1
		s.events[agg.ID()] = append(s.events[agg.ID()], event)
	}
	if cohort != nil && agg.Status() == StatusCompleted {
		s.cohorts[agg.ID()] = cohort
	}
	agg.ClearChanges()
	return nil
}

// Load rebuilds a run from its events.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, _ := s.GetEvents(ctx, id)
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

// GetEvents returns a copy of the run's events.
func (s *MemoryStore) GetEvents(_ context.Context, id string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Event(nil), s.events[id]...), nil
}

// Cohort returns the cohort stored for a completed run.
func (s *MemoryStore) Cohort(id string) (*medstate.Cohort, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cohorts[id]
	return c, ok
}
