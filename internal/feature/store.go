package feature

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists the Features of one project.
type Store interface {
	// Create validates and stores a new Feature. Titles are unique per
	// project; a duplicate returns ErrDuplicateTitle.
	Create(ctx context.Context, f *Feature) error

	// Get returns a copy of the Feature with the given id.
	Get(ctx context.Context, id string) (*Feature, error)

	// List returns copies of all Features, ordered by Priority descending
	// then CreatedAt ascending.
	List(ctx context.Context) ([]*Feature, error)

	// Update applies fn to the stored Feature under the store lock and
	// persists the result. fn receives the live record; returning an error
	// discards the mutation.
	Update(ctx context.Context, id string, fn func(*Feature) error) (*Feature, error)

	// Transition validates from the current status and applies the change.
	Transition(ctx context.Context, id string, to Status) (*Feature, error)

	// Delete removes the Feature and prunes it from every dependency list.
	Delete(ctx context.Context, id string) error
}

// memoryStore is the in-memory Store used by tests and as the cache layer
// behind FileStore.
type memoryStore struct {
	mu       sync.RWMutex
	features map[string]*Feature
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{features: make(map[string]*Feature)}
}

func (s *memoryStore) Create(_ context.Context, f *Feature) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(f)
}

func (s *memoryStore) createLocked(f *Feature) error {
	if _, ok := s.features[f.ID]; ok {
		return fmt.Errorf("feature %s already exists", f.ID)
	}
	title := strings.ToLower(strings.TrimSpace(f.Title))
	for _, existing := range s.features {
		if strings.ToLower(existing.Title) == title {
			return fmt.Errorf("%w: %q", ErrDuplicateTitle, f.Title)
		}
	}
	for _, dep := range f.Dependencies {
		if _, ok := s.features[dep]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}
	s.features[f.ID] = f.Clone()
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.features[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f.Clone(), nil
}

func (s *memoryStore) List(_ context.Context) ([]*Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(), nil
}

func (s *memoryStore) listLocked() []*Feature {
	out := make([]*Feature, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *memoryStore) Update(_ context.Context, id string, fn func(*Feature) error) (*Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.features[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	work := f.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.ID = f.ID
	work.CreatedAt = f.CreatedAt
	if err := ValidateTransition(f.Status, work.Status); err != nil {
		return nil, err
	}
	if err := work.Validate(); err != nil {
		return nil, err
	}
	for _, dep := range work.Dependencies {
		if _, ok := s.features[dep]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}
	work.UpdatedAt = time.Now().UTC()
	s.features[id] = work
	return work.Clone(), nil
}

func (s *memoryStore) Transition(ctx context.Context, id string, to Status) (*Feature, error) {
	return s.Update(ctx, id, func(f *Feature) error {
		if err := ValidateTransition(f.Status, to); err != nil {
			return err
		}
		f.Status = to
		return nil
	})
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.features, id)
	// Prune dangling dependency references so remaining Features stay
	// admissible.
	for _, f := range s.features {
		if !f.DependsOn(id) {
			continue
		}
		deps := f.Dependencies[:0]
		for _, dep := range f.Dependencies {
			if dep != id {
				deps = append(deps, dep)
			}
		}
		f.Dependencies = deps
		f.UpdatedAt = time.Now().UTC()
	}
	return nil
}
