package registry

import (
	"context"
	"strings"
	"sync"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

// MemoryStore keeps facilitators in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Facilitator
	order  []string
	owners map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]Facilitator),
		owners: make(map[string]string),
	}
}

func (s *MemoryStore) Insert(_ context.Context, f Facilitator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := strings.ToLower(f.OwnerAddress)
	if _, exists := s.owners[owner]; exists {
		return x402.NewPreconditionFailed("owner_exists", "owner already has a facilitator")
	}
	if _, exists := s.byID[f.ID]; exists {
		return x402.NewPreconditionFailed("id_exists", "facilitator id already exists")
	}
	s.byID[f.ID] = f
	s.order = append(s.order, f.ID)
	s.owners[owner] = f.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Facilitator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.byID[id]
	if !ok {
		return nil, NotFound(id)
	}
	return &f, nil
}

func (s *MemoryStore) GetByOwner(_ context.Context, owner string) (*Facilitator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.owners[strings.ToLower(owner)]
	if !ok {
		return nil, nil
	}
	f := s.byID[id]
	return &f, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Facilitator, error) {
	return s.filter(func(Facilitator) bool { return true }), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Facilitator, error) {
	return s.filter(func(f Facilitator) bool { return f.Status == status }), nil
}

func (s *MemoryStore) Search(_ context.Context, name string) ([]Facilitator, error) {
	needle := strings.ToLower(name)
	return s.filter(func(f Facilitator) bool {
		return strings.Contains(strings.ToLower(f.Name), needle)
	}), nil
}

func (s *MemoryStore) Update(_ context.Context, f Facilitator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[f.ID]; !ok {
		return NotFound(f.ID)
	}
	s.byID[f.ID] = f
	return nil
}

func (s *MemoryStore) filter(keep func(Facilitator) bool) []Facilitator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Facilitator{}
	for _, id := range s.order {
		if f := s.byID[id]; keep(f) {
			out = append(out, f)
		}
	}
	return out
}
