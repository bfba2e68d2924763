package explorer

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = s.nextID
	s.nextID++
	e.Payload = clonePayload(e.Payload)
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Entry{}
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !matches(e, f) {
			continue
		}
		e.Payload = clonePayload(e.Payload)
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func matches(e Entry, f Filter) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.FacilitatorID != "" && e.FacilitatorID != f.FacilitatorID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.TxHash != "" && !strings.EqualFold(e.TxHash, f.TxHash) {
		return false
	}
	return true
}

func clonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
