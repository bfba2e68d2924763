package settlement

import (
	"context"
	"sync"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

// MemoryNonceStore keeps nonce states in process memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	states map[NonceKey]NonceState
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{states: make(map[NonceKey]NonceState)}
}

func (s *MemoryNonceStore) Reserve(_ context.Context, k NonceKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.states[k]; exists {
		return false, nil
	}
	s.states[k] = NonceReserved
	return true, nil
}

func (s *MemoryNonceStore) Consume(_ context.Context, k NonceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[k] = NonceConsumed
	return nil
}

func (s *MemoryNonceStore) Release(_ context.Context, k NonceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[k] == NonceReserved {
		delete(s.states, k)
	}
	return nil
}

func (s *MemoryNonceStore) State(_ context.Context, k NonceKey) (NonceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[k], nil
}

// MemoryRecordStore keeps settlement records in process memory.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]x402.SettlementRecord
	order   []string
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]x402.SettlementRecord)}
}

func (s *MemoryRecordStore) Insert(_ context.Context, rec x402.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeHash(rec.TxHash)
	if _, exists := s.records[key]; exists {
		return x402.NewPreconditionFailed("record_exists", "settlement "+rec.TxHash+" already recorded")
	}
	s.records[key] = rec
	s.order = append(s.order, key)
	return nil
}

func (s *MemoryRecordStore) Update(_ context.Context, rec x402.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeHash(rec.TxHash)
	if _, exists := s.records[key]; !exists {
		return RecordNotFound(rec.TxHash)
	}
	s.records[key] = rec
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, txHash string) (*x402.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[normalizeHash(txHash)]
	if !ok {
		return nil, RecordNotFound(txHash)
	}
	return &rec, nil
}

func (s *MemoryRecordStore) ListPending(_ context.Context) ([]x402.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []x402.SettlementRecord{}
	for _, h := range s.order {
		if rec := s.records[h]; rec.Status == x402.SettlementPending {
			out = append(out, rec)
		}
	}
	return out, nil
}
