package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SettlementCache collapses duplicate settle calls for the same payload.
// Submitted records are kept for ttl so retries after a client timeout get
// the original transaction instead of a second broadcast.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*SettlementRecord
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewSettlementCache creates a new settlement cache with the specified TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		results:  make(map[string]*SettlementRecord),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// GenerateSettlementKey hashes the payload bytes, which include the signature
// and nonce, so each payment attempt gets its own key.
func GenerateSettlementKey(payloadBytes []byte) string {
	hash := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(hash[:])
}

// SettlementCacheStatus represents the result of checking the cache.
type SettlementCacheStatus int

const (
	// StatusNotFound means the caller now owns the key and must Complete or Fail it.
	StatusNotFound SettlementCacheStatus = iota
	StatusCached
	StatusInFlight
)

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
func (c *SettlementCache) CheckAndMark(key string) (SettlementCacheStatus, *SettlementRecord, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if c.now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return StatusCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult waits for an in-flight request to complete.
// A nil record means the owner failed and the caller may try again.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*SettlementRecord, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns an unexpired cached record or nil.
func (c *SettlementCache) Get(key string) *SettlementRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if c.now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete caches the record and wakes waiters.
func (c *SettlementCache) Complete(key string, record *SettlementRecord, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = record
	c.expiry[key] = c.now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail releases the key without caching so the settlement can be retried.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Evict drops a cached record so the next CheckAndMark owns the key again.
// In-flight markers are left alone.
func (c *SettlementCache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.results, key)
	delete(c.expiry, key)
}

// Len reports the number of cached records.
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *SettlementCache) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
