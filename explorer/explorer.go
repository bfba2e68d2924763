// Package explorer is the append-only event log behind the network explorer.
package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/internal/retry"
)

// EventType names what an entry records.
type EventType string

const (
	EventFacilitatorCreated       EventType = "facilitator.created"
	EventFacilitatorStatusChanged EventType = "facilitator.status_changed"
	EventTaskReceived             EventType = "task.received"
	EventTaskSubmitted            EventType = "task.submitted"
	EventTaskCompleted            EventType = "task.completed"
	EventTaskFailed               EventType = "task.failed"
)

// Entry statuses
const (
	StatusInfo    = "info"
	StatusValid   = "valid"
	StatusInvalid = "invalid"
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Query limits
const (
	DefaultQueryLimit  = 100
	MaxQueryLimit      = 1000
	DefaultRecentLimit = 50
	MaxRecentLimit     = 200
)

// TxHashPattern matches a 32-byte transaction hash.
var TxHashPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// Entry is one immutable log record. ID is assigned on append and increases
// monotonically.
type Entry struct {
	ID            int64                  `json:"id"`
	EventType     EventType              `json:"eventType"`
	FacilitatorID string                 `json:"facilitatorId,omitempty"`
	TxHash        string                 `json:"txHash,omitempty"`
	Status        string                 `json:"status"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	EventType     EventType
	FacilitatorID string
	Status        string
	TxHash        string
	Limit         int
}

// Store persists entries. Query returns newest entries first, at most
// Filter.Limit of them.
type Store interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// Log validates queries and stamps entries before they reach the store.
type Log struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
	policy retry.Policy
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Log) { l.policy = p }
}

func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
		policy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records e with a server-assigned timestamp and sequence id.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.EventType == "" {
		return Entry{}, x402.NewValidationError("invalid_entry", "event type is required")
	}
	if e.Status == "" {
		e.Status = StatusInfo
	}
	payload, err := NormalizePayload(e.Payload)
	if err != nil {
		return Entry{}, x402.NewValidationError("invalid_entry", "payload is not JSON encodable: "+err.Error())
	}
	e.Payload = payload
	e.ID = 0
	e.Timestamp = l.now().UTC()
	stored, err := l.store.Append(ctx, e)
	if err != nil {
		l.logger.Error("explorer append failed", zap.String("eventType", string(e.EventType)), zap.Error(err))
		return Entry{}, err
	}
	l.logger.Debug("explorer entry appended",
		zap.Int64("id", stored.ID),
		zap.String("eventType", string(stored.EventType)),
		zap.String("status", stored.Status))
	return stored, nil
}

// Query returns entries matching f, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	limit, err := normalizeLimit(f.Limit, DefaultQueryLimit, MaxQueryLimit)
	if err != nil {
		return nil, err
	}
	f.Limit = limit
	return l.query(ctx, f)
}

// GetByTxHash returns the newest entry for txHash, or nil when none exists.
func (l *Log) GetByTxHash(ctx context.Context, txHash string) (*Entry, error) {
	if !TxHashPattern.MatchString(txHash) {
		return nil, x402.NewValidationError("invalid_tx_hash", "Invalid transaction hash")
	}
	entries, err := l.query(ctx, Filter{TxHash: txHash, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Recent returns the latest entries across all facilitators.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	limit, err := normalizeLimit(limit, DefaultRecentLimit, MaxRecentLimit)
	if err != nil {
		return nil, err
	}
	return l.query(ctx, Filter{Limit: limit})
}

// HistoryFor returns the entries of one facilitator.
func (l *Log) HistoryFor(ctx context.Context, facilitatorID string, limit int) ([]Entry, error) {
	if facilitatorID == "" {
		return nil, x402.NewValidationError("invalid_facilitator_id", "facilitator id is required")
	}
	limit, err := normalizeLimit(limit, DefaultQueryLimit, MaxQueryLimit)
	if err != nil {
		return nil, err
	}
	return l.query(ctx, Filter{FacilitatorID: facilitatorID, Limit: limit})
}

func (l *Log) query(ctx context.Context, f Filter) ([]Entry, error) {
	entries, err := retry.Value(ctx, l.policy, isTransient, func() ([]Entry, error) {
		return l.store.Query(ctx, f)
	})
	if err != nil {
		if isTransient(err) {
			return nil, x402.NewUpstreamUnavailable("explorer storage unavailable", err)
		}
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// NormalizePayload gives a payload the shape it has after a round trip
// through storage: numbers become json.Number, structs become maps.
func NormalizePayload(p map[string]interface{}) (map[string]interface{}, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return DecodePayload(raw)
}

// DecodePayload decodes a stored payload, keeping numbers as json.Number.
func DecodePayload(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseLimit parses a limit query parameter. An empty value yields def.
func ParseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, invalidLimit()
	}
	return n, nil
}

func normalizeLimit(limit, def, max int) (int, error) {
	if limit == 0 {
		return def, nil
	}
	if limit < 1 || limit > max {
		return 0, invalidLimit()
	}
	return limit, nil
}

func invalidLimit() error {
	return x402.NewValidationError("invalid_limit", "Invalid limit")
}

func isTransient(err error) bool {
	return x402.IsKind(err, x402.KindTransient)
}
