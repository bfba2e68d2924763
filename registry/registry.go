// Package registry tracks facilitators and their lifecycle.
package registry

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
	"github.com/XavierOP877/x402-avalanche--sub001/internal/keylock"
	"github.com/XavierOP877/x402-avalanche--sub001/internal/retry"
)

// Status is the lifecycle state of a facilitator.
type Status string

const (
	StatusActive       Status = x402.StatusActive
	StatusNeedsFunding Status = "needs_funding"
	StatusInactive     Status = "inactive"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusNeedsFunding, StatusInactive:
		return Status(s), nil
	}
	return "", x402.NewValidationError("invalid_status", "status must be one of active, needs_funding, inactive")
}

const maxNameLen = 100

// Facilitator is a registered payment facilitator. EncryptedPrivateKey never
// leaves the process; use Public for anything that is serialized.
type Facilitator struct {
	ID                       string     `json:"id"`
	Name                     string     `json:"name"`
	OwnerAddress             string     `json:"ownerAddress"`
	FacilitatorWalletAddress string     `json:"facilitatorWalletAddress"`
	PaymentRecipient         string     `json:"paymentRecipient"`
	EncryptedPrivateKey      string     `json:"-"`
	Status                   Status     `json:"status"`
	TotalPayments            string     `json:"totalPayments"`
	LastUsed                 *time.Time `json:"lastUsed,omitempty"`
	CreatedAt                time.Time  `json:"createdAt"`
	RegistrationTxHash       string     `json:"registrationTxHash,omitempty"`
}

// PublicFacilitator is the projection served to clients.
type PublicFacilitator struct {
	ID                       string     `json:"id"`
	Name                     string     `json:"name"`
	OwnerAddress             string     `json:"ownerAddress"`
	FacilitatorWalletAddress string     `json:"facilitatorWalletAddress"`
	PaymentRecipient         string     `json:"paymentRecipient"`
	Status                   Status     `json:"status"`
	TotalPayments            string     `json:"totalPayments"`
	LastUsed                 *time.Time `json:"lastUsed,omitempty"`
	CreatedAt                time.Time  `json:"createdAt"`
	RegistrationTxHash       string     `json:"registrationTxHash,omitempty"`
}

func (f Facilitator) Public() PublicFacilitator {
	return PublicFacilitator{
		ID:                       f.ID,
		Name:                     f.Name,
		OwnerAddress:             f.OwnerAddress,
		FacilitatorWalletAddress: f.FacilitatorWalletAddress,
		PaymentRecipient:         f.PaymentRecipient,
		Status:                   f.Status,
		TotalPayments:            f.TotalPayments,
		LastUsed:                 f.LastUsed,
		CreatedAt:                f.CreatedAt,
		RegistrationTxHash:       f.RegistrationTxHash,
	}
}

// PublicList projects a slice of facilitators.
func PublicList(fs []Facilitator) []PublicFacilitator {
	out := make([]PublicFacilitator, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Public())
	}
	return out
}

// CreateSpec describes a new facilitator.
type CreateSpec struct {
	Name                     string
	OwnerAddress             string
	FacilitatorWalletAddress string
	PaymentRecipient         string
	EncryptedPrivateKey      string
	RegistrationTxHash       string
}

// Store persists facilitators. Get returns a KindNotFound error for unknown
// ids; GetByOwner returns nil, nil when the owner has none. Insert returns a
// KindPreconditionFailed error when the owner already has a facilitator.
// List and Search return facilitators in insertion order.
type Store interface {
	Insert(ctx context.Context, f Facilitator) error
	Get(ctx context.Context, id string) (*Facilitator, error)
	GetByOwner(ctx context.Context, owner string) (*Facilitator, error)
	List(ctx context.Context) ([]Facilitator, error)
	ListByStatus(ctx context.Context, status Status) ([]Facilitator, error)
	Search(ctx context.Context, name string) ([]Facilitator, error)
	Update(ctx context.Context, f Facilitator) error
}

// EventSink receives registry events.
type EventSink interface {
	Append(ctx context.Context, e explorer.Entry) (explorer.Entry, error)
}

// Registry owns facilitator identity and status. Mutations of one id are
// serialized.
type Registry struct {
	store  Store
	events EventSink
	locks  *keylock.Map
	logger *zap.Logger
	now    func() time.Time
	policy retry.Policy
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Registry) { r.policy = p }
}

func New(store Store, events EventSink, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		events: events,
		locks:  keylock.New(),
		logger: zap.NewNop(),
		now:    time.Now,
		policy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new facilitator in the needs_funding state.
func (r *Registry) Create(ctx context.Context, spec CreateSpec) (*Facilitator, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" || len(name) > maxNameLen {
		return nil, x402.NewValidationError("invalid_name", "name must be 1-100 characters")
	}
	owner, err := normalizeAddress("ownerAddress", spec.OwnerAddress)
	if err != nil {
		return nil, err
	}
	wallet, err := normalizeAddress("facilitatorWalletAddress", spec.FacilitatorWalletAddress)
	if err != nil {
		return nil, err
	}
	recipient, err := normalizeAddress("paymentRecipient", spec.PaymentRecipient)
	if err != nil {
		return nil, err
	}
	if spec.EncryptedPrivateKey == "" {
		return nil, x402.NewValidationError("invalid_key", "encrypted private key is required")
	}

	unlock := r.locks.Lock("owner:" + strings.ToLower(owner))
	defer unlock()

	existing, err := r.store.GetByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, x402.NewPreconditionFailed("owner_exists", "owner already has a facilitator")
	}

	f := Facilitator{
		ID:                       uuid.NewString(),
		Name:                     name,
		OwnerAddress:             owner,
		FacilitatorWalletAddress: wallet,
		PaymentRecipient:         recipient,
		EncryptedPrivateKey:      spec.EncryptedPrivateKey,
		Status:                   StatusNeedsFunding,
		TotalPayments:            "0",
		CreatedAt:                r.now().UTC(),
		RegistrationTxHash:       spec.RegistrationTxHash,
	}
	if err := r.store.Insert(ctx, f); err != nil {
		return nil, err
	}

	r.emit(ctx, explorer.Entry{
		EventType:     explorer.EventFacilitatorCreated,
		FacilitatorID: f.ID,
		TxHash:        f.RegistrationTxHash,
		Status:        explorer.StatusInfo,
		Payload: map[string]interface{}{
			"name":          f.Name,
			"ownerAddress":  f.OwnerAddress,
			"walletAddress": f.FacilitatorWalletAddress,
		},
	})
	r.logger.Info("facilitator created", zap.String("id", f.ID), zap.String("owner", f.OwnerAddress))
	return &f, nil
}

// Get returns the facilitator with id.
func (r *Registry) Get(ctx context.Context, id string) (*Facilitator, error) {
	if id == "" {
		return nil, x402.NewValidationError("invalid_id", "facilitator id is required")
	}
	return retry.Value(ctx, r.policy, isTransient, func() (*Facilitator, error) {
		return r.store.Get(ctx, id)
	})
}

// GetByOwner returns the owner's facilitator, or nil when there is none.
func (r *Registry) GetByOwner(ctx context.Context, address string) (*Facilitator, error) {
	owner, err := normalizeAddress("address", address)
	if err != nil {
		return nil, err
	}
	return retry.Value(ctx, r.policy, isTransient, func() (*Facilitator, error) {
		return r.store.GetByOwner(ctx, owner)
	})
}

// Search matches name case-insensitively as a substring.
func (r *Registry) Search(ctx context.Context, name string) ([]Facilitator, error) {
	return retry.Value(ctx, r.policy, isTransient, func() ([]Facilitator, error) {
		return r.store.Search(ctx, strings.TrimSpace(name))
	})
}

// List returns every facilitator in insertion order.
func (r *Registry) List(ctx context.Context) ([]Facilitator, error) {
	return retry.Value(ctx, r.policy, isTransient, func() ([]Facilitator, error) {
		return r.store.List(ctx)
	})
}

// ListActive returns facilitators in the active state.
func (r *Registry) ListActive(ctx context.Context) ([]Facilitator, error) {
	return retry.Value(ctx, r.policy, isTransient, func() ([]Facilitator, error) {
		return r.store.ListByStatus(ctx, StatusActive)
	})
}

// UpdateStatus moves a facilitator to status and records the change.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status string) (*Facilitator, error) {
	next, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	f, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := f.Status
	f.Status = next
	if err := r.store.Update(ctx, *f); err != nil {
		return nil, err
	}

	r.emit(ctx, explorer.Entry{
		EventType:     explorer.EventFacilitatorStatusChanged,
		FacilitatorID: id,
		Status:        explorer.StatusInfo,
		Payload:       map[string]interface{}{"from": string(prev), "to": string(next)},
	})
	r.logger.Info("facilitator status changed",
		zap.String("id", id), zap.String("from", string(prev)), zap.String("to", string(next)))
	return f, nil
}

// RecordPayment adds a settled amount to the facilitator's running total.
func (r *Registry) RecordPayment(ctx context.Context, id string, amount string, at time.Time) (*Facilitator, error) {
	delta, ok := new(big.Int).SetString(amount, 10)
	if !ok || delta.Sign() < 0 {
		return nil, x402.NewValidationError("invalid_amount", "amount must be a non-negative integer")
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	f, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	total, ok := new(big.Int).SetString(f.TotalPayments, 10)
	if !ok {
		total = new(big.Int)
	}
	f.TotalPayments = total.Add(total, delta).String()
	used := at.UTC()
	f.LastUsed = &used
	if err := r.store.Update(ctx, *f); err != nil {
		return nil, err
	}
	return f, nil
}

// Lookup resolves the verifier's view of a facilitator.
func (r *Registry) Lookup(ctx context.Context, id string) (*x402.FacilitatorInfo, error) {
	f, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &x402.FacilitatorInfo{
		ID:               f.ID,
		Status:           string(f.Status),
		WalletAddress:    f.FacilitatorWalletAddress,
		PaymentRecipient: f.PaymentRecipient,
	}, nil
}

func (r *Registry) emit(ctx context.Context, e explorer.Entry) {
	if r.events == nil {
		return
	}
	if _, err := r.events.Append(ctx, e); err != nil {
		r.logger.Error("registry event not recorded",
			zap.String("eventType", string(e.EventType)),
			zap.String("facilitatorId", e.FacilitatorID),
			zap.Error(err))
	}
}

func normalizeAddress(field, addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", x402.NewValidationError("invalid_address", field+" must be a 20-byte hex address")
	}
	return common.HexToAddress(addr).Hex(), nil
}

func isTransient(err error) bool {
	return x402.IsKind(err, x402.KindTransient)
}

// NotFound builds the error stores return for unknown ids.
func NotFound(id string) error {
	return x402.NewNotFoundError("facilitator_not_found", "facilitator "+id+" not found")
}
