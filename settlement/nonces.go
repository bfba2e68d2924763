package settlement

import (
	"context"
	"strings"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/internal/keylock"
	"github.com/XavierOP877/x402-avalanche--sub001/internal/retry"
)

// NonceKey identifies one EIP-3009 nonce of one payer on one token.
type NonceKey struct {
	From  string
	Asset string
	Nonce string
}

// NewNonceKey lowercases the hex fields so lookups ignore checksum case.
func NewNonceKey(from, asset, nonce string) NonceKey {
	return NonceKey{
		From:  strings.ToLower(strings.TrimSpace(from)),
		Asset: strings.ToLower(strings.TrimSpace(asset)),
		Nonce: strings.ToLower(strings.TrimSpace(nonce)),
	}
}

func (k NonceKey) String() string {
	return k.From + "/" + k.Asset + "/" + k.Nonce
}

// NonceState is the ledger state of a nonce. Absent nonces are free.
type NonceState string

const (
	NonceFree     NonceState = ""
	NonceReserved NonceState = "reserved"
	NonceConsumed NonceState = "consumed"
)

// NonceStore persists nonce states.
type NonceStore interface {
	// Reserve records k as reserved unless it is already present and reports
	// whether it did.
	Reserve(ctx context.Context, k NonceKey) (bool, error)
	// Consume marks k consumed regardless of its current state.
	Consume(ctx context.Context, k NonceKey) error
	// Release forgets k if it is reserved. Consumed nonces stay consumed.
	Release(ctx context.Context, k NonceKey) error
	State(ctx context.Context, k NonceKey) (NonceState, error)
}

// Nonces is the replay ledger. A nonce moves free → reserved when a
// settlement is broadcast, then to consumed on success or back to free on
// failure.
type Nonces struct {
	store  NonceStore
	locks  *keylock.Map
	policy retry.Policy
}

func NewNonces(store NonceStore) *Nonces {
	return &Nonces{
		store:  store,
		locks:  keylock.New(),
		policy: retry.DefaultPolicy(),
	}
}

// IsNonceUsed reports whether the nonce is consumed or reserved by an
// in-flight settlement.
func (n *Nonces) IsNonceUsed(ctx context.Context, from, asset, nonce string) (bool, error) {
	state, err := n.State(ctx, NewNonceKey(from, asset, nonce))
	if err != nil {
		return false, err
	}
	return state != NonceFree, nil
}

func (n *Nonces) State(ctx context.Context, k NonceKey) (NonceState, error) {
	return retry.Value(ctx, n.policy, isTransient, func() (NonceState, error) {
		return n.store.State(ctx, k)
	})
}

// Reserve claims k for one settlement, failing with nonce_reused when the
// nonce is reserved or consumed.
func (n *Nonces) Reserve(ctx context.Context, k NonceKey) error {
	unlock := n.locks.Lock(k.String())
	defer unlock()

	ok, err := n.store.Reserve(ctx, k)
	if err != nil {
		return err
	}
	if !ok {
		return x402.NewPreconditionFailed(x402.ReasonNonceReused, "authorization nonce already used")
	}
	return nil
}

func (n *Nonces) Consume(ctx context.Context, k NonceKey) error {
	unlock := n.locks.Lock(k.String())
	defer unlock()
	return retry.Do(ctx, n.policy, isTransient, func() error {
		return n.store.Consume(ctx, k)
	})
}

func (n *Nonces) Release(ctx context.Context, k NonceKey) error {
	unlock := n.locks.Lock(k.String())
	defer unlock()
	return retry.Do(ctx, n.policy, isTransient, func() error {
		return n.store.Release(ctx, k)
	})
}

func isTransient(err error) bool {
	return x402.IsKind(err, x402.KindTransient)
}
