// Package settlement broadcasts verified ERC-3009 authorizations and tracks
// each resulting transaction to exactly one terminal state.
package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
	"github.com/XavierOP877/x402-avalanche--sub001/internal/retry"
	"github.com/XavierOP877/x402-avalanche--sub001/mechanisms/evm"
	"github.com/XavierOP877/x402-avalanche--sub001/registry"
)

// RecordStore persists settlement records keyed by transaction hash.
// Get returns a KindNotFound error for unknown hashes.
type RecordStore interface {
	Insert(ctx context.Context, rec x402.SettlementRecord) error
	Update(ctx context.Context, rec x402.SettlementRecord) error
	Get(ctx context.Context, txHash string) (*x402.SettlementRecord, error)
	ListPending(ctx context.Context) ([]x402.SettlementRecord, error)
}

// Facilitators is the registry view settlement needs.
type Facilitators interface {
	Get(ctx context.Context, id string) (*registry.Facilitator, error)
	RecordPayment(ctx context.Context, id string, amount string, at time.Time) (*registry.Facilitator, error)
}

// KeyOpener exposes a decrypted facilitator key to fn only.
type KeyOpener interface {
	WithDecrypted(ciphertext string, fn func(plaintext []byte) error) error
}

// Chains resolves per-network transaction signing and receipt reads.
type Chains interface {
	Signer(network x402.Network, privateKey []byte) (evm.FacilitatorEvmSigner, error)
	Reader(network x402.Network) (evm.ChainReader, error)
}

// EventSink receives settlement events.
type EventSink interface {
	Append(ctx context.Context, e explorer.Entry) (explorer.Entry, error)
}

// Confirmation reports the on-chain outcome of one transaction.
type Confirmation struct {
	TxHash      string
	Success     bool
	BlockNumber *uint64
	Reason      string

	reply chan confirmResult
}

type confirmResult struct {
	record *x402.SettlementRecord
	err    error
}

const (
	DefaultPollInterval        = 2 * time.Second
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultMaxBlocks           = 50
)

// Submitter implements x402.Settler. Record transitions happen only on the
// goroutine running Run, which receives confirmations from the watcher and
// from Confirm over one channel.
type Submitter struct {
	records      RecordStore
	nonces       *Nonces
	facilitators Facilitators
	keys         KeyOpener
	chains       Chains
	events       EventSink
	watcher      *Watcher
	logger       *zap.Logger
	now          func() time.Time
	policy       retry.Policy

	confirmations chan Confirmation

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

type Option func(*Submitter)

func WithLogger(l *zap.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Submitter) { s.now = now }
}

func WithEvents(events EventSink) Option {
	return func(s *Submitter) { s.events = events }
}

// WithWatcherConfig tunes receipt polling. Zero values keep the defaults.
func WithWatcherConfig(interval, timeout time.Duration, maxBlocks uint64) Option {
	return func(s *Submitter) {
		if interval > 0 {
			s.watcher.interval = interval
		}
		if timeout > 0 {
			s.watcher.timeout = timeout
		}
		if maxBlocks > 0 {
			s.watcher.maxBlocks = maxBlocks
		}
	}
}

func NewSubmitter(records RecordStore, nonces *Nonces, facilitators Facilitators, keys KeyOpener, chains Chains, opts ...Option) *Submitter {
	s := &Submitter{
		records:       records,
		nonces:        nonces,
		facilitators:  facilitators,
		keys:          keys,
		chains:        chains,
		logger:        zap.NewNop(),
		now:           time.Now,
		policy:        retry.DefaultPolicy(),
		confirmations: make(chan Confirmation, 64),
		waiters:       make(map[string][]chan struct{}),
	}
	s.watcher = &Watcher{
		chains:    chains,
		out:       s.confirmations,
		interval:  DefaultPollInterval,
		timeout:   DefaultConfirmationTimeout,
		maxBlocks: DefaultMaxBlocks,
		tracked:   make(map[string]x402.SettlementRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watcher.logger = s.logger
	s.watcher.now = s.now
	return s
}

// Watcher returns the receipt watcher feeding this submitter.
func (s *Submitter) Watcher() *Watcher {
	return s.watcher
}

// Settle broadcasts a verified payment and returns its pending record
// without waiting for confirmation.
func (s *Submitter) Settle(ctx context.Context, payment x402.VerifiedPayment) (*x402.SettlementRecord, error) {
	if !payment.Result.IsValid {
		return nil, x402.NewPreconditionFailed(x402.ReasonVerificationRequired, "payment has not been verified")
	}
	if payment.FacilitatorID == "" {
		return nil, x402.NewValidationError("facilitator_required", "facilitatorId is required to settle")
	}
	f, err := s.facilitators.Get(ctx, payment.FacilitatorID)
	if err != nil {
		return nil, err
	}
	if f.Status != registry.StatusActive {
		return nil, x402.NewPreconditionFailed(x402.ReasonFacilitatorInactive, "facilitator is not active")
	}

	auth := payment.Authorization
	if auth.Asset == "" {
		auth.Asset = payment.Requirement.Asset
	}
	key := NewNonceKey(auth.From, auth.Asset, auth.Nonce)
	if err := s.nonces.Reserve(ctx, key); err != nil {
		return nil, err
	}

	submittedBlock := s.chainHead(ctx, auth.Network)
	txHash, err := s.broadcast(ctx, f, auth)
	if err != nil {
		if relErr := s.nonces.Release(context.WithoutCancel(ctx), key); relErr != nil {
			s.logger.Error("nonce release failed", zap.String("nonce", key.String()), zap.Error(relErr))
		}
		s.logger.Warn("settlement broadcast failed",
			zap.String("facilitatorId", f.ID),
			zap.String("payer", auth.From),
			zap.Error(err))
		return nil, err
	}

	now := s.now().UTC()
	rec := x402.SettlementRecord{
		TxHash:         normalizeHash(txHash),
		FacilitatorID:  f.ID,
		Amount:         auth.Value,
		Asset:          auth.Asset,
		Network:        auth.Network,
		Payer:          auth.From,
		Nonce:          auth.Nonce,
		Status:         x402.SettlementPending,
		Timestamp:      now,
		UpdatedAt:      now,
		SubmittedBlock: submittedBlock,
	}
	// The transaction is already broadcast, so a lost record must not stop tracking.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.records.Insert(persistCtx, rec); err != nil {
		s.logger.Error("settlement record not persisted", zap.String("txHash", rec.TxHash), zap.Error(err))
	}
	s.emit(persistCtx, explorer.Entry{
		EventType:     explorer.EventTaskSubmitted,
		FacilitatorID: rec.FacilitatorID,
		TxHash:        rec.TxHash,
		Status:        explorer.StatusPending,
		Payload: map[string]interface{}{
			"payer":   rec.Payer,
			"amount":  rec.Amount,
			"asset":   rec.Asset,
			"network": string(rec.Network),
			"nonce":   rec.Nonce,
		},
	})
	s.watcher.Track(rec)

	s.logger.Info("settlement submitted",
		zap.String("txHash", rec.TxHash),
		zap.String("facilitatorId", rec.FacilitatorID),
		zap.String("network", string(rec.Network)))
	return &rec, nil
}

func (s *Submitter) broadcast(ctx context.Context, f *registry.Facilitator, auth x402.AuthorizationRequest) (string, error) {
	var txHash string
	err := s.keys.WithDecrypted(f.EncryptedPrivateKey, func(privateKey []byte) error {
		signer, err := s.chains.Signer(auth.Network, privateKey)
		if err != nil {
			return err
		}
		if !evm.SameAddress(signer.Address(), f.FacilitatorWalletAddress) {
			return x402.NewCryptoError("key_mismatch", "facilitator key does not match its wallet", nil)
		}
		txHash, err = evm.SubmitTransfer(ctx, signer, auth)
		if err != nil {
			return x402.NewUpstreamUnavailable("failed to broadcast settlement", err)
		}
		return nil
	})
	return txHash, err
}

func (s *Submitter) chainHead(ctx context.Context, network x402.Network) uint64 {
	reader, err := s.chains.Reader(network)
	if err != nil {
		return 0
	}
	head, err := reader.BlockNumber(ctx)
	if err != nil {
		s.logger.Debug("chain head unavailable", zap.String("network", string(network)), zap.Error(err))
		return 0
	}
	return head
}

// Run applies confirmations until ctx is cancelled. Pending records left by
// a previous process are tracked again before polling starts.
func (s *Submitter) Run(ctx context.Context) error {
	pending, err := retry.Value(ctx, s.policy, isTransient, func() ([]x402.SettlementRecord, error) {
		return s.records.ListPending(ctx)
	})
	if err != nil {
		return err
	}
	for _, rec := range pending {
		s.watcher.Track(rec)
	}
	if len(pending) > 0 {
		s.logger.Info("resumed tracking pending settlements", zap.Int("count", len(pending)))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.watcher.Run(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-s.confirmations:
				rec, err := s.apply(ctx, c)
				if c.reply != nil {
					c.reply <- confirmResult{record: rec, err: err}
				}
			}
		}
	})
	return g.Wait()
}

// Confirm applies an externally observed outcome through the owner loop.
// Confirming a record that is already terminal returns it unchanged.
func (s *Submitter) Confirm(ctx context.Context, c Confirmation) (*x402.SettlementRecord, error) {
	if !explorer.TxHashPattern.MatchString(c.TxHash) {
		return nil, x402.NewValidationError("invalid_tx_hash", "Invalid transaction hash format")
	}
	c.TxHash = normalizeHash(c.TxHash)
	c.reply = make(chan confirmResult, 1)
	select {
	case s.confirmations <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-c.reply:
		return res.record, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the record for txHash.
func (s *Submitter) Get(ctx context.Context, txHash string) (*x402.SettlementRecord, error) {
	if !explorer.TxHashPattern.MatchString(txHash) {
		return nil, x402.NewValidationError("invalid_tx_hash", "Invalid transaction hash format")
	}
	return retry.Value(ctx, s.policy, isTransient, func() (*x402.SettlementRecord, error) {
		return s.records.Get(ctx, txHash)
	})
}

// Wait blocks until txHash reaches a terminal state. When ctx ends first it
// returns a SettlementTimeout error; tracking continues regardless.
func (s *Submitter) Wait(ctx context.Context, txHash string) (*x402.SettlementRecord, error) {
	txHash = normalizeHash(txHash)
	done := s.subscribe(txHash)
	defer s.unsubscribe(txHash, done)

	for {
		rec, err := s.Get(ctx, txHash)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, err
		}
		if err == nil && rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-done:
			done = s.resubscribe(txHash, done)
		case <-ctx.Done():
			return nil, x402.NewSettlementTimeout(txHash)
		}
	}
}

func (s *Submitter) apply(ctx context.Context, c Confirmation) (*x402.SettlementRecord, error) {
	rec, err := s.Get(ctx, c.TxHash)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		s.logger.Debug("duplicate confirmation ignored",
			zap.String("txHash", rec.TxHash),
			zap.String("status", string(rec.Status)))
		return rec, nil
	}
	s.watcher.Forget(rec.TxHash)

	persistCtx := context.WithoutCancel(ctx)
	now := s.now().UTC()
	key := NewNonceKey(rec.Payer, rec.Asset, rec.Nonce)
	rec.UpdatedAt = now
	rec.BlockNumber = c.BlockNumber

	if c.Success {
		rec.Status = x402.SettlementSuccess
		if err := s.records.Update(persistCtx, *rec); err != nil {
			return nil, err
		}
		if err := s.nonces.Consume(persistCtx, key); err != nil {
			s.logger.Error("nonce not marked consumed", zap.String("nonce", key.String()), zap.Error(err))
		}
		if _, err := s.facilitators.RecordPayment(persistCtx, rec.FacilitatorID, rec.Amount, now); err != nil {
			s.logger.Error("facilitator payment not recorded",
				zap.String("facilitatorId", rec.FacilitatorID), zap.Error(err))
		}
		payload := map[string]interface{}{"payer": rec.Payer, "amount": rec.Amount, "asset": rec.Asset}
		if rec.BlockNumber != nil {
			payload["blockNumber"] = *rec.BlockNumber
		}
		s.emit(persistCtx, explorer.Entry{
			EventType:     explorer.EventTaskCompleted,
			FacilitatorID: rec.FacilitatorID,
			TxHash:        rec.TxHash,
			Status:        explorer.StatusSuccess,
			Payload:       payload,
		})
		s.logger.Info("settlement confirmed", zap.String("txHash", rec.TxHash))
	} else {
		rec.Status = x402.SettlementFailed
		rec.ErrorReason = c.Reason
		if rec.ErrorReason == "" {
			rec.ErrorReason = x402.ReasonTransactionReverted
		}
		if err := s.records.Update(persistCtx, *rec); err != nil {
			return nil, err
		}
		if err := s.nonces.Release(persistCtx, key); err != nil {
			s.logger.Error("nonce release failed", zap.String("nonce", key.String()), zap.Error(err))
		}
		s.emit(persistCtx, explorer.Entry{
			EventType:     explorer.EventTaskFailed,
			FacilitatorID: rec.FacilitatorID,
			TxHash:        rec.TxHash,
			Status:        explorer.StatusFailed,
			Payload:       map[string]interface{}{"reason": rec.ErrorReason, "payer": rec.Payer},
		})
		s.logger.Warn("settlement failed", zap.String("txHash", rec.TxHash), zap.String("reason", rec.ErrorReason))
	}

	s.notify(rec.TxHash)
	return rec, nil
}

func (s *Submitter) emit(ctx context.Context, e explorer.Entry) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(ctx, e); err != nil {
		s.logger.Error("settlement event not recorded",
			zap.String("eventType", string(e.EventType)),
			zap.String("txHash", e.TxHash),
			zap.Error(err))
	}
}

func (s *Submitter) subscribe(txHash string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[txHash] = append(s.waiters[txHash], ch)
	s.mu.Unlock()
	return ch
}

func (s *Submitter) resubscribe(txHash string, old chan struct{}) chan struct{} {
	s.unsubscribe(txHash, old)
	return s.subscribe(txHash)
}

func (s *Submitter) unsubscribe(txHash string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[txHash]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, txHash)
	} else {
		s.waiters[txHash] = list
	}
}

func (s *Submitter) notify(txHash string) {
	s.mu.Lock()
	list := s.waiters[txHash]
	delete(s.waiters, txHash)
	s.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

func normalizeHash(txHash string) string {
	return strings.ToLower(strings.TrimSpace(txHash))
}

// RecordNotFound builds the error stores return for unknown transactions.
func RecordNotFound(txHash string) error {
	return x402.NewNotFoundError("settlement_not_found", "settlement "+txHash+" not found")
}
