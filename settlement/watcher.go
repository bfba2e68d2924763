package settlement

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/mechanisms/evm"
)

// Watcher polls receipts of pending settlements and reports each outcome
// once to the submitter's owner loop. A record that is neither mined within
// the confirmation timeout nor within maxBlocks of its submission block is
// reported as failed with confirmation_timeout.
type Watcher struct {
	chains    Chains
	out       chan<- Confirmation
	interval  time.Duration
	timeout   time.Duration
	maxBlocks uint64
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	tracked map[string]x402.SettlementRecord
}

// Track starts polling rec. Tracking an already tracked hash is a no-op.
func (w *Watcher) Track(rec x402.SettlementRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := normalizeHash(rec.TxHash)
	if _, exists := w.tracked[key]; !exists {
		w.tracked[key] = rec
	}
}

// Forget stops polling txHash.
func (w *Watcher) Forget(txHash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, normalizeHash(txHash))
}

// Pending returns the number of tracked transactions.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracked)
}

// Run polls every interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	w.mu.Lock()
	snapshot := make([]x402.SettlementRecord, 0, len(w.tracked))
	for _, rec := range w.tracked {
		snapshot = append(snapshot, rec)
	}
	w.mu.Unlock()

	heads := make(map[x402.Network]uint64)
	for _, rec := range snapshot {
		if ctx.Err() != nil {
			return
		}
		c, ok := w.check(ctx, rec, heads)
		if !ok {
			continue
		}
		w.Forget(rec.TxHash)
		select {
		case w.out <- c:
		case <-ctx.Done():
			// Keep it tracked so the next run reports it.
			w.Track(rec)
			return
		}
	}
}

func (w *Watcher) check(ctx context.Context, rec x402.SettlementRecord, heads map[x402.Network]uint64) (Confirmation, bool) {
	reader, err := w.chains.Reader(rec.Network)
	if err != nil {
		w.logger.Error("no chain for pending settlement", zap.String("txHash", rec.TxHash), zap.Error(err))
		return w.expired(ctx, rec, nil, heads)
	}

	receipt, err := reader.TransactionReceipt(ctx, rec.TxHash)
	if err != nil {
		w.logger.Debug("receipt lookup failed", zap.String("txHash", rec.TxHash), zap.Error(err))
		return w.expired(ctx, rec, reader, heads)
	}
	if receipt == nil {
		return w.expired(ctx, rec, reader, heads)
	}

	block := receipt.BlockNumber
	c := Confirmation{TxHash: rec.TxHash, BlockNumber: &block}
	if receipt.Status == evm.TxStatusSuccess {
		c.Success = true
	} else {
		c.Reason = x402.ReasonTransactionReverted
	}
	return c, true
}

func (w *Watcher) expired(ctx context.Context, rec x402.SettlementRecord, reader evm.ChainReader, heads map[x402.Network]uint64) (Confirmation, bool) {
	timedOut := Confirmation{TxHash: rec.TxHash, Reason: x402.ReasonConfirmationTimeout}
	if w.timeout > 0 && w.now().Sub(rec.Timestamp) >= w.timeout {
		return timedOut, true
	}
	if reader == nil || w.maxBlocks == 0 || rec.SubmittedBlock == 0 {
		return Confirmation{}, false
	}
	head, ok := heads[rec.Network]
	if !ok {
		var err error
		head, err = reader.BlockNumber(ctx)
		if err != nil {
			return Confirmation{}, false
		}
		heads[rec.Network] = head
	}
	if head >= rec.SubmittedBlock+w.maxBlocks {
		return timedOut, true
	}
	return Confirmation{}, false
}
