package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
	"github.com/XavierOP877/x402-avalanche--sub001/mechanisms/evm"
	"github.com/XavierOP877/x402-avalanche--sub001/registry"
	"github.com/XavierOP877/x402-avalanche--sub001/vault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	fuji     = x402.Network("eip155:43113")
	fujiUSDC = "0x5425890298aed601595a70AB815c96711a31Bc65"
	merchant = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

type fakeChain struct {
	mu       sync.Mutex
	receipts map[string]*evm.TransactionReceipt
	head     uint64
	sent     int
	sendErr  error
}

func newFakeChain() *fakeChain {
	return &fakeChain{receipts: make(map[string]*evm.TransactionReceipt), head: 1000}
}

func (c *fakeChain) Signer(_ x402.Network, privateKey []byte) (evm.FacilitatorEvmSigner, error) {
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return nil, err
	}
	return &fakeSigner{chain: c, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}, nil
}

func (c *fakeChain) Reader(x402.Network) (evm.ChainReader, error) { return c, nil }

func (c *fakeChain) ReadContract(context.Context, string, []byte, string, ...interface{}) (interface{}, error) {
	return nil, nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash string) (*evm.TransactionReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[txHash], nil
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) mine(txHash string, status uint64, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[txHash] = &evm.TransactionReceipt{Status: status, BlockNumber: block, TxHash: txHash}
}

func (c *fakeChain) advance(blocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head += blocks
}

func (c *fakeChain) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

type fakeSigner struct {
	chain   *fakeChain
	address string
}

func (s *fakeSigner) Address() string { return s.address }

func (s *fakeSigner) WriteContract(context.Context, string, []byte, string, ...interface{}) (string, error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if s.chain.sendErr != nil {
		return "", s.chain.sendErr
	}
	s.chain.sent++
	return "0x" + hex.EncodeToString(crypto.Keccak256([]byte(fmt.Sprintf("tx-%d", s.chain.sent)))), nil
}

type fixture struct {
	submitter *Submitter
	chain     *fakeChain
	registry  *registry.Registry
	log       *explorer.Log
	records   *MemoryRecordStore
	nonces    *Nonces
	facID     string
	payer     payerKey
}

type payerKey struct {
	address string
	sign    func(auth x402.AuthorizationRequest) string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	v, err := vault.New(testMaster)
	require.NoError(t, err)

	walletKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	encrypted, err := v.Encrypt(crypto.FromECDSA(walletKey))
	require.NoError(t, err)

	log := explorer.NewLog(explorer.NewMemoryStore())
	reg := registry.New(registry.NewMemoryStore(), log)
	f, err := reg.Create(ctx, registry.CreateSpec{
		Name:                     "Fuji Relay",
		OwnerAddress:             "0x857b06519e91e3a54538791bdbb0e22373e36b66",
		FacilitatorWalletAddress: crypto.PubkeyToAddress(walletKey.PublicKey).Hex(),
		PaymentRecipient:         merchant,
		EncryptedPrivateKey:      encrypted,
	})
	require.NoError(t, err)
	_, err = reg.UpdateStatus(ctx, f.ID, "active")
	require.NoError(t, err)

	payer, err := crypto.GenerateKey()
	require.NoError(t, err)

	chain := newFakeChain()
	records := NewMemoryRecordStore()
	nonces := NewNonces(NewMemoryNonceStore())
	base := []Option{WithEvents(log), WithWatcherConfig(5*time.Millisecond, time.Minute, 0)}
	s := NewSubmitter(records, nonces, reg, v, chain, append(base, opts...)...)

	return &fixture{
		submitter: s,
		chain:     chain,
		registry:  reg,
		log:       log,
		records:   records,
		nonces:    nonces,
		facID:     f.ID,
		payer: payerKey{
			address: crypto.PubkeyToAddress(payer.PublicKey).Hex(),
			sign: func(auth x402.AuthorizationRequest) string {
				sig, err := evm.SignEIP3009Authorization(payer, evm.AuthorizationFromRequest(auth),
					evm.ChainIDAvalancheFuji, fujiUSDC, "USD Coin", "2")
				require.NoError(t, err)
				return sig
			},
		},
	}
}

func (f *fixture) payment(nonce byte) x402.VerifiedPayment {
	auth := x402.AuthorizationRequest{
		From:        f.payer.address,
		To:          merchant,
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "99999999999",
		Nonce:       "0x" + hex.EncodeToString(common.LeftPadBytes([]byte{nonce}, 32)),
		Scheme:      evm.SchemeExact,
		Network:     fuji,
		Asset:       fujiUSDC,
	}
	auth.Signature = f.payer.sign(auth)
	return x402.VerifiedPayment{
		FacilitatorID: f.facID,
		Authorization: auth,
		Requirement:   x402.PaymentRequirements{Scheme: evm.SchemeExact, Network: fuji, Asset: fujiUSDC, Amount: "1000000", PayTo: merchant},
		Result:        x402.VerifyResponse{IsValid: true, Payer: f.payer.address},
	}
}

func (f *fixture) nonceState(t *testing.T, p x402.VerifiedPayment) NonceState {
	t.Helper()
	state, err := f.nonces.State(context.Background(), NewNonceKey(p.Authorization.From, p.Authorization.Asset, p.Authorization.Nonce))
	require.NoError(t, err)
	return state
}

func (f *fixture) events(t *testing.T, typ explorer.EventType) []explorer.Entry {
	t.Helper()
	entries, err := f.log.Query(context.Background(), explorer.Filter{EventType: typ})
	require.NoError(t, err)
	return entries
}

func run(t *testing.T, s *Submitter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSettleConfirmsSuccess(t *testing.T) {
	f := newFixture(t)
	run(t, f.submitter)
	p := f.payment(1)

	rec, err := f.submitter.Settle(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementPending, rec.Status)
	assert.Equal(t, uint64(1000), rec.SubmittedBlock)
	assert.Equal(t, NonceReserved, f.nonceState(t, p))
	require.Len(t, f.events(t, explorer.EventTaskSubmitted), 1)

	f.chain.mine(rec.TxHash, evm.TxStatusSuccess, 1002)
	final, err := f.submitter.Wait(waitCtx(t), rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementSuccess, final.Status)
	require.NotNil(t, final.BlockNumber)
	assert.Equal(t, uint64(1002), *final.BlockNumber)

	assert.Equal(t, NonceConsumed, f.nonceState(t, p))
	fac, err := f.registry.Get(context.Background(), f.facID)
	require.NoError(t, err)
	assert.Equal(t, "1000000", fac.TotalPayments)
	assert.NotNil(t, fac.LastUsed)

	completed := f.events(t, explorer.EventTaskCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, rec.TxHash, completed[0].TxHash)
	assert.Equal(t, explorer.StatusSuccess, completed[0].Status)
	assert.Equal(t, 0, f.submitter.Watcher().Pending())
}

func TestSettleRejectsReservedNonce(t *testing.T) {
	f := newFixture(t)
	p := f.payment(2)

	_, err := f.submitter.Settle(context.Background(), p)
	require.NoError(t, err)

	_, err = f.submitter.Settle(context.Background(), p)
	assert.True(t, x402.IsKind(err, x402.KindPreconditionFailed))
	assert.Equal(t, x402.ReasonNonceReused, x402.CodeOf(err))
	assert.Equal(t, 1, f.chain.sentCount())
}

func TestConcurrentSettleSameNonceBroadcastsOnce(t *testing.T) {
	f := newFixture(t)
	p := f.payment(3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.submitter.Settle(context.Background(), p); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.chain.sentCount())
}

func TestBroadcastFailureReleasesNonce(t *testing.T) {
	f := newFixture(t)
	f.chain.sendErr = errors.New("connection refused")
	p := f.payment(4)

	_, err := f.submitter.Settle(context.Background(), p)
	assert.True(t, x402.IsKind(err, x402.KindUpstreamUnavailable))
	assert.Equal(t, NonceFree, f.nonceState(t, p))
	assert.Empty(t, f.events(t, explorer.EventTaskSubmitted))

	f.chain.sendErr = nil
	_, err = f.submitter.Settle(context.Background(), p)
	assert.NoError(t, err)
}

func TestRevertedSettlementReleasesNonce(t *testing.T) {
	f := newFixture(t)
	run(t, f.submitter)
	p := f.payment(5)

	rec, err := f.submitter.Settle(context.Background(), p)
	require.NoError(t, err)
	f.chain.mine(rec.TxHash, evm.TxStatusFailed, 1001)

	final, err := f.submitter.Wait(waitCtx(t), rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementFailed, final.Status)
	assert.Equal(t, x402.ReasonTransactionReverted, final.ErrorReason)
	assert.Equal(t, NonceFree, f.nonceState(t, p))

	failed := f.events(t, explorer.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, x402.ReasonTransactionReverted, failed[0].Payload["reason"])

	fac, err := f.registry.Get(context.Background(), f.facID)
	require.NoError(t, err)
	assert.Equal(t, "0", fac.TotalPayments)
}

func TestConfirmationTimeout(t *testing.T) {
	f := newFixture(t, WithWatcherConfig(5*time.Millisecond, 30*time.Millisecond, 0))
	run(t, f.submitter)

	rec, err := f.submitter.Settle(context.Background(), f.payment(6))
	require.NoError(t, err)

	final, err := f.submitter.Wait(waitCtx(t), rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementFailed, final.Status)
	assert.Equal(t, x402.ReasonConfirmationTimeout, final.ErrorReason)
}

func TestConfirmationBlockLimit(t *testing.T) {
	f := newFixture(t, WithWatcherConfig(5*time.Millisecond, time.Hour, 3))
	run(t, f.submitter)

	rec, err := f.submitter.Settle(context.Background(), f.payment(7))
	require.NoError(t, err)
	f.chain.advance(3)

	final, err := f.submitter.Wait(waitCtx(t), rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonConfirmationTimeout, final.ErrorReason)
}

func TestExactlyOneTerminalTransition(t *testing.T) {
	f := newFixture(t, WithWatcherConfig(time.Hour, time.Hour, 0))
	run(t, f.submitter)
	rec, err := f.submitter.Settle(context.Background(), f.payment(8))
	require.NoError(t, err)

	block := uint64(1001)
	first, err := f.submitter.Confirm(waitCtx(t), Confirmation{TxHash: rec.TxHash, Success: true, BlockNumber: &block})
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementSuccess, first.Status)

	second, err := f.submitter.Confirm(waitCtx(t), Confirmation{TxHash: rec.TxHash, Success: false, Reason: "late"})
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementSuccess, second.Status)
	assert.Empty(t, second.ErrorReason)

	assert.Len(t, f.events(t, explorer.EventTaskCompleted), 1)
	assert.Empty(t, f.events(t, explorer.EventTaskFailed))

	_, err = f.submitter.Confirm(waitCtx(t), Confirmation{TxHash: "0x" + hex.EncodeToString(make([]byte, 32)), Success: true})
	assert.True(t, x402.IsKind(err, x402.KindNotFound))

	_, err = f.submitter.Confirm(waitCtx(t), Confirmation{TxHash: "0x12"})
	assert.True(t, x402.IsKind(err, x402.KindValidation))
}

func TestWaitTimesOutWhileTrackingContinues(t *testing.T) {
	f := newFixture(t)
	run(t, f.submitter)
	rec, err := f.submitter.Settle(context.Background(), f.payment(9))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.submitter.Wait(ctx, rec.TxHash)
	assert.True(t, x402.IsKind(err, x402.KindSettlementTimeout))

	f.chain.mine(rec.TxHash, evm.TxStatusSuccess, 1001)
	final, err := f.submitter.Wait(waitCtx(t), rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementSuccess, final.Status)
}

func TestSettlePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unverified := f.payment(10)
	unverified.Result = x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonExpired}
	_, err := f.submitter.Settle(ctx, unverified)
	assert.Equal(t, x402.ReasonVerificationRequired, x402.CodeOf(err))

	_, err = f.registry.UpdateStatus(ctx, f.facID, "needs_funding")
	require.NoError(t, err)
	_, err = f.submitter.Settle(ctx, f.payment(10))
	assert.Equal(t, x402.ReasonFacilitatorInactive, x402.CodeOf(err))

	missing := f.payment(10)
	missing.FacilitatorID = "nope"
	_, err = f.submitter.Settle(ctx, missing)
	assert.True(t, x402.IsKind(err, x402.KindNotFound))
	assert.Equal(t, 0, f.chain.sentCount())
}

func TestKeyMismatchReleasesNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	fac, err := f.registry.Create(ctx, registry.CreateSpec{
		Name:                     "Mismatched",
		OwnerAddress:             merchant,
		FacilitatorWalletAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		PaymentRecipient:         merchant,
		EncryptedPrivateKey:      mustEncrypt(t, crypto.FromECDSA(other)),
	})
	require.NoError(t, err)
	_, err = f.registry.UpdateStatus(ctx, fac.ID, "active")
	require.NoError(t, err)

	p := f.payment(11)
	p.FacilitatorID = fac.ID
	_, err = f.submitter.Settle(ctx, p)
	assert.True(t, x402.IsKind(err, x402.KindCrypto))
	assert.Equal(t, NonceFree, f.nonceState(t, p))
}

func TestRunResumesPendingRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.payment(12)
	key := NewNonceKey(p.Authorization.From, p.Authorization.Asset, p.Authorization.Nonce)
	require.NoError(t, f.nonces.Reserve(ctx, key))

	txHash := "0x" + hex.EncodeToString(crypto.Keccak256([]byte("left over")))
	require.NoError(t, f.records.Insert(ctx, x402.SettlementRecord{
		TxHash:        txHash,
		FacilitatorID: f.facID,
		Amount:        "250000",
		Asset:         fujiUSDC,
		Network:       fuji,
		Payer:         p.Authorization.From,
		Nonce:         p.Authorization.Nonce,
		Status:        x402.SettlementPending,
		Timestamp:     time.Now(),
		UpdatedAt:     time.Now(),
	}))
	f.chain.mine(txHash, evm.TxStatusSuccess, 999)

	run(t, f.submitter)
	final, err := f.submitter.Wait(waitCtx(t), txHash)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementSuccess, final.Status)
	assert.Equal(t, NonceConsumed, f.nonceState(t, p))
}

var testMaster = func() *vault.MasterKey {
	m, err := vault.ParseMasterKey(hex.EncodeToString(crypto.Keccak256([]byte("test master key"))))
	if err != nil {
		panic(err)
	}
	return m
}()

func mustEncrypt(t *testing.T, plaintext []byte) string {
	t.Helper()
	ct, err := vault.Encrypt(plaintext, testMaster)
	require.NoError(t, err)
	return ct
}
