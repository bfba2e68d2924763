package node

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/config"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
	"github.com/XavierOP877/x402-avalanche--sub001/internal/chaintest"
	"github.com/XavierOP877/x402-avalanche--sub001/registry"
	"github.com/XavierOP877/x402-avalanche--sub001/vault"
)

const (
	owner    = "0x857B06519E91E3A54538791BDBB0E22373E36B66"
	merchant = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Settlement.PollInterval = "10ms"
	return cfg
}

func testMaster(t *testing.T) *vault.MasterKey {
	t.Helper()
	k, err := vault.ParseMasterKey(strings.Repeat("5a", 32))
	require.NoError(t, err)
	return k
}

type harness struct {
	node  *Node
	chain *chaintest.Chain
	payer chaintest.Payer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	chain := chaintest.NewChain()
	base := []Option{WithMasterKey(testMaster(t)), WithChains(chain)}
	n, err := New(context.Background(), testConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return &harness{node: n, chain: chain, payer: chaintest.NewPayer(t)}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func (h *harness) activeFacilitator(t *testing.T) *registry.Facilitator {
	t.Helper()
	ctx := context.Background()
	f, err := h.node.RegisterFacilitator(ctx, RegisterRequest{Name: "fuji relay", OwnerAddress: owner, PaymentRecipient: merchant})
	require.NoError(t, err)
	f, err = h.node.Registry().UpdateStatus(ctx, f.ID, "active")
	require.NoError(t, err)
	return f
}

func (h *harness) request(t *testing.T, facilitatorID string, nonce byte) x402.VerifyRequest {
	t.Helper()
	now := time.Now()
	payload := h.payer.Payload(t, chaintest.Authorization{
		To:          merchant,
		Value:       "1000000",
		Nonce:       nonce,
		ValidAfter:  now.Add(-time.Minute),
		ValidBefore: now.Add(10 * time.Minute),
	})
	req := chaintest.Requirement(merchant, "1000000")
	return x402.VerifyRequest{FacilitatorID: facilitatorID, PaymentPayload: payload, PaymentRequirements: &req}
}

func (h *harness) entries(t *testing.T, f explorer.Filter) []explorer.Entry {
	t.Helper()
	entries, err := h.node.Explorer().Query(context.Background(), f)
	require.NoError(t, err)
	return entries
}

func TestRegisterFacilitatorSealsGeneratedKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	f, err := h.node.RegisterFacilitator(ctx, RegisterRequest{Name: "relay", OwnerAddress: owner, PaymentRecipient: merchant})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusNeedsFunding, f.Status)
	assert.True(t, common.IsHexAddress(f.FacilitatorWalletAddress))
	assert.True(t, strings.HasPrefix(f.EncryptedPrivateKey, "v1."))

	raw, err := vault.Decrypt(f.EncryptedPrivateKey, testMaster(t))
	require.NoError(t, err)
	key, err := crypto.ToECDSA(raw)
	require.NoError(t, err)
	assert.Equal(t, f.FacilitatorWalletAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())

	created := h.entries(t, explorer.Filter{EventType: explorer.EventFacilitatorCreated})
	require.Len(t, created, 1)
	assert.Equal(t, f.ID, created[0].FacilitatorID)

	_, err = h.node.RegisterFacilitator(ctx, RegisterRequest{Name: "again", OwnerAddress: owner, PaymentRecipient: merchant})
	assert.Equal(t, "owner_exists", x402.CodeOf(err))
}

func TestVerifyAppendsTaskReceived(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.activeFacilitator(t)

	resp, err := h.node.Verify(ctx, h.request(t, f.ID, 1))
	require.NoError(t, err)
	assert.True(t, resp.IsValid, resp.InvalidReason)
	assert.Equal(t, h.payer.Address, resp.Payer)

	resp, err = h.node.Verify(ctx, h.request(t, "missing", 2))
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonFacilitatorNotFound, resp.InvalidReason)

	received := h.entries(t, explorer.Filter{EventType: explorer.EventTaskReceived})
	require.Len(t, received, 2)
	assert.Equal(t, explorer.StatusInvalid, received[0].Status)
	assert.Equal(t, x402.ReasonFacilitatorNotFound, received[0].Payload["invalidReason"])
	assert.Equal(t, explorer.StatusValid, received[1].Status)
	assert.Equal(t, f.ID, received[1].FacilitatorID)
	assert.Equal(t, "VALID", received[1].Payload["stage"])
}

func TestVerifyRejectsInactiveFacilitator(t *testing.T) {
	h := newHarness(t)
	f, err := h.node.RegisterFacilitator(context.Background(), RegisterRequest{Name: "relay", OwnerAddress: owner, PaymentRecipient: merchant})
	require.NoError(t, err)

	resp, err := h.node.Verify(context.Background(), h.request(t, f.ID, 1))
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonFacilitatorInactive, resp.InvalidReason)
}

func TestSettleThroughConfirmation(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := h.activeFacilitator(t)
	req := h.request(t, f.ID, 7)

	rec, err := h.node.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementPending, rec.Status)
	require.Len(t, h.chain.Sent(), 1)
	assert.Equal(t, f.FacilitatorWalletAddress, h.chain.Sent()[0].From)

	// the reserved nonce already fails verification
	resp, err := h.node.Verify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonNonceReused, resp.InvalidReason)

	h.chain.Mine(rec.TxHash, true)
	final, err := h.node.Submitter().Wait(ctx, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementSuccess, final.Status)

	got, err := h.node.Registry().Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000000", got.TotalPayments)
	assert.NotNil(t, got.LastUsed)

	completed := h.entries(t, explorer.Filter{EventType: explorer.EventTaskCompleted})
	require.Len(t, completed, 1)
	assert.Equal(t, rec.TxHash, completed[0].TxHash)

	// an identical payload is answered from the settlement cache
	again, err := h.node.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, rec.TxHash, again.TxHash)
	assert.Len(t, h.chain.Sent(), 1)
}

func TestSettleAfterRevertSubmitsAgain(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := h.activeFacilitator(t)
	req := h.request(t, f.ID, 8)

	rec, err := h.node.Settle(ctx, req)
	require.NoError(t, err)
	h.chain.Mine(rec.TxHash, false)
	final, err := h.node.Submitter().Wait(ctx, rec.TxHash)
	require.NoError(t, err)
	require.Equal(t, x402.SettlementFailed, final.Status)

	resp, err := h.node.Verify(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.IsValid, "released nonce verifies again")

	retried, err := h.node.Settle(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, rec.TxHash, retried.TxHash)
	assert.Equal(t, x402.SettlementPending, retried.Status)
	assert.Len(t, h.chain.Sent(), 2)

	h.chain.Mine(retried.TxHash, true)
	final, err = h.node.Submitter().Wait(ctx, retried.TxHash)
	require.NoError(t, err)
	assert.Equal(t, x402.SettlementSuccess, final.Status)

	// the cached record reflects the confirmed outcome
	again, err := h.node.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, retried.TxHash, again.TxHash)
	assert.Equal(t, x402.SettlementSuccess, again.Status)
	assert.Len(t, h.chain.Sent(), 2)
}

func TestMalformedVerifyIsRecorded(t *testing.T) {
	h := newHarness(t)
	f := h.activeFacilitator(t)
	req := h.request(t, f.ID, 9)
	delete(req.PaymentPayload.Payload, "signature")

	_, err := h.node.Verify(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, x402.ReasonInvalidPayload, x402.CodeOf(err))

	received := h.entries(t, explorer.Filter{EventType: explorer.EventTaskReceived})
	require.Len(t, received, 1)
	assert.Equal(t, f.ID, received[0].FacilitatorID)
	assert.Equal(t, explorer.StatusInvalid, received[0].Status)
	assert.Equal(t, x402.ReasonInvalidPayload, received[0].Payload["invalidReason"])
}

func TestSettleBroadcastFailureIsUpstreamUnavailable(t *testing.T) {
	h := newHarness(t)
	f := h.activeFacilitator(t)
	h.chain.FailSends(errors.New("connection refused"))

	_, err := h.node.Settle(context.Background(), h.request(t, f.ID, 3))
	require.Error(t, err)
	assert.True(t, x402.IsKind(err, x402.KindUpstreamUnavailable))

	resp, err := h.node.Verify(context.Background(), h.request(t, f.ID, 3))
	require.NoError(t, err)
	assert.True(t, resp.IsValid, "released nonce verifies again")
}

func TestEncryptSystemKey(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	sealed, err := h.node.EncryptSystemKey(hexKey)
	require.NoError(t, err)
	raw, err := vault.Decrypt(sealed, testMaster(t))
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSA(key), raw)

	_, err = h.node.EncryptSystemKey("0x1234")
	assert.True(t, x402.IsKind(err, x402.KindValidation))
}

func TestWithoutMasterKeyCustodyIsDisabled(t *testing.T) {
	h := newHarness(t, WithMasterKey(nil))

	_, err := h.node.EncryptSystemKey(strings.Repeat("11", 32))
	assert.True(t, x402.IsKind(err, x402.KindConfiguration))

	_, err = h.node.RegisterFacilitator(context.Background(), RegisterRequest{Name: "relay", OwnerAddress: owner, PaymentRecipient: merchant})
	assert.True(t, x402.IsKind(err, x402.KindConfiguration))
}

func TestSupportedListsConfiguredNetworks(t *testing.T) {
	h := newHarness(t)
	supported, err := h.node.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, supported.Kinds, 1)
	assert.Equal(t, chaintest.Fuji, supported.Kinds[0].Network)
	assert.Equal(t, chaintest.FujiUSDC, supported.Kinds[0].Asset)
	assert.Equal(t, []string{"eip155:43113"}, h.node.Networks())
}

type fakeUpstream struct {
	resp *x402.VerifyResponse
	err  error
}

func (u *fakeUpstream) Verify(context.Context, x402.VerifyRequest) (*x402.VerifyResponse, error) {
	return u.resp, u.err
}

func (u *fakeUpstream) GetSupported(context.Context) (x402.SupportedResponse, error) {
	if u.err != nil {
		return x402.SupportedResponse{}, u.err
	}
	return x402.SupportedResponse{Kinds: []x402.SupportedKind{{X402Version: 2, Scheme: "exact", Network: "eip155:43114"}}}, nil
}

func TestProxyModeForwardsVerify(t *testing.T) {
	up := &fakeUpstream{resp: &x402.VerifyResponse{IsValid: true, Payer: owner}}
	h := newHarness(t, WithUpstream(up))
	assert.True(t, h.node.Proxied())

	resp, err := h.node.Verify(context.Background(), h.request(t, "", 1))
	require.NoError(t, err)
	assert.True(t, resp.IsValid)

	supported, err := h.node.Supported(context.Background())
	require.NoError(t, err)
	assert.Equal(t, x402.Network("eip155:43114"), supported.Kinds[0].Network)

	up.err = errors.New("dial tcp: refused")
	_, err = h.node.Verify(context.Background(), h.request(t, "", 2))
	assert.True(t, x402.IsKind(err, x402.KindUpstreamUnavailable))

	received := h.entries(t, explorer.Filter{EventType: explorer.EventTaskReceived})
	require.Len(t, received, 2)
	assert.Equal(t, explorer.StatusInvalid, received[0].Status)
	assert.Equal(t, true, received[1].Payload["upstream"])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "postgres"
	_, err := New(context.Background(), cfg, WithMasterKey(testMaster(t)), WithChains(chaintest.NewChain()))
	assert.True(t, x402.IsKind(err, x402.KindConfiguration))
}

func TestNodeOverSQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.Path = t.TempDir() + "/node.db"

	n, err := New(context.Background(), cfg, WithMasterKey(testMaster(t)), WithChains(chaintest.NewChain()))
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Ping(context.Background()))
	f, err := n.RegisterFacilitator(context.Background(), RegisterRequest{Name: "relay", OwnerAddress: owner, PaymentRecipient: merchant})
	require.NoError(t, err)
	got, err := n.Registry().Get(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.EncryptedPrivateKey, got.EncryptedPrivateKey)
}
