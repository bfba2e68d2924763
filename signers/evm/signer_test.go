package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402evm "github.com/XavierOP877/x402-avalanche--sub001/mechanisms/evm"
)

type fakeBackend struct {
	mu       sync.Mutex
	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	call     []byte
	sendErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(43113), nil }

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (b *fakeBackend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(25_000_000_000), nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if tx.Nonce() != b.nonces[sender] {
		return errors.New("nonce too low")
	}
	b.nonces[sender]++
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return b.call, nil
}

func TestWriteContractSignsForChain(t *testing.T) {
	backend := newFakeBackend()
	chain := NewChain(backend, x402evm.ChainIDAvalancheFuji, WithGasLimit(250000))
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewFacilitatorSigner(chain, key)

	nonce := [32]byte{1}
	txHash, err := signer.WriteContract(context.Background(),
		"0x5425890298aed601595a70AB815c96711a31Bc65",
		x402evm.TransferWithAuthorizationVRSABI,
		x402evm.FunctionTransferWithAuthorization,
		common.HexToAddress("0x857b06519e91e3a54538791bdbb0e22373e36b66"),
		common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C"),
		big.NewInt(1000000), big.NewInt(0), big.NewInt(1700000600),
		nonce, uint8(27), [32]byte{2}, [32]byte{3},
	)
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, txHash, tx.Hash().Hex())
	assert.Equal(t, uint64(250000), tx.Gas())
	assert.Equal(t, 0, tx.ChainId().Cmp(x402evm.ChainIDAvalancheFuji))

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), sender.Hex())

	parsed, err := abi.JSON(strings.NewReader(string(x402evm.TransferWithAuthorizationVRSABI)))
	require.NoError(t, err)
	assert.Equal(t, parsed.Methods["transferWithAuthorization"].ID, tx.Data()[:4])
}

func TestWriteContractSerializesNonces(t *testing.T) {
	backend := newFakeBackend()
	chain := NewChain(backend, x402evm.ChainIDAvalancheFuji)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// A fresh signer per call, as settlement does after decrypting.
			signer := NewFacilitatorSigner(chain, key)
			_, err := signer.WriteContract(context.Background(),
				"0x5425890298aed601595a70AB815c96711a31Bc65",
				x402evm.AuthorizationStateABI,
				x402evm.FunctionAuthorizationState,
				common.HexToAddress("0x857b06519e91e3a54538791bdbb0e22373e36b66"),
				[32]byte{byte(i)},
			)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, backend.sent, 8)
}

func TestWriteContractErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("insufficient funds for gas")
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewFacilitatorSigner(NewChain(backend, x402evm.ChainIDAvalancheFuji), key)

	_, err = signer.WriteContract(context.Background(), "0x5425890298aed601595a70AB815c96711a31Bc65",
		x402evm.AuthorizationStateABI, x402evm.FunctionAuthorizationState,
		common.HexToAddress("0x857b06519e91e3a54538791bdbb0e22373e36b66"), [32]byte{})
	assert.ErrorContains(t, err, "insufficient funds")

	_, err = signer.WriteContract(context.Background(), "0x5425890298aed601595a70AB815c96711a31Bc65",
		x402evm.AuthorizationStateABI, "missing")
	assert.Error(t, err)

	_, err = NewFacilitatorSignerFromBytes(NewChain(backend, x402evm.ChainIDAvalancheFuji), []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestTransactionReceipt(t *testing.T) {
	backend := newFakeBackend()
	chain := NewChain(backend, x402evm.ChainIDAvalancheFuji)
	hash := common.HexToHash("0xaa")

	receipt, err := chain.TransactionReceipt(context.Background(), hash.Hex())
	require.NoError(t, err)
	assert.Nil(t, receipt)

	backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(42)}
	receipt, err = chain.TransactionReceipt(context.Background(), hash.Hex())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, uint64(x402evm.TxStatusSuccess), receipt.Status)
	assert.Equal(t, uint64(42), receipt.BlockNumber)
}

func TestReadContractUnpacksAuthorizationState(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(string(x402evm.AuthorizationStateABI)))
	require.NoError(t, err)
	packed, err := parsed.Methods["authorizationState"].Outputs.Pack(true)
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.call = packed
	chain := NewChain(backend, x402evm.ChainIDAvalancheFuji)

	result, err := chain.ReadContract(context.Background(), "0x5425890298aed601595a70AB815c96711a31Bc65",
		x402evm.AuthorizationStateABI, x402evm.FunctionAuthorizationState,
		common.HexToAddress("0x857b06519e91e3a54538791bdbb0e22373e36b66"), [32]byte{9})
	require.NoError(t, err)
	assert.Equal(t, true, result)
}
