package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/XavierOP877/x402-avalanche--sub001/internal/keylock"
	x402evm "github.com/XavierOP877/x402-avalanche--sub001/mechanisms/evm"
)

// Backend is the subset of an RPC client the facilitator needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Chain is a connection to one EVM network. It implements x402evm.ChainReader
// and serializes transaction submission per sending wallet.
type Chain struct {
	backend  Backend
	chainID  *big.Int
	gasLimit uint64
	senders  *keylock.Map
	closer   func()
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithGasLimit sets the gas limit used for every transaction.
func WithGasLimit(limit uint64) ChainOption {
	return func(c *Chain) {
		if limit > 0 {
			c.gasLimit = limit
		}
	}
}

// NewChain wraps a backend for a known chain id.
func NewChain(backend Backend, chainID *big.Int, opts ...ChainOption) *Chain {
	c := &Chain{
		backend:  backend,
		chainID:  new(big.Int).Set(chainID),
		gasLimit: x402evm.DefaultGasLimit,
		senders:  keylock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to rpcURL and checks that it serves the expected chain.
func Dial(ctx context.Context, rpcURL string, expectedChainID *big.Int, opts ...ChainOption) (*Chain, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if expectedChainID != nil && chainID.Cmp(expectedChainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("rpc %s serves chain %s, expected %s", rpcURL, chainID, expectedChainID)
	}
	c := NewChain(client, chainID, opts...)
	c.closer = client.Close
	return c, nil
}

func (c *Chain) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Close releases the underlying RPC connection, if Chain owns one.
func (c *Chain) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// BlockNumber returns the current chain head.
func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// TransactionReceipt returns nil, nil while the transaction is not mined.
func (c *Chain) TransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, nil
	}
	out := &x402evm.TransactionReceipt{
		Status: receipt.Status,
		TxHash: receipt.TxHash.Hex(),
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// ReadContract calls a view function and returns its single output, or all
// outputs when there are several.
func (c *Chain) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}
