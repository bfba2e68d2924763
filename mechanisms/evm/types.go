package evm

import (
	"context"
	"math/big"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

// ExactEIP3009Authorization represents the EIP-3009 TransferWithAuthorization data
type ExactEIP3009Authorization struct {
	From        string `json:"from"`        // Ethereum address (hex)
	To          string `json:"to"`          // Ethereum address (hex)
	Value       string `json:"value"`       // Amount in base units as decimal string
	ValidAfter  string `json:"validAfter"`  // Unix timestamp as string
	ValidBefore string `json:"validBefore"` // Unix timestamp as string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string
}

// AuthorizationFromRequest extracts the signed fields of a flattened request.
func AuthorizationFromRequest(r x402.AuthorizationRequest) ExactEIP3009Authorization {
	return ExactEIP3009Authorization{
		From:        r.From,
		To:          r.To,
		Value:       r.Value,
		ValidAfter:  r.ValidAfter,
		ValidBefore: r.ValidBefore,
		Nonce:       r.Nonce,
	}
}

// ParsedAuthorization holds an authorization with its numeric fields decoded.
type ParsedAuthorization struct {
	From        string
	To          string
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// FacilitatorEvmSigner submits transactions from one facilitator wallet.
type FacilitatorEvmSigner interface {
	// Address returns the wallet address transactions are sent from
	Address() string

	// WriteContract signs and broadcasts a contract call and returns its hash
	// without waiting for it to be mined
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)
}

// ChainReader is the read side of a chain connection.
type ChainReader interface {
	// ReadContract calls a view function and returns its first output
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// TransactionReceipt returns the receipt of a mined transaction, or nil
	// while the transaction is still pending
	TransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// BlockNumber returns the current chain head
	BlockNumber(ctx context.Context) (uint64, error)
}

// NonceChecker reports whether an authorization nonce is consumed or reserved
// for (from, asset).
type NonceChecker interface {
	IsNonceUsed(ctx context.Context, from, asset, nonce string) (bool, error)
}
