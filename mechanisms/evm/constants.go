package evm

import (
	"math/big"
)

const (
	// Scheme identifier
	SchemeExact = "exact"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DefaultGasLimit covers a transferWithAuthorization call on USDC.
	DefaultGasLimit = 300000

	// PrimaryTypeTransferWithAuthorization is the EIP-712 primary type signed by payers.
	PrimaryTypeTransferWithAuthorization = "TransferWithAuthorization"
)

var (
	// Network chain IDs
	ChainIDAvalanche     = big.NewInt(43114)
	ChainIDAvalancheFuji = big.NewInt(43113)
	ChainIDBase          = big.NewInt(8453)
	ChainIDBaseSepolia   = big.NewInt(84532)

	usdcAvalanche = AssetInfo{
		Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Name:     "USD Coin",
		Version:  "2",
		Decimals: DefaultDecimals,
	}
	usdcFuji = AssetInfo{
		Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
		Name:     "USD Coin",
		Version:  "2",
		Decimals: DefaultDecimals,
	}
	usdcBase = AssetInfo{
		Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Name:     "USD Coin",
		Version:  "2",
		Decimals: DefaultDecimals,
	}
	usdcBaseSepolia = AssetInfo{
		Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Name:     "USDC",
		Version:  "2",
		Decimals: DefaultDecimals,
	}

	// NetworkConfigs lists the built-in networks, keyed by CAIP-2 id and by
	// legacy v1 name. Only EIP-3009 stablecoins can be settled.
	NetworkConfigs = map[string]NetworkConfig{
		"eip155:43114":   {ChainID: ChainIDAvalanche, DefaultAsset: usdcAvalanche},
		"avalanche":      {ChainID: ChainIDAvalanche, DefaultAsset: usdcAvalanche},
		"eip155:43113":   {ChainID: ChainIDAvalancheFuji, DefaultAsset: usdcFuji},
		"avalanche-fuji": {ChainID: ChainIDAvalancheFuji, DefaultAsset: usdcFuji},
		"eip155:8453":    {ChainID: ChainIDBase, DefaultAsset: usdcBase},
		"base":           {ChainID: ChainIDBase, DefaultAsset: usdcBase},
		"eip155:84532":   {ChainID: ChainIDBaseSepolia, DefaultAsset: usdcBaseSepolia},
		"base-sepolia":   {ChainID: ChainIDBaseSepolia, DefaultAsset: usdcBaseSepolia},
	}

	// EIP-3009 ABI for transferWithAuthorization with v,r,s (EOA signatures)
	TransferWithAuthorizationVRSABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ABI for authorizationState check
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	eip712DomainFields = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	transferWithAuthorizationFields = []TypedDataField{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	}
)

// EIP3009Types returns the EIP-712 type set for TransferWithAuthorization.
func EIP3009Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain":                       eip712DomainFields,
		PrimaryTypeTransferWithAuthorization: transferWithAuthorizationFields,
	}
}
