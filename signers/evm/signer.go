package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// FacilitatorSigner implements x402evm.FacilitatorEvmSigner for one
// facilitator wallet on one Chain.
type FacilitatorSigner struct {
	chain      *Chain
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewFacilitatorSigner binds a private key to a chain.
func NewFacilitatorSigner(chain *Chain, privateKey *ecdsa.PrivateKey) *FacilitatorSigner {
	return &FacilitatorSigner{
		chain:      chain,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewFacilitatorSignerFromBytes parses a raw 32-byte secp256k1 key.
func NewFacilitatorSignerFromBytes(chain *Chain, key []byte) (*FacilitatorSigner, error) {
	privateKey, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewFacilitatorSigner(chain, privateKey), nil
}

// Address returns the checksummed wallet address.
func (s *FacilitatorSigner) Address() string {
	return s.address.Hex()
}

// WriteContract packs, signs and broadcasts a contract call. Submissions from
// the same wallet are serialized so each one gets its own account nonce.
func (s *FacilitatorSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	method string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	unlock := s.chain.senders.Lock(strings.ToLower(s.address.Hex()))
	defer unlock()

	nonce, err := s.chain.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.chain.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      s.chain.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chain.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.chain.backend.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}
