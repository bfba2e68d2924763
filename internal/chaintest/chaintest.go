// Package chaintest provides an in-memory EVM chain and payment signing
// helpers for tests.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/mechanisms/evm"
)

const (
	Fuji     = x402.Network("eip155:43113")
	FujiUSDC = "0x5425890298aed601595a70AB815c96711a31Bc65"
)

// Chain is a settlement.Chains backed by memory. Broadcasts succeed unless
// SendErr is set; receipts appear once Mine is called.
type Chain struct {
	mu       sync.Mutex
	head     uint64
	sent     []Sent
	receipts map[string]*evm.TransactionReceipt
	sendErr  error
}

// Sent is one recorded transferWithAuthorization call.
type Sent struct {
	TxHash   string
	From     string
	Contract string
	Function string
	Args     []interface{}
}

func NewChain() *Chain {
	return &Chain{head: 100, receipts: make(map[string]*evm.TransactionReceipt)}
}

func (c *Chain) Signer(_ x402.Network, privateKey []byte) (evm.FacilitatorEvmSigner, error) {
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return nil, x402.NewCryptoError("invalid_private_key", "facilitator key is not a valid secp256k1 key", err)
	}
	return &signer{chain: c, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}, nil
}

func (c *Chain) Reader(x402.Network) (evm.ChainReader, error) { return c, nil }

// ReadContract answers authorizationState with false.
func (c *Chain) ReadContract(_ context.Context, _ string, _ []byte, fn string, _ ...interface{}) (interface{}, error) {
	if fn == evm.FunctionAuthorizationState {
		return false, nil
	}
	return nil, fmt.Errorf("unexpected call %s", fn)
}

func (c *Chain) TransactionReceipt(_ context.Context, txHash string) (*evm.TransactionReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[strings.ToLower(txHash)], nil
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

// FailSends makes every later broadcast return err.
func (c *Chain) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Mine includes txHash in the next block with the given outcome.
func (c *Chain) Mine(txHash string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++
	status := evm.TxStatusFailed
	if success {
		status = evm.TxStatusSuccess
	}
	c.receipts[strings.ToLower(txHash)] = &evm.TransactionReceipt{Status: uint64(status), BlockNumber: c.head, TxHash: txHash}
}

// Sent returns the broadcasts so far.
func (c *Chain) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

type signer struct {
	chain   *Chain
	address string
}

func (s *signer) Address() string { return s.address }

func (s *signer) WriteContract(_ context.Context, address string, _ []byte, fn string, args ...interface{}) (string, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	hash := common.BytesToHash(crypto.Keccak256([]byte(fmt.Sprintf("%s/%d", s.address, len(c.sent))))).Hex()
	c.sent = append(c.sent, Sent{TxHash: hash, From: s.address, Contract: address, Function: fn, Args: args})
	return hash, nil
}

// Payer signs EIP-3009 authorizations over Fuji USDC.
type Payer struct {
	Key     *ecdsa.PrivateKey
	Address string
}

func NewPayer(t testing.TB) Payer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Payer{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

// Authorization is the unsigned part of a payment.
type Authorization struct {
	To          string
	Value       string
	Nonce       byte
	ValidAfter  time.Time
	ValidBefore time.Time
}

// Payload builds a signed x402 v2 payment payload for Fuji USDC.
func (p Payer) Payload(t testing.TB, a Authorization) x402.PaymentPayload {
	t.Helper()
	nonce := "0x" + strings.Repeat(fmt.Sprintf("%02x", a.Nonce), 32)
	auth := evm.ExactEIP3009Authorization{
		From:        p.Address,
		To:          a.To,
		Value:       a.Value,
		ValidAfter:  fmt.Sprint(a.ValidAfter.Unix()),
		ValidBefore: fmt.Sprint(a.ValidBefore.Unix()),
		Nonce:       nonce,
	}
	sig, err := evm.SignEIP3009Authorization(p.Key, auth, evm.ChainIDAvalancheFuji, FujiUSDC, "USD Coin", "2")
	if err != nil {
		t.Fatalf("sign authorization: %v", err)
	}
	return x402.PaymentPayload{
		X402Version: 2,
		Accepted: x402.PaymentRequirements{
			Scheme:  evm.SchemeExact,
			Network: Fuji,
			Asset:   FujiUSDC,
			Amount:  a.Value,
			PayTo:   a.To,
		},
		Payload: map[string]interface{}{
			"signature": sig,
			"authorization": map[string]interface{}{
				"from":        auth.From,
				"to":          auth.To,
				"value":       auth.Value,
				"validAfter":  auth.ValidAfter,
				"validBefore": auth.ValidBefore,
				"nonce":       auth.Nonce,
			},
		},
	}
}

// Requirement is the Fuji USDC requirement paying amount to payTo.
func Requirement(payTo, amount string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            evm.SchemeExact,
		Network:           Fuji,
		Asset:             FujiUSDC,
		Amount:            amount,
		PayTo:             payTo,
		MaxTimeoutSeconds: 600,
		Extra:             map[string]interface{}{"name": "USD Coin", "version": "2"},
	}
}
