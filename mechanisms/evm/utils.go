package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// GetNetworkConfig returns the built-in configuration for a CAIP-2 id or
// legacy network name.
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	config, ok := NetworkConfigs[network]
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	return &config, nil
}

// GetAssetInfo resolves asset metadata on a network. An empty asset selects
// the network's default stablecoin.
func GetAssetInfo(network string, asset string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	if asset == "" || SameAddress(asset, config.DefaultAsset.Address) {
		info := config.DefaultAsset
		return &info, nil
	}
	if !common.IsHexAddress(asset) {
		return nil, fmt.Errorf("invalid asset address: %s", asset)
	}
	return nil, fmt.Errorf("asset %s is not supported on %s", asset, network)
}

// HexToBytes decodes a hex string with or without the 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string")
	}
	return hex.DecodeString(s)
}

// ParseEIP3009Authorization decodes and range-checks the numeric and hex
// fields of an authorization.
func ParseEIP3009Authorization(a ExactEIP3009Authorization) (ParsedAuthorization, error) {
	if !common.IsHexAddress(a.From) {
		return ParsedAuthorization{}, fmt.Errorf("invalid from address: %q", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return ParsedAuthorization{}, fmt.Errorf("invalid to address: %q", a.To)
	}
	value, err := parseUint256(a.Value, "value")
	if err != nil {
		return ParsedAuthorization{}, err
	}
	validAfter, err := parseUint256(a.ValidAfter, "validAfter")
	if err != nil {
		return ParsedAuthorization{}, err
	}
	validBefore, err := parseUint256(a.ValidBefore, "validBefore")
	if err != nil {
		return ParsedAuthorization{}, err
	}
	nonceBytes, err := HexToBytes(a.Nonce)
	if err != nil {
		return ParsedAuthorization{}, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(nonceBytes) != 32 {
		return ParsedAuthorization{}, fmt.Errorf("nonce must be 32 bytes, got %d", len(nonceBytes))
	}

	parsed := ParsedAuthorization{
		From:        a.From,
		To:          a.To,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
	}
	copy(parsed.Nonce[:], nonceBytes)
	return parsed, nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseUint256(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q", field, s)
	}
	if v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%s out of range: %s", field, s)
	}
	return v, nil
}

// SplitSignature splits a 65-byte signature into the v, r, s arguments of
// transferWithAuthorization, normalizing v to {27,28}.
func SplitSignature(signature []byte) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	if len(signature) != 65 {
		return 0, r, s, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v := signature[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
