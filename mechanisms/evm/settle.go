package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

// TransferWithAuthorizationArgs builds the call arguments for
// transferWithAuthorization(from, to, value, validAfter, validBefore, nonce, v, r, s).
func TransferWithAuthorizationArgs(auth x402.AuthorizationRequest) ([]interface{}, error) {
	parsed, err := ParseEIP3009Authorization(AuthorizationFromRequest(auth))
	if err != nil {
		return nil, err
	}
	signature, err := HexToBytes(auth.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	v, r, s, err := SplitSignature(signature)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		common.HexToAddress(parsed.From),
		common.HexToAddress(parsed.To),
		parsed.Value,
		parsed.ValidAfter,
		parsed.ValidBefore,
		parsed.Nonce,
		v,
		r,
		s,
	}, nil
}

// SubmitTransfer broadcasts transferWithAuthorization on the asset contract
// and returns the transaction hash. It does not wait for the receipt.
func SubmitTransfer(ctx context.Context, signer FacilitatorEvmSigner, auth x402.AuthorizationRequest) (string, error) {
	if !common.IsHexAddress(auth.Asset) {
		return "", fmt.Errorf("invalid asset address: %q", auth.Asset)
	}
	args, err := TransferWithAuthorizationArgs(auth)
	if err != nil {
		return "", err
	}
	return signer.WriteContract(ctx, auth.Asset, TransferWithAuthorizationVRSABI, FunctionTransferWithAuthorization, args...)
}
