package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

// ExactEvmFacilitator verifies EIP-3009 "exact" payments on EVM networks.
// It only reads state: nonces are checked, never reserved.
type ExactEvmFacilitator struct {
	networks map[x402.Network]NetworkConfig
	order    []x402.Network
	nonces   NonceChecker
	chains   map[x402.Network]ChainReader
	now      func() time.Time
}

// FacilitatorOption configures an ExactEvmFacilitator.
type FacilitatorOption func(*ExactEvmFacilitator)

// WithNetwork enables a network.
func WithNetwork(network x402.Network, config NetworkConfig) FacilitatorOption {
	return func(f *ExactEvmFacilitator) {
		if _, exists := f.networks[network]; !exists {
			f.order = append(f.order, network)
		}
		f.networks[network] = config
	}
}

// WithNonceChecker sets the local nonce ledger consulted in the nonce stage.
func WithNonceChecker(nonces NonceChecker) FacilitatorOption {
	return func(f *ExactEvmFacilitator) {
		f.nonces = nonces
	}
}

// WithChainReader additionally checks authorizationState on-chain for network.
func WithChainReader(network x402.Network, reader ChainReader) FacilitatorOption {
	return func(f *ExactEvmFacilitator) {
		f.chains[network] = reader
	}
}

// WithClock overrides the time source used for the validity window.
func WithClock(now func() time.Time) FacilitatorOption {
	return func(f *ExactEvmFacilitator) {
		f.now = now
	}
}

// NewExactEvmFacilitator builds the exact-scheme EIP-3009 verifier. Networks
// and chain readers are supplied through options.
func NewExactEvmFacilitator(opts ...FacilitatorOption) *ExactEvmFacilitator {
	f := &ExactEvmFacilitator{
		networks: make(map[x402.Network]NetworkConfig),
		chains:   make(map[x402.Network]ChainReader),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Scheme returns the scheme identifier
func (f *ExactEvmFacilitator) Scheme() string {
	return SchemeExact
}

func (f *ExactEvmFacilitator) CaipFamily() string {
	return "eip155:*"
}

// Kinds lists the default stablecoin of every enabled network.
func (f *ExactEvmFacilitator) Kinds() []x402.SupportedKind {
	kinds := make([]x402.SupportedKind, 0, len(f.order))
	for _, network := range f.order {
		asset := f.networks[network].DefaultAsset
		version := 2
		if _, _, err := network.Parse(); err != nil {
			// legacy network names belong to x402 v1
			version = 1
		}
		kinds = append(kinds, x402.SupportedKind{
			X402Version: version,
			Scheme:      SchemeExact,
			Network:     network,
			Asset:       asset.Address,
			Extra: map[string]interface{}{
				"name":    asset.Name,
				"version": asset.Version,
			},
		})
	}
	return kinds
}

// Verify runs the stages in order and stops at the first failure.
func (f *ExactEvmFacilitator) Verify(ctx context.Context, auth x402.AuthorizationRequest, accepts []x402.PaymentRequirements) (x402.VerifyOutcome, error) {
	invalid := func(reason string, reached x402.VerifyStage) (x402.VerifyOutcome, error) {
		return x402.VerifyOutcome{Response: x402.Invalid(reason, auth.From), Reached: reached}, nil
	}

	// Scheme, network and asset.
	config, ok := f.networks[auth.Network]
	if !ok || auth.Scheme != SchemeExact {
		return invalid(x402.ReasonUnsupportedScheme, x402.StageReceived)
	}
	requirement := x402.MatchRequirement(accepts, auth.Scheme, auth.Network, auth.Asset)
	if requirement == nil {
		return invalid(x402.ReasonUnsupportedScheme, x402.StageReceived)
	}
	tokenName, tokenVersion, ok := domainFor(config, *requirement)
	if !ok {
		return invalid(x402.ReasonUnsupportedScheme, x402.StageReceived)
	}
	parsed, err := ParseEIP3009Authorization(AuthorizationFromRequest(auth))
	if err != nil {
		return invalid(x402.ReasonInvalidPayload, x402.StageSchemeChecked)
	}
	signature, err := HexToBytes(auth.Signature)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload, x402.StageSchemeChecked)
	}

	// Signature.
	digest, err := HashEIP3009Authorization(AuthorizationFromRequest(auth), config.ChainID, requirement.Asset, tokenName, tokenVersion)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload, x402.StageSchemeChecked)
	}
	signer, err := RecoverSigner(digest, signature)
	if err != nil || signer != common.HexToAddress(parsed.From) {
		return invalid(x402.ReasonInvalidSignature, x402.StageSchemeChecked)
	}

	// Validity window: validAfter <= now < validBefore.
	now := big.NewInt(f.now().Unix())
	if now.Cmp(parsed.ValidAfter) < 0 {
		return invalid(x402.ReasonNotYetValid, x402.StageSignatureChecked)
	}
	if now.Cmp(parsed.ValidBefore) >= 0 {
		return invalid(x402.ReasonExpired, x402.StageSignatureChecked)
	}

	// Nonce.
	used, err := f.nonceUsed(ctx, auth, requirement.Asset, parsed)
	if err != nil {
		return x402.VerifyOutcome{}, err
	}
	if used {
		return invalid(x402.ReasonNonceReused, x402.StageTimeWindowChecked)
	}

	// Amount and recipient.
	required, ok := new(big.Int).SetString(requirement.MinimumAmount(), 10)
	if !ok {
		return invalid(x402.ReasonInvalidPayload, x402.StageNonceChecked)
	}
	if parsed.Value.Cmp(required) < 0 {
		return invalid(x402.ReasonInsufficientAmount, x402.StageNonceChecked)
	}
	if !SameAddress(parsed.To, requirement.PayTo) {
		return invalid(x402.ReasonRecipientMismatch, x402.StageNonceChecked)
	}

	return x402.VerifyOutcome{
		Response:    x402.VerifyResponse{IsValid: true, Payer: signer.Hex()},
		Reached:     x402.StageValid,
		Requirement: requirement,
	}, nil
}

func (f *ExactEvmFacilitator) nonceUsed(ctx context.Context, auth x402.AuthorizationRequest, asset string, parsed ParsedAuthorization) (bool, error) {
	if f.nonces != nil {
		used, err := f.nonces.IsNonceUsed(ctx, auth.From, asset, auth.Nonce)
		if err != nil || used {
			return used, err
		}
	}
	reader, ok := f.chains[auth.Network]
	if !ok {
		return false, nil
	}
	result, err := reader.ReadContract(ctx, asset, AuthorizationStateABI, FunctionAuthorizationState,
		common.HexToAddress(parsed.From), parsed.Nonce)
	if err != nil {
		return false, x402.NewUpstreamUnavailable("failed to read authorization state", err)
	}
	used, ok := result.(bool)
	if !ok {
		return false, x402.NewUpstreamUnavailable(fmt.Sprintf("unexpected authorizationState result %T", result), nil)
	}
	return used, nil
}

// domainFor picks the EIP-712 domain name and version: requirement extra
// first, then the network's default asset.
func domainFor(config NetworkConfig, requirement x402.PaymentRequirements) (string, string, bool) {
	name := requirement.ExtraString("name")
	version := requirement.ExtraString("version")
	if name != "" && version != "" {
		return name, version, true
	}
	if SameAddress(requirement.Asset, config.DefaultAsset.Address) {
		if name == "" {
			name = config.DefaultAsset.Name
		}
		if version == "" {
			version = config.DefaultAsset.Version
		}
		return name, version, true
	}
	return "", "", false
}
