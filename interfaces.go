package x402

import "context"

// SchemeNetworkFacilitator is implemented by facilitator-side payment mechanisms
type SchemeNetworkFacilitator interface {
	Scheme() string

	// CaipFamily returns the CAIP family pattern this facilitator supports,
	// e.g. "eip155:*" for EVM mechanisms.
	CaipFamily() string

	// Kinds lists the concrete (network, asset) pairs the mechanism can settle.
	Kinds() []SupportedKind

	// Verify runs the verification stages for one authorization against the
	// accepted requirements. A non-nil error means the outcome could not be
	// decided (for example the chain was unreachable), not that it was invalid.
	Verify(ctx context.Context, auth AuthorizationRequest, accepts []PaymentRequirements) (VerifyOutcome, error)
}

// Settler submits verified payments on-chain.
type Settler interface {
	Settle(ctx context.Context, payment VerifiedPayment) (*SettlementRecord, error)
}

// SettlementReader returns the current state of a submitted settlement.
type SettlementReader interface {
	Get(ctx context.Context, txHash string) (*SettlementRecord, error)
}

// FacilitatorDirectory resolves registered facilitators.
// Lookup returns a KindNotFound error for unknown ids.
type FacilitatorDirectory interface {
	Lookup(ctx context.Context, id string) (*FacilitatorInfo, error)
}

// FacilitatorClient talks to a remote facilitator service.
type FacilitatorClient interface {
	Verify(ctx context.Context, request VerifyRequest) (*VerifyResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}
