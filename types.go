package x402

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:43114" for Avalanche C-Chain)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:1" matches "eip155:*" and "eip155:*" matches "eip155:1"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		return strings.HasPrefix(nStr, strings.TrimSuffix(patternStr, "*"))
	}
	if strings.HasSuffix(nStr, ":*") {
		return strings.HasPrefix(patternStr, strings.TrimSuffix(nStr, "*"))
	}
	return false
}

// PaymentRequirements defines what payment is acceptable for a resource
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount,omitempty"`            // v2 field
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"` // v1 compatibility field
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// MinimumAmount returns the price floor, preferring the v2 amount field.
func (r PaymentRequirements) MinimumAmount() string {
	if r.Amount != "" {
		return r.Amount
	}
	return r.MaxAmountRequired
}

// ExtraString reads a string value from Extra.
func (r PaymentRequirements) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[key].(string)
	return s
}

// Requirements is the set of payment options a request must match one of.
type Requirements struct {
	Accepts []PaymentRequirements `json:"accepts"`
}

// PaymentPayload contains the signed payment authorization from a client
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    PaymentRequirements    `json:"accepted"`          // V2: scheme/network in accepted
	Scheme      string                 `json:"scheme,omitempty"`  // V1: scheme at top level
	Network     string                 `json:"network,omitempty"` // V1: network at top level
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// AuthorizationRequest is the flattened form of an EIP-3009 payment payload.
type AuthorizationRequest struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Value       string  `json:"value"`
	ValidAfter  string  `json:"validAfter"`
	ValidBefore string  `json:"validBefore"`
	Nonce       string  `json:"nonce"`
	Signature   string  `json:"signature"`
	Scheme      string  `json:"scheme"`
	Network     Network `json:"network"`
	Asset       string  `json:"asset"`
}

type eip3009Payload struct {
	Signature     string `json:"signature"`
	Authorization struct {
		From        string      `json:"from"`
		To          string      `json:"to"`
		Value       json.Number `json:"value"`
		ValidAfter  json.Number `json:"validAfter"`
		ValidBefore json.Number `json:"validBefore"`
		Nonce       string      `json:"nonce"`
	} `json:"authorization"`
}

// ParseAuthorization flattens a v1 or v2 payment payload.
// The asset falls back to fallbackAsset when the payload does not carry one (v1).
func ParseAuthorization(p PaymentPayload, fallbackAsset string) (AuthorizationRequest, error) {
	if p.Payload == nil {
		return AuthorizationRequest{}, NewValidationError(ReasonInvalidPayload, "payment payload is required")
	}
	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return AuthorizationRequest{}, NewValidationError(ReasonInvalidPayload, err.Error())
	}
	var body eip3009Payload
	if err := json.Unmarshal(raw, &body); err != nil {
		return AuthorizationRequest{}, NewValidationError(ReasonInvalidPayload, err.Error())
	}
	auth := body.Authorization
	if auth.From == "" || auth.To == "" || auth.Nonce == "" || body.Signature == "" {
		return AuthorizationRequest{}, NewValidationError(ReasonInvalidPayload, "authorization is incomplete")
	}

	req := AuthorizationRequest{
		From:        auth.From,
		To:          auth.To,
		Value:       auth.Value.String(),
		ValidAfter:  auth.ValidAfter.String(),
		ValidBefore: auth.ValidBefore.String(),
		Nonce:       auth.Nonce,
		Signature:   body.Signature,
		Scheme:      p.Accepted.Scheme,
		Network:     p.Accepted.Network,
		Asset:       p.Accepted.Asset,
	}
	if p.X402Version == 1 || req.Scheme == "" {
		if p.Scheme != "" {
			req.Scheme = p.Scheme
		}
		if p.Network != "" {
			req.Network = Network(p.Network)
		}
	}
	if req.Asset == "" {
		req.Asset = fallbackAsset
	}
	return req, nil
}

// VerifyRequest contains the payment to verify
type VerifyRequest struct {
	FacilitatorID       string                `json:"facilitatorId,omitempty"`
	PaymentPayload      PaymentPayload        `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements  `json:"paymentRequirements,omitempty"`
	Accepts             []PaymentRequirements `json:"accepts,omitempty"`
}

// Requirements merges the single-requirement and list forms of the request.
func (r VerifyRequest) Requirements() Requirements {
	accepts := make([]PaymentRequirements, 0, len(r.Accepts)+1)
	if r.PaymentRequirements != nil {
		accepts = append(accepts, *r.PaymentRequirements)
	}
	accepts = append(accepts, r.Accepts...)
	return Requirements{Accepts: accepts}
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// Invalid builds a failed VerifyResponse.
func Invalid(reason, payer string) VerifyResponse {
	return VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// VerifyStage is a step of the verification state machine.
type VerifyStage int

const (
	StageReceived VerifyStage = iota
	StageSchemeChecked
	StageSignatureChecked
	StageTimeWindowChecked
	StageNonceChecked
	StageValid
	StageInvalid
)

func (s VerifyStage) String() string {
	switch s {
	case StageReceived:
		return "RECEIVED"
	case StageSchemeChecked:
		return "SCHEME_CHECKED"
	case StageSignatureChecked:
		return "SIGNATURE_CHECKED"
	case StageTimeWindowChecked:
		return "TIME_WINDOW_CHECKED"
	case StageNonceChecked:
		return "NONCE_CHECKED"
	case StageValid:
		return "VALID"
	default:
		return "INVALID"
	}
}

// VerifyOutcome is what a mechanism reports for one request.
type VerifyOutcome struct {
	Response VerifyResponse
	// Reached is the last stage passed before the outcome was decided.
	Reached     VerifyStage
	Requirement *PaymentRequirements
}

// SettlementStatus is the lifecycle state of a submitted settlement.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSuccess SettlementStatus = "success"
	SettlementFailed  SettlementStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementSuccess || s == SettlementFailed
}

// SettlementRecord tracks one broadcast settlement transaction.
type SettlementRecord struct {
	TxHash        string           `json:"txHash"`
	FacilitatorID string           `json:"facilitatorId"`
	Amount        string           `json:"amount"`
	Asset         string           `json:"asset"`
	Network       Network          `json:"network"`
	Payer         string           `json:"payer"`
	Nonce         string           `json:"nonce"`
	Status        SettlementStatus `json:"status"`
	BlockNumber   *uint64          `json:"blockNumber,omitempty"`
	ErrorReason   string           `json:"errorReason,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	// SubmittedBlock is the chain head observed at broadcast time.
	SubmittedBlock uint64 `json:"-"`
}

// VerifiedPayment is a payment that passed verification and may be settled.
type VerifiedPayment struct {
	FacilitatorID string
	Authorization AuthorizationRequest
	Requirement   PaymentRequirements
	Result        VerifyResponse
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Asset       string                 `json:"asset,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds      []SupportedKind `json:"kinds"`
	Extensions []string        `json:"extensions"`
}

// FacilitatorInfo is the registry view the verifier needs.
type FacilitatorInfo struct {
	ID               string
	Status           string
	WalletAddress    string
	PaymentRecipient string
}

// StatusActive is the facilitator status that permits verification and settlement.
const StatusActive = "active"
