package x402

import (
	"fmt"
	"strings"
)

// ValidatePaymentPayload performs basic validation on a payment payload
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version < 1 || p.X402Version > 2 {
		return NewValidationError(ReasonInvalidPayload, fmt.Sprintf("unsupported x402 version: %d", p.X402Version))
	}
	if p.Payload == nil {
		return NewValidationError(ReasonInvalidPayload, "payment payload is required")
	}
	return nil
}

// ValidatePaymentRequirements performs basic validation on payment requirements
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return NewValidationError("invalid_requirements", "payment scheme is required")
	}
	if r.Network == "" {
		return NewValidationError("invalid_requirements", "payment network is required")
	}
	if r.Asset == "" {
		return NewValidationError("invalid_requirements", "payment asset is required")
	}
	if r.MinimumAmount() == "" {
		return NewValidationError("invalid_requirements", "payment amount is required")
	}
	if r.PayTo == "" {
		return NewValidationError("invalid_requirements", "payment recipient is required")
	}
	return nil
}

// MatchRequirement finds the accepted requirement for a (scheme, network, asset) tuple.
// Asset addresses compare case-insensitively.
func MatchRequirement(accepts []PaymentRequirements, scheme string, network Network, asset string) *PaymentRequirements {
	for i := range accepts {
		r := accepts[i]
		if r.Scheme == scheme && r.Network == network && strings.EqualFold(r.Asset, asset) {
			return &accepts[i]
		}
	}
	return nil
}

// findByNetworkAndScheme finds a scheme implementation for a given network/scheme combination
// This supports pattern matching for networks (e.g., "eip155:*")
func findByNetworkAndScheme[T any](networkMap map[Network]map[string]T, scheme string, network Network) (T, bool) {
	var zero T

	if schemeMap, exists := networkMap[network]; exists {
		if impl, exists := schemeMap[scheme]; exists {
			return impl, true
		}
	}

	for registeredNetwork, schemeMap := range networkMap {
		if network.Match(registeredNetwork) {
			if impl, exists := schemeMap[scheme]; exists {
				return impl, true
			}
		}
	}

	return zero, false
}
