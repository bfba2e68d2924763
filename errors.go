package x402

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them to responses.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindPreconditionFailed
	KindCrypto
	KindUpstreamUnavailable
	KindConfiguration
	KindSettlementTimeout
	// KindTransient marks storage errors that are safe to retry on idempotent reads.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindCrypto:
		return "crypto_error"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindConfiguration:
		return "configuration_error"
	case KindSettlementTimeout:
		return "settlement_timeout"
	case KindTransient:
		return "transient"
	default:
		return "internal_error"
	}
}

// Error is the error type returned across component boundaries.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and, when set on the target, by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func NewValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func NewNotFoundError(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func NewPreconditionFailed(code, message string) *Error {
	return &Error{Kind: KindPreconditionFailed, Code: code, Message: message}
}

// NewCryptoError wraps a cryptographic failure. The message must never carry key material.
func NewCryptoError(code, message string, err error) *Error {
	return &Error{Kind: KindCrypto, Code: code, Message: message, Err: err}
}

func NewUpstreamUnavailable(message string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Code: "upstream_unavailable", Message: message, Err: err}
}

func NewConfigurationError(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Code: "configuration_error", Message: message, Err: err}
}

func NewSettlementTimeout(txHash string) *Error {
	return &Error{Kind: KindSettlementTimeout, Code: "settlement_timeout", Message: "settlement still pending for " + txHash}
}

func NewTransientError(message string, err error) *Error {
	return &Error{Kind: KindTransient, Code: "transient", Message: message, Err: err}
}

// Verification outcomes reported in VerifyResponse.InvalidReason
const (
	ReasonUnsupportedScheme    = "unsupported_scheme"
	ReasonInvalidSignature     = "invalid_signature"
	ReasonExpired              = "expired"
	ReasonNotYetValid          = "not_yet_valid"
	ReasonNonceReused          = "nonce_reused"
	ReasonInsufficientAmount   = "insufficient_amount"
	ReasonRecipientMismatch    = "recipient_mismatch"
	ReasonInvalidPayload       = "invalid_payload"
	ReasonFacilitatorNotFound  = "facilitator_not_found"
	ReasonFacilitatorInactive  = "facilitator_inactive"
	ReasonUpstreamUnavailable  = "upstream_unavailable"
	ReasonConfirmationTimeout  = "confirmation_timeout"
	ReasonTransactionReverted  = "transaction_reverted"
	ReasonVerificationRequired = "verification_required"
)
