package types

import "fmt"

// Error codes shared across the facilitator. Cryptographic and compliance
// failures are terminal; only RPC_TRANSIENT and SETTLEMENT_TIMEOUT are
// retryable from the caller's point of view.
const (
	ErrMalformedPayload     = "MALFORMED_PAYLOAD"
	ErrUnsupportedNetwork   = "UNSUPPORTED_NETWORK"
	ErrInvalidSignature     = "INVALID_SIGNATURE"
	ErrExpiredAuthorization = "EXPIRED_AUTHORIZATION"
	ErrNonceAlreadyUsed     = "NONCE_ALREADY_USED"
	ErrBlockedAddress       = "BLOCKED_ADDRESS"
	ErrNoEndpointConfigured = "NO_ENDPOINT_CONFIGURED"
	ErrRpcTransient         = "RPC_TRANSIENT"
	ErrRpcPermanent         = "RPC_PERMANENT"
	ErrOnChainRejected      = "ON_CHAIN_REJECTED"
	ErrSettlementTimeout    = "SETTLEMENT_TIMEOUT"
	ErrComplianceUnavail    = "COMPLIANCE_UNAVAILABLE"
	ErrContractViolation    = "CONTRACT_VIOLATION"
)

// FacilitatorError is the typed error returned across package boundaries.
// Message must never leak compliance match detail; that goes to the audit
// log only.
type FacilitatorError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	cause     error
}

func (e *FacilitatorError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FacilitatorError) Unwrap() error { return e.cause }

// NewError builds a terminal FacilitatorError.
func NewError(code, format string, args ...any) *FacilitatorError {
	return &FacilitatorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a FacilitatorError around an underlying cause.
func WrapError(code string, cause error, format string, args ...any) *FacilitatorError {
	return &FacilitatorError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// NewRetryable builds a FacilitatorError the caller may retry.
func NewRetryable(code string, cause error, format string, args ...any) *FacilitatorError {
	return &FacilitatorError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: true,
		cause:     cause,
	}
}

// ErrorCode extracts the facilitator error code from err, or RPC_PERMANENT
// if err is not a FacilitatorError.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if fe, ok := err.(*FacilitatorError); ok {
		return fe.Code
	}
	return ErrRpcPermanent
}
