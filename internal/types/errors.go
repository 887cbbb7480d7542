package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode identifies an error category. The prefix determines the HTTP
// status an error maps to at the API boundary.
type ErrorCode string

const (
	// Validation errors (400).
	ErrCodeValidationInvalidJSON    ErrorCode = "validation_invalid_json"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_field"
	ErrCodeValidationInvalidField   ErrorCode = "validation_invalid_field"
	ErrCodeValidationInvalidAmount  ErrorCode = "validation_invalid_amount"
	ErrCodeValidationInvalidMethod  ErrorCode = "validation_invalid_method"
	ErrCodeValidationInvalidMobile  ErrorCode = "validation_invalid_mobile"
	ErrCodeValidationUnknownField   ErrorCode = "validation_unknown_field"
	ErrCodeValidationPayloadTooBig  ErrorCode = "validation_payload_too_large"
	ErrCodeValidationMalformedEvent ErrorCode = "validation_malformed_event"

	// Signature errors (401). Callbacks carrying a missing or invalid
	// signature are rejected before any payload field is trusted.
	ErrCodeSignatureMissing ErrorCode = "signature_missing"
	ErrCodeSignatureInvalid ErrorCode = "signature_invalid"

	// Not-found errors (404).
	ErrCodeNotFoundInvoice  ErrorCode = "not_found_invoice"
	ErrCodeNotFoundMember   ErrorCode = "not_found_member"
	ErrCodeNotFoundSequence ErrorCode = "not_found_dunning_sequence"
	ErrCodeNotFoundOrder    ErrorCode = "not_found_order"

	// Conflict errors (409).
	ErrCodeConflictInvoicePaid    ErrorCode = "conflict_invoice_already_paid"
	ErrCodeConflictInvoiceState   ErrorCode = "conflict_invoice_not_payable"
	ErrCodeConflictAmountMismatch ErrorCode = "conflict_settlement_amount_mismatch"
	ErrCodeConflictConcurrentEdit ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictSequenceClosed ErrorCode = "conflict_dunning_sequence_closed"

	// Gateway errors. Configuration gaps are 503, eligibility is 422,
	// provider declines are 402.
	ErrCodeGatewayNotConfigured ErrorCode = "gateway_not_configured"
	ErrCodeGatewayNotEligible   ErrorCode = "gateway_not_eligible"
	ErrCodePaymentDeclined      ErrorCode = "payment_declined"

	// Upstream errors (502): the provider misbehaved after our retries.
	ErrCodeUpstreamGatewayError ErrorCode = "upstream_gateway_error"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamBadResponse  ErrorCode = "upstream_bad_response"

	// Internal errors (500).
	ErrCodeInternalDatabase   ErrorCode = "internal_database_error"
	ErrCodeInternalQueue      ErrorCode = "internal_queue_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps the code to an HTTP status by prefix, with a handful of
// exact-match exceptions.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeGatewayNotConfigured:
		return http.StatusServiceUnavailable
	case ErrCodeGatewayNotEligible:
		return http.StatusUnprocessableEntity
	case ErrCodePaymentDeclined:
		return http.StatusPaymentRequired
	case ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeValidationPayloadTooBig:
		return http.StatusRequestEntityTooLarge
	}
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "signature_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the error type carried across package boundaries. Message is
// safe for API responses; Err holds the wrapped cause and stays internal.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]any
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails returns a copy of the error with the given detail attached.
func (e *AppError) WithDetails(key string, value any) *AppError {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &AppError{Code: e.Code, Message: e.Message, Err: e.Err, Details: details}
}

func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}
