// Package errors provides coded sync errors.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Provider errors
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeProviderError        Code = "PROVIDER_ERROR"
	CodeMultiPageUnsupported Code = "MULTI_PAGE_UNSUPPORTED"

	// Pipeline errors
	CodeParseError        Code = "PARSE_ERROR"
	CodeTransformError    Code = "TRANSFORM_ERROR"
	CodeInvalidDescriptor Code = "INVALID_DESCRIPTOR"

	// Store errors
	CodeKeyCastError           Code = "KEY_CAST_ERROR"
	CodeUpsertTransactionError Code = "UPSERT_TRANSACTION_ERROR"
)

// Retryable reports whether the job runner should attempt the entity again.
// Quota exhaustion cannot recover within the provider's daily window, and an
// invalid descriptor will fail identically on every attempt.
func (c Code) Retryable() bool {
	switch c {
	case CodeQuotaExceeded, CodeInvalidDescriptor:
		return false
	default:
		return true
	}
}
