package cursor

import "errors"

// Code is a bounded, externally safe rejection reason. Raw token bytes,
// secrets, SQL fragments, and parser internals never appear next to one.
type Code string

// Rejection codes.
const (
	CodeMalformed               Code = "MALFORMED"
	CodeSignatureInvalid        Code = "SIGNATURE_INVALID"
	CodeSecretMissing           Code = "SECRET_MISSING"
	CodeIssuedAtMissing         Code = "ISSUED_AT_MISSING"
	CodeIssuedAtInvalid         Code = "ISSUED_AT_INVALID"
	CodeExpired                 Code = "EXPIRED"
	CodeClockSkew               Code = "CLOCK_SKEW"
	CodeFingerprintMismatch     Code = "FINGERPRINT_MISMATCH"
	CodeQueryMismatch           Code = "QUERY_MISMATCH"
	CodeBackendSetChanged       Code = "BACKEND_SET_CHANGED"
	CodeFederatedOrderingUnsafe Code = "FEDERATED_ORDERING_UNSAFE"
	CodeUnstableTiebreaker      Code = "REQUIRES_STABLE_TIEBREAKER"
)

// Error is a cursor rejection. The message is generic by construction.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func reject(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// IsCode reports whether err is a cursor rejection with the given code.
func IsCode(err error, code Code) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Code == code
}

// CodeOf extracts the rejection code from err, or "" when err is not a
// cursor rejection.
func CodeOf(err error) Code {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return ""
}
