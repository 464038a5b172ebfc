// Package apperr defines Datify's typed error taxonomy and its mapping onto
// HTTP status codes. Every error that crosses a component boundary is
// expected to be (or wrap) an *Error from this package so the API layer can
// respond consistently.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the five families from the
// error-handling design.
type Kind string

const (
	KindValidation Kind = "validation"
	KindState      Kind = "state"
	KindRuntime    Kind = "runtime"
	KindSecurity   Kind = "security"
	KindInternal   Kind = "internal"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	// Validation
	CodeDuplicateName        Code = "duplicate_name"
	CodeBadName              Code = "bad_name"
	CodeUnsupportedVersion   Code = "unsupported_version"
	CodeUnsupportedBranchMode Code = "unsupported_branch_mode"
	CodeInvalidConfig        Code = "invalid_config"

	// State
	CodeConflictingState Code = "conflicting_state"
	CodeNotFound         Code = "not_found"
	CodeQuotaExceeded    Code = "quota_exceeded"
	CodePortExhausted    Code = "port_exhausted"

	// Runtime
	CodeRuntimeUnavailable Code = "runtime_unavailable"
	CodeReadinessTimeout   Code = "readiness_timeout"
	CodeScrapeTimeout      Code = "scrape_timeout"
	CodeSlowConsumer       Code = "slow_consumer"

	// Security
	CodeAuthFailed    Code = "auth_failed"
	CodeForbidden     Code = "forbidden"
	CodeCryptoTampered  Code = "crypto_tampered"
	CodeCryptoKeyMissing Code = "crypto_key_missing"

	// Internal
	CodeStoreError Code = "store_error"
	CodeIOError    Code = "io_error"
	CodeOther      Code = "other"
)

var kindOf = map[Code]Kind{
	CodeDuplicateName:         KindValidation,
	CodeBadName:               KindValidation,
	CodeUnsupportedVersion:    KindValidation,
	CodeUnsupportedBranchMode: KindValidation,
	CodeInvalidConfig:         KindValidation,

	CodeConflictingState: KindState,
	CodeNotFound:         KindState,
	CodeQuotaExceeded:    KindState,
	CodePortExhausted:    KindState,

	CodeRuntimeUnavailable: KindRuntime,
	CodeReadinessTimeout:   KindRuntime,
	CodeScrapeTimeout:      KindRuntime,
	CodeSlowConsumer:       KindRuntime,

	CodeAuthFailed:       KindSecurity,
	CodeForbidden:        KindSecurity,
	CodeCryptoTampered:   KindSecurity,
	CodeCryptoKeyMissing: KindSecurity,

	CodeStoreError: KindInternal,
	CodeIOError:    KindInternal,
	CodeOther:      KindInternal,
}

var statusOf = map[Code]int{
	CodeDuplicateName:         http.StatusConflict,
	CodeBadName:               http.StatusBadRequest,
	CodeUnsupportedVersion:    http.StatusBadRequest,
	CodeUnsupportedBranchMode: http.StatusBadRequest,
	CodeInvalidConfig:         http.StatusBadRequest,

	CodeConflictingState: http.StatusConflict,
	CodeNotFound:         http.StatusNotFound,
	CodeQuotaExceeded:    http.StatusTooManyRequests,
	CodePortExhausted:    http.StatusServiceUnavailable,

	CodeRuntimeUnavailable: http.StatusServiceUnavailable,
	CodeReadinessTimeout:   http.StatusGatewayTimeout,
	CodeScrapeTimeout:      http.StatusGatewayTimeout,
	CodeSlowConsumer:       http.StatusTooManyRequests,

	CodeAuthFailed:       http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeCryptoTampered:   http.StatusUnprocessableEntity,
	CodeCryptoKeyMissing: http.StatusInternalServerError,

	CodeStoreError: http.StatusInternalServerError,
	CodeIOError:    http.StatusInternalServerError,
	CodeOther:      http.StatusInternalServerError,
}

// Error is Datify's application error. It carries a stable Code, a
// human-readable Message, optional structured Fields for API responses, and
// an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind returns the error's family.
func (e *Error) Kind() Kind { return kindOf[e.Code] }

// HTTPStatus returns the status code the API layer should respond with.
func (e *Error) HTTPStatus() int {
	if s, ok := statusOf[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithField returns a copy of e with an extra field set, for structured
// API error responses (e.g. which field failed validation).
func (e *Error) WithField(key, value string) *Error {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	return &Error{Code: e.Code, Message: e.Message, Fields: fields, Cause: e.Cause}
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HTTPStatus returns the HTTP status code for any error, defaulting to 500
// for errors that are not *Error.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
