package models

import (
	"fmt"
	"time"
)

// ErrorKind classifies why a fetch did not succeed.
type ErrorKind string

// Error kinds used across the fetchers, the orchestrator and the API layer.
const (
	KindTimeout            ErrorKind = "TIMEOUT"
	KindConnectionRefused  ErrorKind = "CONNECTION_REFUSED"
	KindDNSFailure         ErrorKind = "DNS_FAILURE"
	KindNetwork            ErrorKind = "NETWORK_ERROR"
	KindHTTPError          ErrorKind = "HTTP_ERROR"
	KindMalformed          ErrorKind = "MALFORMED"
	KindRenderTimeout      ErrorKind = "RENDER_TIMEOUT"
	KindSessionUnavailable ErrorKind = "SESSION_UNAVAILABLE"
	KindExtractionFailed   ErrorKind = "EXTRACTION_FAILED"
	KindCanceled           ErrorKind = "CANCELED"
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindCircuitOpen        ErrorKind = "CIRCUIT_OPEN"

	// API-only kinds.
	KindInvalidInput ErrorKind = "INVALID_INPUT"
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	KindInternal     ErrorKind = "INTERNAL_ERROR"
)

// FetchError is the internal error type carrying a kind and, for HTTP errors,
// the upstream status code. It supports error wrapping via Unwrap.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// RetryAfter is the upstream Retry-After hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a new FetchError.
func NewFetchError(kind ErrorKind, message string, err error) *FetchError {
	return &FetchError{Kind: kind, Message: message, Err: err}
}

// NewHTTPError creates a FetchError for an upstream error status.
func NewHTTPError(statusCode int, retryAfter time.Duration) *FetchError {
	return &FetchError{
		Kind:       KindHTTPError,
		StatusCode: statusCode,
		Message:    fmt.Sprintf("upstream responded with HTTP %d", statusCode),
		RetryAfter: retryAfter,
	}
}

// Status maps the error onto the terminal status reported to callers.
// 4xx other than 429, malformed input and extraction failures are permanent;
// everything else is worth retrying later.
func (e *FetchError) Status() Status {
	switch e.Kind {
	case KindRateLimited:
		return StatusRateLimited
	case KindCircuitOpen:
		return StatusCircuitOpen
	case KindMalformed, KindExtractionFailed, KindInvalidInput:
		return StatusPermanentFailure
	case KindHTTPError:
		if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429 {
			return StatusPermanentFailure
		}
		return StatusTransientFailure
	default:
		return StatusTransientFailure
	}
}

// Retryable reports whether a later attempt could plausibly succeed.
func (e *FetchError) Retryable() bool {
	return e.Status() != StatusPermanentFailure
}

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *FetchError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: string(e.Kind), Message: e.Message, Retryable: e.Retryable()}
}
