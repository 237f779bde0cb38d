package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrPermanent marks a failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

// ErrorClass represents a classification of a single attempt's failure.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and pacing refusals.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection-level errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents an attempt that exceeded its per-call timeout.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassDecode represents a response body that is not valid JSON.
	ErrorClassDecode ErrorClass = "decode"

	// ErrorClassRequest represents a request that could not be built.
	ErrorClassRequest ErrorClass = "request"

	// ErrorClassStatus represents an unexpected non-error status (1xx, 3xx).
	ErrorClassStatus ErrorClass = "status"
)

// ErrorKind is the terminal failure category reported for a request.
type ErrorKind string

const (
	// KindPermanent is a failure that was not retried.
	KindPermanent ErrorKind = "permanent"

	// KindExhausted is a transient failure that persisted past max attempts.
	KindExhausted ErrorKind = "exhausted"

	// KindCancelled is a request stopped by context cancellation.
	KindCancelled ErrorKind = "cancelled"

	// KindSink is a payload that was fetched but could not be persisted.
	KindSink ErrorKind = "sink"
)

// APIError is the error recorded for an attempt that got an HTTP response
// the client did not accept.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("API %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// FetchError describes why a request ended without a usable payload.
type FetchError struct {
	ID         string
	Kind       ErrorKind
	Class      ErrorClass
	StatusCode int
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.ID, e.Kind)
	if e.Class != "" {
		msg += fmt.Sprintf(" (%s", e.Class)
		if e.StatusCode != 0 {
			msg += fmt.Sprintf(", status %d", e.StatusCode)
		}
		msg += ")"
	}
	msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the last underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is maps the error kind onto the package sentinels.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrRetryExhausted:
		return e.Kind == KindExhausted
	case ErrContextCancelled:
		return e.Kind == KindCancelled
	case ErrPermanent:
		return e.Kind == KindPermanent
	}
	return false
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork, ErrorClassTimeout:
		return true
	default:
		// client, decode, request and status errors never resolve on retry
		return false
	}
}
