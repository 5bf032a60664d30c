package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a provider failure so callers can decide whether to
// retry, back off, or give up.
type ErrorCode string

const (
	CodeAuth           ErrorCode = "auth_error"
	CodeRateLimited    ErrorCode = "rate_limited"
	CodeInvalidRequest ErrorCode = "invalid_request"
	CodeTransient      ErrorCode = "transient"
	CodeCanceled       ErrorCode = "canceled"
	CodeUnknown        ErrorCode = "unknown"
)

// Error is a classified provider failure.
type Error struct {
	Code       ErrorCode
	RetryAfter time.Duration // only set for CodeRateLimited
	err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewError wraps err with a classification code.
func NewError(code ErrorCode, err error) error {
	return &Error{Code: code, err: err}
}

// NewRateLimitedError wraps err as rate-limited with a suggested wait.
func NewRateLimitedError(err error, retryAfter time.Duration) error {
	return &Error{Code: CodeRateLimited, RetryAfter: retryAfter, err: err}
}

// CodeOf extracts the classification code, defaulting to CodeUnknown. A
// plain context cancellation maps to CodeCanceled.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCanceled
	}
	return CodeUnknown
}

// Retryable reports whether a retry could plausibly succeed.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransient, CodeRateLimited:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the provider-suggested wait, or zero.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
