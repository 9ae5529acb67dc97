// Package resilience classifies delivery failures, retries the transient
// ones with exponential backoff, and routes the rest to a dead letter store.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RetryableError lets an error state its own retry policy. When implemented
// it takes precedence over type-based classification.
type RetryableError interface {
	error
	ShouldRetry() bool
}

// TransportError wraps a broker or network failure. Retryable.
type TransportError struct {
	Underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Underlying)
}

func (e *TransportError) ShouldRetry() bool { return true }

func (e *TransportError) Unwrap() error { return e.Underlying }

// NewTransportError wraps err as a retryable transport failure.
func NewTransportError(err error) *TransportError {
	return &TransportError{Underlying: err}
}

// TimeoutError wraps an operation that ran out of time. Retryable.
type TimeoutError struct {
	Underlying error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %v", e.Underlying)
}

func (e *TimeoutError) ShouldRetry() bool { return true }

func (e *TimeoutError) Unwrap() error { return e.Underlying }

// NewTimeoutError wraps err as a retryable timeout.
func NewTimeoutError(err error) *TimeoutError {
	return &TimeoutError{Underlying: err}
}

// ValidationError marks a malformed message. Not retryable, the same input
// fails the same way every time.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

func (e *ValidationError) ShouldRetry() bool { return false }

// NewValidationError creates a non-retryable validation failure.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// BusinessRejection marks a message the domain refused. Not retryable.
type BusinessRejection struct {
	Reason string
}

func (e *BusinessRejection) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reason)
}

func (e *BusinessRejection) ShouldRetry() bool { return false }

// NewBusinessRejection creates a non-retryable domain refusal.
func NewBusinessRejection(format string, args ...any) *BusinessRejection {
	return &BusinessRejection{Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable classifies a delivery failure. Errors implementing
// RetryableError decide for themselves; context deadlines count as timeouts;
// everything else falls back to message inspection and defaults to not
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.ShouldRetry()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Fallback for unclassified errors from drivers and SDKs.
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "temporary") {
		return true
	}
	if strings.Contains(errStr, "rate") || strings.Contains(errStr, "429") {
		return true
	}
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return true
	}

	return false
}
