package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// ErrorCategory classifies executor errors
type ErrorCategory int

const (
	// ErrorCategoryUnknown - unclassified error
	ErrorCategoryUnknown ErrorCategory = iota

	// ErrorCategoryTransient - timeout, rate limit (429), server error (5xx), network error
	ErrorCategoryTransient

	// ErrorCategoryPermanent - auth error (401/403), bad request (400), parse error
	ErrorCategoryPermanent
)

// String returns a human-readable category name
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ExecutorError wraps executor failures with a classification
type ExecutorError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int   // HTTP status code if applicable
	RetryAfter int   // Seconds to wait before retry (from Retry-After header)
	Cause      error // Original error
}

func (e *ExecutorError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether another attempt could succeed
func (e *ExecutorError) IsRetryable() bool {
	return e.Category == ErrorCategoryTransient
}

// ClassifyHTTPError classifies an executor HTTP response error
func ClassifyHTTPError(statusCode int, body string) *ExecutorError {
	err := &ExecutorError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, truncateString(body, 200)),
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		err.Category = ErrorCategoryTransient
		err.RetryAfter = 60

	case statusCode == http.StatusRequestTimeout, statusCode >= 500 && statusCode < 600:
		err.Category = ErrorCategoryTransient

	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden,
		statusCode == http.StatusBadRequest, statusCode == http.StatusNotFound,
		statusCode == http.StatusUnprocessableEntity:
		err.Category = ErrorCategoryPermanent

	default:
		err.Category = ErrorCategoryUnknown
	}

	return err
}

// ClassifyError classifies a general error from an executor call
func ClassifyError(err error) *ExecutorError {
	if err == nil {
		return nil
	}

	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutorError{Category: ErrorCategoryTransient, Message: "Attempt timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ExecutorError{Category: ErrorCategoryTransient, Message: "Attempt canceled", Cause: err}
	}

	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF") {
		return &ExecutorError{
			Category: ErrorCategoryTransient,
			Message:  fmt.Sprintf("Network error: %s", truncateString(errStr, 100)),
			Cause:    err,
		}
	}

	if strings.Contains(errStr, "certificate") ||
		strings.Contains(errStr, "tls:") ||
		strings.Contains(errStr, "x509:") {
		return &ExecutorError{Category: ErrorCategoryPermanent, Message: "TLS/Certificate error", Cause: err}
	}

	return &ExecutorError{
		Category: ErrorCategoryUnknown,
		Message:  truncateString(errStr, 200),
		Cause:    err,
	}
}

// Backoff computes retry delays: base * multiplier^(n-1), capped, with optional jitter
type Backoff struct {
	base          time.Duration
	max           time.Duration
	multiplier    float64
	jitterPercent int
}

// NewBackoff creates a calculator. A zero base disables waiting.
func NewBackoff(base, max time.Duration, multiplier float64, jitterPercent int) *Backoff {
	if max <= 0 {
		max = 30 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if jitterPercent < 0 {
		jitterPercent = 0
	}
	return &Backoff{base: base, max: max, multiplier: multiplier, jitterPercent: jitterPercent}
}

// Delay returns the wait before retry number n (1-indexed)
func (b *Backoff) Delay(n int) time.Duration {
	if b.base <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}

	delay := float64(b.base) * math.Pow(b.multiplier, float64(n-1))
	if delay > float64(b.max) {
		delay = float64(b.max)
	}

	if b.jitterPercent > 0 {
		jitterRange := delay * float64(b.jitterPercent) / 100.0
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = float64(b.base)
	}

	return time.Duration(delay)
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
