// Package apierror defines the failure taxonomy shared by the gateway core.
// Backend and pipeline errors are classified into a fixed set of kinds, carry
// their original cause, and are rendered as sanitized caller-dialect envelopes.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure. The retryable set is fixed: Timeout, Network,
// Upstream5xx and RateLimit; everything else surfaces as-is after mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindRateLimit
	KindTimeout
	KindNetwork
	KindUpstream5xx
	KindCircuitOpen
	KindCanceled
)

// String returns the snake_case name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindUpstream5xx:
		return "upstream_5xx"
	case KindCircuitOpen:
		return "circuit_open"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindUpstream5xx, KindRateLimit:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the kind to the status code returned to the caller.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindNetwork, KindUpstream5xx, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindCanceled:
		// Client closed request; nginx convention.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Failure is a classified gateway error. It preserves the original cause and
// an optional server-provided retry-after hint for 429 responses.
type Failure struct {
	Kind       Kind
	Message    string
	Cause      error
	RetryAfter time.Duration
	// Field names the offending request field for validation failures.
	Field string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes the cause chain to errors.Is and errors.As.
func (f *Failure) Unwrap() error { return f.Cause }

// Retryable reports whether this failure may be retried.
func (f *Failure) Retryable() bool { return f.Kind.Retryable() }

// New creates a failure with the given kind and message.
func New(kind Kind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}

// Wrap creates a failure wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Failure {
	return &Failure{Kind: kind, Message: message, Cause: cause}
}

// Validation creates a validation failure naming the offending field.
func Validation(field, reason string) *Failure {
	return &Failure{Kind: KindValidation, Message: reason, Field: field}
}

// AsFailure extracts a *Failure from err, classifying unrecognized errors
// as Unknown (or Canceled/Timeout for context errors).
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindCanceled, "request canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "request timed out", err)
	}
	return Wrap(KindUnknown, err.Error(), err)
}

// FromStatusCode classifies an upstream HTTP status code.
func FromStatusCode(status int, body string) *Failure {
	kind := KindUnknown
	switch {
	case status == http.StatusUnauthorized:
		kind = KindAuthentication
	case status == http.StatusForbidden:
		kind = KindAuthorization
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusRequestTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindUpstream5xx
	case status >= 400:
		kind = KindValidation
	}
	return &Failure{Kind: kind, Message: fmt.Sprintf("upstream returned status %d", status), Cause: errors.New(body)}
}
