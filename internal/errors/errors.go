package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Kind classifies an error by where in the request path it was produced.
type Kind string

const (
	// KindInvalidArgument marks input that failed validation. The request
	// never reached the network and is never retried.
	KindInvalidArgument Kind = "invalid_argument"

	// KindRateLimited marks a request denied by the rate limiter before
	// any network call. Never retried.
	KindRateLimited Kind = "rate_limited"

	// KindUpstreamRejected marks a 4xx response from the remote platform.
	// The remote's status and message are preserved verbatim.
	KindUpstreamRejected Kind = "upstream_rejected"

	// KindUpstreamUnavailable marks a network failure, timeout or 5xx.
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// KindNegotiationFailed marks a config-flow session that ended in its
	// Failed state: transport error, auth rejection or deadline.
	KindNegotiationFailed Kind = "negotiation_failed"
)

type AppError struct {
	Kind        Kind
	Message     string
	UserMessage string
	Severity    Severity
	Retryable   bool

	// Field names the offending argument for validation errors.
	Field string
	// Status carries the remote HTTP status for upstream errors.
	Status int

	cause error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}

	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.cause
}

func (e *AppError) Cause() error {
	return e.Unwrap()
}

func NewInvalidArgument(field, msg string) *AppError {
	return &AppError{
		Kind:        KindInvalidArgument,
		Message:     fmt.Sprintf("invalid argument %q: %s", field, msg),
		UserMessage: fmt.Sprintf("Invalid %s: %s", field, msg),
		Severity:    SeverityLow,
		Retryable:   false,
		Field:       field,
		cause:       nil,
	}
}

func NewRateLimited(retryAfter time.Duration) *AppError {
	seconds := int(retryAfter.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}

	return &AppError{
		Kind:        KindRateLimited,
		Message:     fmt.Sprintf("rate limit exceeded: retry after %d seconds", seconds),
		UserMessage: fmt.Sprintf("Too many requests. Try again in %d seconds", seconds),
		Severity:    SeverityLow,
		Retryable:   false,
		cause:       nil,
	}
}

func NewUpstreamRejected(status int, remoteMsg string) *AppError {
	if remoteMsg == "" {
		remoteMsg = "request rejected"
	}

	return &AppError{
		Kind:        KindUpstreamRejected,
		Message:     fmt.Sprintf("upstream rejected request (status %d): %s", status, remoteMsg),
		UserMessage: fmt.Sprintf("Home Assistant rejected the request (status %d): %s", status, remoteMsg),
		Severity:    SeverityMedium,
		Retryable:   false,
		Status:      status,
		cause:       nil,
	}
}

func NewUpstreamUnavailable(cause error) *AppError {
	var underlyingMsg string
	if cause != nil {
		underlyingMsg = cause.Error()
	}

	return &AppError{
		Kind:        KindUpstreamUnavailable,
		Message:     fmt.Sprintf("upstream unavailable: %s", underlyingMsg),
		UserMessage: "Home Assistant is unreachable. Try again later",
		Severity:    SeverityHigh,
		Retryable:   true,
		cause:       cause,
	}
}

func NewUpstreamStatusUnavailable(status int) *AppError {
	return &AppError{
		Kind:        KindUpstreamUnavailable,
		Message:     fmt.Sprintf("upstream unavailable: status %d", status),
		UserMessage: "Home Assistant is unreachable. Try again later",
		Severity:    SeverityHigh,
		Retryable:   true,
		Status:      status,
		cause:       nil,
	}
}

func NewNegotiationFailed(reason string, cause error) *AppError {
	return &AppError{
		Kind:        KindNegotiationFailed,
		Message:     fmt.Sprintf("config flow negotiation failed: %s", reason),
		UserMessage: fmt.Sprintf("Could not complete the configuration flow: %s", reason),
		Severity:    SeverityMedium,
		Retryable:   true,
		cause:       cause,
	}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report an empty Kind.
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr != nil {
		return appErr.Kind
	}

	return ""
}

// SeverityOf extracts the severity from an error chain. Unclassified errors
// count as high severity.
func SeverityOf(err error) Severity {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr != nil {
		return appErr.Severity
	}

	return SeverityHigh
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr != nil {
		return appErr.Retryable
	}

	return false
}
