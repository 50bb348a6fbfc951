package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a delivery failure.
type ErrorKind string

const (
	KindNetworkTimeout     ErrorKind = "network_timeout"
	KindNetworkConnection  ErrorKind = "network_connection"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindTemporaryFailure   ErrorKind = "temporary_failure"
	KindRateLimitExceeded  ErrorKind = "rate_limit_exceeded"
	KindCircuitBreakerOpen ErrorKind = "circuit_breaker_open"
	KindQuietHours         ErrorKind = "quiet_hours"
	KindChannelDisabled    ErrorKind = "channel_disabled"
	KindRecipientOffline   ErrorKind = "recipient_offline"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindAuthentication     ErrorKind = "authentication"
	KindConfiguration      ErrorKind = "configuration"
	KindPermanentFailure   ErrorKind = "permanent_failure"
)

// Error is a typed delivery error.
type Error struct {
	Kind    ErrorKind
	Message string

	// RetryAfter is the server-provided delay of a rate limit.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Kind == KindRateLimitExceeded && e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Kind, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the runtime should try again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetworkTimeout, KindNetworkConnection, KindServiceUnavailable,
		KindTemporaryFailure, KindRateLimitExceeded:
		return true
	}
	return false
}

// KindOf returns the kind of err, or KindPermanentFailure for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanentFailure
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func invalid(msg string) *Error { return newError(KindInvalidRequest, msg) }

// RateLimited returns a retryable rate limit error carrying retryAfter.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimitExceeded, Message: msg, RetryAfter: retryAfter}
}

// Temporary returns a retryable temporary failure.
func Temporary(msg string) *Error { return newError(KindTemporaryFailure, msg) }

// Permanent returns a non-retryable failure.
func Permanent(msg string) *Error { return newError(KindPermanentFailure, msg) }

// classifyStatus maps an HTTP status of a provider API to an error kind.
func classifyStatus(code int, body string, retryAfter time.Duration) *Error {
	msg := fmt.Sprintf("status %d: %s", code, body)
	switch {
	case code == 429:
		return RateLimited(msg, retryAfter)
	case code == 401 || code == 403:
		return newError(KindAuthentication, msg)
	case code == 408:
		return newError(KindNetworkTimeout, msg)
	case code == 503 || code == 502 || code == 504:
		return newError(KindServiceUnavailable, msg)
	case code >= 500:
		return Temporary(msg)
	default:
		return newError(KindPermanentFailure, msg)
	}
}

// countsAgainstBreaker reports whether err reflects the health of the
// downstream service rather than the request or recipient.
func countsAgainstBreaker(err error) bool {
	switch KindOf(err) {
	case KindInvalidRequest, KindRecipientOffline, KindQuietHours, KindChannelDisabled,
		KindCircuitBreakerOpen:
		return false
	}
	return true
}

// classifyTransport maps a client error of an HTTP or SMTP call.
func classifyTransport(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindNetworkTimeout, err.Error())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(KindNetworkTimeout, err.Error())
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return newError(KindNetworkConnection, err.Error())
	}
	return Temporary(err.Error())
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
