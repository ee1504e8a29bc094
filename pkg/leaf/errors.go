package leaf

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind enumerates spec.md §7's error kinds.
type ErrorKind string

const (
	KindTransportError     ErrorKind = "TransportError"
	KindContentInvalid     ErrorKind = "ContentInvalid"
	KindOperationCancelled ErrorKind = "OperationCancelled"
	KindCircuitOpen        ErrorKind = "CircuitOpen"
	KindThrottled          ErrorKind = "Throttled"
	KindHookError          ErrorKind = "HookError"
	KindValidationError    ErrorKind = "ValidationError"
	KindFatalConfiguration ErrorKind = "FatalConfiguration"
)

// OrchError wraps a classified failure, matching spec.md §7 exactly: a
// kind, a retryability flag, and the wrapped cause. Grounded on the
// teacher's plain-wrapped-error idiom (fmt.Errorf("...: %w", err)) rather
// than a third-party errors package — see DESIGN.md stdlib-only
// justification.
type OrchError struct {
	Kind      ErrorKind
	Retryable bool
	Cause     error
}

func (e *OrchError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *OrchError) Unwrap() error { return e.Cause }

// NewError constructs a classified error.
func NewError(kind ErrorKind, retryable bool, cause error) *OrchError {
	return &OrchError{Kind: kind, Retryable: retryable, Cause: cause}
}

// IsKind reports whether err (or any error it wraps) is an OrchError of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *OrchError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// IsRetryable reports whether err is classified as retryable. Non-OrchError
// errors are treated as non-retryable (conservative default).
func IsRetryable(err error) bool {
	var oe *OrchError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// classifyTransport implements spec.md §4.1 step 6's transport/HTTP
// classification: retryable iff status in {408,409,429,5xx} or the network
// error code matches a retryable set.
func classifyTransport(statusCode int, networkErr error) *OrchError {
	if networkErr != nil {
		return NewError(KindTransportError, isRetryableNetworkError(networkErr), networkErr)
	}
	retryable := statusCode == 408 || statusCode == 409 || statusCode == 429 || statusCode >= 500
	return NewError(KindTransportError, retryable, fmt.Errorf("status %d", statusCode))
}

func isRetryableNetworkError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, code := range []string{"connection reset", "i/o timeout", "connection refused", "no such host", "server misbehaving", "eof"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
