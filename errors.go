package troupe

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind classifies every error the orchestrator surfaces. The set is
// closed: callers switch on Kind instead of matching message strings.
type ErrorKind string

const (
	KindConfig            ErrorKind = "config"
	KindTemplate          ErrorKind = "template"
	KindBrain             ErrorKind = "brain"
	KindMalformedToolArgs ErrorKind = "malformed_tool_arguments"
	KindUnknownTool       ErrorKind = "unknown_tool"
	KindInvalidArguments  ErrorKind = "invalid_arguments"
	KindToolTimeout       ErrorKind = "tool_timeout"
	KindToolFailure       ErrorKind = "tool_failure"
	KindToolLoop          ErrorKind = "tool_loop"
	KindRouting           ErrorKind = "routing"
	KindInvalidState      ErrorKind = "invalid_state"
	KindNotFound          ErrorKind = "not_found"
	KindSession           ErrorKind = "session"
	KindMemory            ErrorKind = "memory"
)

// Error is the orchestrator's error type. Agent and Tool are set when the
// error is attributable to a specific agent turn or tool invocation.
type Error struct {
	Kind    ErrorKind
	Message string
	Agent   string
	Tool    string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Tool != "":
		return fmt.Sprintf("%s: tool %s: %s", e.Kind, e.Tool, e.Message)
	case e.Agent != "":
		return fmt.Sprintf("%s: agent %s: %s", e.Kind, e.Agent, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err in an Error of the given kind, keeping err for
// errors.As/Is chains.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the ErrorKind of err, or "" when err carries no Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is (or wraps) an Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ErrHTTP is the transport-level error for Brain backends. Retry logic
// inspects Status and RetryAfter to decide whether and when to retry.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying: rate limits, server
// overload, network timeouts, and connection-level failures (refused,
// reset, DNS). Those surface as *net.OpError from the dialer.
func IsTransient(err error) bool {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests ||
			he.Status == http.StatusServiceUnavailable ||
			he.Status == http.StatusBadGateway ||
			he.Status == http.StatusGatewayTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses an HTTP Retry-After header value: either delay
// seconds or an HTTP date. Returns 0 for empty or unparseable values.
func ParseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(h, "%d", &secs); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
