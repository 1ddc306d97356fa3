package troupe

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			"tool scoped",
			&Error{Kind: KindToolTimeout, Tool: "search", Message: "exceeded 30s"},
			"tool_timeout: tool search: exceeded 30s",
		},
		{
			"agent scoped",
			&Error{Kind: KindBrain, Agent: "planner", Message: "stream died"},
			"brain: agent planner: stream died",
		},
		{
			"bare",
			&Error{Kind: KindConfig, Message: "no agents"},
			"config: no agents",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	base := NewError(KindNotFound, "task t1 not found")
	if KindOf(base) != KindNotFound {
		t.Errorf("KindOf = %s, want not_found", KindOf(base))
	}
	wrapped := fmt.Errorf("loading: %w", base)
	if KindOf(wrapped) != KindNotFound {
		t.Errorf("KindOf(wrapped) = %s, want not_found through the chain", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf(plain) should be empty")
	}
	if !IsKind(wrapped, KindNotFound) || IsKind(wrapped, KindConfig) {
		t.Error("IsKind misclassified a wrapped error")
	}
}

func TestWrapErrorKeepsChain(t *testing.T) {
	inner := &ErrHTTP{Status: 429, Body: "slow down"}
	err := WrapError(KindBrain, inner, "turn failed for %s", "planner")
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 429 {
		t.Errorf("errors.As lost the HTTP error: %v", err)
	}
	if KindOf(err) != KindBrain {
		t.Errorf("KindOf = %s, want brain", KindOf(err))
	}
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &ErrHTTP{Status: 429}, true},
		{"502", &ErrHTTP{Status: 502}, true},
		{"503", &ErrHTTP{Status: 503}, true},
		{"504", &ErrHTTP{Status: 504}, true},
		{"401", &ErrHTTP{Status: 401}, false},
		{"500", &ErrHTTP{Status: 500}, false},
		{"wrapped 429", WrapError(KindBrain, &ErrHTTP{Status: 429}, "x"), true},
		{"net timeout", timeoutNetErr{}, true},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true},
		{"connection reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, true},
		{"wrapped refused", WrapError(KindBrain, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, "x"), true},
		{"plain", errors.New("nope"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("ParseRetryAfter(5) = %v, want 5s", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("ParseRetryAfter(\"\") = %v, want 0", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("ParseRetryAfter(soon) = %v, want 0", got)
	}
	future := time.Now().Add(30 * time.Second).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	if got := ParseRetryAfter(future); got <= 0 || got > 31*time.Second {
		t.Errorf("ParseRetryAfter(future date) = %v, want about 30s", got)
	}
	past := time.Now().Add(-time.Hour).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past date) = %v, want 0", got)
	}
}

func TestErrHTTPMessage(t *testing.T) {
	err := &ErrHTTP{Status: 429, Body: "too many requests"}
	if got := err.Error(); got != "http 429: too many requests" {
		t.Errorf("Error() = %q", got)
	}
}
