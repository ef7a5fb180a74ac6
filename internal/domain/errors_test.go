package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOpErrorMessage(t *testing.T) {
	t.Parallel()

	err := &OpError{Op: "register", ID: "node-1", Err: ErrDuplicateTunnel}
	want := "register node-1: duplicate tunnel"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestOpErrorWithoutID(t *testing.T) {
	t.Parallel()

	err := &OpError{Op: "allocate", Err: ErrPoolExhausted}
	want := "allocate: port pool exhausted"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestOpErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", &OpError{Op: "lookup", ID: "t", Err: ErrTunnelUnavailable})
	if !errors.Is(err, ErrTunnelUnavailable) {
		t.Fatal("expected errors.Is to match ErrTunnelUnavailable")
	}
}

func TestCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"auth", ErrAuthFailed, "AUTH_FAILED", http.StatusUnauthorized},
		{"unknown_node", ErrUnknownNode, "UNKNOWN_NODE", http.StatusNotFound},
		{"protocol", ErrProtocolMismatch, "PROTOCOL_MISMATCH", http.StatusBadRequest},
		{"pool", ErrPoolExhausted, "POOL_EXHAUSTED", http.StatusServiceUnavailable},
		{"duplicate", ErrDuplicateTunnel, "DUPLICATE_TUNNEL", http.StatusConflict},
		{"unavailable", ErrTunnelUnavailable, "TUNNEL_UNAVAILABLE", http.StatusServiceUnavailable},
		{"denied", ErrAccessDenied, "ACCESS_DENIED", http.StatusForbidden},
		{"permission", ErrInsufficientPermission, "INSUFFICIENT_PERMISSION", http.StatusForbidden},
		{"expired", ErrTokenExpired, "TOKEN_EXPIRED", http.StatusUnauthorized},
		{"invalid", ErrTokenInvalid, "TOKEN_INVALID", http.StatusUnauthorized},
		{"relay", ErrRelayIO, "RELAY_IO_ERROR", http.StatusBadGateway},
		{"wrapped", fmt.Errorf("x: %w", ErrAccessDenied), "ACCESS_DENIED", http.StatusForbidden},
		{"other", errors.New("boom"), "INTERNAL", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Code(tc.err); got != tc.code {
				t.Fatalf("Code() = %q, want %q", got, tc.code)
			}
			if got := HTTPStatus(tc.err); got != tc.status {
				t.Fatalf("HTTPStatus() = %d, want %d", got, tc.status)
			}
		})
	}
}

func TestErrorForCodeRoundTrip(t *testing.T) {
	t.Parallel()

	if got := ErrorForCode("AUTH_FAILED"); !errors.Is(got, ErrAuthFailed) {
		t.Fatalf("ErrorForCode(AUTH_FAILED) = %v", got)
	}
	if got := ErrorForCode("NOPE"); got != nil {
		t.Fatalf("expected nil for unknown code, got %v", got)
	}
}

func TestOperatorVisible(t *testing.T) {
	t.Parallel()

	if !OperatorVisible(fmt.Errorf("register: %w", ErrPoolExhausted)) {
		t.Fatal("pool exhaustion must be operator visible")
	}
	if !OperatorVisible(ErrDuplicateTunnel) {
		t.Fatal("duplicate tunnel must be operator visible")
	}
	if OperatorVisible(ErrAccessDenied) {
		t.Fatal("access denied is routine")
	}
}
