package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrAuthFailed indicates the agent presented a token that does not
	// match the node credential.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnknownNode means the agent named a node id that is not registered.
	ErrUnknownNode = errors.New("unknown node")

	// ErrProtocolMismatch is returned when the agent dials a listener of a
	// different tunnel kind than the node is configured for.
	ErrProtocolMismatch = errors.New("tunnel protocol mismatch")

	// ErrPoolExhausted means no hub-side port is free in the configured range.
	ErrPoolExhausted = errors.New("port pool exhausted")

	// ErrDuplicateTunnel is returned when a (node, application) pair already
	// has a live tunnel.
	ErrDuplicateTunnel = errors.New("duplicate tunnel")

	// ErrTunnelUnavailable means no ACTIVE tunnel backs the requested session.
	ErrTunnelUnavailable = errors.New("tunnel unavailable")

	// ErrAccessDenied is returned when the ACL evaluation denies access.
	ErrAccessDenied = errors.New("access denied")

	// ErrInsufficientPermission means the ACL allowed access but the caller
	// lacks the capability for the requested application.
	ErrInsufficientPermission = errors.New("insufficient permission")

	// ErrTokenExpired is returned for a session token or session past expiry.
	ErrTokenExpired = errors.New("session token expired")

	// ErrTokenInvalid covers malformed, mis-signed, mismatched or reused
	// session tokens.
	ErrTokenInvalid = errors.New("session token invalid")

	// ErrRelayIO wraps an I/O failure on either side of a session relay.
	ErrRelayIO = errors.New("relay i/o error")

	// ErrTunnelNotFound means the requested tunnel id does not exist.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrSessionNotFound means the requested session id does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSystemTunnelProtected is returned when a caller tries to remove a
	// system tunnel outside of node deletion or revocation.
	ErrSystemTunnelProtected = errors.New("system tunnel is protected")

	// ErrInvalidSessionState is returned for a transition that the current
	// session status does not allow.
	ErrInvalidSessionState = errors.New("invalid session state")
)

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrAuthFailed, "AUTH_FAILED", http.StatusUnauthorized},
	{ErrUnknownNode, "UNKNOWN_NODE", http.StatusNotFound},
	{ErrProtocolMismatch, "PROTOCOL_MISMATCH", http.StatusBadRequest},
	{ErrPoolExhausted, "POOL_EXHAUSTED", http.StatusServiceUnavailable},
	{ErrDuplicateTunnel, "DUPLICATE_TUNNEL", http.StatusConflict},
	{ErrTunnelUnavailable, "TUNNEL_UNAVAILABLE", http.StatusServiceUnavailable},
	{ErrAccessDenied, "ACCESS_DENIED", http.StatusForbidden},
	{ErrInsufficientPermission, "INSUFFICIENT_PERMISSION", http.StatusForbidden},
	{ErrTokenExpired, "TOKEN_EXPIRED", http.StatusUnauthorized},
	{ErrTokenInvalid, "TOKEN_INVALID", http.StatusUnauthorized},
	{ErrRelayIO, "RELAY_IO_ERROR", http.StatusBadGateway},
	{ErrTunnelNotFound, "TUNNEL_NOT_FOUND", http.StatusNotFound},
	{ErrSessionNotFound, "SESSION_NOT_FOUND", http.StatusNotFound},
	{ErrSystemTunnelProtected, "SYSTEM_TUNNEL_PROTECTED", http.StatusConflict},
	{ErrInvalidSessionState, "INVALID_SESSION_STATE", http.StatusConflict},
}

// Code returns the stable error code for err, or "INTERNAL" when err does
// not wrap a known sentinel.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// ErrorForCode maps a stable code back to its sentinel. It returns nil for
// unknown codes.
func ErrorForCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// HTTPStatus maps err to the HTTP status an API layer should answer with.
func HTTPStatus(err error) int {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// OperatorVisible reports whether err signals a capacity or consistency
// problem an operator must be alerted about.
func OperatorVisible(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrDuplicateTunnel)
}

// OpError wraps an underlying error with the operation and the id of the
// tunnel, node or session it concerns.
type OpError struct {
	Op  string
	ID  string
	Err error
}

func (e *OpError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
