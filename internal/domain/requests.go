package domain

import "time"

// CreateSessionRequest is the JSON body of POST /v1/sessions.
type CreateSessionRequest struct {
	NodeID             string        `json:"node_id"`
	Application        string        `json:"application"`
	MaxDurationSeconds int           `json:"max_duration_seconds,omitempty"`
	Params             SessionParams `json:"params,omitempty"`
}

// CreateSessionResponse is returned once a session is PENDING.
type CreateSessionResponse struct {
	SessionID      string    `json:"session_id"`
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	ConnectURL     string    `json:"connect_url"`
}

// TunnelView is the API representation of a live tunnel.
type TunnelView struct {
	ID                string       `json:"id"`
	NodeID            string       `json:"node_id"`
	Application       Application  `json:"application"`
	Kind              TunnelKind   `json:"kind"`
	Status            TunnelStatus `json:"status"`
	LocalPort         int          `json:"local_port"`
	RemotePort        int          `json:"remote_port"`
	IsSystem          bool         `json:"is_system"`
	BytesSent         int64        `json:"bytes_sent"`
	BytesReceived     int64        `json:"bytes_received"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	LastConnectedAt   *time.Time   `json:"last_connected_at,omitempty"`
	LastDisconnected  *time.Time   `json:"last_disconnected_at,omitempty"`
}

// SessionView is the API representation of an in-flight session.
type SessionView struct {
	ID          string        `json:"id"`
	TunnelID    string        `json:"tunnel_id"`
	NodeID      string        `json:"node_id"`
	UserID      string        `json:"user_id"`
	Application Application   `json:"application"`
	Status      SessionStatus `json:"status"`
	Params      SessionParams `json:"params"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	BytesIn     int64         `json:"bytes_in"`
	BytesOut    int64         `json:"bytes_out"`
	Frames      int64         `json:"frames"`
	LatencyMS   int64         `json:"connect_latency_ms,omitempty"`
}

// ErrorResponse is the JSON body returned by the hub for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
