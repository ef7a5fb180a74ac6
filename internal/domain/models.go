// Package domain defines the core data types shared across the hub's
// tunnel, session, store and wire protocol layers.
package domain

import (
	"strings"
	"time"
)

// Application is an exposed service category a node offers through its
// reverse tunnel.
type Application string

// Exposed applications. AppSystem is the always-on management tunnel and
// never backs a user session.
const (
	AppTerminal  Application = "TERMINAL"
	AppRDP       Application = "RDP"
	AppVNC       Application = "VNC"
	AppWebServer Application = "WEB_SERVER"
	AppSystem    Application = "SYSTEM"
)

// UserApplications lists the applications a session may target.
var UserApplications = []Application{AppTerminal, AppRDP, AppVNC, AppWebServer}

// ParseApplication accepts the canonical names case-insensitively.
func ParseApplication(s string) (Application, bool) {
	a := Application(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case AppTerminal, AppRDP, AppVNC, AppWebServer, AppSystem:
		return a, true
	}
	return "", false
}

// DefaultPort is the node-local port assumed when a node does not declare
// one for the application.
func (a Application) DefaultPort() int {
	switch a {
	case AppTerminal:
		return 22
	case AppRDP:
		return 3389
	case AppVNC:
		return 5900
	case AppWebServer:
		return 80
	}
	return 0
}

// Protocol is the transport protocol implied by the application.
func (a Application) Protocol() string {
	return ProtocolTCP
}

// Capability is the permission a user needs to open a session of this kind.
func (a Application) Capability() Capability {
	switch a {
	case AppTerminal:
		return CapSSH
	case AppRDP:
		return CapRDP
	case AppVNC:
		return CapVNC
	case AppWebServer:
		return CapHTTP
	}
	return ""
}

// Capability names a per-node permission granted to users through groups.
type Capability string

const (
	CapSSH  Capability = "ssh"
	CapRDP  Capability = "rdp"
	CapVNC  Capability = "vnc"
	CapHTTP Capability = "http"
)

// CapabilitySet is a set of capabilities encoded as bit flags.
type CapabilitySet uint8

var capabilityBits = []struct {
	cap Capability
	bit CapabilitySet
}{
	{CapSSH, 1 << 0},
	{CapRDP, 1 << 1},
	{CapVNC, 1 << 2},
	{CapHTTP, 1 << 3},
}

// NewCapabilitySet builds a set from the given capabilities; unknown names
// are ignored.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		for _, b := range capabilityBits {
			if b.cap == c {
				s |= b.bit
			}
		}
	}
	return s
}

// ParseCapabilitySet parses a comma separated list such as "ssh,vnc".
func ParseCapabilitySet(raw string) CapabilitySet {
	var caps []Capability
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			caps = append(caps, Capability(part))
		}
	}
	return NewCapabilitySet(caps...)
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	for _, b := range capabilityBits {
		if b.cap == c {
			return s&b.bit != 0
		}
	}
	return false
}

func (s CapabilitySet) String() string {
	var parts []string
	for _, b := range capabilityBits {
		if s&b.bit != 0 {
			parts = append(parts, string(b.cap))
		}
	}
	return strings.Join(parts, ",")
}

// TunnelKind distinguishes the reverse channel flavours a node may use.
type TunnelKind string

const (
	TunnelKindReverse TunnelKind = "reverse"
	TunnelKindTLS     TunnelKind = "tls"
)

// ParseTunnelKind accepts "reverse"/"ssh" and "tls"/"ssl".
func ParseTunnelKind(s string) (TunnelKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reverse", "ssh":
		return TunnelKindReverse, true
	case "tls", "ssl":
		return TunnelKindTLS, true
	}
	return "", false
}

// TunnelStatus is the lifecycle status of a tunnel.
type TunnelStatus string

const (
	TunnelConnecting   TunnelStatus = "CONNECTING"
	TunnelActive       TunnelStatus = "ACTIVE"
	TunnelDisconnected TunnelStatus = "DISCONNECTED"
	TunnelError        TunnelStatus = "ERROR"
)

// SessionStatus is the lifecycle status of a user session.
type SessionStatus string

const (
	SessionPending      SessionStatus = "PENDING"
	SessionConnecting   SessionStatus = "CONNECTING"
	SessionActive       SessionStatus = "ACTIVE"
	SessionDisconnected SessionStatus = "DISCONNECTED"
	SessionExpired      SessionStatus = "EXPIRED"
	SessionError        SessionStatus = "ERROR"
	SessionTerminated   SessionStatus = "TERMINATED"
)

// Finished reports whether the status is terminal.
func (s SessionStatus) Finished() bool {
	switch s {
	case SessionDisconnected, SessionExpired, SessionError, SessionTerminated:
		return true
	}
	return false
}

// Protocol and wildcard values used by access rules.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
	ProtocolAll = "all"

	Wildcard = "*"
)

// Action is the outcome of an access rule.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"
)

// AppPort maps one exposed application to its node-local port and an
// optional preferred hub-side port (0 lets the pool choose).
type AppPort struct {
	App        Application
	LocalPort  int
	RemotePort int
}

// Node is a registered edge node and its reverse tunnel configuration.
type Node struct {
	ID              string
	Name            string
	TenantID        string
	Kind            TunnelKind
	AutoReconnect   bool
	Apps            []AppPort
	TokenHash       string
	Revoked         bool
	AuthFailures    int
	CreatedAt       time.Time
	LastConnectedAt *time.Time
}

// App returns the port mapping for app, falling back to the application's
// default local port when the node declares it without one.
func (n Node) App(app Application) (AppPort, bool) {
	for _, a := range n.Apps {
		if a.App == app {
			if a.LocalPort <= 0 {
				a.LocalPort = app.DefaultPort()
			}
			return a, true
		}
	}
	return AppPort{}, false
}

// AccessRule is one ordered entry of the access control list. Priority
// ascending means higher precedence. Port 0 matches any port. TimeStart and
// TimeEnd use "15:04" and may wrap midnight.
type AccessRule struct {
	ID          string
	Name        string
	Priority    int
	Enabled     bool
	Source      string
	Destination string
	Protocol    string
	Port        int
	Action      Action
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	Weekdays    []time.Weekday
	TimeStart   string
	TimeEnd     string
}

// Group is a user group in a tenant. ParentID links it into a hierarchy.
type Group struct {
	ID       string
	Name     string
	TenantID string
	ParentID string
}

// SessionParams carries the optional VNC quality and geometry.
type SessionParams struct {
	Quality int `json:"quality,omitempty"`
	Width   int `json:"width,omitempty"`
	Height  int `json:"height,omitempty"`
}

// Audit event types.
const (
	EventTunnelConnected    = "tunnel.connected"
	EventTunnelDisconnected = "tunnel.disconnected"
	EventTunnelError        = "tunnel.error"
	EventTunnelAuthFailed   = "tunnel.auth_failed"
	EventTunnelRejected     = "tunnel.rejected"
	EventSessionCreated     = "session.created"
	EventSessionDenied      = "session.denied"
	EventSessionActive      = "session.active"
	EventSessionFinished    = "session.finished"
	EventNodeRevoked        = "node.revoked"
	EventRequestBlocked     = "http.blocked"
)

// AuditEvent is a structured record handed to the audit collaborator.
type AuditEvent struct {
	Type      string
	At        time.Time
	NodeID    string
	TunnelID  string
	SessionID string
	UserID    string
	App       Application
	Code      string
	Detail    string
}

// SessionSummary is the record of a finished session kept for history.
type SessionSummary struct {
	ID             string
	TunnelID       string
	NodeID         string
	UserID         string
	App            Application
	Status         SessionStatus
	CreatedAt      time.Time
	ActivatedAt    *time.Time
	FinishedAt     time.Time
	BytesIn        int64
	BytesOut       int64
	Frames         int64
	ConnectLatency time.Duration
	Reason         string
}
