// Package config loads hub and agent settings from the environment
// (prefix ORIZON_), an optional .env file and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/portpool"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnel"
)

// EnvPrefix is the prefix of every environment variable read by the hub and
// the agent.
const EnvPrefix = "ORIZON"

// HubConfig holds every tunable of the hub process.
type HubConfig struct {
	TunnelListen    string `envconfig:"TUNNEL_LISTEN" default:":7000"`
	TLSTunnelListen string `envconfig:"TLS_TUNNEL_LISTEN" default:""`
	HTTPListen      string `envconfig:"HTTP_LISTEN" default:":8080"`
	TLSCertFile     string `envconfig:"TLS_CERT_FILE" default:""`
	TLSKeyFile      string `envconfig:"TLS_KEY_FILE" default:""`
	PprofListen     string `envconfig:"PPROF_LISTEN" default:""`

	DBPath         string `envconfig:"DB_PATH" default:"./orizon.db"`
	DBMaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"1"`
	DBMaxIdleConns int    `envconfig:"DB_MAX_IDLE_CONNS" default:"1"`

	PortRange       string `envconfig:"PORT_RANGE" default:"40000-40999"`
	ReservedPorts   []int  `envconfig:"RESERVED_PORTS" default:""`
	CheckOSPorts    bool   `envconfig:"CHECK_OS_PORTS" default:"true"`
	ForwardEnabled  bool   `envconfig:"FORWARD_ENABLED" default:"false"`
	ForwardBindAddr string `envconfig:"FORWARD_BIND_ADDR" default:"127.0.0.1"`

	HeartbeatInterval      time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	HeartbeatTimeout       time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"30s"`
	HeartbeatCheckInterval time.Duration `envconfig:"HEARTBEAT_CHECK_INTERVAL" default:"10s"`
	ReconnectDelay         time.Duration `envconfig:"RECONNECT_DELAY" default:"5s"`
	ReconnectMaxDelay      time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"5m"`
	ReconnectBackoff       string        `envconfig:"RECONNECT_BACKOFF" default:"exponential"`
	MaxReconnectAttempts   int           `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"10"`
	SystemMinAttempts      int           `envconfig:"SYSTEM_MIN_ATTEMPTS" default:"30"`
	PortGracePeriod        time.Duration `envconfig:"PORT_GRACE_PERIOD" default:"2m"`
	HandshakeTimeout       time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	DrainTimeout           time.Duration `envconfig:"DRAIN_TIMEOUT" default:"10s"`

	SessionDefaultDuration time.Duration `envconfig:"SESSION_DEFAULT_DURATION" default:"30m"`
	SessionMaxDuration     time.Duration `envconfig:"SESSION_MAX_DURATION" default:"8h"`
	TokenTTL               time.Duration `envconfig:"TOKEN_TTL" default:"60s"`
	SessionSweepInterval   time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"5s"`
	ACLRecheckInterval     time.Duration `envconfig:"ACL_RECHECK_INTERVAL" default:"30s"`
	FinishedRetention      time.Duration `envconfig:"FINISHED_RETENTION" default:"5m"`
	ACLTimezone            string        `envconfig:"ACL_TIMEZONE" default:"UTC"`

	AuditQueueSize int           `envconfig:"AUDIT_QUEUE_SIZE" default:"1024"`
	AuditRetention time.Duration `envconfig:"AUDIT_RETENTION" default:"720h"`
	AuditPurgeCron string        `envconfig:"AUDIT_PURGE_CRON" default:"@hourly"`

	SigningKey        string `envconfig:"SIGNING_KEY" default:""`
	AdminAPIKey       string `envconfig:"ADMIN_API_KEY" default:""`
	TrustedUserHeader string `envconfig:"TRUSTED_USER_HEADER" default:"X-Orizon-User"`
	PublicURL         string `envconfig:"PUBLIC_URL" default:""`

	RequestGuard          bool `envconfig:"REQUEST_GUARD" default:"true"`
	RequestGuardAuditOnly bool `envconfig:"REQUEST_GUARD_AUDIT_ONLY" default:"false"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// Derived by validation.
	PortMin  int            `ignored:"true"`
	PortMax  int            `ignored:"true"`
	Backoff  tunnel.Backoff `ignored:"true"`
	Location *time.Location `ignored:"true"`
}

// AgentConfig holds the settings of the reference node agent.
type AgentConfig struct {
	HubAddr     string        `envconfig:"AGENT_HUB" default:""`
	Transport   string        `envconfig:"AGENT_TRANSPORT" default:"tcp"`
	NodeID      string        `envconfig:"AGENT_NODE_ID" default:""`
	Token       string        `envconfig:"AGENT_TOKEN" default:""`
	Kind        string        `envconfig:"AGENT_KIND" default:"reverse"`
	Apps        string        `envconfig:"AGENT_APPS" default:""`
	LocalHost   string        `envconfig:"AGENT_LOCAL_HOST" default:"127.0.0.1"`
	CAFile      string        `envconfig:"AGENT_CA_FILE" default:""`
	ServerName  string        `envconfig:"AGENT_SERVER_NAME" default:""`
	DialTimeout time.Duration `envconfig:"AGENT_DIAL_TIMEOUT" default:"10s"`
	RetryMin    time.Duration `envconfig:"AGENT_RETRY_MIN" default:"1s"`
	RetryMax    time.Duration `envconfig:"AGENT_RETRY_MAX" default:"1m"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"text"`

	// Derived by validation.
	AppPorts   []domain.AppPort  `ignored:"true"`
	TunnelKind domain.TunnelKind `ignored:"true"`
}

// Agent transports.
const (
	TransportTCP       = "tcp"
	TransportTLS       = "tls"
	TransportWebSocket = "ws"
)

// ParseHubFlags loads the hub configuration: environment first, then
// flags from args, then validation.
func ParseHubFlags(args []string) (HubConfig, error) {
	var cfg HubConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}

	reserved := joinInts(cfg.ReservedPorts)
	fs := flag.NewFlagSet("hub", flag.ContinueOnError)
	fs.StringVar(&cfg.TunnelListen, "tunnel-listen", cfg.TunnelListen, "Agent tunnel listen address (reverse kind, empty disables)")
	fs.StringVar(&cfg.TLSTunnelListen, "tls-tunnel-listen", cfg.TLSTunnelListen, "Agent TLS tunnel listen address (tls kind, empty disables)")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP API listen address")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "TLS certificate PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "TLS key PEM file")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Debug listen address for pprof and expvar (empty disables)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&cfg.PortRange, "port-range", cfg.PortRange, "Hub-side port range min-max")
	fs.StringVar(&reserved, "reserved-ports", reserved, "Comma separated ports never allocated")
	fs.BoolVar(&cfg.CheckOSPorts, "check-os-ports", cfg.CheckOSPorts, "Skip ports bound by other processes")
	fs.BoolVar(&cfg.ForwardEnabled, "forward", cfg.ForwardEnabled, "Listen on each tunnel's remote port")
	fs.StringVar(&cfg.ForwardBindAddr, "forward-bind", cfg.ForwardBindAddr, "Bind address for tunnel port forwarders")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Heartbeat interval announced to agents")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Silence after which a tunnel is disconnected")
	fs.DurationVar(&cfg.HeartbeatCheckInterval, "heartbeat-check-interval", cfg.HeartbeatCheckInterval, "Heartbeat monitor sweep interval")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "First reconnect window")
	fs.DurationVar(&cfg.ReconnectMaxDelay, "reconnect-max-delay", cfg.ReconnectMaxDelay, "Largest reconnect window")
	fs.StringVar(&cfg.ReconnectBackoff, "reconnect-backoff", cfg.ReconnectBackoff, "Reconnect backoff: fixed|exponential")
	fs.IntVar(&cfg.MaxReconnectAttempts, "max-reconnect-attempts", cfg.MaxReconnectAttempts, "Reconnect windows before a tunnel fails")
	fs.IntVar(&cfg.SystemMinAttempts, "system-min-attempts", cfg.SystemMinAttempts, "Minimum reconnect windows for system tunnels")
	fs.DurationVar(&cfg.PortGracePeriod, "port-grace-period", cfg.PortGracePeriod, "How long a disconnected tunnel keeps its ports")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Agent handshake timeout")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Relay drain timeout on tunnel teardown")
	fs.DurationVar(&cfg.SessionDefaultDuration, "session-default-duration", cfg.SessionDefaultDuration, "Session duration when none is requested")
	fs.DurationVar(&cfg.SessionMaxDuration, "session-max-duration", cfg.SessionMaxDuration, "Upper bound on session duration")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Session token lifetime")
	fs.DurationVar(&cfg.SessionSweepInterval, "session-sweep-interval", cfg.SessionSweepInterval, "Session expiry sweep interval")
	fs.DurationVar(&cfg.ACLRecheckInterval, "acl-recheck-interval", cfg.ACLRecheckInterval, "Policy recheck interval for active sessions")
	fs.DurationVar(&cfg.FinishedRetention, "finished-retention", cfg.FinishedRetention, "How long finished sessions stay queryable")
	fs.StringVar(&cfg.ACLTimezone, "acl-timezone", cfg.ACLTimezone, "IANA location for rule time windows")
	fs.IntVar(&cfg.AuditQueueSize, "audit-queue-size", cfg.AuditQueueSize, "Audit queue capacity")
	fs.DurationVar(&cfg.AuditRetention, "audit-retention", cfg.AuditRetention, "Audit and session history retention")
	fs.StringVar(&cfg.AuditPurgeCron, "audit-purge-cron", cfg.AuditPurgeCron, "Cron schedule of the retention purge")
	fs.StringVar(&cfg.SigningKey, "signing-key", cfg.SigningKey, "Session token signing key (persisted on first start)")
	fs.StringVar(&cfg.AdminAPIKey, "admin-api-key", cfg.AdminAPIKey, "Bearer key for admin endpoints (empty disables them)")
	fs.StringVar(&cfg.TrustedUserHeader, "trusted-user-header", cfg.TrustedUserHeader, "Header carrying the authenticated user id")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "Public base URL used in connect links")
	fs.BoolVar(&cfg.RequestGuard, "request-guard", cfg.RequestGuard, "Screen API requests for attack patterns")
	fs.BoolVar(&cfg.RequestGuardAuditOnly, "request-guard-audit-only", cfg.RequestGuardAuditOnly, "Report guard matches without blocking")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	ports, err := parseInts(reserved)
	if err != nil {
		return cfg, fmt.Errorf("reserved ports: %w", err)
	}
	cfg.ReservedPorts = ports
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills the derived fields.
func (c *HubConfig) Validate() error {
	if strings.TrimSpace(c.HTTPListen) == "" {
		return errors.New("http listen address is required")
	}
	if strings.TrimSpace(c.TLSTunnelListen) != "" && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return errors.New("tls tunnel listener requires --tls-cert-file and --tls-key-file")
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("db max open conns must be > 0")
	}
	if c.DBMaxIdleConns <= 0 {
		return errors.New("db max idle conns must be > 0")
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return errors.New("db max idle conns cannot exceed max open conns")
	}
	lo, hi, err := portpool.ParseRange(c.PortRange)
	if err != nil {
		return fmt.Errorf("port range: %w", err)
	}
	c.PortMin, c.PortMax = lo, hi
	if net.ParseIP(strings.TrimSpace(c.ForwardBindAddr)) == nil {
		return fmt.Errorf("forward bind address %q is not an IP", c.ForwardBindAddr)
	}
	backoff, ok := tunnel.ParseBackoff(c.ReconnectBackoff)
	if !ok {
		return errors.New("reconnect backoff must be one of: fixed, exponential")
	}
	c.Backoff = backoff

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"heartbeat interval", c.HeartbeatInterval},
		{"heartbeat timeout", c.HeartbeatTimeout},
		{"heartbeat check interval", c.HeartbeatCheckInterval},
		{"reconnect delay", c.ReconnectDelay},
		{"handshake timeout", c.HandshakeTimeout},
		{"drain timeout", c.DrainTimeout},
		{"session default duration", c.SessionDefaultDuration},
		{"session max duration", c.SessionMaxDuration},
		{"token ttl", c.TokenTTL},
		{"session sweep interval", c.SessionSweepInterval},
		{"acl recheck interval", c.ACLRecheckInterval},
		{"audit retention", c.AuditRetention},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errors.New("heartbeat timeout must exceed the heartbeat interval")
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		return errors.New("reconnect max delay cannot be below the reconnect delay")
	}
	if c.SessionDefaultDuration > c.SessionMaxDuration {
		return errors.New("session default duration cannot exceed the max duration")
	}
	if c.PortGracePeriod < 0 || c.FinishedRetention < 0 {
		return errors.New("grace period and finished retention must be >= 0")
	}
	if c.MaxReconnectAttempts < 0 || c.SystemMinAttempts < 0 {
		return errors.New("reconnect attempts must be >= 0")
	}
	if c.AuditQueueSize <= 0 {
		return errors.New("audit queue size must be > 0")
	}
	if strings.TrimSpace(c.TrustedUserHeader) == "" {
		return errors.New("trusted user header is required")
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.ACLTimezone))
	if err != nil {
		return fmt.Errorf("acl timezone: %w", err)
	}
	c.Location = loc
	return nil
}

// ParseAgentFlags loads the agent configuration from the environment and
// args.
func ParseAgentFlags(args []string) (AgentConfig, error) {
	var cfg AgentConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&cfg.HubAddr, "hub", cfg.HubAddr, "Hub address: host:port for tcp/tls, ws(s):// URL for ws")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport: tcp|tls|ws")
	fs.StringVar(&cfg.NodeID, "node", cfg.NodeID, "Node id")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Node token")
	fs.StringVar(&cfg.Kind, "kind", cfg.Kind, "Tunnel kind: reverse|tls")
	fs.StringVar(&cfg.Apps, "apps", cfg.Apps, "Applications, e.g. VNC=5900,TERMINAL=22")
	fs.StringVar(&cfg.LocalHost, "local-host", cfg.LocalHost, "Host the node applications listen on")
	fs.StringVar(&cfg.CAFile, "ca-file", cfg.CAFile, "CA bundle used to verify the hub (tls/wss)")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "TLS server name override")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Hub dial timeout")
	fs.DurationVar(&cfg.RetryMin, "retry-min", cfg.RetryMin, "First reconnect delay")
	fs.DurationVar(&cfg.RetryMax, "retry-max", cfg.RetryMax, "Largest reconnect delay")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the agent configuration and fills the derived fields.
func (c *AgentConfig) Validate() error {
	if strings.TrimSpace(c.HubAddr) == "" {
		return errors.New("missing --hub or ORIZON_AGENT_HUB")
	}
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("missing --node or ORIZON_AGENT_NODE_ID")
	}
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("missing --token or ORIZON_AGENT_TOKEN")
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case TransportTCP, TransportTLS, TransportWebSocket:
	default:
		return errors.New("transport must be one of: tcp, tls, ws")
	}
	kind, ok := domain.ParseTunnelKind(c.Kind)
	if !ok {
		return fmt.Errorf("unknown tunnel kind %q", c.Kind)
	}
	c.TunnelKind = kind
	apps, err := ParseApps(c.Apps)
	if err != nil {
		return err
	}
	c.AppPorts = apps
	if c.RetryMin <= 0 || c.RetryMax < c.RetryMin {
		return errors.New("retry delays must satisfy 0 < retry-min <= retry-max")
	}
	if c.DialTimeout <= 0 {
		return errors.New("dial timeout must be > 0")
	}
	return nil
}

// ParseApps parses "VNC=5900,TERMINAL" into port mappings. A missing port
// means the application's default port.
func ParseApps(raw string) ([]domain.AppPort, error) {
	var out []domain.AppPort
	seen := make(map[domain.Application]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, portStr, hasPort := strings.Cut(part, "=")
		app, ok := domain.ParseApplication(name)
		if !ok || app == domain.AppSystem {
			return nil, fmt.Errorf("unknown application %q", name)
		}
		if seen[app] {
			return nil, fmt.Errorf("application %s listed twice", app)
		}
		seen[app] = true
		port := app.DefaultPort()
		if hasPort {
			n, err := strconv.Atoi(strings.TrimSpace(portStr))
			if err != nil || n <= 0 || n > 65535 {
				return nil, fmt.Errorf("invalid port for %s: %q", app, portStr)
			}
			port = n
		}
		out = append(out, domain.AppPort{App: app, LocalPort: port})
	}
	return out, nil
}

func joinInts(v []int) string {
	parts := make([]string, 0, len(v))
	for _, n := range v {
		parts = append(parts, strconv.Itoa(n))
	}
	return strings.Join(parts, ",")
}

func parseInts(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
