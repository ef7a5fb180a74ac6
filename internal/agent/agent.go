// Package agent implements the reference node agent: it dials the hub,
// authenticates, keeps the reverse channel alive with heartbeats and serves
// every hub-opened stream by dialing the matching local application port.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/config"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnelproto"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	handshakeTimeout         = 10 * time.Second
	agentConnectPath         = "/v1/agent/connect"
	wsReadLimit              = 4 << 20
)

// HandshakeError is the hub's refusal of a Hello.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	if e.Message == "" {
		return "hub rejected handshake: " + e.Code
	}
	return fmt.Sprintf("hub rejected handshake: %s (%s)", e.Message, e.Code)
}

// Unwrap maps the code back to its domain sentinel so callers can use
// errors.Is.
func (e *HandshakeError) Unwrap() error {
	return domain.ErrorForCode(e.Code)
}

// Agent keeps one reverse channel to the hub.
type Agent struct {
	cfg     config.AgentConfig
	log     *slog.Logger
	version string
	tlsCfg  *tls.Config
	yamux   *yamux.Config

	// dial replaces the transport dialer in tests.
	dial func(ctx context.Context) (net.Conn, error)

	mu        sync.RWMutex
	grants    []tunnelproto.TunnelGrant
	connected atomic.Bool
	streams   atomic.Int64
}

// New creates an agent. TLS material named by cfg is loaded here so
// configuration problems surface before the first dial.
func New(cfg config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Agent{cfg: cfg, log: logger, yamux: yamuxConfig()}
	hub := strings.ToLower(strings.TrimSpace(cfg.HubAddr))
	if cfg.Transport == config.TransportTLS || strings.HasPrefix(hub, "wss://") || strings.HasPrefix(hub, "https://") {
		tlsCfg, err := LoadTLSConfig(cfg.CAFile, cfg.ServerName)
		if err != nil {
			return nil, err
		}
		a.tlsCfg = tlsCfg
	}
	return a, nil
}

// SetVersion sets the agent version reported in the handshake.
func (a *Agent) SetVersion(v string) {
	a.version = v
}

// Connected reports whether a channel is currently up.
func (a *Agent) Connected() bool {
	return a.connected.Load()
}

// Streams returns how many application streams have been served.
func (a *Agent) Streams() int64 {
	return a.streams.Load()
}

// Grants returns the tunnels granted by the hub on the current channel.
func (a *Agent) Grants() []tunnelproto.TunnelGrant {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]tunnelproto.TunnelGrant(nil), a.grants...)
}

// Run keeps the channel up until ctx is done. It returns nil on
// cancellation and an error only for rejections that retrying cannot fix.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.RetryMin
	for {
		conn, ack, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isNonRetriable(err) {
				return err
			}
			a.log.Warn("hub connect failed", "err", err, "retry_in", backoff.Round(time.Millisecond).String())
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, a.cfg.RetryMin, a.cfg.RetryMax)
			continue
		}
		backoff = a.cfg.RetryMin

		err = a.serve(ctx, conn, ack)
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("hub channel lost; reconnecting", "err", err, "retry_in", backoff.Round(time.Millisecond).String())
		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, a.cfg.RetryMin, a.cfg.RetryMax)
	}
}

// connect dials the hub and completes the handshake.
func (a *Agent) connect(ctx context.Context) (net.Conn, tunnelproto.HelloAck, error) {
	conn, err := a.dialHub(ctx)
	if err != nil {
		return nil, tunnelproto.HelloAck{}, err
	}
	ack, err := a.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, tunnelproto.HelloAck{}, err
	}
	return conn, ack, nil
}

func (a *Agent) handshake(conn net.Conn) (tunnelproto.HelloAck, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	hello := tunnelproto.Hello{
		Version:      tunnelproto.Version,
		NodeID:       a.cfg.NodeID,
		Token:        a.cfg.Token,
		Kind:         string(a.cfg.TunnelKind),
		AgentVersion: a.version,
	}
	for _, app := range a.cfg.AppPorts {
		hello.Applications = append(hello.Applications, tunnelproto.AppDecl{Application: app.App, LocalPort: app.LocalPort})
	}
	if err := tunnelproto.WriteFrame(conn, hello); err != nil {
		return tunnelproto.HelloAck{}, fmt.Errorf("write hello: %w", err)
	}
	var ack tunnelproto.HelloAck
	if err := tunnelproto.ReadFrame(conn, &ack); err != nil {
		return tunnelproto.HelloAck{}, fmt.Errorf("read hello ack: %w", err)
	}
	if !ack.OK {
		return tunnelproto.HelloAck{}, &HandshakeError{Code: ack.Code, Message: ack.Error}
	}
	return ack, nil
}

func (a *Agent) dialHub(ctx context.Context) (net.Conn, error) {
	if a.dial != nil {
		return a.dial(ctx)
	}
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()

	switch a.cfg.Transport {
	case config.TransportTLS:
		d := &tls.Dialer{NetDialer: &net.Dialer{}, Config: a.tlsCfg}
		return d.DialContext(dialCtx, "tcp", a.cfg.HubAddr)
	case config.TransportWebSocket:
		wsURL, err := agentWebSocketURL(a.cfg.HubAddr, a.cfg.TunnelKind)
		if err != nil {
			return nil, err
		}
		opts := &websocket.DialOptions{}
		if a.tlsCfg != nil {
			opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: a.tlsCfg}}
		}
		c, _, err := websocket.Dial(dialCtx, wsURL, opts)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", wsURL, err)
		}
		c.SetReadLimit(wsReadLimit)
		// The conn must outlive the dial timeout.
		return websocket.NetConn(ctx, c, websocket.MessageBinary), nil
	default:
		var d net.Dialer
		return d.DialContext(dialCtx, "tcp", a.cfg.HubAddr)
	}
}

// agentWebSocketURL accepts a full ws(s) URL or a bare host:port.
func agentWebSocketURL(hub string, kind domain.TunnelKind) (string, error) {
	raw := strings.TrimSpace(hub)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = agentConnectPath
	}
	if kind != "" && kind != domain.TunnelKindReverse {
		q := u.Query()
		q.Set("kind", string(kind))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// LoadTLSConfig builds the client TLS config for the hub. An empty caFile
// uses the system roots.
func LoadTLSConfig(caFile, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s contains no certificates", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}

func isNonRetriable(err error) bool {
	return errors.Is(err, domain.ErrAuthFailed) ||
		errors.Is(err, domain.ErrUnknownNode) ||
		errors.Is(err, domain.ErrProtocolMismatch)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(current, lo, hi time.Duration) time.Duration {
	if current <= 0 {
		current = lo
	}
	next := min(current*2, hi)
	// ±25% jitter so a hub restart does not see every agent at once.
	jitter := 1.0 + (rand.Float64()-0.5)*0.5
	return max(time.Duration(float64(next)*jitter), lo)
}
