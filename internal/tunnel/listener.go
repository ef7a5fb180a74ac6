package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnelproto"
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	streamHeaderTimeout      = 5 * time.Second
)

// Credentials is the node registration collaborator.
type Credentials interface {
	// Authenticate returns the node configuration when token is valid. It
	// fails with [domain.ErrUnknownNode] or [domain.ErrAuthFailed].
	Authenticate(ctx context.Context, nodeID, token string) (domain.Node, error)
	RecordAuthFailure(ctx context.Context, nodeID string) error
	MarkConnected(ctx context.Context, nodeID string, at time.Time) error
}

// Auditor receives fire-and-forget audit events.
type Auditor interface {
	Emit(ev domain.AuditEvent)
}

// ListenerOptions configures a [Listener].
type ListenerOptions struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HubVersion        string
	Yamux             *yamux.Config
}

// Listener authenticates agent connections and registers their tunnels.
type Listener struct {
	reg   *Registry
	mon   *Monitor
	creds Credentials
	audit Auditor
	log   *slog.Logger
	opts  ListenerOptions

	wg sync.WaitGroup
}

// NewListener wires a listener to the registry and monitor.
func NewListener(reg *Registry, mon *Monitor, creds Credentials, audit Auditor, log *slog.Logger, opts ListenerOptions) *Listener {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.Yamux == nil {
		cfg := yamux.DefaultConfig()
		cfg.LogOutput = nil
		cfg.Logger = slog.NewLogLogger(log.Handler(), slog.LevelDebug)
		opts.Yamux = cfg
	}
	return &Listener{
		reg:   reg,
		mon:   mon,
		creds: creds,
		audit: audit,
		log:   log,
		opts:  opts,
	}
}

// Serve accepts connections from ln until ctx is done or ln is closed.
func (l *Listener) Serve(ctx context.Context, ln net.Listener, kind domain.TunnelKind) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			_ = l.HandleConn(ctx, conn, kind)
		}()
	}
}

// Wait blocks until every connection handler returned or timeout elapsed.
func (l *Listener) Wait(timeout time.Duration) bool {
	return waitGroupWait(&l.wg, timeout)
}

// HandleConn runs the handshake on conn and, on success, serves the channel
// until it closes. Setup failures close the connection and are returned.
func (l *Listener) HandleConn(ctx context.Context, conn net.Conn, kind domain.TunnelKind) error {
	_ = conn.SetDeadline(time.Now().Add(l.opts.HandshakeTimeout))

	var hello tunnelproto.Hello
	if err := tunnelproto.ReadFrame(conn, &hello); err != nil {
		_ = conn.Close()
		l.log.Debug("tunnel handshake read failed", "remote", remoteAddr(conn), "err", err)
		return fmt.Errorf("read hello: %w", err)
	}

	node, err := l.authenticate(ctx, hello, kind)
	if err != nil {
		l.reject(conn, hello.NodeID, err)
		return err
	}

	ch := NewChannel(node.ID, kind, conn)
	tunnels, err := l.registerAll(ctx, node, ch)
	if err != nil {
		l.reject(conn, node.ID, err)
		return err
	}

	ack := tunnelproto.HelloAck{
		OK:                  true,
		HeartbeatIntervalMS: l.opts.HeartbeatInterval.Milliseconds(),
		HubVersion:          l.opts.HubVersion,
	}
	for _, t := range tunnels {
		ack.Tunnels = append(ack.Tunnels, tunnelproto.TunnelGrant{
			TunnelID:    t.ID,
			Application: t.App,
			LocalPort:   t.LocalPort(),
			RemotePort:  t.RemotePort(),
			IsSystem:    t.IsSystem,
		})
	}
	if err := tunnelproto.WriteFrame(conn, ack); err != nil {
		l.abandon(tunnels, "handshake ack failed")
		_ = conn.Close()
		return fmt.Errorf("write hello ack: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	if err := ch.Serve(l.opts.Yamux); err != nil {
		l.abandon(tunnels, "yamux setup failed")
		_ = ch.Close()
		return err
	}
	for _, t := range tunnels {
		if err := l.reg.Activate(t); err != nil {
			l.log.Warn("tunnel activation failed", "tunnel_id", t.ID, "err", err)
		}
	}

	now := time.Now()
	if err := l.creds.MarkConnected(ctx, node.ID, now); err != nil {
		l.log.Warn("failed to record node connection", "node_id", node.ID, "err", err)
	}
	l.log.Info("node channel connected",
		"node_id", node.ID,
		"channel_id", ch.ID(),
		"kind", string(kind),
		"tunnels", len(tunnels),
		"remote", ch.RemoteAddr(),
		"agent_version", hello.AgentVersion,
	)

	reason := l.serveChannel(ctx, ch)
	_ = ch.Close()
	if n := l.reg.DisconnectChannel(ch, reason, time.Now()); n > 0 {
		l.log.Info("node channel disconnected", "node_id", node.ID, "channel_id", ch.ID(), "tunnels", n, "reason", reason)
	}
	return nil
}

func (l *Listener) authenticate(ctx context.Context, hello tunnelproto.Hello, kind domain.TunnelKind) (domain.Node, error) {
	if hello.Version != tunnelproto.Version {
		return domain.Node{}, &domain.OpError{
			Op:  "handshake",
			ID:  hello.NodeID,
			Err: fmt.Errorf("%w: protocol version %d, hub speaks %d", domain.ErrProtocolMismatch, hello.Version, tunnelproto.Version),
		}
	}
	node, err := l.creds.Authenticate(ctx, hello.NodeID, hello.Token)
	if err != nil {
		if errors.Is(err, domain.ErrAuthFailed) {
			l.reg.stats.AuthFailures.Add(1)
			if rerr := l.creds.RecordAuthFailure(ctx, hello.NodeID); rerr != nil {
				l.log.Warn("failed to record auth failure", "node_id", hello.NodeID, "err", rerr)
			}
		}
		return domain.Node{}, &domain.OpError{Op: "authenticate", ID: hello.NodeID, Err: err}
	}
	if hello.Kind != "" {
		if declared, ok := domain.ParseTunnelKind(hello.Kind); !ok || declared != kind {
			return domain.Node{}, &domain.OpError{
				Op:  "handshake",
				ID:  node.ID,
				Err: fmt.Errorf("%w: agent requested %q on a %s listener", domain.ErrProtocolMismatch, hello.Kind, kind),
			}
		}
	}
	if node.Kind != "" && node.Kind != kind {
		return domain.Node{}, &domain.OpError{
			Op:  "handshake",
			ID:  node.ID,
			Err: fmt.Errorf("%w: node is configured for %s tunnels, connected over %s", domain.ErrProtocolMismatch, node.Kind, kind),
		}
	}
	return node, nil
}

// registerAll registers the system tunnel plus one tunnel per declared
// application. A duplicate triggers one immediate staleness check and a
// single retry; any other failure rolls back what was registered.
func (l *Listener) registerAll(ctx context.Context, node domain.Node, ch *Channel) ([]*Tunnel, error) {
	reqs := []RegisterRequest{{
		NodeID:        node.ID,
		App:           domain.AppSystem,
		Kind:          ch.Kind(),
		IsSystem:      true,
		AutoReconnect: node.AutoReconnect,
		Channel:       ch,
	}}
	for _, a := range node.Apps {
		if a.App == domain.AppSystem {
			continue
		}
		mapped, _ := node.App(a.App)
		reqs = append(reqs, RegisterRequest{
			NodeID:        node.ID,
			App:           a.App,
			Kind:          ch.Kind(),
			LocalPort:     mapped.LocalPort,
			PreferredPort: a.RemotePort,
			AutoReconnect: node.AutoReconnect,
			Channel:       ch,
		})
	}

	var registered []*Tunnel
	for _, req := range reqs {
		t, err := l.reg.Register(ctx, req)
		if errors.Is(err, domain.ErrDuplicateTunnel) && l.mon != nil && l.mon.CheckNow(node.ID) {
			t, err = l.reg.Register(ctx, req)
		}
		if err != nil {
			l.abandon(registered, "handshake rejected")
			return nil, err
		}
		registered = append(registered, t)
	}
	return registered, nil
}

func (l *Listener) abandon(tunnels []*Tunnel, reason string) {
	for _, t := range tunnels {
		l.reg.Abandon(t, reason)
	}
}

// reject answers a failed handshake with a stable code and closes conn.
func (l *Listener) reject(conn net.Conn, nodeID string, err error) {
	l.reg.stats.Rejected.Add(1)
	code := domain.Code(err)
	_ = tunnelproto.WriteFrame(conn, tunnelproto.HelloAck{OK: false, Code: code, Error: err.Error()})
	_ = conn.Close()

	attrs := []any{"node_id", nodeID, "code", code, "remote", remoteAddr(conn), "err", err}
	if domain.OperatorVisible(err) {
		l.log.Error("tunnel registration failed", append(attrs, "alert", true)...)
	} else {
		l.log.Warn("tunnel handshake rejected", attrs...)
	}

	evType := domain.EventTunnelRejected
	if errors.Is(err, domain.ErrAuthFailed) {
		evType = domain.EventTunnelAuthFailed
	}
	if l.audit != nil {
		l.audit.Emit(domain.AuditEvent{
			Type:   evType,
			At:     time.Now(),
			NodeID: nodeID,
			Code:   code,
			Detail: err.Error(),
		})
	}
}

// serveChannel accepts agent-opened streams until the session ends and
// returns the disconnect reason.
func (l *Listener) serveChannel(ctx context.Context, ch *Channel) string {
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		stream, err := ch.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return "hub shutdown"
			}
			if ch.Closed() {
				return "channel closed"
			}
			return "channel i/o error: " + err.Error()
		}
		ch.Touch()
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handleAgentStream(ch, stream)
		}()
	}
}

func (l *Listener) handleAgentStream(ch *Channel, stream net.Conn) {
	defer stream.Close()

	_ = stream.SetReadDeadline(time.Now().Add(streamHeaderTimeout))
	name, err := tunnelproto.ReadHeader(stream)
	if err != nil {
		l.log.Debug("agent stream header read failed", "channel_id", ch.ID(), "err", err)
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	switch name {
	case tunnelproto.ChannelHeartbeat:
		l.serveHeartbeat(ch, stream)
	default:
		l.log.Debug("unknown agent stream", "channel_id", ch.ID(), "channel", name)
	}
}

func (l *Listener) serveHeartbeat(ch *Channel, stream net.Conn) {
	for {
		var hb tunnelproto.Heartbeat
		if err := tunnelproto.ReadFrame(stream, &hb); err != nil {
			return
		}
		if hb.Kind != tunnelproto.KindPing {
			continue
		}
		ch.Touch()
		if err := tunnelproto.WriteFrame(stream, tunnelproto.Heartbeat{Kind: tunnelproto.KindPong, Seq: hb.Seq}); err != nil {
			return
		}
	}
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
