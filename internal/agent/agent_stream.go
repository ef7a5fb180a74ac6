package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnelproto"
)

const (
	streamHeaderTimeout = 5 * time.Second
	localDialTimeout    = 5 * time.Second
	// missedHeartbeats is how many intervals may pass without a pong
	// before the channel is considered dead.
	missedHeartbeats = 3
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// serve runs the yamux client over conn until the channel ends.
func (a *Agent) serve(ctx context.Context, conn net.Conn, ack tunnelproto.HelloAck) error {
	mux, err := yamux.Client(conn, a.yamux)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("yamux client init: %w", err)
	}
	defer mux.Close()

	allowed := make(map[string]struct{}, len(ack.Tunnels))
	for _, g := range ack.Tunnels {
		if g.Application == domain.AppSystem {
			continue
		}
		allowed[tunnelproto.AppChannel(g.Application, g.LocalPort)] = struct{}{}
	}

	a.mu.Lock()
	a.grants = append([]tunnelproto.TunnelGrant(nil), ack.Tunnels...)
	a.mu.Unlock()
	a.connected.Store(true)
	defer a.connected.Store(false)

	a.log.Info("hub channel up", "node_id", a.cfg.NodeID, "tunnels", len(ack.Tunnels), "hub_version", ack.HubVersion)
	for _, g := range ack.Tunnels {
		a.log.Debug("tunnel granted", "tunnel_id", g.TunnelID, "application", g.Application, "local_port", g.LocalPort, "remote_port", g.RemotePort)
	}

	interval := time.Duration(ack.HeartbeatIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	hbErr := make(chan error, 1)
	go func() {
		hbErr <- a.heartbeat(ctx, mux, interval)
		_ = mux.Close()
	}()
	stop := context.AfterFunc(ctx, func() { _ = mux.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			_ = mux.Close()
			select {
			case herr := <-hbErr:
				if herr != nil {
					return herr
				}
			default:
			}
			if errors.Is(err, yamux.ErrSessionShutdown) || errors.Is(err, io.EOF) {
				return errors.New("channel closed by hub")
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.handleStream(ctx, stream, allowed)
		}()
	}
}

// heartbeat pings the hub on the heartbeat channel and fails when pongs
// stop arriving.
func (a *Agent) heartbeat(ctx context.Context, mux *yamux.Session, interval time.Duration) error {
	stream, err := mux.OpenStream()
	if err != nil {
		return fmt.Errorf("open heartbeat stream: %w", err)
	}
	defer stream.Close()
	if err := tunnelproto.WriteHeader(stream, tunnelproto.ChannelHeartbeat); err != nil {
		return fmt.Errorf("write heartbeat header: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var seq uint64
	for {
		seq++
		if err := tunnelproto.WriteFrame(stream, tunnelproto.Heartbeat{Kind: tunnelproto.KindPing, Seq: seq}); err != nil {
			return fmt.Errorf("heartbeat write: %w", err)
		}
		_ = stream.SetReadDeadline(time.Now().Add(missedHeartbeats * interval))
		var pong tunnelproto.Heartbeat
		if err := tunnelproto.ReadFrame(stream, &pong); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return errHeartbeatTimeout
			}
			if mux.IsClosed() {
				return nil
			}
			return fmt.Errorf("heartbeat read: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-mux.CloseChan():
			return nil
		case <-ticker.C:
		}
	}
}

// handleStream reads the channel header and relays the stream to the
// local application. Only ports granted in the handshake are dialed.
func (a *Agent) handleStream(ctx context.Context, stream net.Conn, allowed map[string]struct{}) {
	defer stream.Close()

	_ = stream.SetReadDeadline(time.Now().Add(streamHeaderTimeout))
	name, err := tunnelproto.ReadHeader(stream)
	if err != nil {
		a.log.Debug("stream header read failed", "err", err)
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	app, port, ok := tunnelproto.ParseAppChannel(name)
	if !ok {
		a.log.Warn("unknown hub stream", "channel", name)
		return
	}
	if _, granted := allowed[name]; !granted {
		a.log.Warn("hub requested an ungranted application port", "application", app, "local_port", port)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, localDialTimeout)
	var d net.Dialer
	local, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(a.cfg.LocalHost, strconv.Itoa(port)))
	cancel()
	if err != nil {
		a.log.Warn("local application unreachable", "application", app, "local_port", port, "err", err)
		return
	}
	defer local.Close()
	a.streams.Add(1)

	if err := pipe(stream, local); err != nil {
		a.log.Debug("application stream ended", "application", app, "err", err)
	}
}

// pipe copies both directions until either side finishes, then closes
// both so the other copy unblocks.
func pipe(a, b net.Conn) error {
	var g errgroup.Group
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(a, b)
		return ignoreClosed(err)
	})
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(b, a)
		return ignoreClosed(err)
	})
	return g.Wait()
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, yamux.ErrStreamClosed) {
		return nil
	}
	return err
}
