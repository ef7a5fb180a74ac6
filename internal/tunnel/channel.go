package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnelproto"
)

// ErrChannelClosed is returned when opening a stream on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// Channel is one physical reverse connection from an agent. It multiplexes
// the node's tunnels as yamux streams.
type Channel struct {
	id     string
	nodeID string
	kind   domain.TunnelKind
	conn   net.Conn

	mu  sync.Mutex
	mux *yamux.Session

	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
	done             chan struct{}
}

// NewChannel wraps conn. Streams are available after [Channel.Serve].
func NewChannel(nodeID string, kind domain.TunnelKind, conn net.Conn) *Channel {
	c := &Channel{
		id:     uuid.New().String(),
		nodeID: nodeID,
		kind:   kind,
		conn:   conn,
		done:   make(chan struct{}),
	}
	c.Touch()
	return c
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

// NodeID returns the owning node.
func (c *Channel) NodeID() string { return c.nodeID }

// Kind returns the tunnel kind negotiated on this channel.
func (c *Channel) Kind() domain.TunnelKind { return c.kind }

// RemoteAddr returns the agent's address.
func (c *Channel) RemoteAddr() string {
	if c.conn == nil || c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Serve starts the hub side of the yamux session on the connection.
func (c *Channel) Serve(cfg *yamux.Config) error {
	mux, err := yamux.Server(c.conn, cfg)
	if err != nil {
		return fmt.Errorf("yamux server init: %w", err)
	}
	c.mu.Lock()
	c.mux = mux
	c.mu.Unlock()
	if c.closing.Load() {
		_ = mux.Close()
		return ErrChannelClosed
	}
	return nil
}

// Accept waits for the next agent-initiated stream.
func (c *Channel) Accept() (net.Conn, error) {
	mux := c.session()
	if mux == nil {
		return nil, ErrChannelClosed
	}
	return mux.AcceptStream()
}

// Open opens a stream to app on the node and writes its channel header.
func (c *Channel) Open(ctx context.Context, app domain.Application, localPort int) (net.Conn, error) {
	mux := c.session()
	if mux == nil || c.closing.Load() {
		return nil, ErrChannelClosed
	}
	stream, err := mux.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if err := tunnelproto.WriteHeader(stream, tunnelproto.AppChannel(app, localPort)); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("write channel header: %w", err)
	}
	_ = stream.SetWriteDeadline(time.Time{})
	c.Touch()
	return stream, nil
}

// Touch records activity.
func (c *Channel) Touch() {
	c.touchAt(time.Now())
}

func (c *Channel) touchAt(t time.Time) {
	c.lastSeenUnixNano.Store(t.UnixNano())
}

// LastSeen returns the time of the last heartbeat or stream activity.
func (c *Channel) LastSeen() time.Time {
	return time.Unix(0, c.lastSeenUnixNano.Load())
}

// Close tears down the session and the connection. It is safe to call more
// than once.
func (c *Channel) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	defer close(c.done)
	if mux := c.session(); mux != nil {
		_ = mux.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closing.Load()
}

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) session() *yamux.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux
}
