package tunnel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

// Tunnel is the hub's record of one (node, application) reverse tunnel.
// Identity fields are immutable; lifecycle fields change under the
// registry's per-key lock and are read through accessors.
type Tunnel struct {
	ID        string
	NodeID    string
	App       domain.Application
	Kind      domain.TunnelKind
	IsSystem  bool
	CreatedAt time.Time

	mu               sync.Mutex
	status           domain.TunnelStatus
	localPort        int
	autoReconnect    bool
	remotePort       int
	preferredPort    int
	channel          *Channel
	generation       uint64
	fresh            bool
	attempts         int
	nextAttemptAt    time.Time
	portsHeldUntil   time.Time
	lastConnected    time.Time
	lastDisconnected time.Time
	forwarder        *forwarder

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	relays        sync.WaitGroup
	openRelays    atomic.Int64
}

// Key is the registry key for the tunnel.
func (t *Tunnel) Key() string {
	return key(t.NodeID, t.App)
}

// Status returns the lifecycle status.
func (t *Tunnel) Status() domain.TunnelStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RemotePort returns the hub-side port, 0 when none is held.
func (t *Tunnel) RemotePort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remotePort
}

// LocalPort returns the node-local port of the application.
func (t *Tunnel) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localPort
}

// AutoReconnect reports whether the node wants reconnect windows counted
// before the tunnel is failed.
func (t *Tunnel) AutoReconnect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.autoReconnect
}

// Attempts returns the reconnect attempts counted since the last disconnect.
func (t *Tunnel) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// ActiveGeneration returns the tunnel's generation and whether it is
// ACTIVE, read together. The generation grows each time a new channel is
// attached, so work bound before a disconnect can tell it is stale even
// though the id survives the reconnect.
func (t *Tunnel) ActiveGeneration() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation, t.status == domain.TunnelActive
}

// Channel returns the physical channel currently carrying the tunnel.
func (t *Tunnel) Channel() *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel
}

// BytesSent returns bytes written towards the node.
func (t *Tunnel) BytesSent() int64 { return t.bytesSent.Load() }

// BytesReceived returns bytes read from the node.
func (t *Tunnel) BytesReceived() int64 { return t.bytesReceived.Load() }

// OpenStream opens a sub-stream to the tunnel's application. The returned
// connection is tracked until closed so deregistration can wait for relays
// to exit before the port is reused.
func (t *Tunnel) OpenStream(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	if t.status != domain.TunnelActive || t.channel == nil {
		t.mu.Unlock()
		return nil, &domain.OpError{Op: "open stream", ID: t.ID, Err: domain.ErrTunnelUnavailable}
	}
	ch := t.channel
	localPort := t.localPort
	t.relays.Add(1)
	t.openRelays.Add(1)
	t.mu.Unlock()

	stream, err := ch.Open(ctx, t.App, localPort)
	if err != nil {
		t.relayDone()
		return nil, &domain.OpError{Op: "open stream", ID: t.ID, Err: err}
	}
	return &trackedConn{Conn: stream, tunnel: t, channel: ch}, nil
}

// View returns the API representation.
func (t *Tunnel) View() domain.TunnelView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := domain.TunnelView{
		ID:                t.ID,
		NodeID:            t.NodeID,
		Application:       t.App,
		Kind:              t.Kind,
		Status:            t.status,
		LocalPort:         t.localPort,
		RemotePort:        t.remotePort,
		IsSystem:          t.IsSystem,
		BytesSent:         t.bytesSent.Load(),
		BytesReceived:     t.bytesReceived.Load(),
		ReconnectAttempts: t.attempts,
	}
	if !t.lastConnected.IsZero() {
		ts := t.lastConnected
		v.LastConnectedAt = &ts
	}
	if !t.lastDisconnected.IsZero() {
		ts := t.lastDisconnected
		v.LastDisconnected = &ts
	}
	return v
}

func (t *Tunnel) relayDone() {
	t.openRelays.Add(-1)
	t.relays.Done()
}

// waitRelays waits for tracked streams to close.
func (t *Tunnel) waitRelays(timeout time.Duration) bool {
	return waitGroupWait(&t.relays, timeout)
}

// trackedConn counts relay bytes and releases the tunnel's relay slot once.
type trackedConn struct {
	net.Conn
	tunnel  *Tunnel
	channel *Channel
	once    sync.Once
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.tunnel.bytesReceived.Add(int64(n))
		c.channel.Touch()
	}
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.tunnel.bytesSent.Add(int64(n))
	}
	return n, err
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.tunnel.relayDone)
	return err
}

func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
