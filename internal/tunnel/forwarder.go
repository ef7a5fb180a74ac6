package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

const forwardOpenTimeout = 10 * time.Second

// ForwardOptions enables hub-local listeners on each tunnel's remote port.
type ForwardOptions struct {
	Enabled  bool
	BindAddr string
}

// forwarder accepts connections on a tunnel's remote port and relays each
// one into a fresh stream to the node's application.
type forwarder struct {
	ln     net.Listener
	tunnel *Tunnel
	log    *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func startForwarder(t *Tunnel, bindAddr string, port int, log *slog.Logger) (*forwarder, error) {
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	fw := &forwarder{
		ln:     ln,
		tunnel: t,
		log:    log,
		conns:  make(map[net.Conn]struct{}),
	}
	fw.wg.Add(1)
	go fw.acceptLoop()
	return fw, nil
}

func (f *forwarder) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				f.log.Debug("forwarder accept failed", "tunnel_id", f.tunnel.ID, "err", err)
			}
			return
		}
		if !f.track(conn) {
			_ = conn.Close()
			return
		}
		f.wg.Add(1)
		go f.serve(conn)
	}
}

func (f *forwarder) serve(conn net.Conn) {
	defer f.wg.Done()
	defer f.untrack(conn)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), forwardOpenTimeout)
	stream, err := f.tunnel.OpenStream(ctx)
	cancel()
	if err != nil {
		f.log.Debug("forwarder open stream failed", "tunnel_id", f.tunnel.ID, "err", err)
		return
	}
	defer stream.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(stream, conn)
		closeWrite(stream)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, stream)
		closeWrite(conn)
		done <- struct{}{}
	}()
	<-done
	_ = conn.Close()
	_ = stream.Close()
	<-done
}

func (f *forwarder) track(conn net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.conns[conn] = struct{}{}
	return true
}

func (f *forwarder) untrack(conn net.Conn) {
	f.mu.Lock()
	delete(f.conns, conn)
	f.mu.Unlock()
}

// stop closes the listener and every accepted connection, then waits for
// the relay goroutines. A nil forwarder is a no-op.
func (f *forwarder) stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	_ = f.ln.Close()
	for c := range f.conns {
		_ = c.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
