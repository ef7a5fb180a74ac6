package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/portpool"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnelproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestPool(t *testing.T, lo, hi int) *portpool.Pool {
	t.Helper()
	p, err := portpool.New(portpool.Options{Min: lo, Max: hi})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestRegistry(t *testing.T, pool *portpool.Pool) *Registry {
	t.Helper()
	return NewRegistry(Options{Pool: pool, Log: testLogger(), DrainTimeout: 5 * time.Second})
}

func quietYamux() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}

// newChannelPair returns a served hub channel and the agent's yamux client.
func newChannelPair(t *testing.T, nodeID string) (*Channel, *yamux.Session) {
	t.Helper()
	a, b := net.Pipe()
	ch := NewChannel(nodeID, domain.TunnelKindReverse, a)
	if err := ch.Serve(quietYamux()); err != nil {
		t.Fatal(err)
	}
	agent, err := yamux.Client(b, quietYamux())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = agent.Close()
		_ = ch.Close()
	})
	return ch, agent
}

func registerActive(t *testing.T, reg *Registry, ch *Channel, app domain.Application, localPort int) *Tunnel {
	t.Helper()
	tun, err := reg.Register(context.Background(), RegisterRequest{
		NodeID:        ch.NodeID(),
		App:           app,
		Kind:          ch.Kind(),
		LocalPort:     localPort,
		IsSystem:      app == domain.AppSystem,
		AutoReconnect: true,
		Channel:       ch,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(tun); err != nil {
		t.Fatal(err)
	}
	return tun
}

// serveEcho accepts streams on the agent session, checks the channel
// header and echoes the payload.
func serveEcho(agent *yamux.Session) {
	for {
		stream, err := agent.AcceptStream()
		if err != nil {
			return
		}
		go func() {
			defer stream.Close()
			if _, _, ok := readAppHeader(stream); !ok {
				return
			}
			_, _ = io.Copy(stream, stream)
		}()
	}
}

func readAppHeader(r io.Reader) (domain.Application, int, bool) {
	name, err := tunnelproto.ReadHeader(r)
	if err != nil {
		return "", 0, false
	}
	return tunnelproto.ParseAppChannel(name)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeCreds struct {
	mu        sync.Mutex
	nodes     map[string]domain.Node
	tokens    map[string]string
	failures  map[string]int
	connected map[string]time.Time
}

func newFakeCreds(nodes ...domain.Node) *fakeCreds {
	f := &fakeCreds{
		nodes:     make(map[string]domain.Node),
		tokens:    make(map[string]string),
		failures:  make(map[string]int),
		connected: make(map[string]time.Time),
	}
	for _, n := range nodes {
		f.nodes[n.ID] = n
		f.tokens[n.ID] = "token-" + n.ID
	}
	return f
}

func (f *fakeCreds) Authenticate(_ context.Context, nodeID, token string) (domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return domain.Node{}, domain.ErrUnknownNode
	}
	if f.tokens[nodeID] != token {
		return domain.Node{}, domain.ErrAuthFailed
	}
	return n, nil
}

func (f *fakeCreds) RecordAuthFailure(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[nodeID]++
	return nil
}

func (f *fakeCreds) MarkConnected(_ context.Context, nodeID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[nodeID] = at
	return nil
}

func (f *fakeCreds) failureCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[nodeID]
}

func (f *fakeCreds) wasConnected(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.connected[nodeID]
	return ok
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordingAuditor) Emit(ev domain.AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingAuditor) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// dialAgent runs the agent side of the handshake over a pipe served by l.
// On success it returns the agent's yamux session.
func dialAgent(t *testing.T, l *Listener, kind domain.TunnelKind, hello tunnelproto.Hello) (tunnelproto.HelloAck, *yamux.Session, <-chan error) {
	t.Helper()
	hub, agent := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- l.HandleConn(context.Background(), hub, kind)
	}()

	if hello.Version == 0 {
		hello.Version = tunnelproto.Version
	}
	if err := tunnelproto.WriteFrame(agent, hello); err != nil {
		t.Fatal(err)
	}
	var ack tunnelproto.HelloAck
	if err := tunnelproto.ReadFrame(agent, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.OK {
		_ = agent.Close()
		return ack, nil, done
	}
	sess, err := yamux.Client(agent, quietYamux())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return ack, sess, done
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
