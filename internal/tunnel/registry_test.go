package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

func TestRegisterRejectsSecondLiveTunnel(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, newTestPool(t, 40000, 40010))
	ch1, _ := newChannelPair(t, "node-1")
	ch2, _ := newChannelPair(t, "node-1")

	registerActive(t, reg, ch1, domain.AppVNC, 5900)
	_, err := reg.Register(context.Background(), RegisterRequest{NodeID: "node-1", App: domain.AppVNC, LocalPort: 5900, Channel: ch2})
	if !errors.Is(err, domain.ErrDuplicateTunnel) {
		t.Fatalf("expected ErrDuplicateTunnel, got %v", err)
	}
}

func TestConcurrentRegisterYieldsOneTunnel(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, newTestPool(t, 40000, 40010))
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ok  int
		dup int
	)
	for i := 0; i < 8; i++ {
		ch, _ := newChannelPair(t, "node-1")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Register(context.Background(), RegisterRequest{NodeID: "node-1", App: domain.AppRDP, LocalPort: 3389, Channel: ch})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrDuplicateTunnel):
				dup++
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dup != 7 {
		t.Fatalf("expected 1 registration and 7 duplicates, got %d and %d", ok, dup)
	}
}

func TestLookupOnlySeesActiveTunnels(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, newTestPool(t, 40000, 40010))
	ch, _ := newChannelPair(t, "node-1")

	tun, err := reg.Register(context.Background(), RegisterRequest{NodeID: "node-1", App: domain.AppVNC, LocalPort: 5900, Channel: ch})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Lookup("node-1", domain.AppVNC); !errors.Is(err, domain.ErrTunnelNotFound) {
		t.Fatalf("CONNECTING tunnel must not be visible, got %v", err)
	}
	if err := reg.Activate(tun); err != nil {
		t.Fatal(err)
	}
	got, err := reg.Lookup("node-1", domain.AppVNC)
	if err != nil || got != tun {
		t.Fatalf("expected active tunnel, got %v %v", got, err)
	}
}

func TestReconnectPreservesIDAndPort(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 40000, 40010)
	reg := newTestRegistry(t, pool)
	ch1, _ := newChannelPair(t, "node-1")
	first := registerActive(t, reg, ch1, domain.AppVNC, 5900)
	port := first.RemotePort()

	if n := reg.DisconnectChannel(ch1, "test", time.Now()); n != 1 {
		t.Fatalf("expected 1 disconnected tunnel, got %d", n)
	}
	if first.Status() != domain.TunnelDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", first.Status())
	}
	if pool.IsFree(port) {
		t.Fatal("port must stay bound during the grace period")
	}

	ch2, _ := newChannelPair(t, "node-1")
	second := registerActive(t, reg, ch2, domain.AppVNC, 5900)
	if second != first || second.RemotePort() != port {
		t.Fatalf("expected same tunnel and port %d, got %s port %d", port, second.ID, second.RemotePort())
	}
	if reg.Stats().Reconnected.Load() != 1 {
		t.Fatal("expected reconnect to be counted")
	}
}

func TestSystemTunnelHasNoPortAndIsProtected(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 40000, 40000)
	reg := newTestRegistry(t, pool)
	ch, _ := newChannelPair(t, "node-1")

	sys := registerActive(t, reg, ch, domain.AppSystem, 0)
	if sys.RemotePort() != 0 {
		t.Fatalf("system tunnel must not take a pool port, got %d", sys.RemotePort())
	}
	if err := reg.Deregister(context.Background(), sys.ID); !errors.Is(err, domain.ErrSystemTunnelProtected) {
		t.Fatalf("expected ErrSystemTunnelProtected, got %v", err)
	}
	if n := reg.EvictNode("node-1", "revoked"); n != 1 {
		t.Fatalf("expected eviction of system tunnel, got %d", n)
	}
	if _, ok := reg.Get(sys.ID); ok {
		t.Fatal("evicted tunnel must be removed")
	}
	if !ch.Closed() {
		t.Fatal("eviction must close the node channel")
	}
}

func TestDeregisterWaitsForRelaysBeforeRelease(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 40000, 40010)
	reg := newTestRegistry(t, pool)
	ch, agent := newChannelPair(t, "node-1")
	go serveEcho(agent)

	tun := registerActive(t, reg, ch, domain.AppTerminal, 22)
	port := tun.RemotePort()

	stream, err := tun.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(stream, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo failed: %q %v", buf, err)
	}

	done := make(chan error, 1)
	go func() { done <- reg.Deregister(context.Background(), tun.ID) }()

	select {
	case err := <-done:
		t.Fatalf("deregister returned before relay exit: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if pool.IsFree(port) {
		t.Fatal("port released while a relay is still open")
	}

	_ = stream.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !pool.IsFree(port) {
		t.Fatal("expected port to be released after relay exit")
	}
	if tun.BytesSent() != 4 || tun.BytesReceived() != 4 {
		t.Fatalf("unexpected byte counters %d/%d", tun.BytesSent(), tun.BytesReceived())
	}
}

func TestPortHeldWhileRelaysOutliveDrain(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 40000, 40010)
	reg := NewRegistry(Options{Pool: pool, Log: testLogger(), DrainTimeout: 50 * time.Millisecond})
	mon := NewMonitor(reg, testLogger(), MonitorOptions{})
	ch, agent := newChannelPair(t, "node-1")
	go serveEcho(agent)

	tun := registerActive(t, reg, ch, domain.AppTerminal, 22)
	port := tun.RemotePort()
	stream, err := tun.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Deregister(context.Background(), tun.ID); err != nil {
		t.Fatal(err)
	}
	if pool.IsFree(port) {
		t.Fatal("port must stay allocated while a relay outlives the drain timeout")
	}
	if _, ok := pool.Bound("node-1", domain.AppTerminal); ok {
		t.Fatal("the held port must no longer belong to the binding")
	}

	next := registerActive(t, reg, ch, domain.AppTerminal, 22)
	if next.RemotePort() == port {
		t.Fatalf("a new tunnel must not get port %d while its old relay runs", port)
	}
	if res := mon.Sweep(time.Now()); res.Drained != 0 || pool.IsFree(port) {
		t.Fatalf("relay still open, expected nothing drained, got %+v", res)
	}

	_ = stream.Close()
	if res := mon.Sweep(time.Now()); res.Drained != 1 {
		t.Fatalf("expected the held port freed once the relay exited, got %+v", res)
	}
	if !pool.IsFree(port) {
		t.Fatal("expected port free after the relay exited")
	}
}

func TestStatusSubscribersSeeLifecycle(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, newTestPool(t, 40000, 40010))
	var (
		mu      sync.Mutex
		changes []domain.TunnelStatus
	)
	reg.OnStatus(func(c StatusChange) {
		mu.Lock()
		changes = append(changes, c.To)
		mu.Unlock()
	})
	ch, _ := newChannelPair(t, "node-1")
	registerActive(t, reg, ch, domain.AppVNC, 5900)
	reg.DisconnectChannel(ch, "io error", time.Now())

	mu.Lock()
	defer mu.Unlock()
	want := []domain.TunnelStatus{domain.TunnelConnecting, domain.TunnelActive, domain.TunnelDisconnected}
	if len(changes) != len(want) {
		t.Fatalf("got %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("got %v, want %v", changes, want)
		}
	}
}

func TestAbandonFreshTunnelReleasesPort(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 40000, 40000)
	reg := newTestRegistry(t, pool)
	ch, _ := newChannelPair(t, "node-1")
	tun, err := reg.Register(context.Background(), RegisterRequest{NodeID: "node-1", App: domain.AppVNC, LocalPort: 5900, Channel: ch})
	if err != nil {
		t.Fatal(err)
	}
	reg.Abandon(tun, "handshake failed")
	if !pool.IsFree(40000) {
		t.Fatal("expected port to be released")
	}
	if _, ok := reg.Get(tun.ID); ok {
		t.Fatal("abandoned fresh tunnel must be dropped")
	}
}

func TestOpenStreamRequiresActive(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, newTestPool(t, 40000, 40010))
	ch, _ := newChannelPair(t, "node-1")
	tun := registerActive(t, reg, ch, domain.AppVNC, 5900)
	reg.DisconnectChannel(ch, "gone", time.Now())

	if _, err := tun.OpenStream(context.Background()); !errors.Is(err, domain.ErrTunnelUnavailable) {
		t.Fatalf("expected ErrTunnelUnavailable, got %v", err)
	}
}

func TestForwarderRelaysToNode(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	reg := NewRegistry(Options{
		Pool:    newTestPool(t, port, port),
		Log:     testLogger(),
		Forward: ForwardOptions{Enabled: true, BindAddr: "127.0.0.1"},
	})
	ch, agent := newChannelPair(t, "node-1")
	go serveEcho(agent)
	tun := registerActive(t, reg, ch, domain.AppWebServer, 8080)
	t.Cleanup(func() { reg.EvictNode("node-1", "test done") })

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tun.RemotePort())))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("forwarded echo failed: %q %v", buf, err)
	}
}

func TestShardIndexInRange(t *testing.T) {
	t.Parallel()

	for _, k := range []string{"", "a", "node-1/VNC", "node-2/SYSTEM"} {
		if i := shardIndex(k); i < 0 || i >= registryShards {
			t.Fatalf("shardIndex(%q) = %d", k, i)
		}
	}
}
