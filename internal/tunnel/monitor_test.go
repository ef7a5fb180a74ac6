package tunnel

import (
	"testing"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

func TestMissedHeartbeatsDisconnectThenFail(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 40000, 40001)
	reg := NewRegistry(Options{Pool: pool, Log: testLogger(), PortGracePeriod: time.Hour})
	mon := NewMonitor(reg, testLogger(), MonitorOptions{
		CheckInterval:  10 * time.Second,
		Timeout:        30 * time.Second,
		ReconnectDelay: 5 * time.Second,
		Backoff:        BackoffFixed,
		MaxAttempts:    3,
	})

	ch, _ := newChannelPair(t, "node-1")
	tun := registerActive(t, reg, ch, domain.AppVNC, 5900)
	port := tun.RemotePort()

	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	ch.touchAt(base)

	for _, at := range []time.Duration{10 * time.Second, 20 * time.Second} {
		if res := mon.Sweep(base.Add(at)); res.Disconnected != 0 {
			t.Fatalf("unexpected disconnect at +%s", at)
		}
	}
	if res := mon.Sweep(base.Add(30 * time.Second)); res.Disconnected != 1 {
		t.Fatalf("expected disconnect at +30s, got %+v", res)
	}
	if tun.Status() != domain.TunnelDisconnected || !ch.Closed() {
		t.Fatalf("expected DISCONNECTED with closed channel, got %s", tun.Status())
	}

	for i, at := range []time.Duration{40, 50, 60} {
		res := mon.Sweep(base.Add(at * time.Second))
		if res.Attempts != 1 || tun.Attempts() != i+1 {
			t.Fatalf("sweep +%ds: expected attempt %d, got %+v attempts=%d", at, i+1, res, tun.Attempts())
		}
		if pool.IsFree(port) {
			t.Fatal("port released before attempts were exhausted")
		}
	}

	res := mon.Sweep(base.Add(70 * time.Second))
	if res.Failed != 1 || tun.Status() != domain.TunnelError {
		t.Fatalf("expected ERROR after exhausted attempts, got %+v %s", res, tun.Status())
	}
	if !pool.IsFree(port) || tun.RemotePort() != 0 {
		t.Fatal("expected ports to be released on ERROR")
	}
	if _, err := reg.Lookup("node-1", domain.AppVNC); err == nil {
		t.Fatal("ERROR tunnel must not be looked up")
	}
	if got := reg.Stats().ReconnectAttempts.Load(); got != 3 {
		t.Fatalf("expected 3 reconnect attempts counted, got %d", got)
	}
}

func TestFailedTunnelCanRegisterAgain(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Options{Pool: newTestPool(t, 40000, 40001), Log: testLogger()})
	mon := NewMonitor(reg, testLogger(), MonitorOptions{ReconnectDelay: time.Second, MaxAttempts: 0})

	ch, _ := newChannelPair(t, "node-1")
	tun := registerActive(t, reg, ch, domain.AppVNC, 5900)
	now := time.Now()
	reg.DisconnectChannel(ch, "io", now)
	mon.Sweep(now.Add(2 * time.Second))
	if tun.Status() != domain.TunnelError {
		t.Fatalf("expected ERROR, got %s", tun.Status())
	}

	ch2, _ := newChannelPair(t, "node-1")
	fresh := registerActive(t, reg, ch2, domain.AppVNC, 5900)
	if fresh == tun || fresh.RemotePort() == 0 {
		t.Fatal("expected a fresh tunnel with a new port binding")
	}
}

func TestGracePeriodReleasesPort(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 40000, 40001)
	reg := NewRegistry(Options{Pool: pool, Log: testLogger(), PortGracePeriod: 15 * time.Second})
	mon := NewMonitor(reg, testLogger(), MonitorOptions{ReconnectDelay: time.Minute, MaxAttempts: 100})

	ch, _ := newChannelPair(t, "node-1")
	tun := registerActive(t, reg, ch, domain.AppVNC, 5900)
	port := tun.RemotePort()
	at := time.Now()
	reg.DisconnectChannel(ch, "io", at)

	if res := mon.Sweep(at.Add(10 * time.Second)); res.Released != 0 {
		t.Fatal("released before grace expiry")
	}
	if res := mon.Sweep(at.Add(20 * time.Second)); res.Released != 1 {
		t.Fatalf("expected release after grace, got %+v", res)
	}
	if !pool.IsFree(port) || tun.Status() != domain.TunnelDisconnected {
		t.Fatalf("expected free port and DISCONNECTED tunnel, got %s", tun.Status())
	}

	ch2, _ := newChannelPair(t, "node-1")
	again := registerActive(t, reg, ch2, domain.AppVNC, 5900)
	if again != tun || again.RemotePort() == 0 {
		t.Fatal("expected reattach with a newly allocated port")
	}
}

func TestSystemTunnelGetsMinimumAttempts(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Options{Pool: newTestPool(t, 40000, 40001), Log: testLogger(), PortGracePeriod: time.Hour})
	mon := NewMonitor(reg, testLogger(), MonitorOptions{
		ReconnectDelay:    time.Second,
		Backoff:           BackoffFixed,
		MaxAttempts:       1,
		SystemMinAttempts: 3,
	})

	ch, _ := newChannelPair(t, "node-1")
	sys := registerActive(t, reg, ch, domain.AppSystem, 0)
	app := registerActive(t, reg, ch, domain.AppTerminal, 22)

	start := time.Now()
	reg.DisconnectChannel(ch, "io", start)
	for i := 1; i <= 3; i++ {
		mon.Sweep(start.Add(time.Duration(i) * 2 * time.Second))
	}
	if app.Status() != domain.TunnelError {
		t.Fatalf("application tunnel should have failed, got %s", app.Status())
	}
	if sys.Status() != domain.TunnelDisconnected {
		t.Fatalf("system tunnel should still be retrying, got %s", sys.Status())
	}
	mon.Sweep(start.Add(10 * time.Second))
	if sys.Status() != domain.TunnelError {
		t.Fatalf("system tunnel should fail after its minimum, got %s", sys.Status())
	}
}

func TestNoAutoReconnectFailsOnFirstWindow(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Options{Pool: newTestPool(t, 40000, 40001), Log: testLogger()})
	mon := NewMonitor(reg, testLogger(), MonitorOptions{
		ReconnectDelay:    time.Second,
		Backoff:           BackoffFixed,
		MaxAttempts:       5,
		SystemMinAttempts: 10,
	})

	ch, _ := newChannelPair(t, "node-1")
	register := func(app domain.Application, localPort int) *Tunnel {
		t.Helper()
		tun, err := reg.Register(t.Context(), RegisterRequest{
			NodeID:    "node-1",
			App:       app,
			LocalPort: localPort,
			IsSystem:  app == domain.AppSystem,
			Channel:   ch,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := reg.Activate(tun); err != nil {
			t.Fatal(err)
		}
		return tun
	}
	rdp := register(domain.AppRDP, 3389)
	sys := register(domain.AppSystem, 0)

	now := time.Now()
	reg.DisconnectChannel(ch, "io", now)
	mon.Sweep(now.Add(2 * time.Second))
	if rdp.Status() != domain.TunnelError {
		t.Fatalf("expected ERROR, got %s", rdp.Status())
	}
	if sys.Status() != domain.TunnelDisconnected || sys.Attempts() != 1 {
		t.Fatalf("system tunnel keeps its minimum attempts without auto-reconnect, got %s after %d attempts", sys.Status(), sys.Attempts())
	}

	for i := 2; i <= 10; i++ {
		mon.Sweep(now.Add(time.Duration(i) * 2 * time.Second))
	}
	if sys.Status() != domain.TunnelDisconnected || sys.Attempts() != 10 {
		t.Fatalf("expected ten windows counted, got %s after %d attempts", sys.Status(), sys.Attempts())
	}
	mon.Sweep(now.Add(30 * time.Second))
	if sys.Status() != domain.TunnelError {
		t.Fatalf("system tunnel should fail after its minimum, got %s", sys.Status())
	}
}

func TestCheckNowDisconnectsStaleChannel(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, newTestPool(t, 40000, 40001))
	mon := NewMonitor(reg, testLogger(), MonitorOptions{Timeout: time.Minute})
	ch, _ := newChannelPair(t, "node-1")
	registerActive(t, reg, ch, domain.AppVNC, 5900)

	if mon.CheckNow("node-1") {
		t.Fatal("fresh channel must not be disconnected")
	}
	ch.touchAt(time.Now().Add(-2 * time.Minute))
	if !mon.CheckNow("node-1") {
		t.Fatal("expected stale channel to be disconnected")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, newTestPool(t, 40000, 40001))
	exp := NewMonitor(reg, nil, MonitorOptions{ReconnectDelay: time.Second, ReconnectMaxDelay: 5 * time.Second, Backoff: BackoffExponential})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := exp.delay(i); got != w {
			t.Fatalf("exponential delay(%d) = %s, want %s", i, got, w)
		}
	}
	fixed := NewMonitor(reg, nil, MonitorOptions{ReconnectDelay: 3 * time.Second, Backoff: BackoffFixed})
	if fixed.delay(4) != 3*time.Second {
		t.Fatal("fixed backoff must not grow")
	}
	if _, ok := ParseBackoff("EXPONENTIAL"); !ok {
		t.Fatal("expected case-insensitive backoff parse")
	}
	if _, ok := ParseBackoff("linear"); ok {
		t.Fatal("unexpected backoff accepted")
	}
}
