package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/acl"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/portpool"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnel"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnelproto"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fixture struct {
	tunnels  *tunnel.Registry
	channel  *tunnel.Channel
	vnc      *tunnel.Tunnel
	sessions *Registry
	gateway  *Gateway
	authz    *fakeAuthz
	rules    *mutableRules

	finishedMu sync.Mutex
	finished   []domain.SessionSummary
}

type fixtureOptions struct {
	now       func() time.Time
	tokenNow  func() time.Time
	retention time.Duration
}

// newFixture builds node-1 with an ACTIVE VNC tunnel on remote port 40000
// whose agent echoes every stream, alice allowed by ACL and holding vnc.
func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	pool, err := portpool.New(portpool.Options{Min: 40000, Max: 40010})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		authz: &fakeAuthz{grants: map[string]domain.CapabilitySet{
			"alice/node-1": domain.NewCapabilitySet(domain.CapVNC),
		}},
		rules: &mutableRules{rules: []domain.AccessRule{{
			ID:          "allow-alice-vnc",
			Priority:    10,
			Enabled:     true,
			Source:      acl.UserPrefix + "alice",
			Destination: "node-1",
			Protocol:    domain.ProtocolTCP,
			Port:        5900,
			Action:      domain.ActionAllow,
		}}},
	}
	f.tunnels = tunnel.NewRegistry(tunnel.Options{Pool: pool, Log: testLogger(), DrainTimeout: 2 * time.Second})

	f.channel = newEchoChannel(t, "node-1")
	f.vnc, err = f.tunnels.Register(context.Background(), tunnel.RegisterRequest{
		NodeID:        "node-1",
		App:           domain.AppVNC,
		Kind:          domain.TunnelKindReverse,
		LocalPort:     5900,
		PreferredPort: 40000,
		AutoReconnect: true,
		Channel:       f.channel,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.tunnels.Activate(f.vnc); err != nil {
		t.Fatal(err)
	}

	f.sessions = NewRegistry(RegistryOptions{
		Log:               testLogger(),
		FinishedRetention: fo.retention,
		Now:               fo.now,
		OnFinish: func(s domain.SessionSummary) {
			f.finishedMu.Lock()
			f.finished = append(f.finished, s)
			f.finishedMu.Unlock()
		},
	})
	f.tunnels.OnStatus(f.sessions.TunnelStatusChanged)

	tokenNow := fo.tokenNow
	if tokenNow == nil {
		tokenNow = fo.now
	}
	tokens, err := NewTokens(testKey, time.Minute, tokenNow)
	if err != nil {
		t.Fatal(err)
	}
	f.gateway = NewGateway(f.tunnels, acl.NewEvaluator(f.rules, time.UTC), f.authz, tokens, f.sessions, GatewayOptions{
		Log: testLogger(),
		Now: fo.now,
	})
	return f
}

// reattach reconnects node-1's VNC tunnel over a fresh echo channel and
// activates it again.
func (f *fixture) reattach(t *testing.T) *tunnel.Tunnel {
	t.Helper()
	f.channel = newEchoChannel(t, "node-1")
	tun, err := f.tunnels.Register(context.Background(), tunnel.RegisterRequest{
		NodeID:        "node-1",
		App:           domain.AppVNC,
		Kind:          domain.TunnelKindReverse,
		LocalPort:     5900,
		PreferredPort: 40000,
		AutoReconnect: true,
		Channel:       f.channel,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.tunnels.Activate(tun); err != nil {
		t.Fatal(err)
	}
	return tun
}

func (f *fixture) finishedSummaries() []domain.SessionSummary {
	f.finishedMu.Lock()
	defer f.finishedMu.Unlock()
	return append([]domain.SessionSummary(nil), f.finished...)
}

func aliceVNC() CreateRequest {
	return CreateRequest{
		User:   acl.SourceContext{UserID: "alice"},
		NodeID: "node-1",
		App:    domain.AppVNC,
		Params: domain.SessionParams{Quality: 6, Width: 1280, Height: 800},
	}
}

// connect starts Connect in the background and returns the user's end of
// the client connection.
func (f *fixture) connect(t *testing.T, c Created) (net.Conn, <-chan error) {
	t.Helper()
	hubSide, userSide := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- f.gateway.Connect(context.Background(), c.Session.ID, c.Token, hubSide)
	}()
	t.Cleanup(func() { _ = userSide.Close() })
	return userSide, done
}

// newEchoChannel returns a served hub channel for nodeID whose agent side
// echoes every stream.
func newEchoChannel(t *testing.T, nodeID string) *tunnel.Channel {
	t.Helper()
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	hub, agentConn := net.Pipe()
	ch := tunnel.NewChannel(nodeID, domain.TunnelKindReverse, hub)
	if err := ch.Serve(cfg); err != nil {
		t.Fatal(err)
	}
	agent, err := yamux.Client(agentConn, cfg)
	if err != nil {
		t.Fatal(err)
	}
	go serveEcho(agent)
	t.Cleanup(func() {
		_ = agent.Close()
		_ = ch.Close()
	})
	return ch
}

func serveEcho(agent *yamux.Session) {
	for {
		stream, err := agent.AcceptStream()
		if err != nil {
			return
		}
		go func() {
			defer stream.Close()
			if _, err := tunnelproto.ReadHeader(stream); err != nil {
				return
			}
			_, _ = io.Copy(stream, stream)
		}()
	}
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

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return")
		return nil
	}
}

type fakeAuthz struct {
	mu     sync.Mutex
	grants map[string]domain.CapabilitySet
}

func (a *fakeAuthz) HasCapability(_ context.Context, userID, nodeID string, c domain.Capability) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grants[userID+"/"+nodeID].Has(c), nil
}

func (a *fakeAuthz) set(userID, nodeID string, caps domain.CapabilitySet) {
	a.mu.Lock()
	a.grants[userID+"/"+nodeID] = caps
	a.mu.Unlock()
}

// gapAuthz runs gap once during the first capability check, standing in
// for a tunnel that drops while a permission query is in flight.
type gapAuthz struct {
	inner Authorizer
	gap   func()
	once  sync.Once
}

func (a *gapAuthz) HasCapability(ctx context.Context, userID, nodeID string, c domain.Capability) (bool, error) {
	a.once.Do(a.gap)
	return a.inner.HasCapability(ctx, userID, nodeID, c)
}

type mutableRules struct {
	mu    sync.Mutex
	rules []domain.AccessRule
}

func (m *mutableRules) Rules(context.Context, acl.Query) ([]domain.AccessRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AccessRule(nil), m.rules...), nil
}

func (m *mutableRules) set(rules ...domain.AccessRule) {
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
