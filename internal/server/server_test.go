package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/agent"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/auth"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/config"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/store/sqlite"
)

const (
	testAdminKey   = "admin-key"
	testNodeToken  = "node-secret"
	testSigningKey = "0123456789abcdef0123456789abcdef"
)

type testEnv struct {
	srv     *Server
	store   *sqlite.Store
	baseURL string
	echo    int
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.OpenWithOptions(filepath.Join(t.TempDir(), "hub.db"), sqlite.OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig(t *testing.T, extra ...string) config.HubConfig {
	t.Helper()
	args := append([]string{
		"--tunnel-listen", "127.0.0.1:0",
		"--http-listen", "127.0.0.1:0",
		"--port-range", "42000-42050",
		"--check-os-ports=false",
		"--admin-api-key", testAdminKey,
		"--heartbeat-interval", "100ms",
		"--heartbeat-timeout", "2s",
		"--heartbeat-check-interval", "100ms",
	}, extra...)
	cfg, err := config.ParseHubFlags(args)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// seed creates edge-1 exposing VNC on the echo port, lets group ops (with
// alice) use it and allows ops through the ACL.
func seed(t *testing.T, store *sqlite.Store, echoPort int) {
	t.Helper()
	ctx := context.Background()
	hash, err := auth.HashToken(testNodeToken)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateNode(ctx, sqlite.NodeInput{
		ID:            "edge-1",
		Name:          "edge-1",
		TenantID:      "acme",
		Kind:          domain.TunnelKindReverse,
		AutoReconnect: true,
		Apps:          []domain.AppPort{{App: domain.AppVNC, LocalPort: echoPort}},
	}, hash); err != nil {
		t.Fatal(err)
	}
	ops, err := store.UpsertGroup(ctx, domain.Group{Name: "ops", TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddGroupMember(ctx, ops.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetGroupGrant(ctx, ops.ID, "edge-1", domain.NewCapabilitySet(domain.CapVNC)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertRule(ctx, domain.AccessRule{
		ID: "allow-ops", Priority: 10, Enabled: true,
		Source: "group:ops", Destination: "edge-1", Protocol: "tcp", Action: domain.ActionAllow,
	}); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T, cfg config.HubConfig, store *sqlite.Store) *Server {
	t.Helper()
	srv, err := New(cfg, store, slog.New(slog.DiscardHandler), Options{SigningKey: []byte(testSigningKey), Version: "test"})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

// startEnv runs a hub with a connected agent for edge-1.
func startEnv(t *testing.T) (*testEnv, <-chan error) {
	t.Helper()
	store := openStore(t)
	echo := startEcho(t)
	seed(t, store, echo)

	srv := newTestServer(t, testConfig(t), store)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runDone:
			if err != nil {
				t.Errorf("hub run: %v", err)
			}
		case <-time.After(20 * time.Second):
			t.Error("hub did not stop")
		}
	})
	select {
	case <-srv.Ready():
	case err := <-runDone:
		t.Fatalf("hub failed to start: %v", err)
	}
	addrs := srv.Addrs()

	a, err := agent.New(config.AgentConfig{
		HubAddr:     addrs.Tunnel.String(),
		Transport:   config.TransportTCP,
		NodeID:      "edge-1",
		Token:       testNodeToken,
		LocalHost:   "127.0.0.1",
		DialTimeout: time.Second,
		RetryMin:    20 * time.Millisecond,
		RetryMax:    100 * time.Millisecond,
		AppPorts:    []domain.AppPort{{App: domain.AppVNC, LocalPort: echo}},
		TunnelKind:  domain.TunnelKindReverse,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	agentCtx, stopAgent := context.WithCancel(ctx)
	agentDone := make(chan error, 1)
	go func() { agentDone <- a.Run(agentCtx) }()
	t.Cleanup(stopAgent)

	env := &testEnv{srv: srv, store: store, baseURL: "http://" + addrs.HTTP.String(), echo: echo}
	waitFor(t, "vnc tunnel active", func() bool {
		_, err := srv.Tunnels().Lookup("edge-1", domain.AppVNC)
		return err == nil
	})
	return env, agentDone
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type reqOpt func(*http.Request)

func asUser(id string) reqOpt {
	return func(r *http.Request) { r.Header.Set("X-Orizon-User", id) }
}

func asAdmin() reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testAdminKey) }
}

func doJSON(t *testing.T, method, url string, body any, out any, opts ...reqOpt) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range opts {
		o(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	} else if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func dialSession(t *testing.T, created domain.CreateSessionResponse) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(created.ConnectURL+"?token="+created.Token, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readN(t *testing.T, conn *websocket.Conn, n int) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var out []byte
	for len(out) < n {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %d bytes: %v", len(out), err)
		}
		out = append(out, msg...)
	}
	return out
}

func TestSessionRelayEndToEnd(t *testing.T) {
	t.Parallel()
	env, _ := startEnv(t)

	var created domain.CreateSessionResponse
	status := doJSON(t, http.MethodPost, env.baseURL+"/v1/sessions",
		domain.CreateSessionRequest{NodeID: "edge-1", Application: "vnc", Params: domain.SessionParams{Quality: 80}},
		&created, asUser("alice"))
	if status != http.StatusCreated {
		t.Fatalf("create session: status %d", status)
	}
	if created.Token == "" || !strings.HasPrefix(created.ConnectURL, "ws://") || !strings.HasSuffix(created.ConnectURL, "/v1/sessions/"+created.SessionID+"/connect") {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.TokenExpiresAt.After(created.ExpiresAt) {
		t.Fatalf("token outlives the session: %+v", created)
	}

	conn := dialSession(t, created)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := readN(t, conn, 5); string(got) != "hello" {
		t.Fatalf("unexpected echo %q", got)
	}

	var view domain.SessionView
	waitFor(t, "relayed bytes counted", func() bool {
		if status := doJSON(t, http.MethodGet, env.baseURL+"/v1/sessions/"+created.SessionID, nil, &view, asUser("alice")); status != http.StatusOK {
			t.Fatalf("get session: status %d", status)
		}
		return view.BytesIn >= 5 && view.BytesOut >= 5
	})
	if view.Status != domain.SessionActive || view.Params.Quality != 80 {
		t.Fatalf("unexpected session view: %+v", view)
	}
	if status := doJSON(t, http.MethodGet, env.baseURL+"/v1/sessions/"+created.SessionID, nil, nil, asUser("bob")); status != http.StatusNotFound {
		t.Fatalf("other users must not see the session, got %d", status)
	}

	var list []domain.SessionView
	doJSON(t, http.MethodGet, env.baseURL+"/v1/sessions", nil, &list, asUser("alice"))
	if len(list) != 1 || list[0].ID != created.SessionID {
		t.Fatalf("unexpected session list: %+v", list)
	}

	if status := doJSON(t, http.MethodDelete, env.baseURL+"/v1/sessions/"+created.SessionID, nil, nil, asUser("alice")); status != http.StatusNoContent {
		t.Fatalf("terminate: status %d", status)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the relay to close after terminate")
	}
	if status := doJSON(t, http.MethodDelete, env.baseURL+"/v1/sessions/"+created.SessionID, nil, nil, asUser("alice")); status != http.StatusConflict {
		t.Fatalf("terminating a finished session: status %d", status)
	}

	var history []sessionHistoryView
	waitFor(t, "session history", func() bool {
		history = nil
		doJSON(t, http.MethodGet, env.baseURL+"/v1/audit/sessions", nil, &history, asAdmin())
		return len(history) == 1
	})
	if history[0].Status != domain.SessionTerminated || history[0].UserID != "alice" {
		t.Fatalf("unexpected history row: %+v", history[0])
	}
}

func TestSessionTokenIsSingleUse(t *testing.T) {
	t.Parallel()
	env, _ := startEnv(t)

	var created domain.CreateSessionResponse
	if status := doJSON(t, http.MethodPost, env.baseURL+"/v1/sessions",
		domain.CreateSessionRequest{NodeID: "edge-1", Application: "VNC"}, &created, asUser("alice")); status != http.StatusCreated {
		t.Fatalf("create session: status %d", status)
	}
	first := dialSession(t, created)
	if err := first.WriteMessage(websocket.BinaryMessage, []byte("x")); err != nil {
		t.Fatal(err)
	}
	readN(t, first, 1)

	second := dialSession(t, created)
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := second.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != closeUnauthorized || ce.Text != "TOKEN_INVALID" {
		t.Fatalf("expected TOKEN_INVALID close, got %v", err)
	}
}

func TestSessionConnectRejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	env, _ := startEnv(t)

	var created domain.CreateSessionResponse
	if status := doJSON(t, http.MethodPost, env.baseURL+"/v1/sessions",
		domain.CreateSessionRequest{NodeID: "edge-1", Application: "vnc"}, &created, asUser("alice")); status != http.StatusCreated {
		t.Fatalf("create session: status %d", status)
	}

	foreign := http.Header{"Origin": []string{"https://evil.example.net"}}
	conn, resp, err := websocket.DefaultDialer.Dial(created.ConnectURL+"?token="+created.Token, foreign)
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign origin, got %v", resp)
	}

	same := http.Header{"Origin": []string{env.baseURL}}
	conn, _, err = websocket.DefaultDialer.Dial(created.ConnectURL+"?token="+created.Token, same)
	if err != nil {
		t.Fatalf("same-host origin must connect with the unused token: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ok")); err != nil {
		t.Fatal(err)
	}
	if got := readN(t, conn, 2); string(got) != "ok" {
		t.Fatalf("unexpected echo %q", got)
	}
}

func TestCreateSessionDenials(t *testing.T) {
	t.Parallel()
	env, _ := startEnv(t)

	tests := []struct {
		name   string
		req    domain.CreateSessionRequest
		user   string
		status int
		code   string
	}{
		{"acl deny", domain.CreateSessionRequest{NodeID: "edge-1", Application: "vnc"}, "bob", http.StatusForbidden, "ACCESS_DENIED"},
		{"no tunnel", domain.CreateSessionRequest{NodeID: "edge-1", Application: "rdp"}, "alice", http.StatusServiceUnavailable, "TUNNEL_UNAVAILABLE"},
		{"unknown app", domain.CreateSessionRequest{NodeID: "edge-1", Application: "telnet"}, "alice", http.StatusBadRequest, "BAD_REQUEST"},
		{"missing node", domain.CreateSessionRequest{Application: "vnc"}, "alice", http.StatusBadRequest, "BAD_REQUEST"},
		{"system app", domain.CreateSessionRequest{NodeID: "edge-1", Application: "system"}, "alice", http.StatusServiceUnavailable, "TUNNEL_UNAVAILABLE"},
	}
	for _, tt := range tests {
		var resp domain.ErrorResponse
		status := doJSON(t, http.MethodPost, env.baseURL+"/v1/sessions", tt.req, &resp, asUser(tt.user))
		if status != tt.status || resp.ErrorCode != tt.code {
			t.Fatalf("%s: got %d %+v, want %d %s", tt.name, status, resp, tt.status, tt.code)
		}
	}
}

func TestAdminTunnelsMetricsAndRevoke(t *testing.T) {
	t.Parallel()
	env, agentDone := startEnv(t)

	var tunnels []domain.TunnelView
	if status := doJSON(t, http.MethodGet, env.baseURL+"/v1/tunnels", nil, &tunnels, asAdmin()); status != http.StatusOK {
		t.Fatalf("list tunnels: status %d", status)
	}
	if len(tunnels) != 2 {
		t.Fatalf("expected system and vnc tunnels, got %+v", tunnels)
	}
	var vnc domain.TunnelView
	for _, tv := range tunnels {
		if tv.Application == domain.AppVNC {
			vnc = tv
		}
		if tv.Status != domain.TunnelActive || tv.RemotePort < 42000 || tv.RemotePort > 42050 {
			t.Fatalf("unexpected tunnel view: %+v", tv)
		}
	}
	if vnc.LocalPort != env.echo {
		t.Fatalf("vnc tunnel should carry the node's local port: %+v", vnc)
	}

	var snap map[string]any
	if status := doJSON(t, http.MethodGet, env.baseURL+"/v1/metrics", nil, &snap, asAdmin()); status != http.StatusOK {
		t.Fatalf("metrics: status %d", status)
	}
	if snap["tunnels_active"].(float64) != 2 {
		t.Fatalf("unexpected metrics: %v", snap)
	}

	var revoked revokeResponse
	if status := doJSON(t, http.MethodPost, env.baseURL+"/v1/nodes/edge-1/revoke", nil, &revoked, asAdmin()); status != http.StatusOK {
		t.Fatalf("revoke: status %d", status)
	}
	if revoked.Evicted != 2 {
		t.Fatalf("expected both tunnels evicted, got %+v", revoked)
	}
	select {
	case err := <-agentDone:
		if !errors.Is(err, domain.ErrAuthFailed) {
			t.Fatalf("agent should stop on the revoked token, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent kept running after revoke")
	}
	if len(env.srv.Tunnels().List()) != 0 {
		t.Fatal("revoked node must not keep tunnels")
	}

	waitFor(t, "revoke audit event", func() bool {
		var events []auditEventView
		doJSON(t, http.MethodGet, env.baseURL+"/v1/audit/events?limit=50", nil, &events, asAdmin())
		for _, ev := range events {
			if ev.Type == domain.EventNodeRevoked && ev.NodeID == "edge-1" {
				return true
			}
		}
		return false
	})

	if status := doJSON(t, http.MethodPost, env.baseURL+"/v1/nodes/ghost/revoke", nil, nil, asAdmin()); status != http.StatusNotFound {
		t.Fatalf("revoking an unknown node: status %d", status)
	}
}

func TestHandlerAuthentication(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, testConfig(t), openStore(t))
	h := srv.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		status int
	}{
		{"healthz", http.MethodGet, "/healthz", nil, http.StatusOK},
		{"sessions without identity", http.MethodGet, "/v1/sessions", nil, http.StatusUnauthorized},
		{"sessions as user", http.MethodGet, "/v1/sessions", map[string]string{"X-Orizon-User": "alice"}, http.StatusOK},
		{"tunnels as user", http.MethodGet, "/v1/tunnels", map[string]string{"X-Orizon-User": "alice"}, http.StatusUnauthorized},
		{"tunnels wrong key", http.MethodGet, "/v1/tunnels", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"tunnels as admin", http.MethodGet, "/v1/tunnels", map[string]string{"Authorization": "Bearer " + testAdminKey}, http.StatusOK},
		{"unknown tunnel", http.MethodGet, "/v1/tunnels/tun_x", map[string]string{"Authorization": "Bearer " + testAdminKey}, http.StatusNotFound},
		{"delete unknown tunnel", http.MethodDelete, "/v1/tunnels/tun_x", map[string]string{"Authorization": "Bearer " + testAdminKey}, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/v1/audit/events?limit=-1", map[string]string{"Authorization": "Bearer " + testAdminKey}, http.StatusBadRequest},
		{"guarded query", http.MethodGet, "/v1/tunnels?node_id=$(id)", map[string]string{"Authorization": "Bearer " + testAdminKey}, http.StatusForbidden},
		{"connect without token", http.MethodGet, "/v1/sessions/s1/connect", nil, http.StatusUnauthorized},
		{"connect without upgrade", http.MethodGet, "/v1/sessions/s1/connect?token=abc", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		for k, v := range tt.header {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.status {
			t.Fatalf("%s: got %d, want %d (%s)", tt.name, rec.Code, tt.status, rec.Body.String())
		}
	}
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, testConfig(t), openStore(t))
	h := srv.Handler()

	for _, body := range []string{`{`, `{"node_id":"edge-1","application":"vnc","extra":1}`, `{"node_id":"a"}{"node_id":"b"}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(body))
		req.Header.Set("X-Orizon-User", "alice")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: got %d", body, rec.Code)
		}
	}
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "--admin-api-key", "")
	srv := newTestServer(t, cfg, openStore(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/tunnels", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected admin endpoints to be closed, got %d", rec.Code)
	}
}

func TestIdentityMergesStoredGroups(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	seed(t, store, 5900)
	srv := newTestServer(t, testConfig(t), store)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Orizon-User", "alice")
	req.Header.Set("X-Orizon-Source-Node", "laptop-7")
	req.Header.Set("X-Orizon-Groups", "contractors, ops,contractors")
	id, ok := srv.resolveUser(req)
	if !ok {
		t.Fatal("expected identity")
	}
	if id.source.UserID != "alice" || id.source.NodeID != "laptop-7" {
		t.Fatalf("unexpected identity: %+v", id.source)
	}
	if strings.Join(id.source.Groups, ",") != "contractors,ops" {
		t.Fatalf("unexpected groups: %v", id.source.Groups)
	}
}
