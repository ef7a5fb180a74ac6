// Package server wires the hub: agent tunnel ingress, the session gateway,
// the management API and the background loops that keep them healthy.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/acl"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/audit"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/auth"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/config"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/guard"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/metrics"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/netutil"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/portpool"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/session"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/store/sqlite"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnel"
)

const (
	maxJSONBodyBytes  = 64 << 10
	portCheckTTL     = 2 * time.Second
	httpShutdownGrace = 5 * time.Second
)

// Options carries the pieces resolved by the caller before the hub starts.
type Options struct {
	// SigningKey signs session tokens. It must be stable across restarts
	// for tokens minted before a restart to stay valid.
	SigningKey []byte
	Version    string
}

// Server is the hub process.
type Server struct {
	cfg   config.HubConfig
	store *sqlite.Store
	log   *slog.Logger

	pool     *portpool.Pool
	tunnels  *tunnel.Registry
	monitor  *tunnel.Monitor
	listener *tunnel.Listener
	sessions *session.Registry
	gateway  *session.Gateway
	upgrader *websocket.Upgrader
	audit    *audit.Emitter
	metrics  *metrics.Collector

	adminKeyHash string
	keyPepper    string
	version      string

	mu     sync.RWMutex
	addrs  Addrs
	ready  chan struct{}
	runCtx context.Context
}

// Addrs are the bound listener addresses, known once the hub is ready.
type Addrs struct {
	Tunnel    net.Addr
	TLSTunnel net.Addr
	HTTP      net.Addr
}

func newUpgrader(publicURL string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin: func(r *http.Request) bool {
			return netutil.AllowedOrigin(publicURL, r)
		},
	}
}

// New builds every hub component from cfg. Nothing listens until Run.
func New(cfg config.HubConfig, store *sqlite.Store, logger *slog.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(opts.SigningKey) == 0 {
		return nil, fmt.Errorf("session signing key is required")
	}

	poolOpts := portpool.Options{Min: cfg.PortMin, Max: cfg.PortMax, Reserved: cfg.ReservedPorts}
	if cfg.CheckOSPorts {
		poolOpts.Checker = portpool.NewSystemChecker(portCheckTTL)
	}
	pool, err := portpool.New(poolOpts)
	if err != nil {
		return nil, fmt.Errorf("port pool: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		log:      logger,
		pool:     pool,
		upgrader: newUpgrader(cfg.PublicURL),
		version:  opts.Version,
		ready:    make(chan struct{}),
		runCtx:   context.Background(),
	}

	s.audit = audit.NewEmitter(store, logger.With("component", "audit"), cfg.AuditQueueSize)

	s.tunnels = tunnel.NewRegistry(tunnel.Options{
		Pool:            pool,
		Log:             logger.With("component", "tunnels"),
		DrainTimeout:    cfg.DrainTimeout,
		PortGracePeriod: cfg.PortGracePeriod,
		Forward: tunnel.ForwardOptions{
			Enabled:  cfg.ForwardEnabled,
			BindAddr: cfg.ForwardBindAddr,
		},
	})
	s.monitor = tunnel.NewMonitor(s.tunnels, logger.With("component", "monitor"), tunnel.MonitorOptions{
		CheckInterval:     cfg.HeartbeatCheckInterval,
		Timeout:           cfg.HeartbeatTimeout,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		Backoff:           cfg.Backoff,
		MaxAttempts:       cfg.MaxReconnectAttempts,
		SystemMinAttempts: cfg.SystemMinAttempts,
	})
	s.listener = tunnel.NewListener(s.tunnels, s.monitor, store, s.audit, logger.With("component", "listener"), tunnel.ListenerOptions{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HubVersion:        opts.Version,
	})

	s.sessions = session.NewRegistry(session.RegistryOptions{
		Log:               logger.With("component", "sessions"),
		FinishedRetention: cfg.FinishedRetention,
		OnFinish:          s.audit.RecordSession,
		Tunnels:           s.tunnels,
	})
	tokens, err := session.NewTokens(opts.SigningKey, cfg.TokenTTL, nil)
	if err != nil {
		return nil, fmt.Errorf("session tokens: %w", err)
	}
	s.gateway = session.NewGateway(s.tunnels, acl.NewEvaluator(store, cfg.Location), store, tokens, s.sessions, session.GatewayOptions{
		DefaultDuration: cfg.SessionDefaultDuration,
		MaxDuration:     cfg.SessionMaxDuration,
		RecheckInterval: cfg.ACLRecheckInterval,
		Log:             logger.With("component", "gateway"),
		Audit:           s.audit,
	})

	s.tunnels.OnStatus(s.sessions.TunnelStatusChanged)
	s.tunnels.OnStatus(s.audit.TunnelStatusChanged)

	s.metrics = &metrics.Collector{
		Tunnels:  s.tunnels,
		Sessions: s.sessions,
		Pool:     pool,
		Audit:    s.audit,
	}

	s.keyPepper = string(opts.SigningKey)
	if key := strings.TrimSpace(cfg.AdminAPIKey); key != "" {
		s.adminKeyHash = auth.HashAPIKey(key, s.keyPepper)
	}
	return s, nil
}

// Handler returns the HTTP surface of the hub.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(guard.NewMiddleware(guard.Config{
		Enabled:   s.cfg.RequestGuard,
		AuditOnly: s.cfg.RequestGuardAuditOnly,
		OnBlock:   s.emitRequestBlocked,
		SkipQuery: []string{"token"},
	}, s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/agent/connect", s.handleAgentConnect)
		r.Get("/sessions/{id}/connect", s.handleSessionConnect)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Delete("/sessions/{id}", s.handleTerminateSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/tunnels", s.handleListTunnels)
			r.Get("/tunnels/{id}", s.handleGetTunnel)
			r.Delete("/tunnels/{id}", s.handleDeleteTunnel)
			r.Post("/nodes/{id}/revoke", s.handleRevokeNode)
			r.Get("/audit/events", s.handleAuditEvents)
			r.Get("/audit/sessions", s.handleSessionHistory)
			r.Method(http.MethodGet, "/metrics", s.metrics)
		})
	})
	return r
}

// Gateway exposes the session gateway.
func (s *Server) Gateway() *session.Gateway { return s.gateway }

// Tunnels exposes the tunnel registry.
func (s *Server) Tunnels() *tunnel.Registry { return s.tunnels }

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addrs returns the bound listener addresses. It is only meaningful after
// Ready is closed.
func (s *Server) Addrs() Addrs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addrs
}

func (s *Server) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCtx
}

func (s *Server) emitNodeRevoked(nodeID, by string, evicted int) {
	s.audit.Emit(domain.AuditEvent{
		Type:   domain.EventNodeRevoked,
		NodeID: nodeID,
		UserID: by,
		Detail: fmt.Sprintf("evicted %d tunnels", evicted),
	})
}

func (s *Server) emitRequestBlocked(b guard.Block) {
	s.audit.Emit(domain.AuditEvent{
		Type:   domain.EventRequestBlocked,
		Code:   "REQUEST_BLOCKED",
		Detail: fmt.Sprintf("rule=%s method=%s uri=%q remote=%s", b.Rule, b.Method, b.RequestURI, b.RemoteAddr),
	})
}
