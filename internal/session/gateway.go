package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/acl"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnel"
)

const (
	defaultSessionDuration = 30 * time.Minute
	defaultMaxDuration     = 8 * time.Hour
	defaultRecheckInterval = 30 * time.Second
)

// Authorizer answers group and tenant permission questions.
type Authorizer interface {
	// HasCapability reports whether userID may use capability c on nodeID.
	HasCapability(ctx context.Context, userID, nodeID string, c domain.Capability) (bool, error)
}

// Tunnels locates live tunnels. [tunnel.Registry] implements it.
type Tunnels interface {
	Lookup(nodeID string, app domain.Application) (*tunnel.Tunnel, error)
	Get(id string) (*tunnel.Tunnel, bool)
}

// Auditor receives fire-and-forget audit events.
type Auditor interface {
	Emit(ev domain.AuditEvent)
}

// GatewayOptions configures a [Gateway].
type GatewayOptions struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	RecheckInterval time.Duration
	Log             *slog.Logger
	Audit           Auditor
	Now             func() time.Time
}

// CreateRequest asks for a session on nodeID's app tunnel.
type CreateRequest struct {
	User        acl.SourceContext
	NodeID      string
	App         domain.Application
	MaxDuration time.Duration
	Params      domain.SessionParams
}

// Created is a PENDING session together with its single-use token.
type Created struct {
	Session        *Session
	Token          string
	TokenExpiresAt time.Time
}

// Gateway creates, authorizes and relays sessions.
type Gateway struct {
	tunnels  Tunnels
	acl      *acl.Evaluator
	authz    Authorizer
	tokens   *Tokens
	sessions *Registry
	audit    Auditor
	log      *slog.Logger
	opts     GatewayOptions
	now      func() time.Time
}

// NewGateway wires a gateway.
func NewGateway(tunnels Tunnels, evaluator *acl.Evaluator, authz Authorizer, tokens *Tokens, sessions *Registry, opts GatewayOptions) *Gateway {
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = defaultSessionDuration
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = defaultMaxDuration
	}
	if opts.DefaultDuration > opts.MaxDuration {
		opts.DefaultDuration = opts.MaxDuration
	}
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = defaultRecheckInterval
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		tunnels:  tunnels,
		acl:      evaluator,
		authz:    authz,
		tokens:   tokens,
		sessions: sessions,
		audit:    opts.Audit,
		log:      opts.Log,
		opts:     opts,
		now:      now,
	}
}

// Sessions returns the backing registry.
func (g *Gateway) Sessions() *Registry {
	return g.sessions
}

// CreateSession authorizes req and registers a PENDING session. The
// tunnel must be ACTIVE, the ACL must allow the request and the user must
// hold the application's capability on the node; each check fails with
// its own error.
func (g *Gateway) CreateSession(ctx context.Context, req CreateRequest) (Created, error) {
	now := g.now()
	capability := req.App.Capability()
	if capability == "" {
		return Created{}, &domain.OpError{
			Op:  "create session",
			ID:  req.NodeID,
			Err: fmt.Errorf("%w: %s tunnels carry no sessions", domain.ErrTunnelUnavailable, req.App),
		}
	}

	t, err := g.tunnels.Lookup(req.NodeID, req.App)
	if err != nil {
		return Created{}, &domain.OpError{Op: "create session", ID: req.NodeID, Err: domain.ErrTunnelUnavailable}
	}
	generation, active := t.ActiveGeneration()
	if !active {
		return Created{}, &domain.OpError{Op: "create session", ID: req.NodeID, Err: domain.ErrTunnelUnavailable}
	}

	if err := g.authorize(ctx, req.User, req.NodeID, req.App, t.LocalPort(), now); err != nil {
		g.log.Info("session denied",
			"user_id", req.User.UserID,
			"node_id", req.NodeID,
			"application", string(req.App),
			"code", domain.Code(err),
		)
		g.emit(domain.AuditEvent{
			Type:     domain.EventSessionDenied,
			At:       now,
			NodeID:   req.NodeID,
			TunnelID: t.ID,
			UserID:   req.User.UserID,
			App:      req.App,
			Code:     domain.Code(err),
			Detail:   err.Error(),
		})
		return Created{}, &domain.OpError{Op: "create session", ID: req.NodeID, Err: err}
	}

	duration := req.MaxDuration
	if duration <= 0 {
		duration = g.opts.DefaultDuration
	}
	duration = min(duration, g.opts.MaxDuration)

	s := newSession(uuid.NewString())
	s.TunnelID = t.ID
	s.TunnelGeneration = generation
	s.NodeID = req.NodeID
	s.UserID = req.User.UserID
	s.App = req.App
	s.LocalPort = t.LocalPort()
	s.Source = req.User
	s.Params = req.Params
	s.CreatedAt = now
	s.ExpiresAt = now.Add(duration)

	token, jti, tokenExp, err := g.tokens.Mint(s)
	if err != nil {
		return Created{}, err
	}
	s.TokenID = jti
	g.sessions.add(s)

	// A disconnect cascade that ran during the checks above never saw
	// this session.
	if current, active := t.ActiveGeneration(); !active || current != generation {
		g.sessions.Finish(s, domain.SessionDisconnected, "tunnel unavailable")
		return Created{}, &domain.OpError{Op: "create session", ID: req.NodeID, Err: domain.ErrTunnelUnavailable}
	}

	g.log.Info("session created",
		"session_id", s.ID,
		"tunnel_id", s.TunnelID,
		"user_id", s.UserID,
		"application", string(s.App),
		"expires_at", s.ExpiresAt.UTC().Format(time.RFC3339),
	)
	g.emit(domain.AuditEvent{
		Type:      domain.EventSessionCreated,
		At:        now,
		NodeID:    s.NodeID,
		TunnelID:  s.TunnelID,
		SessionID: s.ID,
		UserID:    s.UserID,
		App:       s.App,
	})
	return Created{Session: s, Token: token, TokenExpiresAt: tokenExp}, nil
}

// authorize runs the ACL and capability checks. Both must pass.
func (g *Gateway) authorize(ctx context.Context, user acl.SourceContext, nodeID string, app domain.Application, port int, at time.Time) error {
	decision, err := g.acl.Evaluate(ctx, acl.Request{
		Source:      user,
		Destination: nodeID,
		Protocol:    app.Protocol(),
		Port:        port,
		At:          at,
	})
	if err != nil {
		return fmt.Errorf("evaluate access: %w", err)
	}
	if !decision.Allowed() {
		return domain.ErrAccessDenied
	}
	ok, err := g.authz.HasCapability(ctx, user.UserID, nodeID, app.Capability())
	if err != nil {
		return fmt.Errorf("check %s permission: %w", app.Capability(), err)
	}
	if !ok {
		return domain.ErrInsufficientPermission
	}
	return nil
}

// Connect verifies the session token and relays bytes between client and
// the tunnel's application stream until either side ends. client is
// always closed when Connect returns.
func (g *Gateway) Connect(ctx context.Context, id, token string, client io.ReadWriteCloser) error {
	started := g.now()
	claims, err := g.tokens.Verify(token)
	if err != nil {
		return closeClient(client, &domain.OpError{Op: "connect", ID: id, Err: err})
	}
	if claims.SessionID != id {
		return closeClient(client, &domain.OpError{Op: "connect", ID: id, Err: domain.ErrTokenInvalid})
	}
	s, ok := g.sessions.Get(id)
	if !ok {
		return closeClient(client, &domain.OpError{Op: "connect", ID: id, Err: domain.ErrSessionNotFound})
	}
	if err := s.claim(claims.ID, started); err != nil {
		if errors.Is(err, domain.ErrTokenExpired) {
			g.sessions.Finish(s, domain.SessionExpired, "max duration reached")
		}
		return closeClient(client, err)
	}

	stream, err := g.openStream(ctx, s)
	if err != nil {
		return closeClient(client, err)
	}

	now := g.now()
	if err := s.activate(now, now.Sub(started), client, stream); err != nil {
		_ = stream.Close()
		if errors.Is(err, domain.ErrTokenExpired) {
			g.sessions.Finish(s, domain.SessionExpired, "max duration reached")
		}
		return closeClient(client, err)
	}
	g.log.Info("session active", "session_id", s.ID, "tunnel_id", s.TunnelID, "latency", now.Sub(started))
	g.emit(domain.AuditEvent{
		Type:      domain.EventSessionActive,
		At:        now,
		NodeID:    s.NodeID,
		TunnelID:  s.TunnelID,
		SessionID: s.ID,
		UserID:    s.UserID,
		App:       s.App,
	})

	expiry := time.AfterFunc(s.ExpiresAt.Sub(now), func() {
		g.sessions.Finish(s, domain.SessionExpired, "max duration reached")
	})
	defer expiry.Stop()

	relayErr := relay(s, client, stream)
	if relayErr != nil {
		if g.sessions.Finish(s, domain.SessionError, relayErr.Error()) {
			return &domain.OpError{Op: "relay", ID: s.ID, Err: fmt.Errorf("%w: %v", domain.ErrRelayIO, relayErr)}
		}
		return nil
	}
	g.sessions.Finish(s, domain.SessionTerminated, "closed by peer")
	return nil
}

// ErrorCloser is implemented by clients that can tell the peer why a
// connect attempt failed, such as a websocket sending a close reason.
type ErrorCloser interface {
	CloseWithError(err error) error
}

// closeClient closes client, handing it err when it can report one, and
// returns err.
func closeClient(client io.Closer, err error) error {
	if ec, ok := client.(ErrorCloser); ok {
		_ = ec.CloseWithError(err)
	} else {
		_ = client.Close()
	}
	return err
}

// openStream re-checks the tunnel and the policy at connect time and opens
// the application stream. Failures finish the session.
func (g *Gateway) openStream(ctx context.Context, s *Session) (io.ReadWriteCloser, error) {
	t, ok := g.tunnels.Get(s.TunnelID)
	if !ok || !tunnelBacks(t, s) {
		g.sessions.Finish(s, domain.SessionDisconnected, "tunnel unavailable")
		return nil, &domain.OpError{Op: "connect", ID: s.ID, Err: domain.ErrTunnelUnavailable}
	}
	if err := g.authorize(ctx, s.Source, s.NodeID, s.App, s.LocalPort, g.now()); err != nil {
		g.sessions.Finish(s, domain.SessionTerminated, "access revoked: "+domain.Code(err))
		return nil, &domain.OpError{Op: "connect", ID: s.ID, Err: err}
	}
	stream, err := t.OpenStream(ctx)
	if err != nil {
		g.sessions.Finish(s, domain.SessionError, "open tunnel stream: "+err.Error())
		if errors.Is(err, domain.ErrTunnelUnavailable) {
			return nil, &domain.OpError{Op: "connect", ID: s.ID, Err: err}
		}
		return nil, &domain.OpError{Op: "connect", ID: s.ID, Err: fmt.Errorf("%w: %v", domain.ErrRelayIO, err)}
	}
	return stream, nil
}

// tunnelBacks reports whether t is ACTIVE on the generation s was bound to.
func tunnelBacks(t *tunnel.Tunnel, s *Session) bool {
	generation, active := t.ActiveGeneration()
	return active && generation == s.TunnelGeneration
}

// Terminate closes the session's relay and marks it TERMINATED.
func (g *Gateway) Terminate(_ context.Context, id, reason string) error {
	s, ok := g.sessions.Get(id)
	if !ok {
		return &domain.OpError{Op: "terminate", ID: id, Err: domain.ErrSessionNotFound}
	}
	if reason == "" {
		reason = "terminated"
	}
	if !g.sessions.Finish(s, domain.SessionTerminated, reason) {
		return &domain.OpError{Op: "terminate", ID: id, Err: domain.ErrInvalidSessionState}
	}
	return nil
}

// Run re-evaluates the policy of every live session each recheck interval
// until ctx is done, so rule and permission changes reach sessions that
// are already open.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.RecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Recheck(ctx); n > 0 {
				g.log.Info("sessions terminated after policy change", "count", n)
			}
		}
	}
}

// Recheck runs one policy pass and returns how many sessions it ended.
func (g *Gateway) Recheck(ctx context.Context) int {
	now := g.now()
	n := 0
	for _, s := range g.sessions.List() {
		if s.Status().Finished() {
			continue
		}
		err := g.authorize(ctx, s.Source, s.NodeID, s.App, s.LocalPort, now)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrAccessDenied) && !errors.Is(err, domain.ErrInsufficientPermission) {
			g.log.Warn("session policy recheck failed", "session_id", s.ID, "err", err)
			continue
		}
		if g.sessions.Finish(s, domain.SessionTerminated, "access revoked: "+domain.Code(err)) {
			n++
		}
	}
	return n
}

func (g *Gateway) emit(ev domain.AuditEvent) {
	if g.audit != nil {
		g.audit.Emit(ev)
	}
}
