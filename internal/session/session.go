// Package session implements the session gateway: authorized, time-boxed
// proxy channels layered on live tunnels, their single-use tokens and the
// registry that enforces expiry and tunnel-teardown cascades.
package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/acl"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

// Session is one user's proxy channel over a tunnel. Identity fields are
// immutable; the rest is guarded by mu.
type Session struct {
	ID        string
	TunnelID  string
	NodeID    string
	UserID    string
	App       domain.Application
	LocalPort int
	Source    acl.SourceContext
	Params    domain.SessionParams
	CreatedAt time.Time
	ExpiresAt time.Time
	TokenID   string
	// TunnelGeneration is the tunnel generation the session was bound to.
	// A reconnected tunnel keeps its id but not its generation.
	TunnelGeneration uint64

	mu             sync.Mutex
	status         domain.SessionStatus
	tokenUsed      bool
	activatedAt    time.Time
	finishedAt     time.Time
	connectLatency time.Duration
	reason         string
	closers        []io.Closer

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	frames   atomic.Int64
}

func newSession(id string) *Session {
	return &Session{ID: id, status: domain.SessionPending}
}

// Status returns the current lifecycle status.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Reason returns why the session finished, if it did.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// BytesIn is the number of bytes relayed from the user to the node.
func (s *Session) BytesIn() int64 { return s.bytesIn.Load() }

// BytesOut is the number of bytes relayed from the node to the user.
func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

// Frames counts writes delivered to the user.
func (s *Session) Frames() int64 { return s.frames.Load() }

func (s *Session) finishedAtTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt
}

// claim consumes the token and moves PENDING to CONNECTING.
func (s *Session) claim(tokenID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenUsed {
		return &domain.OpError{Op: "connect", ID: s.ID, Err: domain.ErrTokenInvalid}
	}
	if tokenID != s.TokenID {
		return &domain.OpError{Op: "connect", ID: s.ID, Err: domain.ErrTokenInvalid}
	}
	if s.status != domain.SessionPending {
		return &domain.OpError{Op: "connect", ID: s.ID, Err: domain.ErrInvalidSessionState}
	}
	if !now.Before(s.ExpiresAt) {
		return &domain.OpError{Op: "connect", ID: s.ID, Err: domain.ErrTokenExpired}
	}
	s.tokenUsed = true
	s.status = domain.SessionConnecting
	return nil
}

// activate moves CONNECTING to ACTIVE and attaches the relay endpoints so
// that finishing the session closes them. If the session finished or
// expired meanwhile the endpoints are left to the caller.
func (s *Session) activate(now time.Time, latency time.Duration, closers ...io.Closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.SessionConnecting {
		return &domain.OpError{Op: "activate", ID: s.ID, Err: domain.ErrInvalidSessionState}
	}
	if !now.Before(s.ExpiresAt) {
		return &domain.OpError{Op: "activate", ID: s.ID, Err: domain.ErrTokenExpired}
	}
	s.status = domain.SessionActive
	s.activatedAt = now
	s.connectLatency = latency
	s.closers = closers
	return nil
}

// finish moves the session to a terminal status and closes its relay. It
// reports false if the session had already finished.
func (s *Session) finish(to domain.SessionStatus, reason string, at time.Time) bool {
	s.mu.Lock()
	if s.status.Finished() {
		s.mu.Unlock()
		return false
	}
	s.status = to
	s.reason = reason
	s.finishedAt = at
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
	return true
}

// View returns the API representation.
func (s *Session) View() domain.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionView{
		ID:          s.ID,
		TunnelID:    s.TunnelID,
		NodeID:      s.NodeID,
		UserID:      s.UserID,
		Application: s.App,
		Status:      s.status,
		Params:      s.Params,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		Frames:      s.frames.Load(),
		LatencyMS:   s.connectLatency.Milliseconds(),
	}
}

// Summary returns the history record handed off when the session finishes.
func (s *Session) Summary() domain.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := domain.SessionSummary{
		ID:             s.ID,
		TunnelID:       s.TunnelID,
		NodeID:         s.NodeID,
		UserID:         s.UserID,
		App:            s.App,
		Status:         s.status,
		CreatedAt:      s.CreatedAt,
		FinishedAt:     s.finishedAt,
		BytesIn:        s.bytesIn.Load(),
		BytesOut:       s.bytesOut.Load(),
		Frames:         s.frames.Load(),
		ConnectLatency: s.connectLatency,
		Reason:         s.reason,
	}
	if !s.activatedAt.IsZero() {
		at := s.activatedAt
		sum.ActivatedAt = &at
	}
	return sum
}
