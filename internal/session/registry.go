package session

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnel"
)

const (
	registryShards           = 16
	defaultSweepInterval     = 5 * time.Second
	defaultFinishedRetention = 5 * time.Minute
)

// RegistryOptions configures a [Registry].
type RegistryOptions struct {
	Log *slog.Logger
	// FinishedRetention is how long a finished session stays queryable
	// before it is dropped from memory.
	FinishedRetention time.Duration
	// OnFinish receives every session exactly once when it finishes.
	OnFinish func(domain.SessionSummary)
	// Tunnels, when set, lets the sweep disconnect live sessions whose
	// tunnel is gone, no longer ACTIVE or on a newer generation.
	Tunnels TunnelSource
	Now     func() time.Time
}

// TunnelSource resolves tunnels by id. [tunnel.Registry] implements it.
type TunnelSource interface {
	Get(id string) (*tunnel.Tunnel, bool)
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Expired      int
	Disconnected int
	Discarded    int
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry tracks in-flight sessions. Each session's transitions are
// serialized by its own mutex; the shards only guard the id index.
type Registry struct {
	log  *slog.Logger
	opts RegistryOptions
	now  func() time.Time

	shards [registryShards]registryShard
}

// NewRegistry returns an empty session registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	if opts.FinishedRetention < 0 {
		opts.FinishedRetention = defaultFinishedRetention
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{log: opts.Log, opts: opts, now: now}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%registryShards]
}

func (r *Registry) add(s *Session) {
	sh := r.shard(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()
}

// Get returns the session with id, finished sessions included until they
// are discarded.
func (r *Registry) Get(id string) (*Session, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// List returns every tracked session.
func (r *Registry) List() []*Session {
	var out []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// CountByStatus returns the number of tracked sessions per status.
func (r *Registry) CountByStatus() map[domain.SessionStatus]int {
	out := make(map[domain.SessionStatus]int)
	for _, s := range r.List() {
		out[s.Status()]++
	}
	return out
}

// Finish moves the session to a terminal status, closes its relay and
// hands its summary off. It reports false if it had already finished.
func (r *Registry) Finish(s *Session, to domain.SessionStatus, reason string) bool {
	if !s.finish(to, reason, r.now()) {
		return false
	}
	r.log.Info("session finished",
		"session_id", s.ID,
		"tunnel_id", s.TunnelID,
		"user_id", s.UserID,
		"status", string(to),
		"reason", reason,
		"bytes_in", s.BytesIn(),
		"bytes_out", s.BytesOut(),
	)
	if r.opts.OnFinish != nil {
		r.opts.OnFinish(s.Summary())
	}
	return true
}

// DisconnectTunnel forces every live session bound to tunnelID to
// DISCONNECTED. Sessions are never resumed across a tunnel gap.
func (r *Registry) DisconnectTunnel(tunnelID, reason string) int {
	n := 0
	for _, s := range r.List() {
		if s.TunnelID != tunnelID {
			continue
		}
		if r.Finish(s, domain.SessionDisconnected, reason) {
			n++
		}
	}
	return n
}

// TunnelStatusChanged cascades a tunnel leaving ACTIVE to its sessions.
// It is meant to be subscribed with [tunnel.Registry.OnStatus].
func (r *Registry) TunnelStatusChanged(c tunnel.StatusChange) {
	if c.To != domain.TunnelDisconnected && c.To != domain.TunnelError {
		return
	}
	reason := "tunnel " + string(c.To)
	if c.Reason != "" {
		reason += ": " + c.Reason
	}
	if n := r.DisconnectTunnel(c.TunnelID, reason); n > 0 {
		r.log.Info("sessions disconnected with tunnel", "tunnel_id", c.TunnelID, "count", n)
	}
}

// Sweep hard-expires sessions past their expiry, disconnects live
// sessions that lost their tunnel and discards finished sessions older
// than the retention.
func (r *Registry) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for _, s := range r.List() {
		st := s.Status()
		if !st.Finished() {
			switch {
			case !now.Before(s.ExpiresAt):
				if r.Finish(s, domain.SessionExpired, "max duration reached") {
					res.Expired++
				}
			case !r.backed(s):
				if r.Finish(s, domain.SessionDisconnected, "tunnel unavailable") {
					res.Disconnected++
				}
			}
			continue
		}
		if now.Sub(s.finishedAtTime()) >= r.opts.FinishedRetention {
			sh := r.shard(s.ID)
			sh.mu.Lock()
			delete(sh.sessions, s.ID)
			sh.mu.Unlock()
			res.Discarded++
		}
	}
	return res
}

func (r *Registry) backed(s *Session) bool {
	if r.opts.Tunnels == nil {
		return true
	}
	t, ok := r.opts.Tunnels.Get(s.TunnelID)
	return ok && tunnelBacks(t, s)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := r.Sweep(r.now())
			if res.Expired > 0 {
				r.log.Info("sessions expired", "count", res.Expired)
			}
			if res.Disconnected > 0 {
				r.log.Info("sessions disconnected without a tunnel", "count", res.Disconnected)
			}
		}
	}
}

// Close terminates every live session. Used while draining at shutdown.
func (r *Registry) Close(reason string) int {
	n := 0
	for _, s := range r.List() {
		if r.Finish(s, domain.SessionTerminated, reason) {
			n++
		}
	}
	return n
}
