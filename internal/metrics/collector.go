// Package metrics exposes point-in-time hub gauges and counters for
// pull-based scraping. Nothing is stored; every read is computed from the
// live registries.
package metrics

import (
	"encoding/json"
	"expvar"
	"net/http"
	"runtime"
	"sync"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/portpool"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/session"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnel"
)

// ExpvarName is the expvar key the hub snapshot is published under.
const ExpvarName = "orizon"

var publishOnce sync.Once

// AuditStats is satisfied by the audit emitter.
type AuditStats interface {
	Dropped() int64
	Written() int64
	Pending() int
}

// Snapshot is one read of every metric.
type Snapshot struct {
	TunnelsActive       int     `json:"tunnels_active"`
	TunnelsConnecting   int     `json:"tunnels_connecting"`
	TunnelsDisconnected int     `json:"tunnels_disconnected"`
	TunnelsError        int     `json:"tunnels_error"`
	SessionsPending     int     `json:"sessions_pending"`
	SessionsActive      int     `json:"sessions_active"`
	PoolSize            int     `json:"pool_size"`
	PoolUsed            int     `json:"pool_used"`
	PoolReserved        int     `json:"pool_reserved"`
	PoolUtilization     float64 `json:"pool_utilization"`
	TunnelsRegistered   int64   `json:"tunnels_registered_total"`
	Reconnected         int64   `json:"tunnels_reconnected_total"`
	ReconnectAttempts   int64   `json:"reconnect_attempts_total"`
	Evicted             int64   `json:"tunnels_evicted_total"`
	AuthFailures        int64   `json:"auth_failures_total"`
	HandshakesRejected  int64   `json:"handshakes_rejected_total"`
	AuditDropped        int64   `json:"audit_dropped_total"`
	AuditWritten        int64   `json:"audit_written_total"`
	AuditPending        int     `json:"audit_pending"`
	Goroutines          int     `json:"goroutines"`
}

// Collector reads metrics from the hub components. Nil fields are skipped.
type Collector struct {
	Tunnels  *tunnel.Registry
	Sessions *session.Registry
	Pool     *portpool.Pool
	Audit    AuditStats
}

// Snapshot computes the current values.
func (c *Collector) Snapshot() Snapshot {
	var s Snapshot
	if c.Tunnels != nil {
		counts := c.Tunnels.CountByStatus()
		s.TunnelsActive = counts[domain.TunnelActive]
		s.TunnelsConnecting = counts[domain.TunnelConnecting]
		s.TunnelsDisconnected = counts[domain.TunnelDisconnected]
		s.TunnelsError = counts[domain.TunnelError]
		st := c.Tunnels.Stats()
		s.TunnelsRegistered = st.Registered.Load()
		s.Reconnected = st.Reconnected.Load()
		s.ReconnectAttempts = st.ReconnectAttempts.Load()
		s.Evicted = st.Evicted.Load()
		s.AuthFailures = st.AuthFailures.Load()
		s.HandshakesRejected = st.Rejected.Load()
	}
	if c.Sessions != nil {
		counts := c.Sessions.CountByStatus()
		s.SessionsPending = counts[domain.SessionPending]
		s.SessionsActive = counts[domain.SessionActive] + counts[domain.SessionConnecting]
	}
	if c.Pool != nil {
		ps := c.Pool.Stats()
		s.PoolSize = ps.Size
		s.PoolUsed = ps.Used
		s.PoolReserved = ps.Reserved
		s.PoolUtilization = ps.Utilization()
	}
	if c.Audit != nil {
		s.AuditDropped = c.Audit.Dropped()
		s.AuditWritten = c.Audit.Written()
		s.AuditPending = c.Audit.Pending()
	}
	s.Goroutines = runtime.NumGoroutine()
	return s
}

// Publish registers the snapshot with expvar. Only the first collector
// published in a process is exported.
func (c *Collector) Publish() {
	publishOnce.Do(func() {
		expvar.Publish(ExpvarName, expvar.Func(func() any { return c.Snapshot() }))
	})
}

// ServeHTTP writes the snapshot as JSON.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(c.Snapshot())
}
