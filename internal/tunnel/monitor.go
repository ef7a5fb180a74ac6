package tunnel

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

// Backoff selects how the wait between reconnect windows grows.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff accepts "fixed" or "exponential".
func ParseBackoff(s string) (Backoff, bool) {
	switch Backoff(strings.ToLower(strings.TrimSpace(s))) {
	case BackoffFixed:
		return BackoffFixed, true
	case BackoffExponential:
		return BackoffExponential, true
	}
	return "", false
}

const (
	defaultCheckInterval     = 10 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second
	defaultReconnectDelay    = 5 * time.Second
	defaultReconnectMaxDelay = 5 * time.Minute
	defaultMaxAttempts       = 5
	defaultSystemMinAttempts = 10
)

// MonitorOptions configures the heartbeat sweep and reconnect policy.
type MonitorOptions struct {
	CheckInterval     time.Duration
	Timeout           time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	Backoff           Backoff
	MaxAttempts       int
	SystemMinAttempts int
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Disconnected int
	Attempts     int
	Failed       int
	Released     int
	Drained      int
}

// Monitor is the single sweeping loop over the registry. It disconnects
// channels that stopped heartbeating, counts reconnect windows for
// DISCONNECTED tunnels, fails tunnels that exhausted their attempts and
// releases ports whose grace period ran out.
type Monitor struct {
	reg  *Registry
	log  *slog.Logger
	opts MonitorOptions
	now  func() time.Time
}

// NewMonitor returns a monitor over reg.
func NewMonitor(reg *Registry, log *slog.Logger, opts MonitorOptions) *Monitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHeartbeatTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.ReconnectMaxDelay < opts.ReconnectDelay {
		opts.ReconnectMaxDelay = max(defaultReconnectMaxDelay, opts.ReconnectDelay)
	}
	if opts.Backoff == "" {
		opts.Backoff = BackoffExponential
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.SystemMinAttempts <= 0 {
		opts.SystemMinAttempts = defaultSystemMinAttempts
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Monitor{reg: reg, log: log, opts: opts, now: reg.now}
}

// Run sweeps every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := m.Sweep(m.now())
			if res.Disconnected+res.Failed+res.Released+res.Drained > 0 {
				m.log.Debug("heartbeat sweep",
					"disconnected", res.Disconnected,
					"attempts", res.Attempts,
					"failed", res.Failed,
					"released", res.Released,
					"drained", res.Drained,
				)
			}
		}
	}
}

// CheckNow runs the staleness check for nodeID's channels immediately and
// reports whether any of them was stale. The channel's own reader may win
// the race to disconnect its tunnels, so staleness is what counts here.
func (m *Monitor) CheckNow(nodeID string) bool {
	now := m.now()
	stale := false
	for _, ch := range m.liveChannels(m.reg.ByNode(nodeID)) {
		if m.stale(ch, now) {
			stale = true
			m.checkChannel(ch, now)
		}
	}
	return stale
}

// Sweep runs one pass at now.
func (m *Monitor) Sweep(now time.Time) SweepResult {
	var res SweepResult
	tunnels := m.reg.List()
	for _, ch := range m.liveChannels(tunnels) {
		res.Disconnected += m.checkChannel(ch, now)
	}
	for _, t := range tunnels {
		m.reg.withSlot(t, func() {
			m.advanceLocked(t, now, &res)
		})
	}
	res.Drained = m.reg.ReleaseDrained()
	return res
}

func (m *Monitor) liveChannels(tunnels []*Tunnel) []*Channel {
	seen := make(map[*Channel]struct{})
	var out []*Channel
	for _, t := range tunnels {
		ch := t.Channel()
		if ch == nil {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

func (m *Monitor) stale(ch *Channel, now time.Time) bool {
	return ch.Closed() || now.Sub(ch.LastSeen()) >= m.opts.Timeout
}

func (m *Monitor) checkChannel(ch *Channel, now time.Time) int {
	if !m.stale(ch, now) {
		return 0
	}
	_ = ch.Close()
	n := m.reg.DisconnectChannel(ch, "heartbeat timeout", now)
	if n > 0 {
		m.log.Warn("node channel heartbeat timeout",
			"node_id", ch.NodeID(),
			"channel_id", ch.ID(),
			"last_seen", ch.LastSeen().UTC().Format(time.RFC3339),
			"tunnels", n,
		)
	}
	return n
}

// advanceLocked drives one DISCONNECTED tunnel through its reconnect
// windows. Called with the tunnel's key lock held.
func (m *Monitor) advanceLocked(t *Tunnel, now time.Time, res *SweepResult) {
	t.mu.Lock()
	if t.status != domain.TunnelDisconnected {
		t.mu.Unlock()
		return
	}
	if t.nextAttemptAt.IsZero() {
		t.nextAttemptAt = t.lastDisconnected.Add(m.delay(0))
	}
	limit := m.attemptLimit(t)
	fail := false
	if !now.Before(t.nextAttemptAt) {
		if t.attempts >= limit {
			fail = true
		} else {
			t.attempts++
			t.nextAttemptAt = now.Add(m.delay(t.attempts))
			res.Attempts++
			m.reg.stats.ReconnectAttempts.Add(1)
		}
	}
	graceOver := t.remotePort != 0 && !t.portsHeldUntil.IsZero() && !now.Before(t.portsHeldUntil)
	attempts := t.attempts
	t.mu.Unlock()

	if fail {
		m.reg.failLocked(t, "reconnect attempts exhausted", now)
		res.Failed++
		m.log.Warn("tunnel failed after reconnect attempts",
			"tunnel_id", t.ID,
			"node_id", t.NodeID,
			"application", string(t.App),
			"attempts", attempts,
			"system", t.IsSystem,
		)
		return
	}
	if graceOver {
		m.reg.releaseLocked(t)
		res.Released++
		m.log.Info("tunnel port grace period expired", "tunnel_id", t.ID, "node_id", t.NodeID)
	}
}

// attemptLimit returns how many reconnect windows t gets. System tunnels
// never get fewer than SystemMinAttempts, whatever the node's
// auto-reconnect setting; other tunnels of nodes without auto-reconnect
// get none.
func (m *Monitor) attemptLimit(t *Tunnel) int {
	if t.IsSystem {
		return max(m.opts.MaxAttempts, m.opts.SystemMinAttempts)
	}
	if !t.autoReconnect {
		return 0
	}
	return m.opts.MaxAttempts
}

func (m *Monitor) delay(attempt int) time.Duration {
	if m.opts.Backoff != BackoffExponential || attempt <= 0 {
		return m.opts.ReconnectDelay
	}
	d := m.opts.ReconnectDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.opts.ReconnectMaxDelay {
			return m.opts.ReconnectMaxDelay
		}
	}
	return d
}
