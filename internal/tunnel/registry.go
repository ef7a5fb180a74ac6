// Package tunnel owns the hub's live reverse tunnels: the registry that
// enforces one live tunnel per (node, application), the listener that
// authenticates agents and registers their channels, and the heartbeat
// monitor that drives disconnect, reconnect and eviction.
package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/portpool"
)

const (
	// registryShards controls how many independent shards guard the slot
	// map. Each slot then has its own mutex so unrelated keys never contend
	// beyond the brief map lookup.
	registryShards = 16

	defaultDrainTimeout    = 10 * time.Second
	defaultPortGracePeriod = 2 * time.Minute
)

// StatusChange is published whenever a tunnel changes status.
type StatusChange struct {
	TunnelID string
	NodeID   string
	App      domain.Application
	From     domain.TunnelStatus
	To       domain.TunnelStatus
	Reason   string
	At       time.Time
}

// Options configures a [Registry].
type Options struct {
	Pool            *portpool.Pool
	Log             *slog.Logger
	DrainTimeout    time.Duration
	PortGracePeriod time.Duration
	Forward         ForwardOptions
	Now             func() time.Time
}

// RegisterRequest describes one tunnel a channel wants to carry.
type RegisterRequest struct {
	NodeID        string
	App           domain.Application
	Kind          domain.TunnelKind
	LocalPort     int
	PreferredPort int
	IsSystem      bool
	AutoReconnect bool
	Channel       *Channel
}

// Counters are cumulative registry statistics.
type Counters struct {
	Registered        atomic.Int64
	Reconnected       atomic.Int64
	ReconnectAttempts atomic.Int64
	Evicted           atomic.Int64
	AuthFailures      atomic.Int64
	Rejected          atomic.Int64
}

type slot struct {
	mu     sync.Mutex
	tunnel *Tunnel
}

type registryShard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// Registry is the authoritative in-memory map of tunnels.
type Registry struct {
	pool  *portpool.Pool
	log   *slog.Logger
	opts  Options
	now   func() time.Time
	stats Counters

	shards [registryShards]registryShard

	idxMu sync.RWMutex
	byID  map[string]*Tunnel

	subMu       sync.RWMutex
	subscribers []func(StatusChange)

	drainMu  sync.Mutex
	draining map[int]*Tunnel
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.PortGracePeriod <= 0 {
		opts.PortGracePeriod = defaultPortGracePeriod
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		pool: opts.Pool,
		log:  opts.Log,
		opts: opts,
		now:  now,
		byID:     make(map[string]*Tunnel),
		draining: make(map[int]*Tunnel),
	}
	for i := range r.shards {
		r.shards[i].slots = make(map[string]*slot)
	}
	return r
}

// Stats returns the registry counters.
func (r *Registry) Stats() *Counters {
	return &r.stats
}

// OnStatus subscribes fn to status changes. Subscribers run synchronously
// on the mutating goroutine and must not call back into the registry.
func (r *Registry) OnStatus(fn func(StatusChange)) {
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.subMu.Unlock()
}

func key(nodeID string, app domain.Application) string {
	return portpool.BindingKey(nodeID, app)
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(registryShards))
}

func (r *Registry) slot(key string) *slot {
	sh := &r.shards[shardIndex(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.slots[key]
	if !ok {
		s = &slot{}
		sh.slots[key] = s
	}
	return s
}

// Register binds a tunnel for req in CONNECTING state. A key whose tunnel
// is live fails with [domain.ErrDuplicateTunnel]; a DISCONNECTED tunnel is
// reattached to the new channel with its id and held port preserved.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Tunnel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := key(req.NodeID, req.App)
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	if t := s.tunnel; t != nil {
		t.mu.Lock()
		status := t.status
		t.mu.Unlock()
		switch status {
		case domain.TunnelActive, domain.TunnelConnecting:
			return nil, &domain.OpError{Op: "register", ID: k, Err: domain.ErrDuplicateTunnel}
		case domain.TunnelDisconnected:
			return r.reattachLocked(t, req, now)
		}
		r.dropLocked(s, t)
	}

	port := 0
	if !req.IsSystem {
		p, err := r.pool.AllocatePreferred(req.NodeID, req.App, req.PreferredPort)
		if err != nil {
			return nil, err
		}
		port = p
	}
	t := &Tunnel{
		ID:            uuid.New().String(),
		NodeID:        req.NodeID,
		App:           req.App,
		Kind:          req.Kind,
		IsSystem:      req.IsSystem,
		CreatedAt:     now,
		status:        domain.TunnelConnecting,
		localPort:     req.LocalPort,
		autoReconnect: req.AutoReconnect,
		remotePort:    port,
		preferredPort: req.PreferredPort,
		channel:       req.Channel,
		generation:    1,
		fresh:         true,
	}
	s.tunnel = t
	r.idxMu.Lock()
	r.byID[t.ID] = t
	r.idxMu.Unlock()
	r.stats.Registered.Add(1)
	r.emit(StatusChange{TunnelID: t.ID, NodeID: t.NodeID, App: t.App, To: domain.TunnelConnecting, Reason: "registered", At: now})
	return t, nil
}

func (r *Registry) reattachLocked(t *Tunnel, req RegisterRequest, now time.Time) (*Tunnel, error) {
	if !t.waitRelays(r.opts.DrainTimeout) {
		r.log.Warn("previous relays still draining on reattach", "tunnel_id", t.ID)
	}

	t.mu.Lock()
	if t.remotePort == 0 && !t.IsSystem {
		p, err := r.pool.AllocatePreferred(t.NodeID, t.App, req.PreferredPort)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.remotePort = p
	}
	from := t.status
	t.status = domain.TunnelConnecting
	t.channel = req.Channel
	t.generation++
	t.localPort = req.LocalPort
	t.autoReconnect = req.AutoReconnect
	t.preferredPort = req.PreferredPort
	t.fresh = false
	t.attempts = 0
	t.nextAttemptAt = time.Time{}
	t.portsHeldUntil = time.Time{}
	t.mu.Unlock()

	r.stats.Reconnected.Add(1)
	r.emit(StatusChange{TunnelID: t.ID, NodeID: t.NodeID, App: t.App, From: from, To: domain.TunnelConnecting, Reason: "reconnected", At: now})
	return t, nil
}

// Activate moves a CONNECTING tunnel to ACTIVE. Only after this does
// [Registry.Lookup] return it.
func (r *Registry) Activate(t *Tunnel) error {
	s := r.slot(t.Key())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tunnel != t {
		return &domain.OpError{Op: "activate", ID: t.ID, Err: domain.ErrTunnelNotFound}
	}

	now := r.now()
	t.mu.Lock()
	if t.status != domain.TunnelConnecting {
		status := t.status
		t.mu.Unlock()
		return &domain.OpError{Op: "activate", ID: t.ID, Err: errors.New("tunnel is " + string(status))}
	}
	t.status = domain.TunnelActive
	t.fresh = false
	t.lastConnected = now
	port := t.remotePort
	t.mu.Unlock()

	if r.opts.Forward.Enabled && !t.IsSystem && port != 0 {
		fw, err := startForwarder(t, r.opts.Forward.BindAddr, port, r.log)
		if err != nil {
			r.log.Warn("port forwarder unavailable", "tunnel_id", t.ID, "port", port, "err", err)
		} else {
			t.mu.Lock()
			t.forwarder = fw
			t.mu.Unlock()
		}
	}
	r.emit(StatusChange{TunnelID: t.ID, NodeID: t.NodeID, App: t.App, From: domain.TunnelConnecting, To: domain.TunnelActive, Reason: "handshake complete", At: now})
	return nil
}

// Abandon undoes a registration whose handshake did not complete. Fresh
// tunnels are removed and their port released; reattached ones fall back to
// DISCONNECTED keeping their port.
func (r *Registry) Abandon(t *Tunnel, reason string) {
	s := r.slot(t.Key())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tunnel != t {
		return
	}
	t.mu.Lock()
	fresh := t.fresh
	t.mu.Unlock()
	if fresh {
		r.dropLocked(s, t)
		return
	}
	r.disconnectLocked(t, reason, r.now())
}

// Lookup returns the ACTIVE tunnel for (nodeID, app).
func (r *Registry) Lookup(nodeID string, app domain.Application) (*Tunnel, error) {
	k := key(nodeID, app)
	s := r.slot(k)
	s.mu.Lock()
	t := s.tunnel
	s.mu.Unlock()
	if t == nil || t.Status() != domain.TunnelActive {
		return nil, &domain.OpError{Op: "lookup", ID: k, Err: domain.ErrTunnelNotFound}
	}
	return t, nil
}

// Get returns the tunnel with id in any status.
func (r *Registry) Get(id string) (*Tunnel, bool) {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// List returns every tunnel record.
func (r *Registry) List() []*Tunnel {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	out := make([]*Tunnel, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}

// ByNode returns the node's tunnel records.
func (r *Registry) ByNode(nodeID string) []*Tunnel {
	var out []*Tunnel
	for _, t := range r.List() {
		if t.NodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

// CountByStatus returns how many tunnels are in each status.
func (r *Registry) CountByStatus() map[domain.TunnelStatus]int {
	out := make(map[domain.TunnelStatus]int)
	for _, t := range r.List() {
		out[t.Status()]++
	}
	return out
}

// Deregister removes a tunnel. Relays are signalled via the status change,
// awaited, and only then is the port returned to the pool. System tunnels
// are protected; they go away through [Registry.EvictNode] only.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	t, ok := r.Get(id)
	if !ok {
		return &domain.OpError{Op: "deregister", ID: id, Err: domain.ErrTunnelNotFound}
	}
	if t.IsSystem {
		return &domain.OpError{Op: "deregister", ID: id, Err: domain.ErrSystemTunnelProtected}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.slot(t.Key())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tunnel != t {
		return &domain.OpError{Op: "deregister", ID: id, Err: domain.ErrTunnelNotFound}
	}
	r.removeLocked(s, t, "deregistered")
	return nil
}

// EvictNode removes every tunnel of nodeID, system tunnels included, and
// closes the node's channels. It is used when a node is deleted or its
// token revoked.
func (r *Registry) EvictNode(nodeID, reason string) int {
	channels := make(map[*Channel]struct{})
	n := 0
	for _, t := range r.ByNode(nodeID) {
		s := r.slot(t.Key())
		s.mu.Lock()
		if s.tunnel == t {
			if ch := t.Channel(); ch != nil {
				channels[ch] = struct{}{}
			}
			r.removeLocked(s, t, reason)
			n++
		}
		s.mu.Unlock()
	}
	for ch := range channels {
		_ = ch.Close()
	}
	if n > 0 {
		r.stats.Evicted.Add(int64(n))
		r.log.Info("node tunnels evicted", "node_id", nodeID, "count", n, "reason", reason)
	}
	return n
}

// DisconnectChannel marks every live tunnel carried by ch DISCONNECTED.
// Their ports stay bound for the grace period.
func (r *Registry) DisconnectChannel(ch *Channel, reason string, at time.Time) int {
	n := 0
	for _, t := range r.ByNode(ch.NodeID()) {
		s := r.slot(t.Key())
		s.mu.Lock()
		if s.tunnel == t && t.Channel() == ch {
			if r.disconnectLocked(t, reason, at) {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (r *Registry) disconnectLocked(t *Tunnel, reason string, at time.Time) bool {
	t.mu.Lock()
	from := t.status
	if from != domain.TunnelActive && from != domain.TunnelConnecting {
		t.mu.Unlock()
		return false
	}
	t.status = domain.TunnelDisconnected
	t.channel = nil
	t.lastDisconnected = at
	t.attempts = 0
	t.nextAttemptAt = time.Time{}
	t.portsHeldUntil = at.Add(r.opts.PortGracePeriod)
	fw := t.forwarder
	t.forwarder = nil
	t.mu.Unlock()

	fw.stop()
	r.emit(StatusChange{TunnelID: t.ID, NodeID: t.NodeID, App: t.App, From: from, To: domain.TunnelDisconnected, Reason: reason, At: at})
	return true
}

// failLocked moves t to ERROR and releases its port after relays exit.
func (r *Registry) failLocked(t *Tunnel, reason string, at time.Time) {
	t.mu.Lock()
	from := t.status
	t.status = domain.TunnelError
	t.channel = nil
	fw := t.forwarder
	t.forwarder = nil
	t.mu.Unlock()

	fw.stop()
	r.emit(StatusChange{TunnelID: t.ID, NodeID: t.NodeID, App: t.App, From: from, To: domain.TunnelError, Reason: reason, At: at})
	r.releaseLocked(t)
}

// releaseLocked returns t's port once its relays have exited. When they
// outlive the drain timeout the port leaves t's binding but stays
// allocated until [Registry.ReleaseDrained] finds them gone.
func (r *Registry) releaseLocked(t *Tunnel) {
	drained := t.waitRelays(r.opts.DrainTimeout)
	t.mu.Lock()
	port := t.remotePort
	t.remotePort = 0
	t.mu.Unlock()
	if port == 0 {
		return
	}
	if drained {
		r.pool.Release(port)
		return
	}
	r.pool.Unbind(port)
	r.drainMu.Lock()
	r.draining[port] = t
	r.drainMu.Unlock()
	r.log.Warn("relays did not drain, port held until they exit", "tunnel_id", t.ID, "port", port)
}

// ReleaseDrained frees ports held back by [Registry.releaseLocked] whose
// relays have since exited, and returns how many it freed.
func (r *Registry) ReleaseDrained() int {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	n := 0
	for port, t := range r.draining {
		if t.openRelays.Load() > 0 {
			continue
		}
		r.pool.Release(port)
		delete(r.draining, port)
		n++
	}
	return n
}

func (r *Registry) removeLocked(s *slot, t *Tunnel, reason string) {
	now := r.now()
	t.mu.Lock()
	from := t.status
	t.status = domain.TunnelDisconnected
	t.channel = nil
	t.lastDisconnected = now
	fw := t.forwarder
	t.forwarder = nil
	t.mu.Unlock()

	fw.stop()
	if from == domain.TunnelActive || from == domain.TunnelConnecting {
		r.emit(StatusChange{TunnelID: t.ID, NodeID: t.NodeID, App: t.App, From: from, To: domain.TunnelDisconnected, Reason: reason, At: now})
	}
	r.releaseLocked(t)
	r.dropLocked(s, t)
}

func (r *Registry) dropLocked(s *slot, t *Tunnel) {
	if t.RemotePort() != 0 {
		r.releaseLocked(t)
	}
	s.tunnel = nil
	r.idxMu.Lock()
	delete(r.byID, t.ID)
	r.idxMu.Unlock()
}

// withSlot runs fn under t's key lock if t is still the registered record.
func (r *Registry) withSlot(t *Tunnel, fn func()) {
	s := r.slot(t.Key())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tunnel == t {
		fn()
	}
}

// Close disconnects every tunnel and closes their channels. Used at
// shutdown after listeners stopped accepting.
func (r *Registry) Close() {
	channels := make(map[*Channel]struct{})
	for _, t := range r.List() {
		if ch := t.Channel(); ch != nil {
			channels[ch] = struct{}{}
		}
	}
	now := r.now()
	for ch := range channels {
		_ = ch.Close()
		r.DisconnectChannel(ch, "hub shutdown", now)
	}
}

func (r *Registry) emit(c StatusChange) {
	r.subMu.RLock()
	subs := r.subscribers
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}
