// Package portpool hands out hub-side listening ports from a configured
// range. Allocation is idempotent per (node, application) binding so a
// reconnecting node keeps the port its clients already know.
package portpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

// Checker reports ports that are taken outside of the pool, such as sockets
// bound by other processes on the host.
type Checker interface {
	InUse(port int) bool
}

// Options configures a [Pool].
type Options struct {
	Min      int
	Max      int
	Reserved []int
	Checker   Checker
}

// Stats is a point-in-time view of pool utilization.
type Stats struct {
	Size     int
	Used     int
	Reserved int
}

// Utilization returns the fraction of usable ports currently allocated.
func (s Stats) Utilization() float64 {
	usable := s.Size - s.Reserved
	if usable <= 0 {
		return 0
	}
	return float64(s.Used) / float64(usable)
}

// Pool is a mutex-protected bitmap over [Min, Max].
type Pool struct {
	mu       sync.Mutex
	min      int
	max      int
	used     []uint64
	owners   map[int]string
	bindings map[string]int
	reserved map[int]struct{}
	cursor   int
	checker   Checker
}

// New validates opts and returns an empty pool.
func New(opts Options) (*Pool, error) {
	if opts.Min <= 0 || opts.Max > 65535 || opts.Min > opts.Max {
		return nil, fmt.Errorf("invalid port range %d-%d", opts.Min, opts.Max)
	}
	size := opts.Max - opts.Min + 1
	p := &Pool{
		min:      opts.Min,
		max:      opts.Max,
		used:     make([]uint64, (size+63)/64),
		owners:   make(map[int]string),
		bindings: make(map[string]int),
		reserved: make(map[int]struct{}),
		cursor:   opts.Min,
		checker:   opts.Checker,
	}
	for _, port := range opts.Reserved {
		if port >= opts.Min && port <= opts.Max {
			p.reserved[port] = struct{}{}
		}
	}
	return p, nil
}

// BindingKey is the identity a port is bound to.
func BindingKey(nodeID string, app domain.Application) string {
	return nodeID + "/" + string(app)
}

// Allocate binds a port to (nodeID, app). A pair that already owns a port
// gets the same port back.
func (p *Pool) Allocate(nodeID string, app domain.Application) (int, error) {
	return p.AllocatePreferred(nodeID, app, 0)
}

// AllocatePreferred behaves like [Pool.Allocate] but tries preferred first
// when the pair has no binding yet.
func (p *Pool) AllocatePreferred(nodeID string, app domain.Application, preferred int) (int, error) {
	key := BindingKey(nodeID, app)

	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.bindings[key]; ok {
		return port, nil
	}
	if preferred != 0 && p.freeLocked(preferred) {
		p.takeLocked(preferred, key)
		return preferred, nil
	}

	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.min + (p.cursor-p.min+i)%size
		if !p.freeLocked(port) {
			continue
		}
		p.takeLocked(port, key)
		p.cursor = port + 1
		if p.cursor > p.max {
			p.cursor = p.min
		}
		return port, nil
	}
	return 0, &domain.OpError{Op: "allocate port", ID: key, Err: domain.ErrPoolExhausted}
}

// Release returns port to the pool and drops its binding. Releasing a free
// port is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inRange(port) || !p.usedLocked(port) {
		return
	}
	idx := port - p.min
	p.used[idx/64] &^= 1 << (idx % 64)
	if key, ok := p.owners[port]; ok {
		if key != "" {
			delete(p.bindings, key)
		}
		delete(p.owners, port)
	}
}

// Unbind drops port's binding but keeps the port allocated, so the
// binding can be given a new port while the old one is still in use.
// [Pool.Release] frees it later.
func (p *Pool) Unbind(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, ok := p.owners[port]
	if !ok || key == "" {
		return
	}
	delete(p.bindings, key)
	p.owners[port] = ""
}

// IsFree reports whether port could be handed out right now.
func (p *Pool) IsFree(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLocked(port)
}

// Bound returns the port currently bound to (nodeID, app), if any.
func (p *Pool) Bound(nodeID string, app domain.Application) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.bindings[BindingKey(nodeID, app)]
	return port, ok
}

// Stats returns current utilization.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:     p.max - p.min + 1,
		Used:     len(p.owners),
		Reserved: len(p.reserved),
	}
}

// ErrOutOfRange is returned by [ParseRange] for ports outside 1..65535.
var ErrOutOfRange = errors.New("port out of range")

// ParseRange parses "min-max".
func ParseRange(raw string) (int, int, error) {
	var lo, hi int
	if _, err := fmt.Sscanf(raw, "%d-%d", &lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", raw, err)
	}
	if lo <= 0 || hi > 65535 || lo > hi {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", raw, ErrOutOfRange)
	}
	return lo, hi, nil
}

func (p *Pool) inRange(port int) bool {
	return port >= p.min && port <= p.max
}

func (p *Pool) usedLocked(port int) bool {
	idx := port - p.min
	return p.used[idx/64]&(1<<(idx%64)) != 0
}

func (p *Pool) freeLocked(port int) bool {
	if !p.inRange(port) || p.usedLocked(port) {
		return false
	}
	if _, ok := p.reserved[port]; ok {
		return false
	}
	if p.checker != nil && p.checker.InUse(port) {
		return false
	}
	return true
}

func (p *Pool) takeLocked(port int, key string) {
	idx := port - p.min
	p.used[idx/64] |= 1 << (idx % 64)
	p.owners[port] = key
	p.bindings[key] = port
}
