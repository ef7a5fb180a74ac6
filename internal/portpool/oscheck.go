package portpool

import (
	"context"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

const (
	defaultCheckTTL     = 5 * time.Second
	defaultCheckTimeout = 2 * time.Second
)

// SystemChecker reports ports that have a listening TCP socket on the host.
// The socket table is snapshotted and reused for TTL.
type SystemChecker struct {
	ttl  time.Duration
	list func(ctx context.Context) ([]psnet.ConnectionStat, error)

	mu        sync.Mutex
	fetchedAt time.Time
	listening map[int]struct{}
}

// NewSystemChecker returns a checker backed by the OS socket table.
func NewSystemChecker(ttl time.Duration) *SystemChecker {
	if ttl <= 0 {
		ttl = defaultCheckTTL
	}
	return &SystemChecker{
		ttl: ttl,
		list: func(ctx context.Context) ([]psnet.ConnectionStat, error) {
			return psnet.ConnectionsWithContext(ctx, "tcp")
		},
	}
}

// InUse implements [Checker]. Lookup failures keep the previous snapshot.
func (s *SystemChecker) InUse(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listening == nil || time.Since(s.fetchedAt) > s.ttl {
		s.refreshLocked()
	}
	_, ok := s.listening[port]
	return ok
}

// Invalidate drops the cached snapshot.
func (s *SystemChecker) Invalidate() {
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}

func (s *SystemChecker) refreshLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCheckTimeout)
	defer cancel()

	conns, err := s.list(ctx)
	s.fetchedAt = time.Now()
	if err != nil {
		if s.listening == nil {
			s.listening = map[int]struct{}{}
		}
		return
	}
	listening := make(map[int]struct{}, len(conns))
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port != 0 {
			listening[int(c.Laddr.Port)] = struct{}{}
		}
	}
	s.listening = listening
}
