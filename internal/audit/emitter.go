// Package audit delivers structured audit records to a sink without ever
// blocking the caller: records go through a bounded queue that drops the
// oldest entry when full.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/tunnel"
)

const (
	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
	flushTimeout     = 2 * time.Second
)

// Sink persists audit records.
type Sink interface {
	WriteEvent(ctx context.Context, ev domain.AuditEvent) error
	WriteSession(ctx context.Context, s domain.SessionSummary) error
}

type record struct {
	event   *domain.AuditEvent
	session *domain.SessionSummary
}

// Emitter queues records for a single worker.
type Emitter struct {
	sink  Sink
	log   *slog.Logger
	queue chan record

	// mu serializes producers so drop-oldest cannot race another push.
	mu      sync.Mutex
	dropped atomic.Int64
	written atomic.Int64
}

// NewEmitter returns an emitter with a queue of size records. A nil sink
// only logs.
func NewEmitter(sink Sink, log *slog.Logger, size int) *Emitter {
	if size <= 0 {
		size = defaultQueueSize
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Emitter{sink: sink, log: log, queue: make(chan record, size)}
}

// Emit queues ev. It never blocks.
func (e *Emitter) Emit(ev domain.AuditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.push(record{event: &ev})
}

// RecordSession queues a finished session for history.
func (e *Emitter) RecordSession(s domain.SessionSummary) {
	e.push(record{session: &s})
	e.Emit(domain.AuditEvent{
		Type:      domain.EventSessionFinished,
		At:        s.FinishedAt,
		NodeID:    s.NodeID,
		TunnelID:  s.TunnelID,
		SessionID: s.ID,
		UserID:    s.UserID,
		App:       s.App,
		Code:      string(s.Status),
		Detail:    s.Reason,
	})
}

// TunnelStatusChanged turns tunnel transitions into audit events. It is
// meant to be subscribed with [tunnel.Registry.OnStatus].
func (e *Emitter) TunnelStatusChanged(c tunnel.StatusChange) {
	var typ string
	switch c.To {
	case domain.TunnelActive:
		typ = domain.EventTunnelConnected
	case domain.TunnelDisconnected:
		typ = domain.EventTunnelDisconnected
	case domain.TunnelError:
		typ = domain.EventTunnelError
	default:
		return
	}
	e.Emit(domain.AuditEvent{
		Type:     typ,
		At:       c.At,
		NodeID:   c.NodeID,
		TunnelID: c.TunnelID,
		App:      c.App,
		Code:     string(c.To),
		Detail:   c.Reason,
	})
}

func (e *Emitter) push(r record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		select {
		case e.queue <- r:
			return
		default:
		}
		select {
		case <-e.queue:
			e.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many records were discarded because the queue was
// full.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Written returns how many records reached the sink.
func (e *Emitter) Written() int64 { return e.written.Load() }

// Pending returns the current queue length.
func (e *Emitter) Pending() int { return len(e.queue) }

// Run writes queued records until ctx is done, then flushes what is left
// within a short timeout.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.flush()
			return
		case r := <-e.queue:
			e.write(ctx, r)
		}
	}
}

func (e *Emitter) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case r := <-e.queue:
			e.write(ctx, r)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Emitter) write(parent context.Context, r record) {
	if r.event != nil {
		ev := r.event
		e.log.Debug("audit",
			"event", ev.Type,
			"node_id", ev.NodeID,
			"tunnel_id", ev.TunnelID,
			"session_id", ev.SessionID,
			"user_id", ev.UserID,
			"code", ev.Code,
		)
	}
	if e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()
	var err error
	if r.event != nil {
		err = e.sink.WriteEvent(ctx, *r.event)
	} else if r.session != nil {
		err = e.sink.WriteSession(ctx, *r.session)
	}
	if err != nil {
		e.log.Warn("audit write failed", "err", err)
		return
	}
	e.written.Add(1)
}
