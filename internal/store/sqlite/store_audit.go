package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

const defaultAuditListLimit = 100

// WriteEvent implements the audit sink. Tunnel events also maintain the
// tunnel history table.
func (s *Store) WriteEvent(ctx context.Context, ev domain.AuditEvent) error {
	at := ev.At.UTC()
	if ev.At.IsZero() {
		at = s.now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO audit_events(type, at, node_id, tunnel_id, session_id, user_id, application, code, detail)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Type, at, nullableString(ev.NodeID), nullableString(ev.TunnelID), nullableString(ev.SessionID),
		nullableString(ev.UserID), nullableString(string(ev.App)), nullableString(ev.Code), nullableString(ev.Detail)); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	if ev.TunnelID != "" {
		if err := recordTunnelStateTx(ctx, tx, ev, at); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func recordTunnelStateTx(ctx context.Context, tx *sql.Tx, ev domain.AuditEvent, at time.Time) error {
	var (
		state        domain.TunnelStatus
		connected    any
		disconnected any
	)
	switch ev.Type {
	case domain.EventTunnelConnected:
		state, connected = domain.TunnelActive, at
	case domain.EventTunnelDisconnected:
		state, disconnected = domain.TunnelDisconnected, at
	case domain.EventTunnelError:
		state, disconnected = domain.TunnelError, at
	default:
		return nil
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO tunnels(id, node_id, application, state, connected_at, disconnected_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state = excluded.state,
	connected_at = COALESCE(excluded.connected_at, tunnels.connected_at),
	disconnected_at = CASE WHEN excluded.connected_at IS NOT NULL THEN NULL ELSE COALESCE(excluded.disconnected_at, tunnels.disconnected_at) END,
	updated_at = excluded.updated_at`,
		ev.TunnelID, ev.NodeID, string(ev.App), string(state), connected, disconnected, at)
	if err != nil {
		return fmt.Errorf("record tunnel state: %w", err)
	}
	return nil
}

// WriteSession implements the audit sink's session history.
func (s *Store) WriteSession(ctx context.Context, sum domain.SessionSummary) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_history(id, tunnel_id, node_id, user_id, application, status, reason, created_at, activated_at, finished_at, bytes_in, bytes_out, frames, connect_latency_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		sum.ID, sum.TunnelID, sum.NodeID, sum.UserID, string(sum.App), string(sum.Status), nullableString(sum.Reason),
		sum.CreatedAt.UTC(), nullableTime(sum.ActivatedAt), sum.FinishedAt.UTC(),
		sum.BytesIn, sum.BytesOut, sum.Frames, sum.ConnectLatency.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert session history: %w", err)
	}
	return nil
}

// ListAuditEvents returns the most recent events, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT type, at, COALESCE(node_id, ''), COALESCE(tunnel_id, ''), COALESCE(session_id, ''), COALESCE(user_id, ''),
	COALESCE(application, ''), COALESCE(code, ''), COALESCE(detail, '')
FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.AuditEvent
	for rows.Next() {
		var (
			ev  domain.AuditEvent
			app string
		)
		if err := rows.Scan(&ev.Type, &ev.At, &ev.NodeID, &ev.TunnelID, &ev.SessionID, &ev.UserID, &app, &ev.Code, &ev.Detail); err != nil {
			return nil, err
		}
		ev.App = domain.Application(app)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListSessionHistory returns finished sessions, most recently finished
// first.
func (s *Store) ListSessionHistory(ctx context.Context, limit int) ([]domain.SessionSummary, error) {
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, tunnel_id, node_id, user_id, application, status, COALESCE(reason, ''), created_at, activated_at, finished_at,
	bytes_in, bytes_out, frames, connect_latency_ms
FROM session_history ORDER BY finished_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.SessionSummary
	for rows.Next() {
		var (
			sum       domain.SessionSummary
			app       string
			status    string
			activated sql.NullTime
			latencyMS int64
		)
		if err := rows.Scan(&sum.ID, &sum.TunnelID, &sum.NodeID, &sum.UserID, &app, &status, &sum.Reason, &sum.CreatedAt,
			&activated, &sum.FinishedAt, &sum.BytesIn, &sum.BytesOut, &sum.Frames, &latencyMS); err != nil {
			return nil, err
		}
		sum.App = domain.Application(app)
		sum.Status = domain.SessionStatus(status)
		sum.ActivatedAt = timePtr(activated)
		sum.ConnectLatency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PurgeAuditBefore deletes audit events, session history and settled
// tunnel history older than cutoff.
func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, q := range []string{
		`DELETE FROM audit_events WHERE at < ?`,
		`DELETE FROM session_history WHERE finished_at < ?`,
		`DELETE FROM tunnels WHERE state <> 'ACTIVE' AND updated_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, q, cutoff)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// ResetConnectedTunnels marks tunnel history rows left ACTIVE by a previous
// process as DISCONNECTED. Called once at startup before accepting agents.
func (s *Store) ResetConnectedTunnels(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE tunnels SET state = ?, disconnected_at = ?, updated_at = ?
WHERE state = ?`, string(domain.TunnelDisconnected), now, now, string(domain.TunnelActive))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TunnelHistoryState returns the recorded state of a tunnel.
func (s *Store) TunnelHistoryState(ctx context.Context, tunnelID string) (domain.TunnelStatus, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM tunnels WHERE id = ?`, tunnelID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return domain.TunnelStatus(state), err
}
