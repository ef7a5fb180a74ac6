package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/auth"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

// NodeInput describes a node to create. An empty ID is generated.
type NodeInput struct {
	ID            string
	Name          string
	TenantID      string
	Kind          domain.TunnelKind
	AutoReconnect bool
	Apps          []domain.AppPort
}

const selectNodeColumns = `id, name, tenant_id, kind, auto_reconnect, token_hash, auth_failures, created_at, last_connected_at, revoked_at`

// CreateNode stores a node with the given token hash.
func (s *Store) CreateNode(ctx context.Context, in NodeInput, tokenHash string) (domain.Node, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		var err error
		if id, err = newID("node"); err != nil {
			return domain.Node{}, err
		}
	}
	if in.Kind == "" {
		in.Kind = domain.TunnelKindReverse
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO nodes(id, name, tenant_id, kind, auto_reconnect, token_hash, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		id, in.Name, in.TenantID, string(in.Kind), boolToInt(in.AutoReconnect), tokenHash, now); err != nil {
		return domain.Node{}, fmt.Errorf("insert node: %w", err)
	}
	if err := replaceNodeAppsTx(ctx, tx, id, in.Apps); err != nil {
		return domain.Node{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Node{}, err
	}
	return domain.Node{
		ID:            id,
		Name:          in.Name,
		TenantID:      in.TenantID,
		Kind:          in.Kind,
		AutoReconnect: in.AutoReconnect,
		Apps:          append([]domain.AppPort(nil), in.Apps...),
		TokenHash:     tokenHash,
		CreatedAt:     now,
	}, nil
}

// UpdateNode replaces a node's configuration, keeping its token.
func (s *Store) UpdateNode(ctx context.Context, in NodeInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE nodes SET name = ?, tenant_id = ?, kind = ?, auto_reconnect = ? WHERE id = ?`,
		in.Name, in.TenantID, string(in.Kind), boolToInt(in.AutoReconnect), in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := replaceNodeAppsTx(ctx, tx, in.ID, in.Apps); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceNodeAppsTx(ctx context.Context, tx *sql.Tx, nodeID string, apps []domain.AppPort) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM node_apps WHERE node_id = ?`, nodeID); err != nil {
		return err
	}
	for _, a := range apps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO node_apps(node_id, application, local_port, remote_port) VALUES(?, ?, ?, ?)`,
			nodeID, string(a.App), a.LocalPort, a.RemotePort); err != nil {
			return fmt.Errorf("insert node app %s: %w", a.App, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (domain.Node, error) {
	var (
		n             domain.Node
		kind          string
		autoReconnect int
		lastConnected sql.NullTime
		revokedAt     sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.Name, &n.TenantID, &kind, &autoReconnect, &n.TokenHash, &n.AuthFailures, &n.CreatedAt, &lastConnected, &revokedAt); err != nil {
		return domain.Node{}, err
	}
	n.Kind = domain.TunnelKind(kind)
	n.AutoReconnect = autoReconnect != 0
	n.LastConnectedAt = timePtr(lastConnected)
	n.Revoked = revokedAt.Valid
	return n, nil
}

func (s *Store) loadNodeApps(ctx context.Context, nodes []domain.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	idx := make(map[string]int, len(nodes))
	args := make([]any, 0, len(nodes))
	for i, n := range nodes {
		idx[n.ID] = i
		args = append(args, n.ID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, application, local_port, remote_port FROM node_apps WHERE node_id IN (`+placeholders(len(args))+`) ORDER BY node_id, application`,
		args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			nodeID string
			app    string
			a      domain.AppPort
		)
		if err := rows.Scan(&nodeID, &app, &a.LocalPort, &a.RemotePort); err != nil {
			return err
		}
		a.App = domain.Application(app)
		i := idx[nodeID]
		nodes[i].Apps = append(nodes[i].Apps, a)
	}
	return rows.Err()
}

// GetNode returns the node with id or [ErrNotFound].
func (s *Store) GetNode(ctx context.Context, id string) (domain.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+selectNodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, ErrNotFound
	}
	if err != nil {
		return domain.Node{}, err
	}
	nodes := []domain.Node{n}
	if err := s.loadNodeApps(ctx, nodes); err != nil {
		return domain.Node{}, err
	}
	return nodes[0], nil
}

// ListNodes returns every node ordered by creation.
func (s *Store) ListNodes(ctx context.Context) ([]domain.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectNodeColumns+` FROM nodes ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadNodeApps(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RotateNodeToken replaces the token hash, clears a revocation and resets
// the failure counter.
func (s *Store) RotateNodeToken(ctx context.Context, id, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET token_hash = ?, revoked_at = NULL, auth_failures = 0 WHERE id = ?`, tokenHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeNode invalidates the node's token.
func (s *Store) RevokeNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, s.now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetNode(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteNode removes the node and its application config.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Authenticate implements the tunnel listener's credential check. Revoked
// nodes fail like a wrong token.
func (s *Store) Authenticate(ctx context.Context, nodeID, token string) (domain.Node, error) {
	var (
		hash    string
		revoked bool
	)
	err := s.authenticateStmt.QueryRowContext(ctx, nodeID).Scan(&hash, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, domain.ErrUnknownNode
	}
	if err != nil {
		return domain.Node{}, err
	}
	if revoked {
		return domain.Node{}, fmt.Errorf("%w: node token revoked", domain.ErrAuthFailed)
	}
	if !auth.VerifyToken(hash, token) {
		return domain.Node{}, domain.ErrAuthFailed
	}
	return s.GetNode(ctx, nodeID)
}

// RecordAuthFailure increments the node's failure counter.
func (s *Store) RecordAuthFailure(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET auth_failures = auth_failures + 1 WHERE id = ?`, nodeID)
	return err
}

// MarkConnected records a successful tunnel handshake.
func (s *Store) MarkConnected(ctx context.Context, nodeID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET last_connected_at = ? WHERE id = ?`, at.UTC(), nodeID)
	return err
}
