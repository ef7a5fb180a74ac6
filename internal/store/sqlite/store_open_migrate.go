// Package sqlite implements the hub's collaborator store backed by SQLite:
// node credentials and application config, access rules, groups and their
// grants, audit events, session and tunnel history, and server settings.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection for all hub persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time

	authenticateStmt *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const authenticateQuery = `SELECT token_hash, revoked_at IS NOT NULL FROM nodes WHERE id = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db, now: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.authenticateStmt, err = db.PrepareContext(context.Background(), authenticateQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare authenticate query: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	var stmtErr error
	if s.authenticateStmt != nil {
		stmtErr = s.authenticateStmt.Close()
	}
	return errors.Join(stmtErr, s.db.Close())
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	auto_reconnect INTEGER NOT NULL DEFAULT 1,
	token_hash TEXT NOT NULL,
	auth_failures INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_connected_at DATETIME NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS node_apps (
	node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	application TEXT NOT NULL,
	local_port INTEGER NOT NULL,
	remote_port INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (node_id, application)
);
CREATE TABLE IF NOT EXISTS acl_rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	source TEXT NOT NULL,
	destination TEXT NOT NULL,
	protocol TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 0,
	action TEXT NOT NULL,
	valid_from DATETIME NULL,
	valid_until DATETIME NULL,
	weekdays TEXT NOT NULL DEFAULT '',
	time_start TEXT NOT NULL DEFAULT '',
	time_end TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS user_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	parent_id TEXT NULL,
	UNIQUE (tenant_id, name)
);
CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (group_id, user_id)
);
CREATE TABLE IF NOT EXISTS group_grants (
	group_id TEXT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
	node_id TEXT NOT NULL,
	capabilities TEXT NOT NULL,
	PRIMARY KEY (group_id, node_id)
);
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	at DATETIME NOT NULL,
	node_id TEXT NULL,
	tunnel_id TEXT NULL,
	session_id TEXT NULL,
	user_id TEXT NULL,
	application TEXT NULL,
	code TEXT NULL,
	detail TEXT NULL
);
CREATE TABLE IF NOT EXISTS session_history (
	id TEXT PRIMARY KEY,
	tunnel_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	application TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NULL,
	created_at DATETIME NOT NULL,
	activated_at DATETIME NULL,
	finished_at DATETIME NOT NULL,
	bytes_in INTEGER NOT NULL DEFAULT 0,
	bytes_out INTEGER NOT NULL DEFAULT 0,
	frames INTEGER NOT NULL DEFAULT 0,
	connect_latency_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tunnels (
	id TEXT PRIMARY KEY,
	node_id TEXT NOT NULL,
	application TEXT NOT NULL,
	state TEXT NOT NULL,
	connected_at DATETIME NULL,
	disconnected_at DATETIME NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS server_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acl_rules_enabled_priority ON acl_rules(enabled, priority, id);
CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);
CREATE INDEX IF NOT EXISTS idx_group_grants_node ON group_grants(node_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at);
CREATE INDEX IF NOT EXISTS idx_session_history_finished_at ON session_history(finished_at);
CREATE INDEX IF NOT EXISTS idx_tunnels_state ON tunnels(state);
CREATE INDEX IF NOT EXISTS idx_tunnels_node ON tunnels(node_id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return nil
}
