package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

// maxGroupDepth bounds the ancestor walk so a misconfigured cycle or a
// very deep hierarchy cannot run away.
const maxGroupDepth = 32

// UpsertGroup stores g. Groups are unique per (tenant, name); an empty ID
// reuses the existing group of that name or generates a new one.
func (s *Store) UpsertGroup(ctx context.Context, g domain.Group) (domain.Group, error) {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return domain.Group{}, errors.New("group name is required")
	}
	if g.ID == "" {
		existing, err := s.GroupByName(ctx, g.TenantID, g.Name)
		switch {
		case err == nil:
			g.ID = existing.ID
		case errors.Is(err, ErrNotFound):
			if g.ID, err = newID("grp"); err != nil {
				return domain.Group{}, err
			}
		default:
			return domain.Group{}, err
		}
	}
	if g.ParentID == g.ID {
		return domain.Group{}, fmt.Errorf("group %q cannot be its own parent", g.Name)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_groups(id, name, tenant_id, parent_id) VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, tenant_id = excluded.tenant_id, parent_id = excluded.parent_id`,
		g.ID, g.Name, g.TenantID, nullableString(g.ParentID))
	if err != nil {
		return domain.Group{}, fmt.Errorf("upsert group %s: %w", g.Name, err)
	}
	return g, nil
}

// GroupByName returns the tenant's group called name.
func (s *Store) GroupByName(ctx context.Context, tenantID, name string) (domain.Group, error) {
	var (
		g      domain.Group
		parent sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, tenant_id, parent_id FROM user_groups WHERE tenant_id = ? AND name = ?`, tenantID, name).
		Scan(&g.ID, &g.Name, &g.TenantID, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Group{}, ErrNotFound
	}
	if err != nil {
		return domain.Group{}, err
	}
	g.ParentID = parent.String
	return g, nil
}

// AddGroupMember adds userID to the group. It is idempotent.
func (s *Store) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO group_members(group_id, user_id) VALUES(?, ?)`, groupID, userID)
	return err
}

// SetGroupGrant sets the capabilities a group holds on a node.
func (s *Store) SetGroupGrant(ctx context.Context, groupID, nodeID string, caps domain.CapabilitySet) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO group_grants(group_id, node_id, capabilities) VALUES(?, ?, ?)
ON CONFLICT(group_id, node_id) DO UPDATE SET capabilities = excluded.capabilities`,
		groupID, nodeID, caps.String())
	return err
}

func (s *Store) loadGroups(ctx context.Context) (map[string]domain.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, tenant_id, parent_id FROM user_groups`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]domain.Group)
	for rows.Next() {
		var (
			g      domain.Group
			parent sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.TenantID, &parent); err != nil {
			return nil, err
		}
		g.ParentID = parent.String
		out[g.ID] = g
	}
	return out, rows.Err()
}

func (s *Store) directGroupIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM group_members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// withAncestors expands start with every ancestor group using an iterative
// work list. Parents in another tenant are not followed.
func withAncestors(groups map[string]domain.Group, start []string) []string {
	seen := make(map[string]struct{}, len(start))
	var out []string
	for _, id := range start {
		g, ok := groups[id]
		for depth := 0; ok && depth < maxGroupDepth; depth++ {
			if _, dup := seen[g.ID]; dup {
				break
			}
			seen[g.ID] = struct{}{}
			out = append(out, g.ID)
			parent, found := groups[g.ParentID]
			if !found || parent.TenantID != g.TenantID {
				break
			}
			g = parent
		}
	}
	return out
}

// UserGroups returns the names of the user's groups and all their
// ancestors, for use as ACL group subjects.
func (s *Store) UserGroups(ctx context.Context, userID string) ([]string, error) {
	direct, err := s.directGroupIDs(ctx, userID)
	if err != nil || len(direct) == 0 {
		return nil, err
	}
	groups, err := s.loadGroups(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, id := range withAncestors(groups, direct) {
		if !slices.Contains(names, groups[id].Name) {
			names = append(names, groups[id].Name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// HasCapability implements the session gateway's permission check: the
// user must belong, directly or through a descendant group, to a group of
// the node's tenant that holds capability c on the node.
func (s *Store) HasCapability(ctx context.Context, userID, nodeID string, c domain.Capability) (bool, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id FROM nodes WHERE id = ?`, nodeID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	direct, err := s.directGroupIDs(ctx, userID)
	if err != nil || len(direct) == 0 {
		return false, err
	}
	groups, err := s.loadGroups(ctx)
	if err != nil {
		return false, err
	}
	var scoped []string
	for _, id := range withAncestors(groups, direct) {
		if groups[id].TenantID == tenantID {
			scoped = append(scoped, id)
		}
	}
	if len(scoped) == 0 {
		return false, nil
	}

	args := []any{nodeID}
	for _, id := range scoped {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT capabilities FROM group_grants WHERE node_id = ? AND group_id IN (`+placeholders(len(scoped))+`)`, args...)
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return false, err
		}
		if domain.ParseCapabilitySet(raw).Has(c) {
			return true, nil
		}
	}
	return false, rows.Err()
}
