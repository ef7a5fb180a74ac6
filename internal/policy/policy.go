// Package policy imports a YAML bootstrap file of nodes, groups, grants
// and access rules into the hub store.
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/acl"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/auth"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/store/sqlite"
)

// File is the document layout.
type File struct {
	Nodes  []NodeSpec  `yaml:"nodes"`
	Groups []GroupSpec `yaml:"groups"`
	Rules  []RuleSpec  `yaml:"rules"`
}

// NodeSpec declares a node. Token is optional; new nodes without one get a
// generated token reported in [Result].
type NodeSpec struct {
	ID            string    `yaml:"id"`
	Name          string    `yaml:"name"`
	Tenant        string    `yaml:"tenant"`
	Kind          string    `yaml:"kind"`
	AutoReconnect *bool     `yaml:"auto_reconnect"`
	Token         string    `yaml:"token"`
	Apps          []AppSpec `yaml:"apps"`
}

// AppSpec maps one application to its node-local port.
type AppSpec struct {
	Application string `yaml:"application"`
	LocalPort   int    `yaml:"local_port"`
	RemotePort  int    `yaml:"remote_port"`
}

// GroupSpec declares a group, its parent, members and per-node grants.
type GroupSpec struct {
	Name    string      `yaml:"name"`
	Tenant  string      `yaml:"tenant"`
	Parent  string      `yaml:"parent"`
	Members []string    `yaml:"members"`
	Grants  []GrantSpec `yaml:"grants"`
}

// GrantSpec lists the capabilities a group holds on a node.
type GrantSpec struct {
	Node         string   `yaml:"node"`
	Capabilities []string `yaml:"capabilities"`
}

// RuleSpec declares an access rule.
type RuleSpec struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Priority    int        `yaml:"priority"`
	Enabled     *bool      `yaml:"enabled"`
	Source      string     `yaml:"source"`
	Destination string     `yaml:"destination"`
	Protocol    string     `yaml:"protocol"`
	Port        int        `yaml:"port"`
	Action      string     `yaml:"action"`
	ValidFrom   *time.Time `yaml:"valid_from"`
	ValidUntil  *time.Time `yaml:"valid_until"`
	Weekdays    string     `yaml:"weekdays"`
	TimeStart   string     `yaml:"time_start"`
	TimeEnd     string     `yaml:"time_end"`
}

// Store is the subset of the hub store the importer writes to.
type Store interface {
	GetNode(ctx context.Context, id string) (domain.Node, error)
	CreateNode(ctx context.Context, in sqlite.NodeInput, tokenHash string) (domain.Node, error)
	UpdateNode(ctx context.Context, in sqlite.NodeInput) error
	RotateNodeToken(ctx context.Context, id, tokenHash string) error
	UpsertGroup(ctx context.Context, g domain.Group) (domain.Group, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	SetGroupGrant(ctx context.Context, groupID, nodeID string, caps domain.CapabilitySet) error
	UpsertRule(ctx context.Context, r domain.AccessRule) (domain.AccessRule, error)
}

// Result summarizes an import.
type Result struct {
	NodesCreated int
	NodesUpdated int
	Groups       int
	Rules        int
	// Tokens holds generated node tokens by node id. They are not stored in
	// clear and cannot be shown again.
	Tokens map[string]string
}

// Load reads and decodes the file at path.
func Load(path string) (File, error) {
	cleanPath := filepath.Clean(strings.TrimSpace(path))
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

// Parse decodes a policy document.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("decode policy: %w", err)
	}
	if len(f.Nodes) == 0 && len(f.Groups) == 0 && len(f.Rules) == 0 {
		return File{}, errors.New("policy file declares nothing")
	}
	return f, nil
}

// Import applies f to store. Nodes are created or updated, groups are
// upserted by (tenant, name) with parents resolved after every group
// exists, and rules are upserted by id.
func Import(ctx context.Context, store Store, f File) (Result, error) {
	res := Result{Tokens: map[string]string{}}
	for _, spec := range f.Nodes {
		if err := importNode(ctx, store, spec, &res); err != nil {
			return res, err
		}
	}
	if err := importGroups(ctx, store, f.Groups, &res); err != nil {
		return res, err
	}
	for _, spec := range f.Rules {
		rule, err := spec.rule()
		if err != nil {
			return res, err
		}
		if _, err := store.UpsertRule(ctx, rule); err != nil {
			return res, err
		}
		res.Rules++
	}
	return res, nil
}

func importNode(ctx context.Context, store Store, spec NodeSpec, res *Result) error {
	in, err := spec.input()
	if err != nil {
		return err
	}
	_, err = store.GetNode(ctx, in.ID)
	switch {
	case err == nil:
		if err := store.UpdateNode(ctx, in); err != nil {
			return fmt.Errorf("update node %s: %w", in.ID, err)
		}
		if spec.Token != "" {
			hash, err := auth.HashToken(spec.Token)
			if err != nil {
				return err
			}
			if err := store.RotateNodeToken(ctx, in.ID, hash); err != nil {
				return err
			}
		}
		res.NodesUpdated++
		return nil
	case !errors.Is(err, sqlite.ErrNotFound):
		return err
	}

	token := spec.Token
	if token == "" {
		if token, err = auth.GenerateToken(); err != nil {
			return err
		}
		res.Tokens[in.ID] = token
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	if _, err := store.CreateNode(ctx, in, hash); err != nil {
		return fmt.Errorf("create node %s: %w", in.ID, err)
	}
	res.NodesCreated++
	return nil
}

func (n NodeSpec) input() (sqlite.NodeInput, error) {
	id := strings.TrimSpace(n.ID)
	if id == "" {
		return sqlite.NodeInput{}, errors.New("node id is required")
	}
	kind := domain.TunnelKindReverse
	if strings.TrimSpace(n.Kind) != "" {
		k, ok := domain.ParseTunnelKind(n.Kind)
		if !ok {
			return sqlite.NodeInput{}, fmt.Errorf("node %s: unknown kind %q", id, n.Kind)
		}
		kind = k
	}
	in := sqlite.NodeInput{
		ID:            id,
		Name:          strings.TrimSpace(n.Name),
		TenantID:      strings.TrimSpace(n.Tenant),
		Kind:          kind,
		AutoReconnect: n.AutoReconnect == nil || *n.AutoReconnect,
	}
	if in.Name == "" {
		in.Name = id
	}
	for _, a := range n.Apps {
		app, ok := domain.ParseApplication(a.Application)
		if !ok || app == domain.AppSystem {
			return sqlite.NodeInput{}, fmt.Errorf("node %s: unknown application %q", id, a.Application)
		}
		port := a.LocalPort
		if port == 0 {
			port = app.DefaultPort()
		}
		if port < 0 || port > 65535 || a.RemotePort < 0 || a.RemotePort > 65535 {
			return sqlite.NodeInput{}, fmt.Errorf("node %s: invalid port for %s", id, app)
		}
		in.Apps = append(in.Apps, domain.AppPort{App: app, LocalPort: port, RemotePort: a.RemotePort})
	}
	return in, nil
}

func importGroups(ctx context.Context, store Store, specs []GroupSpec, res *Result) error {
	type groupKey struct{ tenant, name string }
	ids := make(map[groupKey]string, len(specs))
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return errors.New("group name is required")
		}
		g, err := store.UpsertGroup(ctx, domain.Group{Name: name, TenantID: strings.TrimSpace(spec.Tenant)})
		if err != nil {
			return err
		}
		ids[groupKey{g.TenantID, g.Name}] = g.ID
	}
	for _, spec := range specs {
		tenant, name := strings.TrimSpace(spec.Tenant), strings.TrimSpace(spec.Name)
		id := ids[groupKey{tenant, name}]
		if parent := strings.TrimSpace(spec.Parent); parent != "" {
			parentID, ok := ids[groupKey{tenant, parent}]
			if !ok {
				return fmt.Errorf("group %s: parent %q not declared in tenant %q", name, parent, tenant)
			}
			if _, err := store.UpsertGroup(ctx, domain.Group{ID: id, Name: name, TenantID: tenant, ParentID: parentID}); err != nil {
				return err
			}
		}
		for _, member := range spec.Members {
			if member = strings.TrimSpace(member); member == "" {
				continue
			}
			if err := store.AddGroupMember(ctx, id, member); err != nil {
				return err
			}
		}
		for _, grant := range spec.Grants {
			var caps []domain.Capability
			for _, c := range grant.Capabilities {
				c = strings.ToLower(strings.TrimSpace(c))
				if !domain.NewCapabilitySet(domain.Capability(c)).Has(domain.Capability(c)) {
					return fmt.Errorf("group %s: unknown capability %q", name, c)
				}
				caps = append(caps, domain.Capability(c))
			}
			if err := store.SetGroupGrant(ctx, id, strings.TrimSpace(grant.Node), domain.NewCapabilitySet(caps...)); err != nil {
				return err
			}
		}
		res.Groups++
	}
	return nil
}

func (r RuleSpec) rule() (domain.AccessRule, error) {
	days, err := acl.ParseWeekdays(r.Weekdays)
	if err != nil {
		return domain.AccessRule{}, fmt.Errorf("rule %q: %w", r.ID, err)
	}
	action := domain.Action(strings.ToUpper(strings.TrimSpace(r.Action)))
	protocol := strings.TrimSpace(r.Protocol)
	if protocol == "" {
		protocol = domain.ProtocolTCP
	}
	return domain.AccessRule{
		ID:          strings.TrimSpace(r.ID),
		Name:        strings.TrimSpace(r.Name),
		Priority:    r.Priority,
		Enabled:     r.Enabled == nil || *r.Enabled,
		Source:      strings.TrimSpace(r.Source),
		Destination: strings.TrimSpace(r.Destination),
		Protocol:    protocol,
		Port:        r.Port,
		Action:      action,
		ValidFrom:   r.ValidFrom,
		ValidUntil:  r.ValidUntil,
		Weekdays:    days,
		TimeStart:   strings.TrimSpace(r.TimeStart),
		TimeEnd:     strings.TrimSpace(r.TimeEnd),
	}, nil
}
