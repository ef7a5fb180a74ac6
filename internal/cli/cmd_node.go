package cli

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/auth"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/config"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/store/sqlite"
)

func runNodeAdmin(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: orizon node <add|list|rotate|revoke> [flags]")
		return 2
	}
	config.LoadDotEnv(".env")
	switch args[0] {
	case "add":
		return runNodeAdd(ctx, args[1:], out)
	case "list":
		return runNodeList(ctx, args[1:], out)
	case "rotate":
		return runNodeRotate(ctx, args[1:], out)
	case "revoke":
		return runNodeRevoke(ctx, args[1:], out)
	default:
		fmt.Fprintln(os.Stderr, "unknown node command:", args[0])
		return 2
	}
}

func runNodeAdd(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("node-add", flag.ContinueOnError)
	var dbPath, id, name, tenant, kind, apps, token string
	var autoReconnect bool
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "node id (generated when empty)")
	fs.StringVar(&name, "name", "", "node display name")
	fs.StringVar(&tenant, "tenant", "default", "tenant id")
	fs.StringVar(&kind, "kind", string(domain.TunnelKindReverse), "tunnel kind: reverse|tls")
	fs.StringVar(&apps, "apps", "", "applications, e.g. VNC=5900,TERMINAL")
	fs.StringVar(&token, "token", "", "node token (generated when empty)")
	fs.BoolVar(&autoReconnect, "auto-reconnect", true, "keep ports reserved while the node is away")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(name) == "" {
		name = id
	}
	if strings.TrimSpace(name) == "" {
		fmt.Fprintln(os.Stderr, "missing --name")
		return 2
	}
	tunnelKind, ok := domain.ParseTunnelKind(kind)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown tunnel kind %q\n", kind)
		return 2
	}
	appPorts, err := config.ParseApps(apps)
	if err != nil {
		fmt.Fprintln(os.Stderr, "node add error:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	token = strings.TrimSpace(token)
	if token == "" {
		if token, err = auth.GenerateToken(); err != nil {
			fmt.Fprintln(os.Stderr, "generate token:", err)
			return 1
		}
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash token:", err)
		return 1
	}
	node, err := store.CreateNode(ctx, sqlite.NodeInput{
		ID:            id,
		Name:          name,
		TenantID:      tenant,
		Kind:          tunnelKind,
		AutoReconnect: autoReconnect,
		Apps:          appPorts,
	}, hash)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create node:", err)
		return 1
	}
	fmt.Fprintln(out, "id:", node.ID)
	fmt.Fprintln(out, "name:", node.Name)
	fmt.Fprintln(out, "apps:", formatApps(node.Apps))
	fmt.Fprintln(out, "token:", token)
	return 0
}

func runNodeList(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("node-list", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list nodes:", err)
		return 1
	}
	for _, n := range nodes {
		lastSeen := "never"
		if n.LastConnectedAt != nil {
			lastSeen = n.LastConnectedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		fmt.Fprintf(out, "%s\t%s\ttenant=%s\tkind=%s\tapps=%s\trevoked=%t\tlast_seen=%s\n",
			n.ID, n.Name, n.TenantID, n.Kind, formatApps(n.Apps), n.Revoked, lastSeen)
	}
	return 0
}

func runNodeRotate(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("node-rotate", flag.ContinueOnError)
	var dbPath, id string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "node id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	token, err := auth.GenerateToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate token:", err)
		return 1
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash token:", err)
		return 1
	}
	if err := store.RotateNodeToken(ctx, id, hash); err != nil {
		fmt.Fprintln(os.Stderr, "rotate token:", err)
		return 1
	}
	fmt.Fprintln(out, "id:", id)
	fmt.Fprintln(out, "token:", token)
	return 0
}

func runNodeRevoke(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("node-revoke", flag.ContinueOnError)
	var dbPath, id string
	var yes bool
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "node id")
	fs.BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	if !yes && isInteractiveInput() {
		ok, err := confirm(bufio.NewReader(os.Stdin), out, fmt.Sprintf("Revoke node %s? [y/N] ", id))
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		if !ok {
			fmt.Fprintln(out, "Revoke cancelled.")
			return 0
		}
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.RevokeNode(ctx, id); err != nil {
		fmt.Fprintln(os.Stderr, "revoke node:", err)
		return 1
	}
	fmt.Fprintln(out, "revoked:", id)
	fmt.Fprintln(out, "note: a running hub keeps the node's open channel; use POST /v1/nodes/"+id+"/revoke to evict it now")
	return 0
}

func formatApps(apps []domain.AppPort) string {
	if len(apps) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(apps))
	for _, a := range apps {
		parts = append(parts, string(a.App)+"="+strconv.Itoa(a.LocalPort))
	}
	return strings.Join(parts, ",")
}

func defaultDBPath() string {
	if v := strings.TrimSpace(os.Getenv(config.EnvPrefix + "_DB_PATH")); v != "" {
		return v
	}
	return "./orizon.db"
}

func openSQLiteStoreOrExit(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}
