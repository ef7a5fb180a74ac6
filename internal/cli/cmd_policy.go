package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/config"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/policy"
)

func runPolicyAdmin(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 || args[0] != "import" {
		fmt.Fprintln(os.Stderr, "usage: orizon policy import -f policy.yml [--db path]")
		return 2
	}
	config.LoadDotEnv(".env")
	return runPolicyImport(ctx, args[1:], out)
}

func runPolicyImport(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("policy-import", flag.ContinueOnError)
	var dbPath, file string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&file, "f", "policy.yml", "policy file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	doc, err := policy.Load(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "policy error:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	res, err := policy.Import(ctx, store, doc)
	if err != nil {
		fmt.Fprintln(os.Stderr, "policy import error:", err)
		return 1
	}
	fmt.Fprintf(out, "nodes: %d created, %d updated\n", res.NodesCreated, res.NodesUpdated)
	fmt.Fprintf(out, "groups: %d\n", res.Groups)
	fmt.Fprintf(out, "rules: %d\n", res.Rules)
	ids := make([]string, 0, len(res.Tokens))
	for id := range res.Tokens {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "token %s: %s\n", id, res.Tokens[id])
	}
	return 0
}
