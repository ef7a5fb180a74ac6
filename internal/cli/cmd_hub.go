package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/auth"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/config"
	ilog "github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/log"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/server"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/store/sqlite"
)

func runHub(ctx context.Context, args []string) int {
	config.LoadDotEnv(".env")

	cfg, err := config.ParseHubFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "hub config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	key, generated, err := resolveSigningKey(ctx, store, cfg.SigningKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hub config error:", err)
		return 2
	}
	if generated {
		logger.Info("generated session signing key", "db", cfg.DBPath)
	}

	s, err := server.New(cfg, store, logger, server.Options{SigningKey: []byte(key), Version: Version})
	if err != nil {
		fmt.Fprintln(os.Stderr, "hub config error:", err)
		return 2
	}
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "hub error:", err)
		return 1
	}
	return 0
}

// resolveSigningKey picks the session signing key: a configured key must
// match the persisted one, otherwise the persisted key is reused, and on
// first start a random key is generated and stored.
func resolveSigningKey(ctx context.Context, store *sqlite.Store, configured string) (string, bool, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		key, err := store.ResolveSigningKey(ctx, configured)
		return key, false, err
	}

	current, exists, err := store.SigningKey(ctx)
	if err != nil {
		return "", false, err
	}
	if exists {
		return current, false, nil
	}
	fresh, err := auth.GenerateSigningKey()
	if err != nil {
		return "", false, err
	}
	key, err := store.ResolveSigningKey(ctx, fresh)
	return key, err == nil, err
}
