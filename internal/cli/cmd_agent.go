package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/agent"
	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/config"
	ilog "github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/log"
)

func runAgent(ctx context.Context, args []string) int {
	config.LoadDotEnv(".env")

	cfg, err := config.ParseAgentFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "agent config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	a, err := agent.New(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent config error:", err)
		return 2
	}
	a.SetVersion(Version)

	logger.Info("agent starting", "hub", cfg.HubAddr, "transport", cfg.Transport, "node_id", cfg.NodeID, "apps", len(cfg.AppPorts))
	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agent error:", err)
		return 1
	}
	return 0
}
