package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xela07ax/agentgate/internal/infra"
	"github.com/xela07ax/agentgate/internal/policy"
	"go.uber.org/zap"
)

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (HTTP, WS, optional gRPC, metrics)",
		Long: `Start the gateway.

Agent configuration is resolved once at startup. With agent.on_config_error=abort-process
(default) an invalid configuration stops the process with a non-zero exit code;
with disable-agent the agent subsystem is mounted as a 503 stub instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			return runServe(cmd.Context(), path)
		},
	}
}

func buildCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Resolve agent configuration and print a non-sensitive summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := infra.LoadConfig(path)
			if err != nil {
				return err
			}

			snap, err := policy.Resolve(cfg.Agent.Raw(), zap.NewNop())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enabled:         %t\n", snap.Enabled())
			fmt.Fprintf(out, "environment:     %s\n", snap.Tier())
			fmt.Fprintf(out, "allowed peers:   %d (wildcard: %t)\n", len(snap.AllowedPeers()), snap.HasWildcard())
			fmt.Fprintf(out, "admin users:     %d\n", snap.AdminCount())
			fmt.Fprintf(out, "base path:       %s\n", cfg.Agent.BasePath)
			fmt.Fprintf(out, "ws path:         %s\n", cfg.Agent.WSPath)
			fmt.Fprintf(out, "on config error: %s\n", cfg.Agent.OnConfigError)
			return nil
		},
	}
}
