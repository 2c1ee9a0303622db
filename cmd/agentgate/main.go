// Command agentgate — шлюз агентского канала: allowlist пиров, admin-гвард и
// монтирование агентской подсистемы на HTTP/WS/gRPC периметр.
//
//	agentgate serve --config configs/config.yaml
//	agentgate check
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "agentgate",
		Short:         "Access-control and mount layer for the agent channel",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file (default: ./config.yaml or ./configs/config.yaml)")

	root.AddCommand(buildServeCmd(), buildCheckCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentgate:", err)
		stop()
		os.Exit(1)
	}
}
