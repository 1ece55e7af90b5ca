package main

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/chartsnap/internal/config"
	"github.com/JakeFAU/chartsnap/internal/server"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = ""

// runner is the application lifecycle the serve command drives. It is a
// variable so tests can swap in a fake.
type runner interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

var buildApp = func(ctx context.Context, cfg config.Config) (runner, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates the root command. Running it without a subcommand
// starts the server.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "chartsnap",
		Short: "Turns trading alert webhooks into chart screenshots.",
		Long: `chartsnap receives TradingView-style alert webhooks, admits them through
per-tenant rate limits, and captures the tenant's chart in a pooled headless
browser before notifying the tenant.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, cfgFile)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newSealCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chartsnap %s\n", resolveVersion())
		},
	}
}

func resolveVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
