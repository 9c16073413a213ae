// Command blockflowd runs the blockflow workflow daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockflow/blockflow/internal/config"
	"github.com/blockflow/blockflow/internal/daemon"
	"github.com/blockflow/blockflow/internal/log"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "blockflowd",
		Short:         "blockflow workflow execution daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath   string
		backendType  string
		dbPath       string
		metricsAddr  string
		allowPrivate bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if backendType != "" {
				cfg.Backend.Driver = backendType
			}
			if dbPath != "" {
				cfg.Backend.Path = dbPath
			}
			if metricsAddr != "" {
				cfg.Metrics.Addr = metricsAddr
			}
			if allowPrivate {
				cfg.Fetch.AllowPrivate = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := log.New(&log.Config{
				Level:     cfg.Log.Level,
				Format:    log.Format(cfg.Log.Format),
				AddSource: cfg.Log.AddSource,
			})
			slog.SetDefault(logger)
			if cfg.Fetch.AllowPrivate {
				logger.Warn("private-address fetch is enabled; workflows can reach internal networks")
			}

			d, err := daemon.New(cfg, daemon.Options{
				Version:   version,
				Commit:    commit,
				BuildDate: buildDate,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.Start(ctx); err != nil {
				return err
			}
			return d.Shutdown(context.Background())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().StringVar(&backendType, "backend", "", "Storage backend (memory, sqlite)")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite database path")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address")
	cmd.Flags().BoolVar(&allowPrivate, "allow-private-fetch", false, "Disable the private-address fetch guard (SECURITY WARNING)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "blockflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
