package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/busybox42/outbound/internal/config"
	"github.com/busybox42/outbound/internal/logging"
	"github.com/busybox42/outbound/internal/server"
	"github.com/busybox42/outbound/internal/store"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	cfg        *config.Config
	// openStore is replaced in tests.
	openStore func(ctx context.Context, cfg store.Config) (store.Store, error)
}

func main() {
	if err := newRootCmd(&cli{openStore: store.Open}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "outbound",
		Short: "Outbound - bulk mail delivery engine",
		Long: `Outbound picks up queued messages and delivers them over pooled SMTP
connections, applying per-destination connection and throughput rules.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c.configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to configuration file")

	root.AddCommand(
		newServeCmd(c),
		newConfigCmd(c),
		newQueueCmd(c),
		newSendCmd(c),
		newRulesCmd(c),
	)
	return root
}

// withStore opens the configured store for the duration of fn.
func (c *cli) withStore(ctx context.Context, fn func(store.Store) error) error {
	s, err := c.openStore(ctx, c.cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()
	return fn(s)
}

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
				c.cfg.Engine.Hostname = hostname
			}
			if noAPI, _ := cmd.Flags().GetBool("no-api"); noAPI {
				c.cfg.API.Enabled = false
			}
			return serve(cmd.Context(), c.cfg)
		},
	}
	cmd.Flags().String("hostname", "", "EHLO hostname (overrides config)")
	cmd.Flags().Bool("no-api", false, "do not start the HTTP API")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	closer, err := logging.InitializeLogging(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server.Version = version
	app, err := server.New(ctx, cfg, server.Options{})
	if err != nil {
		return err
	}
	defer app.Close()

	slog.Info("Outbound engine started", "hostname", cfg.Engine.Hostname, "version", version)
	err = app.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Engine stopped", "error", err)
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printValidation(cmd.OutOrStdout(), c.cfg)
		},
	})
	return cmd
}

func printValidation(w io.Writer, cfg *config.Config) error {
	result := cfg.Validate()
	if result.Valid {
		fmt.Fprintln(w, "Configuration is valid")
	} else {
		fmt.Fprintln(w, "Configuration has errors")
	}
	for i, e := range result.Errors {
		fmt.Fprintf(w, "  error %d: %s\n", i+1, e.Error())
	}
	for i, warn := range result.Warnings {
		fmt.Fprintf(w, "  warning %d: %s\n", i+1, warn.Error())
	}
	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}

	fmt.Fprintf(w, "  Store: %s\n", cfg.Store.Type)
	fmt.Fprintf(w, "  Cache: %s\n", cfg.Cache.Type)
	fmt.Fprintf(w, "  Rules: %s\n", cfg.Rules.Source)
	fmt.Fprintf(w, "  Workers: %d, batch %d, interval %ds\n", cfg.Engine.Workers, cfg.Engine.BatchSize, cfg.Engine.Interval)
	fmt.Fprintf(w, "  Identities: %d in %d groups\n", len(cfg.Identities), len(cfg.Groups))
	return nil
}
