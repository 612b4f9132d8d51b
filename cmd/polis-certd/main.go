// Package main is the entry point for the polis-certd binary.
// It keeps TLS certificates and the nginx configuration in step with the
// configured domains.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-certd/internal/reconcile"
	"github.com/polisai/polis-certd/pkg/config"
	"github.com/polisai/polis-certd/pkg/logging"
	"github.com/polisai/polis-certd/pkg/telemetry"
)

var version = "dev"

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-certd",
		Short: "Certificate and nginx configuration reconciler",
		Long: `polis-certd keeps a TLS certificate on disk for every configured domain and
renders the nginx configuration from certificate availability and upstream
health, reloading nginx only when the rendered configuration changes.

Without --config the single-domain variant is read from DOMAIN, EMAIL and
SERVER in the environment (or a .env file).`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (json, text)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newOnceCmd(opts),
		newRenderCmd(opts),
		newStatusCmd(opts),
		newBootstrapCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig reads the file named by --config, or the environment when no
// file is given, and applies the logging flags.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.Load(opts.configPath)
	} else {
		cfg, err = config.LoadEnv()
	}
	if err != nil {
		return nil, err
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
	return cfg, nil
}

func setup(cmd *cobra.Command, opts *globalOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Reconcile forever on the configured interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
				ServiceName:    cfg.Telemetry.ServiceName,
				ServiceVersion: version,
				Endpoint:       cfg.Telemetry.OTLPEndpoint,
				Insecure:       cfg.Telemetry.Insecure,
			})
			if err != nil {
				return fmt.Errorf("setup tracing: %w", err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Warn("Tracer shutdown failed", "error", err)
				}
			}()

			a, err := newApp(cfg, opts.configPath, logger)
			if err != nil {
				return err
			}

			wake := make(chan struct{}, 1)
			if opts.configPath != "" {
				watcher, err := config.NewWatcher(opts.configPath, func() {
					select {
					case wake <- struct{}{}:
					default:
					}
				}, logger)
				if err != nil {
					return fmt.Errorf("create config watcher: %w", err)
				}
				if err := watcher.Start(ctx); err != nil {
					logger.Warn("Config watcher unavailable, changes apply on the next interval", "error", err)
				}
				defer func() { _ = watcher.Stop() }()
			}

			logger.Info("Starting polis-certd",
				"version", version,
				"domains", len(cfg.Domains),
				"interval", cfg.Interval,
				"agent", cfg.Agent.Kind,
				"https_policy", cfg.HTTPSPolicy,
				"output", cfg.Paths.Output,
			)

			loop := reconcile.NewLoop(a.reconciler, reconcile.LoopOptions{
				Interval: cfg.Interval,
				Wake:     wake,
				Logger:   logger,
			})
			return loop.Run(ctx)
		},
	}
}

func newOnceCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation tick and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, opts.configPath, logger)
			if err != nil {
				return err
			}

			report, err := a.reconciler.Tick(cmd.Context())
			if err != nil {
				return err
			}
			return errors.Join(report.ObtainErr, report.RenewErr)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polis-certd %s\n", version)
		},
	}
}
