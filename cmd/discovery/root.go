package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/app"
	"github.com/JakeFAU/contest-discovery/internal/config"
	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/logging"
)

// application is what commands need from the service container. It allows a
// fake app to be injected during tests.
type application interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context) (discovery.RunRecord, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (application, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Quota-governed discovery of contest and giveaway videos.",
		Long: `discovery polls the YouTube Data API for contest and giveaway videos,
classifies them and stores the results, without ever exceeding the daily
API quota budget.`,
		SilenceUsage: true,

		// Config and logger are ready before any subcommand's RunE.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				// Sync fails harmlessly on terminals.
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (env vars use the DISCOVERY_ prefix)")
	cmd.AddCommand(newServeCmd(opts), newRunCmd(opts), newMigrateCmd(opts))
	return cmd
}

// withApp builds the application, runs fn, and closes the application.
func withApp(ctx context.Context, opts *rootOptions, fn func(application) error) (err error) {
	a, err := newApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			opts.logger.Warn("error closing application services", zap.Error(cerr))
			if err == nil {
				err = cerr
			}
		}
	}()
	return fn(a)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return 1
	}
	return 0
}
