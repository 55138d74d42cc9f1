// Package cmd defines the CLI commands for the venue-enrichment executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-enrichment/internal/app"
	"github.com/JakeFAU/venue-enrichment/internal/config"
	"github.com/JakeFAU/venue-enrichment/internal/logging"
	"github.com/JakeFAU/venue-enrichment/internal/progress"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject their own
// services.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.WithProgressCallback(logProgress(logger)))
}

// minimalConfigHelp describes the smallest configuration that runs.
const minimalConfigHelp = `No source is enabled by default. The smallest working config enables the
places lookup (the website source then follows its website field):

  sources:
    places:
      enabled: true
      base_url: https://places.googleapis.com/v1
      api_key: <key>

or with environment variables only:

  ENRICH_SOURCES_PLACES_ENABLED=true
  ENRICH_SOURCES_PLACES_BASE_URL=https://places.googleapis.com/v1
  ENRICH_SOURCES_PLACES_API_KEY=<key>

config.example.yaml in the repository is a complete starting point.`

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "venue-enrichment",
		Short: "Enrich venue records from external sources.",
		Long: `venue-enrichment takes a list of venues, queries every configured
source for each one under per-source rate limits, and persists one merged
result per venue. Sessions left unfinished by a crash are reconciled by the
watchdog.

` + minimalConfigHelp,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close(cmd.Context())
				_ = appInstance.Logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env ENRICH_* overrides)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWatchdogCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func logProgress(logger *zap.Logger) progress.Callback {
	return func(_ context.Context, s progress.Snapshot) error {
		logger.Info("progress",
			zap.Int("completed", s.Completed),
			zap.Int("total", s.Total),
			zap.Int("errors", s.Errors),
			zap.Float64("percent", s.ProgressPercent),
			zap.Float64("eta_seconds", s.ETASeconds),
		)
		return nil
	}
}
