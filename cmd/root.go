// Package cmd defines and implements the CLI commands for the collector executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mission-vault/internal/app"
	"github.com/JakeFAU/mission-vault/internal/config"
	"github.com/JakeFAU/mission-vault/internal/coordinator"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
type App interface {
	RunOnce(ctx context.Context) (coordinator.Report, error)
	Schedule(ctx context.Context) error
	Serve(ctx context.Context) error
	SyncNow(ctx context.Context) error
	Close() error
}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Runs scraping jobs and keeps their results in a deduplicated vault.",
		Long: `collector submits the configured mission to a remote scraping actor, waits
for the run to finish and appends every item it has not seen before to an
append-only JSONL vault. It can run a single cycle, run cycles on a schedule,
or do both while serving a status API.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (JSON or YAML); COLLECTOR_* env vars override it")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newScheduleCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	return cmd
}

// resolveApp fetches the App stored by PersistentPreRunE.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
