// Command nserctl runs one-off maintenance against the exclusion engine:
// migrations, sweeps, manual retries, duplicate scans and compliance
// reports. It reads the same NSER_* configuration as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nser/internal/app"
	"nser/internal/platform/config"
	"nser/internal/platform/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nserctl",
		Short:         "Operate the national self-exclusion engine",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newSweepCmd(),
		newRetryFailedCmd(),
		newDetectDuplicatesCmd(),
		newComplianceCmd(),
	)
	return root
}

// withApp builds the application from the environment for the duration of
// fn.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger.New(cfg.Server))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
