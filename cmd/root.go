// Package cmd provides the coalesce command-line interface.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"coalesce/bootstrap"
)

// NewRootCmd builds the coalesce CLI. Running without a subcommand starts
// the daemon.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "coalesce",
		Short:        "Windowed alert correlation engine",
		Long:         "coalesce scans an event store on a schedule and coalesces raw operational events into deduplicated alerts using fixed, sliding, and session windows.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitRulesCmd())
	root.AddCommand(newValidateRulesCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the correlation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}
