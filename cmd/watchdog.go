package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWatchdogCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Finalize sessions that stopped making progress",
		Long: `Runs one reconciliation sweep over processing sessions and prints the
report. With --loop it keeps sweeping at watchdog.interval_seconds until
interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if loop {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				appInstance.Watchdog.Run(ctx, appInstance.Config.Watchdog.Interval())
				return nil
			}
			report, err := appInstance.Watchdog.Reconcile(cmd.Context())
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping until interrupted")
	return cmd
}
