package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	var (
		name   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "run <items.csv|items.json>",
		Short: "Enrich the items in a file and wait for the session to finish",
		Long: `Reads work items from a CSV file (columns name, address and optional
endpoint_<source>) or a JSON array, runs one session over them, and writes
the session report as JSON.

` + minimalConfigHelp,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			items, err := readItemsFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			report, err := appInstance.Scheduler.CreateSession(cmd.Context(), name, items)
			if err != nil {
				return fmt.Errorf("run session: %w", err)
			}
			appInstance.Logger.Info("session finished",
				zap.String("session_id", report.SessionID),
				zap.String("status", string(report.Status)),
				zap.Int("completed", report.Completed),
				zap.Int("failed", report.Failed),
				zap.Duration("elapsed", report.Elapsed),
			)

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(filepath.Clean(output))
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name (defaults to the file name)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the report here instead of stdout")
	return cmd
}
