package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var printJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion cycle and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.cycles.RunCycle(ctx, "cli")
		if printJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(summary); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Generate missing thumbnails for stored images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.cycles.RunBackfill(ctx, "cli")
		if printJSON && err == nil {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		}
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&printJSON, "json", false, "print the cycle summary as JSON")
	backfillCmd.Flags().BoolVar(&printJSON, "json", false, "print the backfill report as JSON")
}
