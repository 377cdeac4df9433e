package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one orphan sweep pass",
	Long: `sweep lists the backend's sandboxes, tears down any older than the
orphan age threshold that no running engine owns, and fails the task rows
still marked running on them. Useful after a crash, before restarting serve.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	a, err := buildApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	a.fleet.Sweep(ctx)
	return nil
}
