package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var statusUserID string

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's status and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var diffCmd = &cobra.Command{
	Use:   "diff <task-id>",
	Short: "Print a finished task's unified diff",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

func init() {
	statusCmd.Flags().StringVar(&statusUserID, "user", "", "requesting user id (UUID)")
	statusCmd.MarkFlagRequired("user")
	diffCmd.Flags().StringVar(&statusUserID, "user", "", "requesting user id (UUID)")
	diffCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(diffCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("task id must be a number")
	}

	logger := newLogger()
	a, err := buildApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t, err := a.engine.GetTaskStatus(ctx, statusUserID, id)
	if err != nil {
		return err
	}
	printTask(t)
	for _, msg := range t.Chat {
		fmt.Printf("  [%s] %s: %.120s\n", msg.Timestamp.Format(time.RFC3339), msg.Role, msg.Content)
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("task id must be a number")
	}

	logger := newLogger()
	a, err := buildApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	diff, err := a.engine.GetTaskDiff(ctx, statusUserID, id)
	if err != nil {
		return err
	}
	fmt.Print(diff)
	return nil
}
