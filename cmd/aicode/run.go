package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"asynccode/internal/engine"
	"asynccode/internal/store"
)

var runFlags struct {
	userID  string
	repoURL string
	branch  string
	agent   string
	prompt  string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit one task and run it to completion",
	Long: `run starts a single-worker pool, submits one task, waits for it to
finish, and prints the result. The git credential is read from the
GIT_TOKEN environment variable, never from a flag.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.userID, "user", "", "submitting user id (UUID)")
	runCmd.Flags().StringVar(&runFlags.repoURL, "repo", "", "repository URL (https)")
	runCmd.Flags().StringVar(&runFlags.branch, "branch", "main", "target branch")
	runCmd.Flags().StringVar(&runFlags.agent, "agent", "claude", "agent kind (claude or codex)")
	runCmd.Flags().StringVar(&runFlags.prompt, "prompt", "", "task prompt")
	runCmd.MarkFlagRequired("user")
	runCmd.MarkFlagRequired("repo")
	runCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	credential := os.Getenv("GIT_TOKEN")
	if credential == "" {
		return fmt.Errorf("GIT_TOKEN must be set")
	}

	logger := newLogger()
	a, err := buildApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.fleet.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.fleet.Shutdown(sctx)
	}()

	id, err := a.engine.SubmitTask(ctx, engine.SubmitRequest{
		UserID:       runFlags.userID,
		RepoURL:      runFlags.repoURL,
		TargetBranch: runFlags.branch,
		AgentKind:    runFlags.agent,
		Prompt:       runFlags.prompt,
		Credential:   credential,
	})
	if err != nil {
		return err
	}
	fmt.Printf("task %d submitted\n", id)

	t, err := waitTerminal(ctx, a, id)
	if err != nil {
		return err
	}
	printTask(t)
	if t.Status != store.StatusCompleted {
		return fmt.Errorf("task %d did not complete", id)
	}
	return nil
}

func waitTerminal(ctx context.Context, a *app, id int64) (*store.Task, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		t, err := a.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, nil
		case <-ticker.C:
		}
	}
}

func printTask(t *store.Task) {
	fmt.Printf("task %d: %s\n", t.ID, t.Status)
	if t.Reason != "" {
		fmt.Printf("  reason: %s\n", t.Reason)
	}
	if t.Error != "" {
		fmt.Printf("  error: %s\n", t.Error)
	}
	if t.Branch != "" {
		fmt.Printf("  branch: %s\n", t.Branch)
	}
	if t.CommitHash != "" {
		fmt.Printf("  commit: %s\n", t.CommitHash)
	}
	if len(t.Files) > 0 {
		fmt.Printf("  files changed: %d\n", len(t.Files))
		for _, f := range t.Files {
			fmt.Printf("    %s\n", f.Path)
		}
	}
}
