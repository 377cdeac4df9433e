package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task execution engine",
	Long: `serve starts the worker pool, the orphan sweeper, and the metrics
endpoint, then waits for SIGINT/SIGTERM. On shutdown, queued tasks are
failed immediately and running tasks get the drain window to finish.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	a, err := buildApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.fleet.Start(ctx)
	logger.Info("engine started",
		"backend", a.cfg.SandboxBackend,
		"workers", a.cfg.WorkerConcurrency,
		"per_user", a.cfg.PerUserConcurrency)

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout+30*time.Second)
	defer cancel()
	if err := a.fleet.Shutdown(shutdownCtx); err != nil {
		logger.Error("fleet shutdown incomplete", "error", err)
	}
	srv.Shutdown(shutdownCtx)
	logger.Info("engine stopped")
	return nil
}
