package main

import (
	"fmt"
	"log/slog"
	"os"

	"asynccode/internal/agent"
	"asynccode/internal/config"
	"asynccode/internal/engine"
	"asynccode/internal/fleet"
	"asynccode/internal/gitws"
	"asynccode/internal/metrics"
	"asynccode/internal/notify"
	"asynccode/internal/sandbox"
	"asynccode/internal/secrets"
	"asynccode/internal/store"
	"asynccode/internal/task"
)

// app bundles the wired engine components.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store.Store
	driver  sandbox.Driver
	fleet   *fleet.Supervisor
	engine  *engine.Engine
	metrics *metrics.Metrics
}

func newDriver(cfg config.Config, logger *slog.Logger) (sandbox.Driver, error) {
	switch cfg.SandboxBackend {
	case "remote":
		return sandbox.NewKubeDriver(logger, sandbox.KubeConfig{
			Namespace:      cfg.RemoteNamespace,
			TemplateID:     cfg.SandboxTemplateID,
			UID:            int64(cfg.ContainerUID),
			GID:            int64(cfg.ContainerGID),
			DefaultTimeout: cfg.TimeoutCommand,
		})
	case "container", "":
		return sandbox.NewDockerDriver(logger, sandbox.DockerConfig{
			Image:             cfg.ContainerImage,
			WorkspaceBasePath: cfg.WorkspaceBasePath,
			UID:               cfg.ContainerUID,
			GID:               cfg.ContainerGID,
			DefaultTimeout:    cfg.TimeoutCommand,
		})
	}
	return nil, fmt.Errorf("unknown sandbox backend %q", cfg.SandboxBackend)
}

// agentEnv passes the relevant API key from the engine's own environment to
// the agent process inside the sandbox.
func agentEnv(kind agent.Kind) []string {
	var keys []string
	switch kind {
	case agent.KindClaude:
		keys = []string{"ANTHROPIC_API_KEY"}
	case agent.KindCodex:
		keys = []string{"OPENAI_API_KEY"}
	}
	var env []string
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// buildApp wires the store, driver, runner, fleet, and engine from config.
// The supervisor is created but not started.
func buildApp(logger *slog.Logger) (*app, error) {
	cfg := config.FromViper()

	st, err := store.New(store.Config{Type: cfg.StoreType, DSN: cfg.StoreDSN})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	driver, err := newDriver(cfg, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("sandbox driver: %w", err)
	}

	m := metrics.New()
	scrub := secrets.NewScrubber()

	var notifier notify.Notifier = notify.Noop{}
	if cfg.SlackToken != "" {
		notifier = notify.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel)
	}

	sup := fleet.New(nil, driver, st, m, logger, fleet.Config{
		Workers:         cfg.WorkerConcurrency,
		PerUserLimit:    cfg.PerUserConcurrency,
		QueueDepth:      cfg.QueueDepth,
		SandboxLifetime: cfg.TimeoutSandbox,
		SweepInterval:   cfg.OrphanSweepInterval,
		OrphanAge:       cfg.OrphanAgeThreshold,
		DrainTimeout:    cfg.DrainTimeout,
	})

	runner := task.New(driver, st, sup, notifier, m, scrub, logger, task.Config{
		Limits: sandbox.ResourceLimits{
			MemoryBytes: cfg.ContainerMemLimit,
			CPUShares:   cfg.ContainerCPUShares,
		},
		Git: gitws.Config{
			CloneTimeout:   cfg.TimeoutClone,
			CommandTimeout: cfg.TimeoutCommand,
			UserName:       cfg.GitUserName,
			UserEmail:      cfg.GitUserEmail,
		},
		AgentTimeout: cfg.TimeoutAgent,
		AgentEnv:     agentEnv,
	})
	sup.SetRun(runner.Run)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		driver:  driver,
		fleet:   sup,
		engine:  engine.New(st, sup, m, logger),
		metrics: m,
	}, nil
}

func (a *app) Close() {
	if err := a.driver.Close(); err != nil {
		a.logger.Warn("driver close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}
