// Package task holds the per-task execution state machine: it sequences
// sandbox provisioning, clone, agent invocation, diff capture, commit, and
// teardown, and owns every status transition for the task it runs.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"asynccode/internal/agent"
	"asynccode/internal/gitws"
	"asynccode/internal/metrics"
	"asynccode/internal/notify"
	"asynccode/internal/sandbox"
	"asynccode/internal/secrets"
	"asynccode/internal/store"
)

// Registry tracks live sandbox handles for the fleet supervisor.
type Registry interface {
	RegisterHandle(taskID int64, handle string)
	ReleaseHandle(taskID int64)
}

// Config carries the runner knobs.
type Config struct {
	Limits       sandbox.ResourceLimits
	Git          gitws.Config
	AgentTimeout time.Duration
	// AgentEnv supplies the credentials the agent process needs
	// (ANTHROPIC_API_KEY / OPENAI_API_KEY) from the engine's own
	// environment.
	AgentEnv func(kind agent.Kind) []string
}

// Runner executes tasks. One Runner serves all workers; per-task state
// lives on the stack of Run.
type Runner struct {
	driver   sandbox.Driver
	store    store.Store
	registry Registry
	notifier notify.Notifier
	metrics  *metrics.Metrics
	scrub    *secrets.Scrubber
	logger   *slog.Logger
	cfg      Config
}

func New(driver sandbox.Driver, st store.Store, registry Registry, notifier notify.Notifier, m *metrics.Metrics, scrub *secrets.Scrubber, logger *slog.Logger, cfg Config) *Runner {
	if cfg.AgentEnv == nil {
		cfg.AgentEnv = func(agent.Kind) []string { return nil }
	}
	return &Runner{
		driver:   driver,
		store:    st,
		registry: registry,
		notifier: notifier,
		metrics:  m,
		scrub:    scrub,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run executes one task end to end. The entry is guarded by a
// compare-and-swap from pending to running: a concurrent second attempt for
// the same task observes a non-pending state and returns without side
// effects. The credential lives only on this stack and is scrubbed from
// every outgoing message.
func (r *Runner) Run(ctx context.Context, t *store.Task, credential string) {
	scrub := r.scrub.With(credential)
	logger := r.logger.With("task", t.ID)

	started := time.Now().UTC()
	swapped, err := r.store.CompareAndSwapStatus(ctx, t.ID, store.StatusPending, store.StatusRunning,
		store.Fields{StartedAt: &started})
	if err != nil {
		logger.Error("could not claim task", "error", err)
		return
	}
	if !swapped {
		logger.Info("task already claimed, skipping")
		return
	}

	// The transcript opens with the submitting prompt, verbatim.
	if err := r.store.AppendChat(ctx, t.ID, store.Message{Role: "user", Content: t.Prompt, Timestamp: started}); err != nil {
		logger.Error("could not record prompt in transcript", "error", err)
	}

	r.metrics.TasksInProgress.Inc()
	defer r.metrics.TasksInProgress.Dec()

	handle, err := r.driver.Provision(ctx, t.ID, r.cfg.Limits)
	if err != nil {
		// A provision abandoned by a dying context is a shutdown, not a
		// provider failure.
		reason := store.ReasonProvision
		if ctx.Err() != nil {
			reason = store.ReasonShutdown
		}
		r.finalize(t, scrub, logger, reason, err, nil, nil)
		return
	}
	r.metrics.SandboxesProvisioned.Inc()
	r.registry.RegisterHandle(t.ID, handle)
	r.store.UpdateStatus(ctx, t.ID, store.StatusRunning, store.Fields{SandboxHandle: &handle})

	// Teardown happens on every exit path, including cancellation, so it
	// runs on its own context.
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.driver.Teardown(tctx, handle); err != nil {
			logger.Error("sandbox teardown failed", "handle", handle, "error", err)
		} else {
			r.metrics.SandboxesTornDown.Inc()
		}
		r.registry.ReleaseHandle(t.ID)
	}()

	ws := gitws.New(r.driver, handle, r.cfg.Git, scrub, logger)
	if err := ws.Clone(ctx, t.RepoURL, t.TargetBranch, credential); err != nil {
		r.finalize(t, scrub, logger, cloneReason(ctx, err), err, nil, nil)
		return
	}
	if ctx.Err() != nil {
		r.finalize(t, scrub, logger, store.ReasonShutdown, ctx.Err(), nil, nil)
		return
	}

	kind, err := agent.ParseKind(t.AgentKind)
	if err != nil {
		r.finalize(t, scrub, logger, store.ReasonInternal, err, nil, nil)
		return
	}

	branch, err := ws.CreateBranch(ctx, t.AgentKind, t.ID)
	if err != nil {
		r.finalize(t, scrub, logger, store.ReasonInternal, err, nil, nil)
		return
	}
	r.store.UpdateStatus(ctx, t.ID, store.StatusRunning, store.Fields{Branch: &branch})

	invoker := agent.NewInvoker(r.driver, r.cfg.AgentTimeout, scrub, logger)
	res, agentErr := invoker.Invoke(ctx, handle, kind, t.Prompt, r.cfg.AgentEnv(kind))

	if res != nil && strings.TrimSpace(res.Stdout) != "" {
		msg := store.Message{Role: "assistant", Content: scrub.Clean(res.Stdout)}
		if err := r.store.AppendChat(ctx, t.ID, msg); err != nil {
			logger.Error("could not record agent output in transcript", "error", err)
		}
	}

	if ctx.Err() != nil {
		r.finalize(t, scrub, logger, store.ReasonShutdown, ctx.Err(), nil, res)
		return
	}

	// The diff is read even after an agent failure: partial changes on
	// disk are preserved artifacts, not garbage.
	diff, diffErr := ws.Diff(ctx)

	var agentTimeout *agent.TimeoutError
	var agentExit *agent.Error
	switch {
	case errors.As(agentErr, &agentTimeout):
		r.finalize(t, scrub, logger, store.ReasonAgentTimeout, agentErr, diff, res)
		return
	case errors.As(agentErr, &agentExit):
		r.finalize(t, scrub, logger, store.ReasonAgent, agentErr, diff, res)
		return
	case agentErr != nil:
		r.finalize(t, scrub, logger, store.ReasonInternal, agentErr, diff, res)
		return
	case diffErr != nil:
		r.finalize(t, scrub, logger, store.ReasonInternal, diffErr, nil, res)
		return
	case diff.Empty():
		r.finalize(t, scrub, logger, store.ReasonNoChanges,
			errors.New("agent finished without modifying the repository"), diff, res)
		return
	}

	hash, err := ws.Commit(ctx, commitMessage(t))
	if err != nil {
		if errors.Is(err, gitws.ErrEmptyDiff) {
			r.finalize(t, scrub, logger, store.ReasonNoChanges, err, diff, res)
		} else {
			r.finalize(t, scrub, logger, store.ReasonCommit, err, diff, res)
		}
		return
	}

	patch, err := ws.Patch(ctx, t.TargetBranch)
	if err != nil {
		r.finalize(t, scrub, logger, store.ReasonCommit, err, diff, res)
		return
	}

	completed := time.Now().UTC()
	fields := store.Fields{
		CommitHash:  &hash,
		Branch:      &branch,
		Patch:       patch,
		CompletedAt: &completed,
	}
	applyDiff(&fields, diff)
	applyResult(&fields, res)
	if err := r.store.UpdateStatus(ctx, t.ID, store.StatusCompleted, fields); err != nil {
		logger.Error("could not persist completion", "error", err)
		return
	}

	r.metrics.TasksCompleted.Inc()
	r.notify(fmt.Sprintf("task %d completed: %d file(s) changed, commit %s", t.ID, len(diff.Files), hash[:8]))
	logger.Info("task completed", "commit", hash, "files", len(diff.Files))
}

// finalize moves the task to failed with a single structured reason and a
// scrubbed, human-readable message. Partial diff artifacts are persisted
// when present.
func (r *Runner) finalize(t *store.Task, scrub *secrets.Scrubber, logger *slog.Logger, reason store.Reason, cause error, diff *gitws.Diff, res *agent.Result) {
	completed := time.Now().UTC()
	msg := scrub.CleanErr(cause)
	fields := store.Fields{
		Reason:      &reason,
		Error:       &msg,
		CompletedAt: &completed,
	}
	applyDiff(&fields, diff)
	applyResult(&fields, res)

	// Finalization must land even when the worker context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.UpdateStatus(ctx, t.ID, store.StatusFailed, fields); err != nil {
		logger.Error("could not persist failure", "reason", reason, "error", err)
	}

	r.metrics.TasksFailed.WithLabelValues(string(reason)).Inc()
	r.notify(fmt.Sprintf("task %d failed (%s): %s", t.ID, reason, msg))
	logger.Warn("task failed", "reason", string(reason), "error", msg)
}

func (r *Runner) notify(message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.notifier.Notify(ctx, message); err != nil {
		r.logger.Warn("notification failed", "error", err)
	}
}

func applyDiff(fields *store.Fields, diff *gitws.Diff) {
	if diff == nil || diff.Empty() {
		return
	}
	text := diff.Unified
	fields.DiffText = &text
	files := make([]store.FileChange, len(diff.Files))
	for i, fc := range diff.Files {
		files[i] = store.FileChange{
			Path:      fc.Path,
			Before:    fc.Before,
			After:     fc.After,
			Binary:    fc.Binary,
			Truncated: fc.Truncated,
		}
	}
	fields.Files = files
}

func applyResult(fields *store.Fields, res *agent.Result) {
	if res == nil {
		return
	}
	code := res.ExitCode
	fields.ExitCode = &code
}

func cloneReason(ctx context.Context, err error) store.Reason {
	if ctx.Err() != nil {
		return store.ReasonShutdown
	}
	var ce *gitws.CloneError
	if errors.As(err, &ce) {
		switch ce.Reason {
		case gitws.CloneAuth:
			return store.ReasonCloneAuth
		case gitws.CloneNotFound:
			return store.ReasonCloneNotFound
		case gitws.CloneTimeout:
			return store.ReasonCloneTimeout
		}
	}
	return store.ReasonCloneNetwork
}

func commitMessage(t *store.Task) string {
	line := t.Prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 72 {
		line = line[:72]
	}
	return fmt.Sprintf("ai(%s): %s", t.AgentKind, strings.TrimSpace(line))
}
