// Package engine is the command boundary between the HTTP layer and the
// execution core. It validates every submit field, scopes all reads by the
// requesting user, and hands accepted tasks to the fleet.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"asynccode/internal/fleet"
	"asynccode/internal/metrics"
	"asynccode/internal/store"
)

var (
	// ErrNotFound covers missing tasks and tasks owned by someone else.
	ErrNotFound = errors.New("task not found")
	// ErrNotReady means the task has no diff to return yet.
	ErrNotReady = errors.New("task result not ready")
	// ErrTerminalState rejects cancellation of a finished task.
	ErrTerminalState = errors.New("task already in a terminal state")
	// ErrRateLimited rejects submits when no admission slot is available.
	ErrRateLimited = errors.New("too many queued tasks")
)

// Pool is the slice of the fleet supervisor the engine needs.
type Pool interface {
	TryReserve() error
	Release()
	Enqueue(t *store.Task, credential string)
	Cancel(taskID int64) bool
}

// SubmitRequest is the raw submit input before validation.
type SubmitRequest struct {
	UserID       string
	ProjectID    *int64
	RepoURL      string
	TargetBranch string
	AgentKind    string
	Prompt       string
	Credential   string
}

// Engine exposes the five task operations.
type Engine struct {
	store   store.Store
	pool    Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(st store.Store, pool Pool, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{store: st, pool: pool, metrics: m, logger: logger}
}

// SubmitTask validates the request, reserves an admission slot, persists the
// pending task, and enqueues it. The credential goes straight to the queue
// item and is never written anywhere.
func (e *Engine) SubmitTask(ctx context.Context, req SubmitRequest) (int64, error) {
	if err := validateUserID(req.UserID); err != nil {
		return 0, err
	}
	if err := validateRepoURL(req.RepoURL); err != nil {
		return 0, err
	}
	if err := validateBranch(req.TargetBranch); err != nil {
		return 0, err
	}
	if err := validateAgentKind(req.AgentKind); err != nil {
		return 0, err
	}
	if err := validateText("prompt", req.Prompt); err != nil {
		return 0, err
	}
	if req.Credential == "" {
		return 0, &ValidationError{Field: "credential", Reason: "must not be empty"}
	}

	// Reserve before creating so a full queue leaves no task row behind.
	if err := e.pool.TryReserve(); err != nil {
		return 0, ErrRateLimited
	}

	id, err := e.store.Create(ctx, store.TaskSpec{
		UserID:       req.UserID,
		ProjectID:    req.ProjectID,
		RepoURL:      req.RepoURL,
		TargetBranch: req.TargetBranch,
		AgentKind:    req.AgentKind,
		Prompt:       req.Prompt,
	})
	if err != nil {
		e.pool.Release()
		return 0, fmt.Errorf("could not create task: %w", err)
	}

	t, err := e.store.GetByID(ctx, id)
	if err != nil {
		e.pool.Release()
		return 0, fmt.Errorf("could not load created task: %w", err)
	}

	e.pool.Enqueue(t, req.Credential)
	e.metrics.TasksSubmitted.Inc()
	e.logger.Info("task submitted", "task", id, "agent", req.AgentKind, "repo", req.RepoURL)
	return id, nil
}

// GetTaskStatus returns the task snapshot for its owner.
func (e *Engine) GetTaskStatus(ctx context.Context, userID string, taskID int64) (*store.Task, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	t, err := e.store.Get(ctx, userID, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetTaskDiff returns the unified diff text once the task has finished and
// produced one. Failed tasks with a preserved partial diff are readable too.
func (e *Engine) GetTaskDiff(ctx context.Context, userID string, taskID int64) (string, error) {
	t, err := e.GetTaskStatus(ctx, userID, taskID)
	if err != nil {
		return "", err
	}
	if !t.Status.Terminal() || t.DiffText == "" {
		return "", ErrNotReady
	}
	return t.DiffText, nil
}

// AppendChatMessage appends one entry to the task transcript and returns the
// updated task.
func (e *Engine) AppendChatMessage(ctx context.Context, userID string, taskID int64, role, content string) (*store.Task, error) {
	if role != "user" && role != "assistant" {
		return nil, &ValidationError{Field: "role", Reason: "must be user or assistant"}
	}
	if err := validateText("content", content); err != nil {
		return nil, err
	}
	if _, err := e.GetTaskStatus(ctx, userID, taskID); err != nil {
		return nil, err
	}
	msg := store.Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
	if err := e.store.AppendChat(ctx, taskID, msg); err != nil {
		return nil, fmt.Errorf("could not append chat message: %w", err)
	}
	return e.GetTaskStatus(ctx, userID, taskID)
}

// CancelTask stops a queued or running task. The task finalizes as failed
// with a shutdown reason; cancelling a finished task is rejected.
func (e *Engine) CancelTask(ctx context.Context, userID string, taskID int64) error {
	t, err := e.GetTaskStatus(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return ErrTerminalState
	}
	if e.pool.Cancel(taskID) {
		e.logger.Info("task cancelled", "task", taskID)
		return nil
	}

	// Not queued and not running: either it just finished, or it was never
	// picked up. Try to finalize a still-pending row directly.
	reason := store.ReasonShutdown
	msg := "cancelled by user"
	now := time.Now().UTC()
	swapped, err := e.store.CompareAndSwapStatus(ctx, taskID, store.StatusPending, store.StatusFailed, store.Fields{
		Reason:      &reason,
		Error:       &msg,
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("could not cancel task: %w", err)
	}
	if swapped {
		e.metrics.TasksFailed.WithLabelValues(string(reason)).Inc()
		return nil
	}

	t, err = e.GetTaskStatus(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return ErrTerminalState
	}
	return nil
}

var _ Pool = (*fleet.Supervisor)(nil)
