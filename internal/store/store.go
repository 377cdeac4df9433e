// Package store is the typed façade over the task persistence backend.
// Reads on behalf of a principal are always scoped by user id; a task owned
// by someone else is indistinguishable from a missing one.
package store

import (
	"context"
	"errors"
)

// ErrNotFound covers both missing tasks and cross-user access.
var ErrNotFound = errors.New("task not found")

// Store is the persistence contract the engine core needs.
type Store interface {
	Close() error

	// Create inserts a pending task and returns its id.
	Create(ctx context.Context, spec TaskSpec) (int64, error)

	// Get returns the task iff it exists and belongs to userID.
	Get(ctx context.Context, userID string, id int64) (*Task, error)

	// GetByID is the unscoped read used internally by the runner and the
	// orphan sweeper, which own rows by id rather than by principal.
	GetByID(ctx context.Context, id int64) (*Task, error)

	// ListByUser returns the user's tasks, optionally filtered by status,
	// newest first.
	ListByUser(ctx context.Context, userID string, statuses ...Status) ([]*Task, error)

	// UpdateStatus atomically writes the status plus any given fields.
	UpdateStatus(ctx context.Context, id int64, status Status, f Fields) error

	// CompareAndSwapStatus transitions from->to in a single statement and
	// reports whether the swap happened. The runner's entry guard.
	CompareAndSwapStatus(ctx context.Context, id int64, from, to Status, f Fields) (bool, error)

	// AppendChat appends one message to the task transcript. Timestamps
	// are forced monotonic within the task.
	AppendChat(ctx context.Context, id int64, msg Message) error

	// RunningBySandbox finds the running task owning a sandbox handle,
	// or ErrNotFound.
	RunningBySandbox(ctx context.Context, handle string) (*Task, error)
}
