package store

import "time"

// Status is the task lifecycle state. Transitions only advance:
// pending -> running -> completed|failed, plus * -> failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusCancelled is reserved; cancellation currently finalizes as
	// failed with ReasonShutdown.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Reason is the structured failure code carried on failed tasks.
type Reason string

const (
	ReasonProvision     Reason = "provision"
	ReasonCloneAuth     Reason = "clone_auth"
	ReasonCloneNotFound Reason = "clone_not_found"
	ReasonCloneNetwork  Reason = "clone_network"
	ReasonCloneTimeout  Reason = "clone_timeout"
	ReasonAgent         Reason = "agent"
	ReasonAgentTimeout  Reason = "agent_timeout"
	ReasonNoChanges     Reason = "no_changes"
	ReasonCommit        Reason = "commit"
	ReasonOrphan        Reason = "orphan"
	ReasonShutdown      Reason = "shutdown"
	ReasonInternal      Reason = "internal"
)

// Message is one chat transcript entry. The transcript is append-only and
// its timestamps increase monotonically within a task.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// FileChange is the structured per-file diff record.
type FileChange struct {
	Path      string `json:"path"`
	Before    string `json:"before"`
	After     string `json:"after"`
	Binary    bool   `json:"binary,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Task is the persisted unit of work. The submit credential is deliberately
// absent: it lives in memory only for the duration of execution.
type Task struct {
	ID           int64
	UserID       string
	ProjectID    *int64
	RepoURL      string
	TargetBranch string
	AgentKind    string
	Prompt       string

	Status Status
	Reason Reason
	Error  string
	Chat   []Message

	SandboxHandle string
	Branch        string
	CommitHash    string
	DiffText      string
	Patch         []byte
	Files         []FileChange
	ExitCode      *int

	PRBranch string
	PRNumber *int
	PRURL    string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskSpec is the validated input for creating a task.
type TaskSpec struct {
	UserID       string
	ProjectID    *int64
	RepoURL      string
	TargetBranch string
	AgentKind    string
	Prompt       string
}

// Fields are the optional columns written alongside a status update.
// Nil pointers leave the column untouched.
type Fields struct {
	Reason        *Reason
	Error         *string
	SandboxHandle *string
	Branch        *string
	CommitHash    *string
	DiffText      *string
	Patch         []byte
	Files         []FileChange
	ExitCode      *int
	StartedAt     *time.Time
	CompletedAt   *time.Time
}
