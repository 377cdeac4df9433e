// Package sandbox abstracts the ephemeral, isolated execution environment a
// task runs in. Two drivers implement the same contract: a local Docker
// container (hardened, non-root) and a remote Kubernetes pod provider.
package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// HandlePrefix is the naming prefix for every sandbox owned by this engine.
// The orphan sweeper uses it to identify owned resources unambiguously.
const HandlePrefix = "ai-code-task-"

// WorkspaceDir is the single writable mount inside every sandbox.
const WorkspaceDir = "/workspace"

// HandleName returns the deterministic sandbox name for a task.
func HandleName(taskID int64) string {
	return HandlePrefix + strconv.FormatInt(taskID, 10)
}

// TaskIDFromHandle parses the owning task id out of a handle name.
// Returns false for handles not owned by this engine.
func TaskIDFromHandle(handle string) (int64, bool) {
	if !strings.HasPrefix(handle, HandlePrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(handle, HandlePrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ResourceLimits caps a sandbox.
type ResourceLimits struct {
	MemoryBytes int64
	CPUShares   int64
}

// RunSpec describes one command execution inside a sandbox.
type RunSpec struct {
	Argv    []string
	Env     []string // KEY=VALUE pairs
	Stdin   []byte
	WorkDir string
	Timeout time.Duration
}

// RunResult captures a command's outcome. Stdout and Stderr are bounded
// (MaxStreamBytes per stream) and carry a truncation marker past the bound.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Info describes a live sandbox as reported by the provider.
type Info struct {
	Handle    string
	CreatedAt time.Time
}

// Driver is the capability set every sandbox backend provides.
// Teardown is idempotent and must succeed even if the sandbox already died.
type Driver interface {
	Provision(ctx context.Context, taskID int64, limits ResourceLimits) (string, error)
	Run(ctx context.Context, handle string, spec RunSpec) (*RunResult, error)
	WriteFile(ctx context.Context, handle, path string, data []byte, mode fs.FileMode) error
	ReadFile(ctx context.Context, handle, path string) ([]byte, error)
	Teardown(ctx context.Context, handle string) error
	// List enumerates live sandboxes carrying the engine's handle prefix.
	List(ctx context.Context) ([]Info, error)
	Close() error
}

// ProvisionReason classifies why a sandbox could not be obtained.
type ProvisionReason string

const (
	ProvisionQuota           ProvisionReason = "quota"
	ProvisionAuth            ProvisionReason = "auth"
	ProvisionTemplateMissing ProvisionReason = "template_missing"
	ProvisionTransport       ProvisionReason = "transport"
)

// ProvisionError is returned when the backend refuses to issue a sandbox.
type ProvisionError struct {
	Reason ProvisionReason
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("sandbox provision failed (%s): %v", e.Reason, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
