// Package agent launches the configured AI coding agent inside a sandbox.
// The prompt is written to a file and the agent is pointed at it; the prompt
// is never a command-line argument and never interpolated into a shell
// string.
package agent

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"asynccode/internal/sandbox"
	"asynccode/internal/secrets"
)

// Kind selects the coding agent.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
)

// ParseKind validates an agent kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindClaude, KindCodex:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown agent kind %q", s)
}

// PromptPath is the only place the submitted prompt exists inside a sandbox.
const PromptPath = sandbox.WorkspaceDir + "/.aicode/prompt.md"

const codexRunnerPath = sandbox.WorkspaceDir + "/.aicode/codex_runner.sh"

// instruction is the fixed text handed to the agent process. It references
// the prompt file and contains no user input.
const instruction = "Read the task in " + PromptPath + " and make the required changes to the " +
	"repository in " + gitRepoDir + ". Work autonomously; commit nothing and ask no questions."

const gitRepoDir = sandbox.WorkspaceDir + "/repo"

// codexRunner analyzes the repository, assembles a prompt with repo context,
// and feeds it to the Codex CLI over stdin.
const codexRunner = `#!/bin/sh
set -eu
cd /workspace/repo

ctx=/workspace/.aicode/context.md
{
	echo "## Repository layout"
	git ls-files | head -200
	echo
	echo "## Task"
} > "$ctx"

cat "$ctx" /workspace/.aicode/prompt.md | codex exec --full-auto -
`

// Result captures the agent process outcome; streams are bounded by the
// driver.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Error reports an agent that exited non-zero. Stderr is sanitized.
type Error struct {
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent exited with code %d: %s", e.ExitCode, e.Stderr)
}

// TimeoutError reports an agent that exceeded its budget. Whatever it wrote
// to disk before the deadline is left in place for the diff stage.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.After)
}

// Invoker launches agents in sandboxes.
type Invoker struct {
	driver  sandbox.Driver
	timeout time.Duration
	scrub   *secrets.Scrubber
	logger  *slog.Logger
}

func NewInvoker(driver sandbox.Driver, timeout time.Duration, scrub *secrets.Scrubber, logger *slog.Logger) *Invoker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Invoker{driver: driver, timeout: timeout, scrub: scrub, logger: logger}
}

func requiredEnv(kind Kind) string {
	switch kind {
	case KindClaude:
		return "ANTHROPIC_API_KEY"
	case KindCodex:
		return "OPENAI_API_KEY"
	}
	return ""
}

// Invoke writes the prompt file, uploads any helper, and runs the agent.
// On timeout the partial Result is returned together with a TimeoutError;
// on non-zero exit together with an Error.
func (i *Invoker) Invoke(ctx context.Context, handle string, kind Kind, prompt string, env []string) (*Result, error) {
	key := requiredEnv(kind)
	if !hasEnv(env, key) {
		return nil, fmt.Errorf("agent %s requires %s in its environment", kind, key)
	}

	if err := i.driver.WriteFile(ctx, handle, PromptPath, []byte(prompt), fs.FileMode(0o600)); err != nil {
		return nil, fmt.Errorf("failed to write prompt file: %w", err)
	}

	var spec sandbox.RunSpec
	switch kind {
	case KindClaude:
		spec = sandbox.RunSpec{
			Argv:  []string{"claude", "--print", "--dangerously-skip-permissions"},
			Stdin: []byte(instruction),
		}
	case KindCodex:
		if err := i.driver.WriteFile(ctx, handle, codexRunnerPath, []byte(codexRunner), fs.FileMode(0o700)); err != nil {
			return nil, fmt.Errorf("failed to write codex runner: %w", err)
		}
		spec = sandbox.RunSpec{Argv: []string{"/bin/sh", codexRunnerPath}}
	default:
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
	spec.Env = env
	spec.WorkDir = gitRepoDir
	spec.Timeout = i.timeout

	i.logger.Info("invoking agent", "handle", handle, "agent", string(kind))
	res, err := i.driver.Run(ctx, handle, spec)
	if err != nil {
		return nil, fmt.Errorf("agent execution failed: %w", err)
	}

	result := &Result{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if res.TimedOut {
		return result, &TimeoutError{After: i.timeout}
	}
	if res.ExitCode != 0 {
		return result, &Error{ExitCode: res.ExitCode, Stderr: i.scrub.Clean(strings.TrimSpace(res.Stderr))}
	}
	return result, nil
}

func hasEnv(env []string, key string) bool {
	if key == "" {
		return true
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") && len(kv) > len(key)+1 {
			return true
		}
	}
	return false
}
