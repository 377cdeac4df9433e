// Package gitws drives the git repository inside a sandbox: clone, branch,
// diff, commit, patch. The clone credential is delivered through an askpass
// helper reading an environment variable, so the token never appears in an
// argv, a URL, a log line, or an error message.
package gitws

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"asynccode/internal/sandbox"
	"asynccode/internal/secrets"
)

// RepoDir is where the repository is cloned inside the sandbox.
const RepoDir = sandbox.WorkspaceDir + "/repo"

const askpassPath = sandbox.WorkspaceDir + "/.aicode/askpass.sh"

// MaxFileBytes bounds per-file before/after content in structured diffs.
const MaxFileBytes = 1 << 20

// CloneReason classifies clone failures.
type CloneReason string

const (
	CloneAuth     CloneReason = "auth"
	CloneNotFound CloneReason = "not_found"
	CloneNetwork  CloneReason = "network"
	CloneTimeout  CloneReason = "timeout"
)

// CloneError is a classified, credential-scrubbed clone failure.
type CloneError struct {
	Reason CloneReason
	Msg    string
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone failed (%s): %s", e.Reason, e.Msg)
}

// ErrEmptyDiff is returned by Commit when there is nothing to commit.
var ErrEmptyDiff = fmt.Errorf("refusing to commit an empty diff")

// FileChange is one structured per-file diff record. Binary files carry
// empty before/after; contents past MaxFileBytes are cut and flagged.
type FileChange struct {
	Path      string
	Before    string
	After     string
	Binary    bool
	Truncated bool
}

// Diff is a consistent snapshot of the working tree against the base HEAD:
// the unified text and the structured records come from the same staged
// state.
type Diff struct {
	Unified string
	Files   []FileChange
	Added   int
	Deleted int
}

// Empty reports whether the agent changed nothing.
func (d *Diff) Empty() bool {
	return d == nil || (len(d.Files) == 0 && strings.TrimSpace(d.Unified) == "")
}

// Config carries the workspace knobs.
type Config struct {
	CloneTimeout   time.Duration
	CommandTimeout time.Duration
	UserName       string
	UserEmail      string
}

// Workspace operates on one sandbox's repository.
type Workspace struct {
	driver sandbox.Driver
	handle string
	cfg    Config
	scrub  *secrets.Scrubber
	logger *slog.Logger
}

// New binds a workspace to a provisioned sandbox.
func New(driver sandbox.Driver, handle string, cfg Config, scrub *secrets.Scrubber, logger *slog.Logger) *Workspace {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 60 * time.Second
	}
	return &Workspace{driver: driver, handle: handle, cfg: cfg, scrub: scrub, logger: logger}
}

// git runs one git command in the repo directory.
func (w *Workspace) git(ctx context.Context, timeout time.Duration, env []string, args ...string) (*sandbox.RunResult, error) {
	return w.driver.Run(ctx, w.handle, sandbox.RunSpec{
		Argv:    append([]string{"git"}, args...),
		Env:     append([]string{"HOME=" + sandbox.WorkspaceDir, "GIT_TERMINAL_PROMPT=0"}, env...),
		WorkDir: RepoDir,
		Timeout: timeout,
	})
}

// mustGit runs a git command and converts any failure into a scrubbed error.
func (w *Workspace) mustGit(ctx context.Context, args ...string) (*sandbox.RunResult, error) {
	res, err := w.git(ctx, w.cfg.CommandTimeout, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.TimedOut {
		return nil, fmt.Errorf("git %s timed out", args[0])
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git %s failed: %s", args[0], w.scrub.Clean(res.Stderr))
	}
	return res, nil
}

// Clone clones repoURL at branch into the sandbox. The credential is handed
// to git through GIT_ASKPASS only.
func (w *Workspace) Clone(ctx context.Context, repoURL, branch, credential string) error {
	helper := "#!/bin/sh\necho \"$GIT_TOKEN\"\n"
	if err := w.driver.WriteFile(ctx, w.handle, askpassPath, []byte(helper), fs.FileMode(0o700)); err != nil {
		return &CloneError{Reason: CloneNetwork, Msg: w.scrub.CleanErr(err)}
	}

	env := []string{
		"HOME=" + sandbox.WorkspaceDir,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=" + askpassPath,
		"GIT_TOKEN=" + credential,
	}
	res, err := w.driver.Run(ctx, w.handle, sandbox.RunSpec{
		Argv:    []string{"git", "clone", "--branch", branch, "--single-branch", repoURL, RepoDir},
		Env:     env,
		WorkDir: sandbox.WorkspaceDir,
		Timeout: w.cfg.CloneTimeout,
	})
	if err != nil {
		return &CloneError{Reason: CloneNetwork, Msg: w.scrub.CleanErr(err)}
	}
	if res.TimedOut {
		return &CloneError{Reason: CloneTimeout, Msg: fmt.Sprintf("clone exceeded %s", w.cfg.CloneTimeout)}
	}
	if res.ExitCode != 0 {
		return w.classifyCloneFailure(res.Stderr)
	}

	for _, kv := range [][2]string{
		{"user.name", w.cfg.UserName},
		{"user.email", w.cfg.UserEmail},
	} {
		if _, err := w.mustGit(ctx, "config", kv[0], kv[1]); err != nil {
			return &CloneError{Reason: CloneNetwork, Msg: w.scrub.CleanErr(err)}
		}
	}
	return nil
}

func (w *Workspace) classifyCloneFailure(stderr string) *CloneError {
	msg := strings.ToLower(stderr)
	reason := CloneNetwork
	switch {
	case strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "could not read username"),
		strings.Contains(msg, "invalid username or password"),
		strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		reason = CloneAuth
	case strings.Contains(msg, "not found"), strings.Contains(msg, "404"):
		reason = CloneNotFound
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		reason = CloneTimeout
	}
	return &CloneError{Reason: reason, Msg: w.scrub.Clean(strings.TrimSpace(stderr))}
}

// CreateBranch creates and checks out the task branch on top of the cloned
// base branch. The name is deterministic: ai/<agent>-<task>-<unix_ts>.
func (w *Workspace) CreateBranch(ctx context.Context, agentKind string, taskID int64) (string, error) {
	name := fmt.Sprintf("ai/%s-%d-%d", agentKind, taskID, time.Now().Unix())
	if _, err := w.mustGit(ctx, "checkout", "-b", name); err != nil {
		return "", err
	}
	return name, nil
}

// Diff stages everything (untracked files included) and captures the unified
// text plus structured per-file records from that one staged snapshot.
func (w *Workspace) Diff(ctx context.Context) (*Diff, error) {
	if _, err := w.mustGit(ctx, "add", "-A"); err != nil {
		return nil, err
	}

	unified, err := w.mustGit(ctx, "diff", "--cached")
	if err != nil {
		return nil, err
	}
	numstat, err := w.mustGit(ctx, "diff", "--cached", "--numstat")
	if err != nil {
		return nil, err
	}

	d := &Diff{Unified: unified.Stdout}
	for _, line := range strings.Split(strings.TrimSpace(numstat.Stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		fc := FileChange{Path: parts[2]}
		if parts[0] == "-" || parts[1] == "-" {
			fc.Binary = true
		} else {
			add, _ := strconv.Atoi(parts[0])
			del, _ := strconv.Atoi(parts[1])
			d.Added += add
			d.Deleted += del
			fc.Before = w.fileAt(ctx, "HEAD", fc.Path, &fc.Truncated)
			fc.After = w.fileAt(ctx, "", fc.Path, &fc.Truncated)
		}
		d.Files = append(d.Files, fc)
	}
	return d, nil
}

// fileAt reads a blob from HEAD (ref "HEAD") or the index (ref ""). Missing
// blobs (new or deleted files) read as empty.
func (w *Workspace) fileAt(ctx context.Context, ref, path string, truncated *bool) string {
	res, err := w.git(ctx, w.cfg.CommandTimeout, nil, "show", ref+":"+path)
	if err != nil || res.TimedOut || res.ExitCode != 0 {
		return ""
	}
	content := res.Stdout
	if len(content) > MaxFileBytes {
		*truncated = true
		content = content[:MaxFileBytes]
	}
	return content
}

// Commit commits the staged snapshot and returns the full commit hash.
// An empty staged diff is refused with ErrEmptyDiff.
func (w *Workspace) Commit(ctx context.Context, message string) (string, error) {
	check, err := w.git(ctx, w.cfg.CommandTimeout, nil, "diff", "--cached", "--quiet")
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	if check.ExitCode == 0 {
		// Staged diff is empty; untracked-only changes were staged by
		// Diff already, so exit 0 really means nothing to commit.
		return "", ErrEmptyDiff
	}

	if _, err := w.mustGit(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	head, err := w.mustGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(head.Stdout), nil
}

// Patch exports the committed change as a format-patch byte stream suitable
// for re-application.
func (w *Workspace) Patch(ctx context.Context, baseBranch string) ([]byte, error) {
	res, err := w.mustGit(ctx, "format-patch", baseBranch+"..HEAD", "--stdout")
	if err != nil {
		return nil, err
	}
	return []byte(res.Stdout), nil
}
