package task

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asynccode/internal/agent"
	"asynccode/internal/metrics"
	"asynccode/internal/notify"
	"asynccode/internal/sandbox"
	"asynccode/internal/secrets"
	"asynccode/internal/store"
)

const commitHash = "0123456789abcdef0123456789abcdef01234567"

// scriptDriver plays a canned sandbox: provisioning succeeds, files are
// retained, and each command is answered by the scenario function.
type scriptDriver struct {
	mu           sync.Mutex
	files        map[string][]byte
	specs        []sandbox.RunSpec
	provisionErr error
	tornDown     []string
	respond      func(spec sandbox.RunSpec) sandbox.RunResult
}

func newScriptDriver(respond func(spec sandbox.RunSpec) sandbox.RunResult) *scriptDriver {
	return &scriptDriver{files: make(map[string][]byte), respond: respond}
}

func (d *scriptDriver) Provision(_ context.Context, taskID int64, _ sandbox.ResourceLimits) (string, error) {
	if d.provisionErr != nil {
		return "", d.provisionErr
	}
	return sandbox.HandleName(taskID), nil
}

func (d *scriptDriver) Run(_ context.Context, _ string, spec sandbox.RunSpec) (*sandbox.RunResult, error) {
	d.mu.Lock()
	d.specs = append(d.specs, spec)
	d.mu.Unlock()
	if d.respond != nil {
		res := d.respond(spec)
		return &res, nil
	}
	return &sandbox.RunResult{}, nil
}

func (d *scriptDriver) WriteFile(_ context.Context, _ string, path string, data []byte, _ fs.FileMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = data
	return nil
}

func (d *scriptDriver) ReadFile(_ context.Context, _ string, path string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[path], nil
}

func (d *scriptDriver) Teardown(_ context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tornDown = append(d.tornDown, handle)
	return nil
}

func (d *scriptDriver) List(context.Context) ([]sandbox.Info, error) { return nil, nil }
func (d *scriptDriver) Close() error                                 { return nil }

// happyGit answers the full clone-to-patch sequence for one changed file.
func happyGit(agentStdout string) func(spec sandbox.RunSpec) sandbox.RunResult {
	return func(spec sandbox.RunSpec) sandbox.RunResult {
		argv := strings.Join(spec.Argv, " ")
		switch {
		case spec.Argv[0] == "claude":
			return sandbox.RunResult{Stdout: agentStdout}
		case argv == "git diff --cached":
			return sandbox.RunResult{Stdout: "diff --git a/main.go b/main.go\n+world\n"}
		case argv == "git diff --cached --numstat":
			return sandbox.RunResult{Stdout: "1\t0\tmain.go\n"}
		case strings.HasPrefix(argv, "git show HEAD:"):
			return sandbox.RunResult{ExitCode: 128} // new file, absent at HEAD
		case strings.HasPrefix(argv, "git show :"):
			return sandbox.RunResult{Stdout: "world\n"}
		case argv == "git diff --cached --quiet":
			return sandbox.RunResult{ExitCode: 1}
		case argv == "git rev-parse HEAD":
			return sandbox.RunResult{Stdout: commitHash + "\n"}
		case strings.HasPrefix(argv, "git format-patch"):
			return sandbox.RunResult{Stdout: "From " + commitHash + "\nSubject: change\n"}
		}
		return sandbox.RunResult{}
	}
}

type fakeRegistry struct {
	mu         sync.Mutex
	registered map[int64]string
	released   []int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{registered: make(map[int64]string)}
}

func (r *fakeRegistry) RegisterHandle(taskID int64, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[taskID] = handle
}

func (r *fakeRegistry) ReleaseHandle(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, taskID)
}

type memStore struct {
	mu    sync.Mutex
	tasks map[int64]*store.Task
}

func newMemStore(tasks ...*store.Task) *memStore {
	m := &memStore{tasks: make(map[int64]*store.Task)}
	for _, t := range tasks {
		cp := *t
		m.tasks[t.ID] = &cp
	}
	return m
}

func (m *memStore) get(id int64) store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

func (m *memStore) Close() error { return nil }

func (m *memStore) Create(context.Context, store.TaskSpec) (int64, error) {
	return 0, errors.New("not used")
}

func (m *memStore) Get(_ context.Context, userID string, id int64) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListByUser(context.Context, string, ...store.Status) ([]*store.Task, error) {
	return nil, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id int64, status store.Status, f store.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	applyFields(t, f)
	return nil
}

func (m *memStore) CompareAndSwapStatus(_ context.Context, id int64, from, to store.Status, f store.Fields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	applyFields(t, f)
	return true, nil
}

func (m *memStore) AppendChat(_ context.Context, id int64, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Chat = append(t.Chat, msg)
	return nil
}

func (m *memStore) RunningBySandbox(context.Context, string) (*store.Task, error) {
	return nil, store.ErrNotFound
}

func applyFields(t *store.Task, f store.Fields) {
	if f.Reason != nil {
		t.Reason = *f.Reason
	}
	if f.Error != nil {
		t.Error = *f.Error
	}
	if f.SandboxHandle != nil {
		t.SandboxHandle = *f.SandboxHandle
	}
	if f.Branch != nil {
		t.Branch = *f.Branch
	}
	if f.CommitHash != nil {
		t.CommitHash = *f.CommitHash
	}
	if f.DiffText != nil {
		t.DiffText = *f.DiffText
	}
	if f.Patch != nil {
		t.Patch = f.Patch
	}
	if f.Files != nil {
		t.Files = f.Files
	}
	if f.ExitCode != nil {
		t.ExitCode = f.ExitCode
	}
	if f.StartedAt != nil {
		t.StartedAt = f.StartedAt
	}
	if f.CompletedAt != nil {
		t.CompletedAt = f.CompletedAt
	}
}

func pendingTask(id int64) *store.Task {
	return &store.Task{
		ID:           id,
		UserID:       "3f0a31a6-25a3-4b88-9f7e-000000000001",
		RepoURL:      "https://github.com/acme/widget",
		TargetBranch: "main",
		AgentKind:    "claude",
		Prompt:       "add a hello endpoint",
		Status:       store.StatusPending,
	}
}

func testRunner(driver sandbox.Driver, st store.Store, reg Registry) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(driver, st, reg, notify.Noop{}, metrics.New(), secrets.NewScrubber(), logger, Config{
		AgentTimeout: time.Minute,
		AgentEnv: func(agent.Kind) []string {
			return []string{"ANTHROPIC_API_KEY=sk-test", "OPENAI_API_KEY=sk-test"}
		},
	})
}

func TestRunHappyPath(t *testing.T) {
	driver := newScriptDriver(happyGit("I added the endpoint."))
	st := newMemStore(pendingTask(1))
	reg := newFakeRegistry()
	r := testRunner(driver, st, reg)

	r.Run(context.Background(), pendingTask(1), "ghp_cred1234")

	task := st.get(1)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, commitHash, task.CommitHash)
	assert.Contains(t, task.DiffText, "+world")
	require.Len(t, task.Files, 1)
	assert.Equal(t, "main.go", task.Files[0].Path)
	assert.True(t, strings.HasPrefix(string(task.Patch), "From "))
	assert.Regexp(t, `^ai/claude-1-\d+$`, task.Branch)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)

	// Transcript: prompt first, then the agent's answer.
	require.Len(t, task.Chat, 2)
	assert.Equal(t, "user", task.Chat[0].Role)
	assert.Equal(t, "add a hello endpoint", task.Chat[0].Content)
	assert.Equal(t, "assistant", task.Chat[1].Role)
	assert.Equal(t, "I added the endpoint.", task.Chat[1].Content)

	// The sandbox was registered, torn down, and released.
	assert.Equal(t, []string{"ai-code-task-1"}, driver.tornDown)
	assert.Equal(t, []int64{1}, reg.released)
}

func TestRunClaimLost(t *testing.T) {
	running := pendingTask(1)
	running.Status = store.StatusRunning
	driver := newScriptDriver(nil)
	st := newMemStore(running)
	r := testRunner(driver, st, newFakeRegistry())

	r.Run(context.Background(), pendingTask(1), "tok")

	assert.Empty(t, driver.specs, "a lost claim must have no side effects")
	assert.Empty(t, driver.tornDown)
	assert.Equal(t, store.StatusRunning, st.get(1).Status)
}

func TestRunProvisionFailure(t *testing.T) {
	driver := newScriptDriver(nil)
	driver.provisionErr = &sandbox.ProvisionError{Reason: sandbox.ProvisionQuota, Err: errors.New("limit hit")}
	st := newMemStore(pendingTask(1))
	r := testRunner(driver, st, newFakeRegistry())

	r.Run(context.Background(), pendingTask(1), "tok")

	task := st.get(1)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, store.ReasonProvision, task.Reason)
	assert.Empty(t, driver.tornDown, "nothing to tear down")
}

func TestRunProvisionFailureDuringShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	driver := newScriptDriver(nil)
	driver.provisionErr = &sandbox.ProvisionError{Reason: sandbox.ProvisionTransport, Err: errors.New("context canceled")}
	st := newMemStore(pendingTask(1))
	r := testRunner(driver, st, newFakeRegistry())

	r.Run(ctx, pendingTask(1), "tok")

	task := st.get(1)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, store.ReasonShutdown, task.Reason, "a provision abandoned by a dying context is not a provider failure")
}

func TestRunCloneAuthFailure(t *testing.T) {
	driver := newScriptDriver(func(spec sandbox.RunSpec) sandbox.RunResult {
		if spec.Argv[1] == "clone" {
			return sandbox.RunResult{ExitCode: 128, Stderr: "fatal: Authentication failed, token ghp_bad4567 rejected"}
		}
		return sandbox.RunResult{}
	})
	st := newMemStore(pendingTask(1))
	r := testRunner(driver, st, newFakeRegistry())

	r.Run(context.Background(), pendingTask(1), "ghp_bad4567")

	task := st.get(1)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, store.ReasonCloneAuth, task.Reason)
	assert.NotContains(t, task.Error, "ghp_bad4567", "credential leaked into the stored error")
	assert.Equal(t, []string{"ai-code-task-1"}, driver.tornDown)
}

func TestRunAgentTimeoutPreservesDiff(t *testing.T) {
	base := happyGit("")
	driver := newScriptDriver(func(spec sandbox.RunSpec) sandbox.RunResult {
		if spec.Argv[0] == "claude" {
			return sandbox.RunResult{ExitCode: -1, Stdout: "got half way", TimedOut: true}
		}
		return base(spec)
	})
	st := newMemStore(pendingTask(1))
	r := testRunner(driver, st, newFakeRegistry())

	r.Run(context.Background(), pendingTask(1), "tok")

	task := st.get(1)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, store.ReasonAgentTimeout, task.Reason)
	assert.Contains(t, task.DiffText, "+world", "partial diff is an artifact, not garbage")
	require.Len(t, task.Files, 1)
	// The partial stdout still lands in the transcript.
	require.Len(t, task.Chat, 2)
	assert.Equal(t, "got half way", task.Chat[1].Content)
}

func TestRunAgentErrorKeepsDiff(t *testing.T) {
	base := happyGit("")
	driver := newScriptDriver(func(spec sandbox.RunSpec) sandbox.RunResult {
		if spec.Argv[0] == "claude" {
			return sandbox.RunResult{ExitCode: 1, Stderr: "model refused"}
		}
		return base(spec)
	})
	st := newMemStore(pendingTask(1))
	r := testRunner(driver, st, newFakeRegistry())

	r.Run(context.Background(), pendingTask(1), "tok")

	task := st.get(1)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, store.ReasonAgent, task.Reason)
	assert.Contains(t, task.DiffText, "+world")
	assert.Contains(t, task.Error, "model refused")
}

func TestRunNoChanges(t *testing.T) {
	driver := newScriptDriver(func(spec sandbox.RunSpec) sandbox.RunResult {
		if spec.Argv[0] == "claude" {
			return sandbox.RunResult{Stdout: "nothing to do, the endpoint exists"}
		}
		return sandbox.RunResult{} // every git command succeeds with empty output
	})
	st := newMemStore(pendingTask(1))
	r := testRunner(driver, st, newFakeRegistry())

	r.Run(context.Background(), pendingTask(1), "tok")

	task := st.get(1)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, store.ReasonNoChanges, task.Reason)
	assert.Empty(t, task.CommitHash)
	// The agent's explanation is captured for the user.
	require.Len(t, task.Chat, 2)
	assert.Equal(t, "assistant", task.Chat[1].Role)
	assert.Contains(t, task.Chat[1].Content, "nothing to do")
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	driver := newScriptDriver(func(spec sandbox.RunSpec) sandbox.RunResult {
		if spec.Argv[0] == "claude" {
			cancel() // cancellation arrives while the agent runs
			return sandbox.RunResult{ExitCode: -1, TimedOut: true}
		}
		return sandbox.RunResult{}
	})
	st := newMemStore(pendingTask(1))
	r := testRunner(driver, st, newFakeRegistry())

	r.Run(ctx, pendingTask(1), "tok")

	task := st.get(1)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, store.ReasonShutdown, task.Reason)
	// Teardown still ran despite the dead context.
	assert.Equal(t, []string{"ai-code-task-1"}, driver.tornDown)
}

func TestRunPromptWrittenOnceNeverInArgv(t *testing.T) {
	const prompt = "add a hello endpoint"
	driver := newScriptDriver(happyGit("ok"))
	st := newMemStore(pendingTask(1))
	r := testRunner(driver, st, newFakeRegistry())

	r.Run(context.Background(), pendingTask(1), "tok")

	written, ok := driver.files[agent.PromptPath]
	require.True(t, ok)
	assert.Equal(t, prompt, string(written))

	for _, spec := range driver.specs {
		for _, arg := range spec.Argv {
			assert.NotContains(t, arg, prompt)
		}
	}
}

func TestCommitMessageShape(t *testing.T) {
	task := pendingTask(1)
	task.Prompt = "first line of the ask\nwith more detail below"
	msg := commitMessage(task)
	assert.Equal(t, "ai(claude): first line of the ask", msg)

	task.Prompt = strings.Repeat("x", 200)
	assert.LessOrEqual(t, len(commitMessage(task)), len("ai(claude): ")+72)
}
