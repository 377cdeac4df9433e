package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"
	"k8s.io/client-go/tools/remotecommand"
	kexec "k8s.io/client-go/util/exec"
)

func exitError(code int) error {
	return kexec.CodeExitError{Err: fmt.Errorf("command terminated with exit code %d", code), Code: code}
}

func testKubeDriver(t *testing.T, client kubernetes.Interface) *KubeDriver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newKubeDriverWithClient(logger, client, KubeConfig{
		Namespace:      "sandboxes",
		TemplateID:     "registry.local/sandbox:latest",
		UID:            1000,
		GID:            1000,
		DefaultTimeout: 5 * time.Second,
	})
}

// runningOnGet makes the fake cluster report every pod as running, so
// waitReady returns on its first poll.
func runningOnGet(client *fake.Clientset) {
	client.PrependReactor("get", "pods", func(action ktesting.Action) (bool, runtime.Object, error) {
		get := action.(ktesting.GetAction)
		obj, err := client.Tracker().Get(
			schema.GroupVersionResource{Version: "v1", Resource: "pods"},
			get.GetNamespace(), get.GetName())
		if err != nil {
			return true, nil, err
		}
		pod := obj.(*corev1.Pod).DeepCopy()
		pod.Status.Phase = corev1.PodRunning
		return true, pod, nil
	})
}

func TestKubeProvisionPodShape(t *testing.T) {
	client := fake.NewSimpleClientset()
	runningOnGet(client)
	d := testKubeDriver(t, client)

	handle, err := d.Provision(context.Background(), 9, ResourceLimits{MemoryBytes: 1 << 30, CPUShares: 500})
	require.NoError(t, err)
	assert.Equal(t, "ai-code-task-9", handle)

	pod, err := client.Tracker().Get(
		schema.GroupVersionResource{Version: "v1", Resource: "pods"}, "sandboxes", handle)
	require.NoError(t, err)
	p := pod.(*corev1.Pod)

	assert.Equal(t, "ai-code-task", p.Labels["app"])
	require.NotNil(t, p.Spec.SecurityContext.RunAsUser)
	assert.Equal(t, int64(1000), *p.Spec.SecurityContext.RunAsUser)
	assert.True(t, *p.Spec.SecurityContext.RunAsNonRoot)

	require.Len(t, p.Spec.Containers, 1)
	c := p.Spec.Containers[0]
	assert.Equal(t, "sandbox", c.Name)
	assert.Equal(t, "registry.local/sandbox:latest", c.Image)
	assert.Equal(t, WorkspaceDir, c.WorkingDir)
	assert.False(t, *c.SecurityContext.AllowPrivilegeEscalation)
	assert.Equal(t, []corev1.Capability{"ALL"}, c.SecurityContext.Capabilities.Drop)
	require.Len(t, c.VolumeMounts, 1)
	assert.Equal(t, WorkspaceDir, c.VolumeMounts[0].MountPath)
}

func TestKubeProvisionRequiresTemplate(t *testing.T) {
	d := testKubeDriver(t, fake.NewSimpleClientset())
	d.cfg.TemplateID = ""

	_, err := d.Provision(context.Background(), 1, ResourceLimits{})
	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ProvisionTemplateMissing, perr.Reason)
}

func TestKubeProvisionUnpullableImage(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("get", "pods", func(action ktesting.Action) (bool, runtime.Object, error) {
		pod := &corev1.Pod{
			Status: corev1.PodStatus{
				Phase: corev1.PodPending,
				ContainerStatuses: []corev1.ContainerStatus{{
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"},
					},
				}},
			},
		}
		return true, pod, nil
	})
	d := testKubeDriver(t, client)

	_, err := d.Provision(context.Background(), 3, ResourceLimits{})
	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ProvisionTemplateMissing, perr.Reason)
}

func TestMapKubeError(t *testing.T) {
	gr := schema.GroupResource{Resource: "pods"}
	cases := []struct {
		name   string
		err    error
		reason ProvisionReason
	}{
		{"quota", apierrors.NewForbidden(gr, "p", errors.New("exceeded quota: pods")), ProvisionQuota},
		{"forbidden", apierrors.NewForbidden(gr, "p", errors.New("rbac denies create")), ProvisionAuth},
		{"unauthorized", apierrors.NewUnauthorized("token expired"), ProvisionAuth},
		{"not found", apierrors.NewNotFound(gr, "p"), ProvisionTemplateMissing},
		{"transport", errors.New("connection refused"), ProvisionTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.reason, mapKubeError(tc.err).Reason)
		})
	}
}

type fakeExecutor struct {
	stdout   string
	stderr   string
	exitCode int
	stdin    []byte
}

func (f *fakeExecutor) Stream(opts remotecommand.StreamOptions) error {
	return f.StreamWithContext(context.Background(), opts)
}

func (f *fakeExecutor) StreamWithContext(ctx context.Context, opts remotecommand.StreamOptions) error {
	if opts.Stdin != nil {
		f.stdin, _ = io.ReadAll(opts.Stdin)
	}
	if opts.Stdout != nil {
		opts.Stdout.Write([]byte(f.stdout))
	}
	if opts.Stderr != nil {
		opts.Stderr.Write([]byte(f.stderr))
	}
	if f.exitCode != 0 {
		return exitError(f.exitCode)
	}
	return nil
}

// execRecorder hands out one fakeExecutor per exec and keeps every URL.
type execRecorder struct {
	urls  []*url.URL
	execs []*fakeExecutor
}

func (r *execRecorder) executor(method string, u *url.URL) (remotecommand.Executor, error) {
	exec := &fakeExecutor{}
	r.urls = append(r.urls, u)
	r.execs = append(r.execs, exec)
	return exec, nil
}

func (r *execRecorder) commands() []string {
	out := make([]string, len(r.urls))
	for i, u := range r.urls {
		out[i] = strings.Join(u.Query()["command"], " ")
	}
	return out
}

func TestKubeRunBuildsExecRequest(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := testKubeDriver(t, client)

	rec := &execRecorder{}
	d.executor = rec.executor

	res, err := d.Run(context.Background(), "ai-code-task-5", RunSpec{
		Argv:    []string{"git", "status"},
		Env:     []string{"HOME=/workspace"},
		WorkDir: "/workspace/repo",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	// Two execs: staging the env file, then the command itself.
	commands := rec.commands()
	require.Len(t, commands, 2)
	assert.Contains(t, commands[0], "cat > "+shellQuote(kubeEnvPath))
	assert.Contains(t, string(rec.execs[0].stdin), "export HOME='/workspace'")

	assert.Contains(t, commands[1], ". "+shellQuote(kubeEnvPath))
	assert.Contains(t, commands[1], "cd '/workspace/repo'")
	assert.Contains(t, commands[1], "exec 'git' 'status'")
	assert.Equal(t, "sandbox", rec.urls[1].Query().Get("container"))
}

func TestKubeRunSecretsNeverInExecURL(t *testing.T) {
	const token = "ghp_sekret12345"
	d := testKubeDriver(t, fake.NewSimpleClientset())
	rec := &execRecorder{}
	d.executor = rec.executor

	_, err := d.Run(context.Background(), "ai-code-task-5", RunSpec{
		Argv:    []string{"git", "clone", "https://github.com/acme/widget", "/workspace/repo"},
		Env:     []string{"GIT_TOKEN=" + token, "GIT_TERMINAL_PROMPT=0"},
		WorkDir: "/workspace",
	})
	require.NoError(t, err)

	// The API server logs exec URLs; the token must only travel over stdin.
	for _, u := range rec.urls {
		assert.NotContains(t, u.String(), token)
	}
	require.Len(t, rec.execs, 2)
	assert.Contains(t, string(rec.execs[0].stdin), "export GIT_TOKEN='"+token+"'")
}

func TestKubeRunNoEnvNoWorkDirKeepsPlainArgv(t *testing.T) {
	d := testKubeDriver(t, fake.NewSimpleClientset())
	rec := &execRecorder{}
	d.executor = rec.executor

	_, err := d.Run(context.Background(), "ai-code-task-5", RunSpec{Argv: []string{"cat", "/workspace/out.txt"}})
	require.NoError(t, err)

	commands := rec.commands()
	require.Len(t, commands, 1)
	assert.Equal(t, "cat /workspace/out.txt", commands[0])
}

func TestKubeRunExitCode(t *testing.T) {
	d := testKubeDriver(t, fake.NewSimpleClientset())
	d.executor = func(string, *url.URL) (remotecommand.Executor, error) {
		return &fakeExecutor{stderr: "boom", exitCode: 2}, nil
	}

	res, err := d.Run(context.Background(), "ai-code-task-5", RunSpec{Argv: []string{"false"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "boom", res.Stderr)
}

func TestKubeWriteFileStreamsStdin(t *testing.T) {
	d := testKubeDriver(t, fake.NewSimpleClientset())
	exec := &fakeExecutor{}
	d.executor = func(string, *url.URL) (remotecommand.Executor, error) { return exec, nil }

	err := d.WriteFile(context.Background(), "ai-code-task-5", "/workspace/.aicode/prompt.md", []byte("the prompt"), 0o600)
	require.NoError(t, err)
	assert.Equal(t, "the prompt", string(exec.stdin))
}

func TestKubeTeardownIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "ai-code-task-8", Namespace: "sandboxes"},
	})
	d := testKubeDriver(t, client)

	require.NoError(t, d.Teardown(context.Background(), "ai-code-task-8"))
	// Second teardown finds nothing and still succeeds.
	require.NoError(t, d.Teardown(context.Background(), "ai-code-task-8"))
}

func TestKubeListByLabel(t *testing.T) {
	created := metav1.NewTime(time.Now().Add(-3 * time.Hour))
	client := fake.NewSimpleClientset(
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name: "ai-code-task-20", Namespace: "sandboxes",
			Labels:            map[string]string{"app": "ai-code-task"},
			CreationTimestamp: created,
		}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name: "some-other-pod", Namespace: "sandboxes",
			Labels: map[string]string{"app": "web"},
		}},
	)
	d := testKubeDriver(t, client)

	infos, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "ai-code-task-20", infos[0].Handle)
	assert.WithinDuration(t, created.Time, infos[0].CreatedAt, time.Second)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/workspace/repo'", shellQuote("/workspace/repo"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
