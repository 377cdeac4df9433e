package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	kexec "k8s.io/client-go/util/exec"
	"k8s.io/client-go/util/homedir"
)

const sandboxLabel = "app=ai-code-task"

// kubeEnvPath holds the environment for the next exec. The exec transport
// serializes the command into the request URL, which the API server logs, so
// KEY=VALUE pairs are written here (0600, streamed over stdin) and sourced
// instead of travelling as command tokens.
const kubeEnvPath = WorkspaceDir + "/.aicode/.exec-env"

// KubeConfig configures the remote sandbox backend.
type KubeConfig struct {
	Namespace      string
	TemplateID     string // image reference the provider runs
	UID            int64
	GID            int64
	DefaultTimeout time.Duration
}

// KubeDriver treats a Kubernetes cluster as a remote sandbox provider: each
// sandbox is a pod the provider names after the task. Provider errors map to
// ProvisionError reasons (quota, auth, template_missing, transport).
type KubeDriver struct {
	client   kubernetes.Interface
	cfg      KubeConfig
	logger   *slog.Logger
	executor func(method string, u *url.URL) (remotecommand.Executor, error)
}

// NewKubeDriver loads in-cluster config first, then falls back to the local
// kubeconfig, matching how the engine is deployed in practice.
func NewKubeDriver(logger *slog.Logger, cfg KubeConfig) (*KubeDriver, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s client: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "default"
		if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
			cfg.Namespace = strings.TrimSpace(string(data))
		}
	}

	return &KubeDriver{
		client: clientset,
		cfg:    cfg,
		logger: logger,
		executor: func(method string, u *url.URL) (remotecommand.Executor, error) {
			return remotecommand.NewSPDYExecutor(restCfg, method, u)
		},
	}, nil
}

// newKubeDriverWithClient is the test seam.
func newKubeDriverWithClient(logger *slog.Logger, client kubernetes.Interface, cfg KubeConfig) *KubeDriver {
	return &KubeDriver{client: client, cfg: cfg, logger: logger}
}

func (d *KubeDriver) Close() error { return nil }

// Provision asks the provider for a pod and waits for it to come up.
func (d *KubeDriver) Provision(ctx context.Context, taskID int64, limits ResourceLimits) (string, error) {
	if d.cfg.TemplateID == "" {
		return "", &ProvisionError{Reason: ProvisionTemplateMissing, Err: errors.New("no sandbox template configured")}
	}

	handle := HandleName(taskID)
	uid, gid := d.cfg.UID, d.cfg.GID
	nonRoot := true
	noEscalation := false

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: handle,
			Labels: map[string]string{
				"app":        "ai-code-task",
				"managed-by": "aicode",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			SecurityContext: &corev1.PodSecurityContext{
				RunAsUser:    &uid,
				RunAsGroup:   &gid,
				RunAsNonRoot: &nonRoot,
			},
			Containers: []corev1.Container{{
				Name:       "sandbox",
				Image:      d.cfg.TemplateID,
				Command:    []string{"/bin/sh", "-c", "sleep infinity"},
				WorkingDir: WorkspaceDir,
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: &noEscalation,
					Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
				},
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceMemory: *resource.NewQuantity(limits.MemoryBytes, resource.BinarySI),
						corev1.ResourceCPU:    *resource.NewMilliQuantity(limits.CPUShares, resource.DecimalSI),
					},
				},
				VolumeMounts: []corev1.VolumeMount{{Name: "workspace", MountPath: WorkspaceDir}},
			}},
			Volumes: []corev1.Volume{{
				Name:         "workspace",
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
		},
	}

	if _, err := d.client.CoreV1().Pods(d.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return "", mapKubeError(err)
	}

	if err := d.waitReady(ctx, handle); err != nil {
		d.Teardown(context.Background(), handle)
		return "", err
	}

	d.logger.Info("sandbox provisioned", "handle", handle, "namespace", d.cfg.Namespace)
	return handle, nil
}

func (d *KubeDriver) waitReady(ctx context.Context, handle string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		pod, err := d.client.CoreV1().Pods(d.cfg.Namespace).Get(ctx, handle, metav1.GetOptions{})
		if err != nil {
			return mapKubeError(err)
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return nil
		case corev1.PodFailed, corev1.PodSucceeded:
			return &ProvisionError{Reason: ProvisionTransport, Err: fmt.Errorf("pod entered phase %s before ready", pod.Status.Phase)}
		}
		// An unpullable image never leaves Pending; surface it as a
		// missing template instead of hanging until the deadline.
		for _, cs := range pod.Status.ContainerStatuses {
			if w := cs.State.Waiting; w != nil {
				switch w.Reason {
				case "ErrImagePull", "ImagePullBackOff", "InvalidImageName":
					return &ProvisionError{Reason: ProvisionTemplateMissing, Err: fmt.Errorf("image %s: %s", d.cfg.TemplateID, w.Reason)}
				}
			}
		}

		select {
		case <-ctx.Done():
			return &ProvisionError{Reason: ProvisionTransport, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func mapKubeError(err error) *ProvisionError {
	msg := strings.ToLower(err.Error())
	switch {
	case apierrors.IsForbidden(err) && strings.Contains(msg, "quota"):
		return &ProvisionError{Reason: ProvisionQuota, Err: err}
	case apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err):
		return &ProvisionError{Reason: ProvisionAuth, Err: err}
	case apierrors.IsNotFound(err):
		return &ProvisionError{Reason: ProvisionTemplateMissing, Err: err}
	default:
		return &ProvisionError{Reason: ProvisionTransport, Err: err}
	}
}

// Run executes one command via the provider's exec transport. Environment
// pairs never ride in the command: they are staged into kubeEnvPath and
// sourced, keeping credentials out of the exec URL. The prompt never travels
// this path either (see agent.Invoker).
func (d *KubeDriver) Run(ctx context.Context, handle string, spec RunSpec) (*RunResult, error) {
	if d.executor == nil {
		return nil, errors.New("kube driver has no exec transport")
	}

	argv := spec.Argv
	if len(spec.Env) > 0 || spec.WorkDir != "" {
		quoted := make([]string, len(argv))
		for i, a := range argv {
			quoted[i] = shellQuote(a)
		}
		var steps []string
		if len(spec.Env) > 0 {
			if err := d.writeEnvFile(ctx, handle, spec.Env); err != nil {
				return nil, err
			}
			steps = append(steps, ". "+shellQuote(kubeEnvPath))
		}
		if spec.WorkDir != "" {
			steps = append(steps, "cd "+shellQuote(spec.WorkDir))
		}
		steps = append(steps, "exec "+strings.Join(quoted, " "))
		argv = []string{"/bin/sh", "-c", strings.Join(steps, " && ")}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := d.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(handle).
		Namespace(d.cfg.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "sandbox",
			Command:   argv,
			Stdin:     len(spec.Stdin) > 0,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := d.executor("POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to build executor: %w", err)
	}

	var stdout, stderr boundedBuffer
	opts := remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}
	if len(spec.Stdin) > 0 {
		opts.Stdin = bytes.NewReader(spec.Stdin)
	}

	streamErr := exec.StreamWithContext(runCtx, opts)
	result := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if streamErr != nil {
		if runCtx.Err() != nil {
			result.ExitCode = -1
			result.TimedOut = true
			return result, nil
		}
		var codeErr kexec.CodeExitError
		if errors.As(streamErr, &codeErr) {
			result.ExitCode = codeErr.Code
			return result, nil
		}
		return nil, fmt.Errorf("exec stream failed: %w", streamErr)
	}
	return result, nil
}

// writeEnvFile materializes KEY=VALUE pairs as a sourceable export file.
func (d *KubeDriver) writeEnvFile(ctx context.Context, handle string, env []string) error {
	var b strings.Builder
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(v))
	}
	if err := d.WriteFile(ctx, handle, kubeEnvPath, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to stage environment: %w", err)
	}
	return nil
}

// WriteFile streams the file through stdin; the exec transport has no
// archive API.
func (d *KubeDriver) WriteFile(ctx context.Context, handle, filePath string, data []byte, mode fs.FileMode) error {
	dir := path.Dir(filePath)
	script := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		shellQuote(dir), shellQuote(filePath), mode.Perm(), shellQuote(filePath))
	res, err := d.Run(ctx, handle, RunSpec{Argv: []string{"/bin/sh", "-c", script}, Stdin: data})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write %s failed: %s", filePath, res.Stderr)
	}
	return nil
}

func (d *KubeDriver) ReadFile(ctx context.Context, handle, filePath string) ([]byte, error) {
	res, err := d.Run(ctx, handle, RunSpec{Argv: []string{"cat", filePath}})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("read %s failed: %s", filePath, res.Stderr)
	}
	return []byte(res.Stdout), nil
}

// Teardown deletes the pod; a pod that is already gone is a success.
func (d *KubeDriver) Teardown(ctx context.Context, handle string) error {
	err := d.client.CoreV1().Pods(d.cfg.Namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", handle, err)
	}
	return nil
}

// List enumerates provider sandboxes carrying the engine's label.
func (d *KubeDriver) List(ctx context.Context) ([]Info, error) {
	pods, err := d.client.CoreV1().Pods(d.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: sandboxLabel})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	var infos []Info
	for _, p := range pods.Items {
		if strings.HasPrefix(p.Name, HandlePrefix) {
			infos = append(infos, Info{Handle: p.Name, CreatedAt: p.CreationTimestamp.Time})
		}
	}
	return infos, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
