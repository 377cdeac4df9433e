package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// APIClient is the subset of the Docker API the driver uses.
// Narrowed for mocking in tests.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, container string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	Close() error
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	Image             string
	WorkspaceBasePath string
	UID               int
	GID               int
	DefaultTimeout    time.Duration
}

// DockerDriver runs sandboxes as hardened local containers: non-root
// principal, all capabilities dropped, no new privileges, read-only rootfs
// with a single writable workspace bind.
type DockerDriver struct {
	api    APIClient
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerDriver connects to the local Docker daemon.
func NewDockerDriver(logger *slog.Logger, cfg DockerConfig) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	d := &DockerDriver{api: cli, cfg: cfg, logger: logger}
	if _, err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return d, nil
}

// newDockerDriverWithAPI is the test seam.
func newDockerDriverWithAPI(logger *slog.Logger, api APIClient, cfg DockerConfig) *DockerDriver {
	return &DockerDriver{api: api, cfg: cfg, logger: logger}
}

func (d *DockerDriver) Close() error { return d.api.Close() }

func (d *DockerDriver) hostDir(handle string) string {
	return filepath.Join(d.cfg.WorkspaceBasePath, handle)
}

// Provision creates and starts one container named after the task. The
// container idles on a shell; all work happens through Run.
func (d *DockerDriver) Provision(ctx context.Context, taskID int64, limits ResourceLimits) (string, error) {
	handle := HandleName(taskID)

	dir := d.hostDir(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ProvisionError{Reason: ProvisionTransport, Err: err}
	}
	// The sandbox principal is non-root; it must own the workspace.
	if err := os.Chown(dir, d.cfg.UID, d.cfg.GID); err != nil {
		d.logger.Warn("could not chown workspace", "dir", dir, "error", err)
	}

	// Best-effort pull; a locally built image is fine too.
	if reader, err := d.api.ImagePull(ctx, d.cfg.Image, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	resp, err := d.api.ContainerCreate(ctx,
		&container.Config{
			Image:      d.cfg.Image,
			Tty:        true,
			OpenStdin:  true,
			WorkingDir: WorkspaceDir,
			Cmd:        []string{"/bin/sh"},
			User:       fmt.Sprintf("%d:%d", d.cfg.UID, d.cfg.GID),
			Labels:     map[string]string{"managed-by": "aicode"},
		},
		&container.HostConfig{
			Binds:          []string{fmt.Sprintf("%s:%s", dir, WorkspaceDir)},
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges:true"},
			ReadonlyRootfs: true,
			Tmpfs:          map[string]string{"/tmp": "rw,size=256m"},
			Resources: container.Resources{
				Memory:    limits.MemoryBytes,
				CPUShares: limits.CPUShares,
			},
		}, nil, nil, handle)
	if err != nil {
		os.RemoveAll(dir)
		return "", d.mapProvisionError(err)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.api.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
		os.RemoveAll(dir)
		return "", d.mapProvisionError(err)
	}

	d.logger.Info("sandbox provisioned", "handle", handle, "container", resp.ID[:min(12, len(resp.ID))])
	return handle, nil
}

func (d *DockerDriver) mapProvisionError(err error) *ProvisionError {
	msg := strings.ToLower(err.Error())
	switch {
	case client.IsErrNotFound(err) || strings.Contains(msg, "no such image") || strings.Contains(msg, "not found"):
		return &ProvisionError{Reason: ProvisionTemplateMissing, Err: err}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "denied"):
		return &ProvisionError{Reason: ProvisionAuth, Err: err}
	case strings.Contains(msg, "quota") || strings.Contains(msg, "no space") || strings.Contains(msg, "too many"):
		return &ProvisionError{Reason: ProvisionQuota, Err: err}
	default:
		return &ProvisionError{Reason: ProvisionTransport, Err: err}
	}
}

// Run executes one command via docker exec. Output is captured into bounded
// buffers. A deadline converts into TimedOut rather than an error.
func (d *DockerDriver) Run(ctx context.Context, handle string, spec RunSpec) (*RunResult, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCfg := container.ExecOptions{
		Cmd:          spec.Argv,
		Env:          spec.Env,
		WorkingDir:   spec.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  len(spec.Stdin) > 0,
	}
	created, err := d.api.ContainerExecCreate(runCtx, handle, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := d.api.ContainerExecAttach(runCtx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	if len(spec.Stdin) > 0 {
		if _, err := attach.Conn.Write(spec.Stdin); err != nil {
			return nil, fmt.Errorf("failed to write stdin: %w", err)
		}
		attach.CloseWrite()
	}

	var stdout, stderr boundedBuffer
	done := make(chan error, 1)
	go func() {
		// Tty is unset on the exec config, so the stream is multiplexed.
		_, cerr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- cerr
	}()

	select {
	case <-runCtx.Done():
		return &RunResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: true,
		}, nil
	case cerr := <-done:
		if cerr != nil && !errors.Is(cerr, io.EOF) {
			return nil, fmt.Errorf("failed to copy exec output: %w", cerr)
		}
	}

	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return &RunResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// WriteFile uploads a single file via the archive API.
func (d *DockerDriver) WriteFile(ctx context.Context, handle, path string, data []byte, mode fs.FileMode) error {
	dir := filepath.ToSlash(filepath.Dir(path))
	if dir != WorkspaceDir && dir != "/" {
		res, err := d.Run(ctx, handle, RunSpec{Argv: []string{"mkdir", "-p", dir}})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("mkdir -p %s failed: %s", dir, res.Stderr)
		}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: int64(mode.Perm()),
		Size: int64(len(data)),
		Uid:  d.cfg.UID,
		Gid:  d.cfg.GID,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return d.api.CopyToContainer(ctx, handle, dir, &buf, container.CopyToContainerOptions{})
}

// ReadFile downloads a single file via the archive API.
func (d *DockerDriver) ReadFile(ctx context.Context, handle, path string) ([]byte, error) {
	rc, _, err := d.api.CopyFromContainer(ctx, handle, path)
	if err != nil {
		return nil, fmt.Errorf("failed to copy from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("file %s not found in archive", path)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// Teardown stops and removes the container and its host workspace. It is
// idempotent: a missing container is a success.
func (d *DockerDriver) Teardown(ctx context.Context, handle string) error {
	d.api.ContainerStop(ctx, handle, container.StopOptions{})
	if err := d.api.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", handle, err)
	}
	if err := os.RemoveAll(d.hostDir(handle)); err != nil {
		d.logger.Warn("could not remove workspace", "handle", handle, "error", err)
	}
	return nil
}

// List enumerates containers carrying the engine's handle prefix.
func (d *DockerDriver) List(ctx context.Context) ([]Info, error) {
	containers, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", HandlePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var infos []Info
	for _, c := range containers {
		for _, name := range c.Names {
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, HandlePrefix) {
				infos = append(infos, Info{Handle: name, CreatedAt: time.Unix(c.Created, 0)})
				break
			}
		}
	}
	return infos, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
