// Package docker adapts the Docker Engine API to the runtime contracts of
// the container manager, the command executor, and the service manager.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"golang.org/x/sys/unix"

	"workbox/internal/container"
	"workbox/internal/exec"
	"workbox/internal/pathmap"
)

var (
	_ container.Runtime = (*Runtime)(nil)
	_ exec.Runtime      = (*Runtime)(nil)
)

// Runtime implements the container, exec, and service runtime contracts
// against a local Docker daemon. Signal delivery for exec timeouts uses
// host-side process group kills, which requires the daemon to share the
// host's pid namespace view (the default for a local daemon).
type Runtime struct {
	cli *client.Client

	mu    sync.Mutex
	execs map[string]*execHandle // exec id -> stream state
}

type execHandle struct {
	pid  int
	done chan struct{} // closed when the output stream drains
}

// NewRuntime creates a Runtime with a new Docker client from the environment.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewRuntimeFromClient(cli), nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli *client.Client) *Runtime {
	return &Runtime{cli: cli, execs: make(map[string]*execHandle)}
}

func (r *Runtime) WaitReady(ctx context.Context) error {
	return WaitReady(ctx, r.cli)
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Create creates the container: workspace bind mount, 1:1 published ports,
// resource limits, identifying labels. The image is pulled on first use.
func (r *Runtime) Create(ctx context.Context, spec container.CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return "", fmt.Errorf("port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p)}}
	}

	cc := &containertypes.Config{
		Image:        spec.Image,
		Cmd:          []string{"sleep", "infinity"},
		WorkingDir:   pathmap.WorkspaceTarget,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hc := &containertypes.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.HostPath,
			Target: pathmap.WorkspaceTarget,
		}},
		PortBindings: bindings,
		Resources: containertypes.Resources{
			NanoCPUs:  int64(spec.Resources.CPUQuota * 1e9),
			Memory:    spec.Resources.MemoryMB << 20,
			PidsLimit: pidsLimit(spec.Resources.PidsMax),
		},
	}

	created, err := r.cli.ContainerCreate(ctx, cc, hc, nil, nil, spec.Name)
	if errdefs.IsNotFound(err) {
		if err := r.imagePull(ctx, spec.Image); err != nil {
			return "", err
		}
		created, err = r.cli.ContainerCreate(ctx, cc, hc, nil, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", spec.Name, err)
	}
	return created.ID, nil
}

func pidsLimit(n int64) *int64 {
	if n <= 0 {
		return nil
	}
	return &n
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	return r.cli.ContainerStart(ctx, id, containertypes.StartOptions{})
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	return r.cli.ContainerStop(ctx, id, containertypes.StopOptions{})
}

func (r *Runtime) Remove(ctx context.Context, id string, force bool) error {
	err := r.cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: force})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", id, err)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (container.Status, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return container.Status{Exists: false}, nil
		}
		return container.Status{}, fmt.Errorf("inspect container %q: %w", id, err)
	}
	st := container.Status{Exists: true}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
		st.OOMKilled = info.State.OOMKilled
	}
	return st, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	}
	rc, err := r.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("container logs %q: %w", id, err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	// Strip docker stream framing (8-byte header per chunk).
	var clean []byte
	for len(data) >= 8 {
		size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]
		if size > len(data) {
			size = len(data)
		}
		clean = append(clean, data[:size]...)
		data = data[size:]
	}
	return string(bytes.TrimSpace(clean)), nil
}

func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]container.Listed, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	found, err := r.cli.ContainerList(ctx, containertypes.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]container.Listed, 0, len(found))
	for _, c := range found {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, container.Listed{
			ID:        c.ID,
			Name:      name,
			Labels:    c.Labels,
			Running:   c.State == "running",
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

func (r *Runtime) imagePull(ctx context.Context, img string) error {
	pull, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", img, err)
	}
	_, _ = io.Copy(io.Discard, pull)
	_ = pull.Close()
	return nil
}

// ExecStart creates and attaches an exec instance and streams its demuxed
// output to the Spec's Stdout and Stderr writers in the background.
func (r *Runtime) ExecStart(ctx context.Context, containerID string, spec exec.Spec) (string, error) {
	created, err := r.cli.ContainerExecCreate(ctx, containerID, containertypes.ExecOptions{
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkingDir,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create in %q: %w", containerID, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, containertypes.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach %q: %w", created.ID, err)
	}

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	h := &execHandle{done: make(chan struct{})}
	r.mu.Lock()
	r.execs[created.ID] = h
	r.mu.Unlock()

	go func() {
		defer close(h.done)
		defer attach.Close()
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	return created.ID, nil
}

func (r *Runtime) ExecInspect(ctx context.Context, execID string) (exec.State, error) {
	info, err := r.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return exec.State{}, fmt.Errorf("exec inspect %q: %w", execID, err)
	}
	r.mu.Lock()
	if h, ok := r.execs[execID]; ok {
		h.pid = info.Pid
		if !info.Running {
			delete(r.execs, execID)
		}
	}
	r.mu.Unlock()
	return exec.State{Running: info.Running, ExitCode: info.ExitCode, PID: info.Pid}, nil
}

// SignalExec signals the exec's process group on the host. The shell
// started by ExecStart leads its own group, so the whole tree is hit.
func (r *Runtime) SignalExec(ctx context.Context, containerID, execID string, force bool) error {
	info, err := r.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return fmt.Errorf("exec inspect %q: %w", execID, err)
	}
	if !info.Running || info.Pid == 0 {
		return nil
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(-info.Pid, sig); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		// Group kill can fail when the process never became a group
		// leader; fall back to the process itself.
		if err := unix.Kill(info.Pid, sig); err != nil && err != unix.ESRCH {
			return fmt.Errorf("signal exec %q pid %d: %w", execID, info.Pid, err)
		}
	}
	return nil
}

// Run executes a short command synchronously and returns its outcome. It
// backs the service manager's wrapper scripts and liveness probes.
func (r *Runtime) Run(ctx context.Context, containerID string, cmd []string) (int, string, string, error) {
	var stdout, stderr bytes.Buffer
	execID, err := r.ExecStart(ctx, containerID, exec.Spec{Cmd: cmd, Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		return 0, "", "", err
	}

	r.mu.Lock()
	h := r.execs[execID]
	r.mu.Unlock()
	select {
	case <-h.done:
	case <-ctx.Done():
		return 0, stdout.String(), stderr.String(), ctx.Err()
	}

	state, err := r.ExecInspect(ctx, execID)
	if err != nil {
		return 0, stdout.String(), stderr.String(), err
	}
	return state.ExitCode, stdout.String(), stderr.String(), nil
}
