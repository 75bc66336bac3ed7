package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/mikesmullin/subd/pkg/models"
)

// Runtime isolates and runs one child per session.
type Runtime interface {
	// Spawn starts the child for a session with its workspace mounted.
	Spawn(ctx context.Context, s models.Session, workspace string) error

	// Alive probes whether the session's child is still running.
	Alive(ctx context.Context, s models.Session) (bool, error)

	// Signal delivers a unix signal to the child.
	Signal(ctx context.Context, s models.Session, sig syscall.Signal) error

	// Kill force-stops the child and releases its runtime resources.
	Kill(ctx context.Context, s models.Session) error
}

// containerName derives the runtime container name from the session's
// ContainerID stem.
func containerName(s models.Session) string {
	return "subd_" + s.ContainerID
}

// DockerRuntime runs each child in a container with the session workspace
// bind-mounted at /app.
type DockerRuntime struct {
	cli   *client.Client
	image string
	log   *slog.Logger
}

func NewDockerRuntime(image string, log *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &DockerRuntime{cli: cli, image: image, log: log}, nil
}

func (r *DockerRuntime) Spawn(ctx context.Context, s models.Session, workspace string) error {
	name := containerName(s)
	// A stale container under the same name blocks creation; recovery
	// force-removes it before re-spawning.
	if err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove stale container %s: %w", name, err)
	}
	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image: r.image,
			Cmd:   []string{"child", "--session", strconv.Itoa(s.ID)},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: workspace,
				Target: "/app",
			}},
		},
		&network.NetworkingConfig{},
		nil,
		name,
	)
	if err != nil {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	r.log.Info("container started", "session_id", s.ID, "container", name)
	return nil
}

func (r *DockerRuntime) Alive(ctx context.Context, s models.Session) (bool, error) {
	info, err := r.cli.ContainerInspect(ctx, containerName(s))
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State.Running, nil
}

func (r *DockerRuntime) Signal(ctx context.Context, s models.Session, sig syscall.Signal) error {
	name := "SIGUSR1"
	if sig == syscall.SIGUSR2 {
		name = "SIGUSR2"
	}
	return r.cli.ContainerKill(ctx, containerName(s), name)
}

func (r *DockerRuntime) Kill(ctx context.Context, s models.Session) error {
	err := r.cli.ContainerRemove(ctx, containerName(s), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// ProcessRuntime runs each child as a plain subprocess of the daemon, with
// SUBD_ROOT pointing at the workspace. Used for development and tests.
type ProcessRuntime struct {
	log *slog.Logger

	mu    sync.Mutex
	procs map[int]*os.Process
}

func NewProcessRuntime(log *slog.Logger) *ProcessRuntime {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessRuntime{log: log, procs: make(map[int]*os.Process)}
}

func (r *ProcessRuntime) Spawn(ctx context.Context, s models.Session, workspace string) error {
	bin, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(bin, "child", "--session", strconv.Itoa(s.ID))
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), "SUBD_ROOT="+workspace)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn child for session %d: %w", s.ID, err)
	}
	r.mu.Lock()
	r.procs[s.ID] = cmd.Process
	r.mu.Unlock()
	// Reap the child so it never lingers as a zombie.
	go func() {
		_ = cmd.Wait()
		r.mu.Lock()
		if r.procs[s.ID] == cmd.Process {
			delete(r.procs, s.ID)
		}
		r.mu.Unlock()
	}()
	r.log.Info("child process started", "session_id", s.ID, "pid", cmd.Process.Pid)
	return nil
}

func (r *ProcessRuntime) proc(id int) (*os.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	return p, ok
}

func (r *ProcessRuntime) Alive(ctx context.Context, s models.Session) (bool, error) {
	p, ok := r.proc(s.ID)
	if !ok {
		return false, nil
	}
	return p.Signal(syscall.Signal(0)) == nil, nil
}

func (r *ProcessRuntime) Signal(ctx context.Context, s models.Session, sig syscall.Signal) error {
	p, ok := r.proc(s.ID)
	if !ok {
		return fmt.Errorf("session %d has no live child", s.ID)
	}
	return p.Signal(sig)
}

func (r *ProcessRuntime) Kill(ctx context.Context, s models.Session) error {
	p, ok := r.proc(s.ID)
	if !ok {
		return nil
	}
	return p.Kill()
}
