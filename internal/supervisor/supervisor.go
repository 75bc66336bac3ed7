// Package supervisor provisions and tears down the per-session child
// processes: workspace layout, the unix socket each child dials back on, and
// the runtime (container or subprocess) the child executes in.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/session"
	"github.com/mikesmullin/subd/pkg/models"
)

// Supervisor owns the lifecycle of session children. One per daemon.
type Supervisor struct {
	cfg      *config.Config
	sessions *session.Manager
	registry *bridge.HostRegistry
	runtime  Runtime
	log      *slog.Logger

	mu        sync.Mutex
	listeners map[int]net.Listener
}

func New(cfg *config.Config, sessions *session.Manager, registry *bridge.HostRegistry, runtime Runtime, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		sessions:  sessions,
		registry:  registry,
		runtime:   runtime,
		log:       log,
		listeners: make(map[int]net.Listener),
	}
}

// Provision prepares a session's workspace and starts its child. Idempotent:
// re-provisioning an already-running session only repairs what is missing.
func (sv *Supervisor) Provision(ctx context.Context, id int) error {
	s, err := sv.sessions.Get(id)
	if err != nil {
		return err
	}
	ws := sv.cfg.WorkspaceDir(id)
	for _, dir := range []string{
		filepath.Join(ws, "db", "sessions"),
		filepath.Join(ws, "db", "sockets"),
		filepath.Join(ws, "db", "approvals"),
		filepath.Join(ws, "db", "questions"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("provision workspace for session %d: %w", id, err)
		}
	}
	if err := sv.seedFiles(ws); err != nil {
		return err
	}
	if err := sv.sessions.SeedWorkspace(id); err != nil {
		return err
	}
	if err := sv.listen(ctx, id); err != nil {
		return err
	}
	alive, err := sv.runtime.Alive(ctx, s)
	if err != nil {
		return err
	}
	if alive {
		return nil
	}
	return sv.runtime.Spawn(ctx, s, ws)
}

// seedFiles copies config.yml and the allowlist into the workspace so the
// child sees the same policy as the host without reaching outside its mount.
func (sv *Supervisor) seedFiles(ws string) error {
	pairs := [][2]string{
		{filepath.Join(sv.cfg.Root, "config.yml"), filepath.Join(ws, "config.yml")},
		{sv.cfg.ResolveAllowlistPath(), filepath.Join(ws, "allowlist.yml")},
	}
	for _, p := range pairs {
		if err := copyFile(p[0], p[1]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("seed %s: %w", filepath.Base(p[1]), err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// listen binds the session's unix socket and attaches accepted connections to
// the bridge registry. Repeat calls for a live listener are no-ops.
func (sv *Supervisor) listen(ctx context.Context, id int) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if _, ok := sv.listeners[id]; ok {
		return nil
	}
	path := sv.cfg.HostSessionSocket(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on session socket: %w", err)
	}
	sv.listeners[id] = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			sv.registry.Attach(ctx, id, conn)
		}
	}()
	return nil
}

// Signal translates a lifecycle action into the child's control signal.
func (sv *Supervisor) Signal(id int, action string) error {
	var sig syscall.Signal
	switch action {
	case session.ActionPause:
		sig = syscall.SIGUSR1
	case session.ActionStop:
		sig = syscall.SIGUSR2
	default:
		return fmt.Errorf("action %q has no child signal", action)
	}
	s, err := sv.sessions.Get(id)
	if err != nil {
		return err
	}
	return sv.runtime.Signal(context.Background(), s, sig)
}

// Teardown stops the session's child and releases its socket. The workspace
// stays on disk; clean removes it separately.
func (sv *Supervisor) Teardown(ctx context.Context, id int) error {
	sv.mu.Lock()
	if ln, ok := sv.listeners[id]; ok {
		ln.Close()
		delete(sv.listeners, id)
	}
	sv.mu.Unlock()
	if err := os.Remove(sv.cfg.HostSessionSocket(id)); err != nil && !os.IsNotExist(err) {
		sv.log.Warn("remove session socket failed", "session_id", id, "error", err)
	}
	s, err := sv.sessions.Get(id)
	if err != nil {
		return err
	}
	return sv.runtime.Kill(ctx, s)
}

// Recover re-provisions children for sessions that were live when the daemon
// last exited. Terminal sessions are left alone.
func (sv *Supervisor) Recover(ctx context.Context) error {
	list, err := sv.sessions.List(false)
	if err != nil {
		return err
	}
	for _, s := range list {
		switch s.Status {
		case models.StatusPending, models.StatusRunning, models.StatusPaused:
			if err := sv.Provision(ctx, s.ID); err != nil {
				sv.log.Error("recover session failed", "session_id", s.ID, "error", err)
				continue
			}
			sv.log.Info("recovered session", "session_id", s.ID, "status", s.Status)
		}
	}
	return nil
}

// CloseAll shuts down every listener and child at daemon exit.
func (sv *Supervisor) CloseAll(ctx context.Context) {
	sv.mu.Lock()
	ids := make([]int, 0, len(sv.listeners))
	for id, ln := range sv.listeners {
		ln.Close()
		ids = append(ids, id)
	}
	sv.listeners = make(map[int]net.Listener)
	sv.mu.Unlock()
	for _, id := range ids {
		s, err := sv.sessions.Get(id)
		if err != nil {
			continue
		}
		if err := sv.runtime.Kill(ctx, s); err != nil {
			sv.log.Warn("kill child failed", "session_id", id, "error", err)
		}
	}
	sv.registry.CloseAll()
}
