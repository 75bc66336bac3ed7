package supervisor

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/session"
	"github.com/mikesmullin/subd/pkg/models"
)

type fakeRuntime struct {
	spawned  []int
	signals  []syscall.Signal
	killed   []int
	aliveIDs map[int]bool
}

func (f *fakeRuntime) Spawn(ctx context.Context, s models.Session, workspace string) error {
	f.spawned = append(f.spawned, s.ID)
	if f.aliveIDs == nil {
		f.aliveIDs = map[int]bool{}
	}
	f.aliveIDs[s.ID] = true
	return nil
}

func (f *fakeRuntime) Alive(ctx context.Context, s models.Session) (bool, error) {
	return f.aliveIDs[s.ID], nil
}

func (f *fakeRuntime) Signal(ctx context.Context, s models.Session, sig syscall.Signal) error {
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeRuntime) Kill(ctx context.Context, s models.Session) error {
	f.killed = append(f.killed, s.ID)
	delete(f.aliveIDs, s.ID)
	return nil
}

type fixture struct {
	cfg      *config.Config
	sessions *session.Manager
	registry *bridge.HostRegistry
	runtime  *fakeRuntime
	sv       *Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default(root)
	if err := os.WriteFile(filepath.Join(root, "config.yml"), []byte("unattended: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.ResolveAllowlistPath(), []byte("ls: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(cfg, nil, slog.Default())
	registry := bridge.NewHostRegistry(bridge.NewRouter(slog.Default()), time.Second, slog.Default())
	rt := &fakeRuntime{}
	return &fixture{
		cfg:      cfg,
		sessions: sessions,
		registry: registry,
		runtime:  rt,
		sv:       New(cfg, sessions, registry, rt, slog.Default()),
	}
}

func (f *fixture) seedSession(t *testing.T, id int, status models.SessionStatus) {
	t.Helper()
	err := f.sessions.Put(models.Session{
		ID:          id,
		Name:        "worker",
		ContainerID: "1_1700000000",
		Status:      status,
		Model:       "xai:mock",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestProvisionBuildsWorkspaceAndSpawns(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, 1, models.StatusPending)

	if err := f.sv.Provision(context.Background(), 1); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() { f.sv.CloseAll(context.Background()) })

	ws := f.cfg.WorkspaceDir(1)
	for _, rel := range []string{"db/sessions", "db/sockets", "config.yml", "allowlist.yml"} {
		if _, err := os.Stat(filepath.Join(ws, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
	if len(f.runtime.spawned) != 1 || f.runtime.spawned[0] != 1 {
		t.Fatalf("spawned = %v", f.runtime.spawned)
	}
	// The record now lives in the workspace and stays readable.
	s, err := f.sessions.Get(1)
	if err != nil || s.Name != "worker" {
		t.Fatalf("session after seed: %+v, %v", s, err)
	}
}

func TestProvisionIsIdempotentWhileChildAlive(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, 1, models.StatusPending)

	ctx := context.Background()
	if err := f.sv.Provision(ctx, 1); err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	if err := f.sv.Provision(ctx, 1); err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	t.Cleanup(func() { f.sv.CloseAll(ctx) })
	if len(f.runtime.spawned) != 1 {
		t.Fatalf("spawned = %v", f.runtime.spawned)
	}
}

func TestProvisionedSocketAttachesToRegistry(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, 1, models.StatusPending)

	ctx := context.Background()
	if err := f.sv.Provision(ctx, 1); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() { f.sv.CloseAll(ctx) })

	conn, err := net.Dial("unix", f.cfg.HostSessionSocket(1))
	if err != nil {
		t.Fatalf("dial session socket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !f.registry.Connected(1) {
		if time.Now().After(deadline) {
			t.Fatal("child connection never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignalMapsLifecycleActions(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, 1, models.StatusRunning)
	f.runtime.aliveIDs = map[int]bool{1: true}

	if err := f.sv.Signal(1, session.ActionPause); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.sv.Signal(1, session.ActionStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []syscall.Signal{syscall.SIGUSR1, syscall.SIGUSR2}
	if len(f.runtime.signals) != 2 || f.runtime.signals[0] != want[0] || f.runtime.signals[1] != want[1] {
		t.Fatalf("signals = %v", f.runtime.signals)
	}
	if err := f.sv.Signal(1, session.ActionRetry); err == nil {
		t.Fatal("retry must not map to a signal")
	}
}

func TestTeardownKillsChildAndRemovesSocket(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, 1, models.StatusRunning)

	ctx := context.Background()
	if err := f.sv.Provision(ctx, 1); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := f.sv.Teardown(ctx, 1); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if len(f.runtime.killed) != 1 || f.runtime.killed[0] != 1 {
		t.Fatalf("killed = %v", f.runtime.killed)
	}
	if _, err := os.Stat(f.cfg.HostSessionSocket(1)); !os.IsNotExist(err) {
		t.Fatalf("socket survived teardown: %v", err)
	}
}

func TestRecoverRespawnsOnlyLiveSessions(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, 1, models.StatusRunning)
	f.seedSession(t, 2, models.StatusSuccess)
	f.seedSession(t, 3, models.StatusPaused)

	ctx := context.Background()
	if err := f.sv.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	t.Cleanup(func() { f.sv.CloseAll(ctx) })

	if len(f.runtime.spawned) != 2 {
		t.Fatalf("spawned = %v", f.runtime.spawned)
	}
	got := map[int]bool{}
	for _, id := range f.runtime.spawned {
		got[id] = true
	}
	if !got[1] || !got[3] || got[2] {
		t.Fatalf("spawned = %v", f.runtime.spawned)
	}
}
