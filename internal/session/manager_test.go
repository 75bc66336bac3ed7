package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mikesmullin/subd/internal/bus"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, *config.Config) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	return NewManager(cfg, bus.New(), nil), cfg
}

func echoTemplate() models.Template {
	return models.Template{
		Name:         "echo",
		Model:        "xai:mock",
		SystemPrompt: "You are an echo.",
	}
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.LoadNextID(); err != nil {
		t.Fatal(err)
	}
	s1, err := m.Create(echoTemplate(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s2, err := m.Create(echoTemplate(), "named")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s1.ID != 1 || s2.ID != 2 {
		t.Errorf("ids = %d, %d", s1.ID, s2.ID)
	}
	if s2.Name != "named" {
		t.Errorf("name = %s", s2.Name)
	}
	if s1.Status != models.StatusPending {
		t.Errorf("initial status = %s", s1.Status)
	}
	if !strings.HasPrefix(s1.ContainerID, "1_") {
		t.Errorf("container id = %s", s1.ContainerID)
	}
}

func TestCreateRejectsBadModelRef(t *testing.T) {
	m, _ := newTestManager(t)
	tpl := echoTemplate()
	tpl.Model = "nodelimiter"
	if _, err := m.Create(tpl, ""); err == nil {
		t.Fatalf("model without provider separator should be rejected")
	}
}

func TestNextIDSurvivesRestart(t *testing.T) {
	m, cfg := newTestManager(t)
	if err := m.LoadNextID(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.Create(echoTemplate(), ""); err != nil {
			t.Fatal(err)
		}
	}

	// A fresh manager over the same root picks up after the highest id.
	m2 := NewManager(cfg, nil, nil)
	if err := m2.LoadNextID(); err != nil {
		t.Fatal(err)
	}
	if got := m2.GenerateID(); got != 4 {
		t.Errorf("next id after restart = %d, want 4", got)
	}
}

func TestResetIDsAfterClean(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.LoadNextID(); err != nil {
		t.Fatal(err)
	}
	s, err := m.Create(echoTemplate(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(s.ID); err != nil {
		t.Fatal(err)
	}
	m.ResetIDs()
	if got := m.GenerateID(); got != 1 {
		t.Errorf("id after clean = %d, want 1", got)
	}
}

func TestTransitionTable(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Create(echoTemplate(), "")
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		action string
		want   models.SessionStatus
	}{
		{ActionStart, models.StatusRunning},
		{ActionPause, models.StatusPaused},
		{ActionResume, models.StatusPending},
		{ActionStart, models.StatusRunning},
		{ActionComplete, models.StatusSuccess},
		{ActionRetry, models.StatusPending},
		{ActionStop, models.StatusStopped},
		{ActionRun, models.StatusRunning},
		{ActionFail, models.StatusError},
	}
	for _, step := range steps {
		got, err := m.Transition(s.ID, step.action)
		if err != nil {
			t.Fatalf("%s: %v", step.action, err)
		}
		if got.Status != step.want {
			t.Fatalf("%s -> %s, want %s", step.action, got.Status, step.want)
		}
		if got.LastTransition == nil || got.LastTransition.Action != step.action {
			t.Fatalf("%s: lastTransition not stamped: %+v", step.action, got.LastTransition)
		}
		// The transition is durable before Transition returns.
		reloaded, err := m.Get(s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if reloaded.Status != step.want {
			t.Fatalf("%s: on-disk status %s, want %s", step.action, reloaded.Status, step.want)
		}
	}
}

func TestInvalidTransitionReported(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Create(echoTemplate(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(s.ID, ActionComplete); err == nil {
		t.Fatalf("complete from PENDING must fail")
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("invalid transition mutated status to %s", got.Status)
	}
}

func TestTransitionPublishesEvent(t *testing.T) {
	events := bus.New()
	cfg := config.Default(t.TempDir())
	m := NewManager(cfg, events, nil)
	s, err := m.Create(echoTemplate(), "")
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel := events.Subscribe()
	defer cancel()
	if _, err := m.Transition(s.ID, ActionStart); err != nil {
		t.Fatal(err)
	}
	ev := <-ch
	if ev.SessionID != s.ID || ev.Action != ActionStart || ev.To != string(models.StatusRunning) {
		t.Errorf("event = %+v", ev)
	}
}

func TestSeedWorkspaceMovesRecord(t *testing.T) {
	m, cfg := newTestManager(t)
	s, err := m.Create(echoTemplate(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SeedWorkspace(s.ID); err != nil {
		t.Fatalf("SeedWorkspace: %v", err)
	}

	// Exactly one record file remains, inside the workspace.
	primaryPath := filepath.Join(cfg.SessionsDir(), "1.yml")
	wsPath := filepath.Join(cfg.WorkspaceDir(s.ID), "db", "sessions", "1.yml")
	if _, err := os.Stat(primaryPath); !os.IsNotExist(err) {
		t.Errorf("primary record still present after seeding")
	}
	if _, err := os.Stat(wsPath); err != nil {
		t.Errorf("workspace record missing: %v", err)
	}

	// The manager keeps operating on the migrated record.
	if _, err := m.Transition(s.ID, ActionStart); err != nil {
		t.Fatalf("Transition after seed: %v", err)
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusRunning {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSoftDeleteExcludedFromListing(t *testing.T) {
	m, _ := newTestManager(t)
	s1, _ := m.Create(echoTemplate(), "")
	s2, _ := m.Create(echoTemplate(), "")
	if err := m.SoftDelete(s1.ID); err != nil {
		t.Fatal(err)
	}

	visible, err := m.List(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 || visible[0].ID != s2.ID {
		t.Errorf("default listing = %+v", visible)
	}
	all, err := m.List(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("full listing = %+v", all)
	}
	// The file survives soft deletion, with the deletion stamp.
	got, err := m.Get(s1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeletedAt == nil {
		t.Errorf("deletedAt not stamped")
	}
}

func TestAppendMessage(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := m.Create(echoTemplate(), "")
	if err := m.AppendMessage(s.ID, models.ChatMessage{Role: models.RoleUser, Content: "Ping"}); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "Ping" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Messages[0].Timestamp.IsZero() {
		t.Errorf("timestamp not stamped")
	}
}

func TestRenderPrompt(t *testing.T) {
	t.Setenv("SUBD_TEST_MARKER", "sandbox-7")
	out, err := RenderPrompt(`Workspace {{env "SUBD_TEST_MARKER"}} on {{hostname}}.`)
	if err != nil {
		t.Fatalf("RenderPrompt: %v", err)
	}
	if !strings.Contains(out, "sandbox-7") {
		t.Errorf("env marker not rendered: %q", out)
	}
	host, _ := os.Hostname()
	if host != "" && !strings.Contains(out, host) {
		t.Errorf("hostname not rendered: %q", out)
	}
}

func TestLoadTemplate(t *testing.T) {
	cfg := config.Default(t.TempDir())
	dir := cfg.TemplatesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := `apiVersion: daemon/v1
kind: Agent
metadata:
  name: echo
spec:
  description: Echo agent
  model: xai:mock
  tools:
    - shell__execute
  systemPrompt: |
    You are an echo.
`
	if err := os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	tpl, err := LoadTemplate(cfg, "echo")
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	if tpl.Model != "xai:mock" || len(tpl.Tools) != 1 || tpl.Tools[0].Name != "shell__execute" {
		t.Errorf("template = %+v", tpl)
	}
	names, err := ListTemplates(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "echo" {
		t.Errorf("ListTemplates = %v", names)
	}
}
