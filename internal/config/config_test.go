package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsWhenConfigMissing(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Unattended {
		t.Errorf("unattended should default false")
	}
	if time.Duration(cfg.Agent.TickInterval) != 2*time.Second {
		t.Errorf("tick interval = %v", cfg.Agent.TickInterval)
	}
	if time.Duration(cfg.Agent.RequestTimeout) != 5*time.Second {
		t.Errorf("request timeout = %v", cfg.Agent.RequestTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	root := t.TempDir()
	doc := `unattended: true
currentSession: 3
runtime:
  kind: docker
  image: subd-child:dev
agent:
  tickInterval: 500ms
  maxToolResultBytes: 1024
`
	if err := os.WriteFile(filepath.Join(root, "config.yml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Unattended || cfg.CurrentSession != 3 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Runtime.Kind != "docker" || cfg.Runtime.Image != "subd-child:dev" {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if time.Duration(cfg.Agent.TickInterval) != 500*time.Millisecond {
		t.Errorf("tick interval = %v", cfg.Agent.TickInterval)
	}
	// Unset durations fall back to defaults.
	if time.Duration(cfg.Agent.RequestTimeout) != 5*time.Second {
		t.Errorf("request timeout = %v", cfg.Agent.RequestTimeout)
	}
}

func TestSocketPaths(t *testing.T) {
	cfg := Default("/srv/subd")
	if got := cfg.HostSessionSocket(4); got != "/srv/subd/db/workspaces/4/db/sockets/4.sock" {
		t.Errorf("host socket = %s", got)
	}
	child := Default("/app")
	if got := child.ChildSessionSocket(4); got != "/app/db/sockets/4.sock" {
		t.Errorf("child socket = %s", got)
	}
	if got := cfg.ControlSocket(); got != "/srv/subd/db/control.sock" {
		t.Errorf("control socket = %s", got)
	}
}

func TestLoadEnv(t *testing.T) {
	root := t.TempDir()
	env := "# comment line\nXAI_API_KEY=secret\nOLLAMA_BASE_URL=http://localhost:11434/v1\n"
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte(env), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XAI_API_KEY", "")
	os.Unsetenv("XAI_API_KEY")
	t.Setenv("OLLAMA_BASE_URL", "")
	os.Unsetenv("OLLAMA_BASE_URL")

	if err := LoadEnv(root); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := ProviderAPIKey("xai"); got != "secret" {
		t.Errorf("ProviderAPIKey = %q", got)
	}
	if got := ProviderBaseURL("ollama"); got != "http://localhost:11434/v1" {
		t.Errorf("ProviderBaseURL = %q", got)
	}
}
