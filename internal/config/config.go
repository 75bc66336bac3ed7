// Package config loads daemon configuration from config.yml and .env and
// resolves the on-disk layout shared by the host and the per-session child
// processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration with yaml support ("5s", "2m").
type Duration time.Duration

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// RuntimeConfig selects how session children are isolated.
type RuntimeConfig struct {
	// Kind is "docker" (container per session) or "process" (plain child
	// process per session, for development and tests).
	Kind string `yaml:"kind"`

	// Image is the container image run for each session (docker runtime).
	Image string `yaml:"image"`
}

// AgentConfig tunes the child-side agent loop.
type AgentConfig struct {
	// TickInterval is how often the loop re-reads its session and acts.
	TickInterval Duration `yaml:"tickInterval"`

	// RequestTimeout bounds host<->child command round-trips.
	RequestTimeout Duration `yaml:"requestTimeout"`

	// MaxToolResultBytes truncates tool output appended to the message log.
	MaxToolResultBytes int `yaml:"maxToolResultBytes"`

	// MaxTurns limits assistant turns in single-shot mode (0 = unlimited).
	MaxTurns int `yaml:"maxTurns"`
}

// Config is the daemon configuration.
type Config struct {
	// Root is the installation root; resolved at load time, not serialized.
	Root string `yaml:"-"`

	// Unattended disables human-in-the-loop approval: commands the
	// allowlist does not approve fail instead of pausing the session.
	Unattended bool `yaml:"unattended"`

	// CurrentSession is the implicit session context for CLI commands that
	// do not name one. Zero means "the host".
	CurrentSession int `yaml:"currentSession"`

	// AllowlistPath points at the YAML command allowlist. Relative paths
	// resolve against Root.
	AllowlistPath string `yaml:"allowlistPath"`

	Runtime RuntimeConfig `yaml:"runtime"`
	Agent   AgentConfig   `yaml:"agent"`
}

// Default returns the configuration used when config.yml is absent.
func Default(root string) *Config {
	return &Config{
		Root:          root,
		AllowlistPath: "allowlist.yml",
		Runtime: RuntimeConfig{
			Kind:  "process",
			Image: "subd-child:latest",
		},
		Agent: AgentConfig{
			TickInterval:       Duration(2 * time.Second),
			RequestTimeout:     Duration(5 * time.Second),
			MaxToolResultBytes: 16 << 10,
		},
	}
}

// Load reads <root>/config.yml over the defaults. A missing file is not an
// error; a malformed one is.
func Load(root string) (*Config, error) {
	cfg := Default(root)
	data, err := os.ReadFile(filepath.Join(root, "config.yml"))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config.yml: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config.yml: %w", err)
	}
	cfg.Root = root
	if cfg.Agent.TickInterval <= 0 {
		cfg.Agent.TickInterval = Duration(2 * time.Second)
	}
	if cfg.Agent.RequestTimeout <= 0 {
		cfg.Agent.RequestTimeout = Duration(5 * time.Second)
	}
	return cfg, nil
}

// Path layout. The same helpers serve both sides: the host's Root is the
// installation root, the child's Root is its bind-mounted workspace.

func (c *Config) TemplatesDir() string  { return filepath.Join(c.Root, "agent", "templates") }
func (c *Config) SessionsDir() string   { return filepath.Join(c.Root, "db", "sessions") }
func (c *Config) WorkspacesDir() string { return filepath.Join(c.Root, "db", "workspaces") }
func (c *Config) GroupsDir() string     { return filepath.Join(c.Root, "db", "groups") }
func (c *Config) QuestionsDir() string  { return filepath.Join(c.Root, "db", "questions") }
func (c *Config) ApprovalsDir() string  { return filepath.Join(c.Root, "db", "approvals") }

// ControlSocket is the CLI<->host control channel, under the daemon's
// runtime directory rather than the project root.
func (c *Config) ControlSocket() string { return filepath.Join(c.Root, "db", "control.sock") }

// WorkspaceDir is the per-session bind-mount root on the host.
func (c *Config) WorkspaceDir(sessionID int) string {
	return filepath.Join(c.WorkspacesDir(), fmt.Sprintf("%d", sessionID))
}

// HostSessionSocket is the per-session duplex socket path on the host side.
func (c *Config) HostSessionSocket(sessionID int) string {
	return filepath.Join(c.WorkspaceDir(sessionID), "db", "sockets", fmt.Sprintf("%d.sock", sessionID))
}

// ChildSessionSocket is the same socket as seen from inside the workspace.
func (c *Config) ChildSessionSocket(sessionID int) string {
	return filepath.Join(c.Root, "db", "sockets", fmt.Sprintf("%d.sock", sessionID))
}

// ResolveAllowlistPath returns the absolute allowlist path.
func (c *Config) ResolveAllowlistPath() string {
	if filepath.IsAbs(c.AllowlistPath) {
		return c.AllowlistPath
	}
	return filepath.Join(c.Root, c.AllowlistPath)
}

// ChildRoot resolves the root directory for a child process: SUBD_ROOT if
// set (process runtime), otherwise /app (the container mount point).
func ChildRoot() string {
	if root := os.Getenv("SUBD_ROOT"); root != "" {
		return root
	}
	return "/app"
}
