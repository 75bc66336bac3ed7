package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionStatus is the lifecycle state of a session. Transitions between
// statuses are mediated by the session manager's state machine; nothing else
// writes this field.
type SessionStatus string

const (
	StatusPending SessionStatus = "PENDING"
	StatusRunning SessionStatus = "RUNNING"
	StatusPaused  SessionStatus = "PAUSED"
	StatusStopped SessionStatus = "STOPPED"
	StatusSuccess SessionStatus = "SUCCESS"
	StatusError   SessionStatus = "ERROR"
)

// Terminal reports whether the status ends the agent loop.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusSuccess || s == StatusError
}

// Transition records the last applied lifecycle action.
type Transition struct {
	Action    string    `yaml:"action" json:"action"`
	From      string    `yaml:"from" json:"from"`
	To        string    `yaml:"to" json:"to"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
}

// ToolGrant names one tool allowed for a session, optionally with per-session
// option overrides (e.g. exec_on: host_danger).
type ToolGrant struct {
	Name    string            `yaml:"name" json:"name"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// UnmarshalYAML accepts either a bare tool name or a {name, options} mapping.
func (g *ToolGrant) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		g.Name = node.Value
		return nil
	}
	type plain ToolGrant
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*g = ToolGrant(p)
	return nil
}

// Session is a live instance of a template: a conversation, its lifecycle
// state, and the identity of its isolated workspace.
type Session struct {
	ID              int
	Name            string
	ContainerID     string
	CreatedAt       time.Time
	Status          SessionStatus
	LastTransition  *Transition
	Tools           []ToolGrant
	Model           string
	Labels          map[string]string
	DeletedAt       *time.Time
	Usage           *Usage
	Messages        []ChatMessage
	SystemPrompt    string
	PromptEvaluated bool

	// Unknown manifest keys, preserved across read-modify-write.
	extraRoot map[string]any
	extraMeta map[string]any
	extraSpec map[string]any
}

// Deleted reports whether the session has been soft-deleted.
func (s *Session) Deleted() bool { return s.DeletedAt != nil }

// GrantFor returns the tool grant matching name, if any.
func (s *Session) GrantFor(name string) (ToolGrant, bool) {
	for _, g := range s.Tools {
		if g.Name == name {
			return g, true
		}
	}
	return ToolGrant{}, false
}

// LastMessage returns the final log entry, or nil for an empty log.
func (s *Session) LastMessage() *ChatMessage {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

const (
	ManifestAPIVersion = "daemon/v1"
	ManifestKindAgent  = "Agent"
)

type sessionMeta struct {
	ID        int               `yaml:"id"`
	Name      string            `yaml:"name"`
	Labels    map[string]string `yaml:"labels,omitempty"`
	CreatedAt time.Time         `yaml:"createdAt"`
	DeletedAt *time.Time        `yaml:"deletedAt,omitempty"`
	Extra     map[string]any    `yaml:",inline"`
}

type sessionSpec struct {
	Status          SessionStatus  `yaml:"status"`
	ContainerID     string         `yaml:"containerId,omitempty"`
	Model           string         `yaml:"model"`
	Tools           []ToolGrant    `yaml:"tools,omitempty"`
	SystemPrompt    string         `yaml:"systemPrompt,omitempty"`
	PromptEvaluated bool           `yaml:"promptEvaluated,omitempty"`
	LastTransition  *Transition    `yaml:"lastTransition,omitempty"`
	Usage           *Usage         `yaml:"latestUsage,omitempty"`
	Messages        []ChatMessage  `yaml:"messages,omitempty"`
	Extra           map[string]any `yaml:",inline"`
}

type sessionDoc struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   sessionMeta    `yaml:"metadata"`
	Spec       sessionSpec    `yaml:"spec"`
	Extra      map[string]any `yaml:",inline"`
}

// MarshalYAML renders the session as a daemon/v1 Agent manifest.
func (s Session) MarshalYAML() (any, error) {
	return sessionDoc{
		APIVersion: ManifestAPIVersion,
		Kind:       ManifestKindAgent,
		Metadata: sessionMeta{
			ID:        s.ID,
			Name:      s.Name,
			Labels:    s.Labels,
			CreatedAt: s.CreatedAt,
			DeletedAt: s.DeletedAt,
			Extra:     s.extraMeta,
		},
		Spec: sessionSpec{
			Status:          s.Status,
			ContainerID:     s.ContainerID,
			Model:           s.Model,
			Tools:           s.Tools,
			SystemPrompt:    s.SystemPrompt,
			PromptEvaluated: s.PromptEvaluated,
			LastTransition:  s.LastTransition,
			Usage:           s.Usage,
			Messages:        s.Messages,
			Extra:           s.extraSpec,
		},
		Extra: s.extraRoot,
	}, nil
}

// UnmarshalYAML reads a daemon/v1 Agent manifest, keeping unknown keys so a
// later write does not drop them.
func (s *Session) UnmarshalYAML(node *yaml.Node) error {
	var doc sessionDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	if doc.APIVersion != "" && doc.APIVersion != ManifestAPIVersion {
		return fmt.Errorf("unsupported apiVersion %q", doc.APIVersion)
	}
	*s = Session{
		ID:              doc.Metadata.ID,
		Name:            doc.Metadata.Name,
		Labels:          doc.Metadata.Labels,
		CreatedAt:       doc.Metadata.CreatedAt,
		DeletedAt:       doc.Metadata.DeletedAt,
		Status:          doc.Spec.Status,
		ContainerID:     doc.Spec.ContainerID,
		Model:           doc.Spec.Model,
		Tools:           doc.Spec.Tools,
		SystemPrompt:    doc.Spec.SystemPrompt,
		PromptEvaluated: doc.Spec.PromptEvaluated,
		LastTransition:  doc.Spec.LastTransition,
		Usage:           doc.Spec.Usage,
		Messages:        doc.Spec.Messages,
		extraRoot:       doc.Extra,
		extraMeta:       doc.Metadata.Extra,
		extraSpec:       doc.Spec.Extra,
	}
	return nil
}

// Template is the declarative blueprint a session is instantiated from.
// Read-only at runtime.
type Template struct {
	Name         string
	Description  string
	Model        string
	Tools        []ToolGrant
	Labels       map[string]string
	SystemPrompt string
}

type templateMeta struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type templateSpec struct {
	Description  string      `yaml:"description,omitempty"`
	Model        string      `yaml:"model"`
	Tools        []ToolGrant `yaml:"tools,omitempty"`
	SystemPrompt string      `yaml:"systemPrompt,omitempty"`
}

type templateDoc struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Metadata   templateMeta `yaml:"metadata"`
	Spec       templateSpec `yaml:"spec"`
}

func (t Template) MarshalYAML() (any, error) {
	return templateDoc{
		APIVersion: ManifestAPIVersion,
		Kind:       ManifestKindAgent,
		Metadata:   templateMeta{Name: t.Name, Labels: t.Labels},
		Spec: templateSpec{
			Description:  t.Description,
			Model:        t.Model,
			Tools:        t.Tools,
			SystemPrompt: t.SystemPrompt,
		},
	}, nil
}

func (t *Template) UnmarshalYAML(node *yaml.Node) error {
	var doc templateDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	*t = Template{
		Name:         doc.Metadata.Name,
		Labels:       doc.Metadata.Labels,
		Description:  doc.Spec.Description,
		Model:        doc.Spec.Model,
		Tools:        doc.Spec.Tools,
		SystemPrompt: doc.Spec.SystemPrompt,
	}
	return nil
}
