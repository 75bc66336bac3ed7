// Package models defines the shared record and wire types used by the
// daemon, the per-session child processes, and the CLI.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Role indicates the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry in a session's message log.
type ChatMessage struct {
	Role       Role       `yaml:"role" json:"role"`
	Content    string     `yaml:"content" json:"content"`
	ToolCallID string     `yaml:"toolCallId,omitempty" json:"tool_call_id,omitempty"`
	Name       string     `yaml:"name,omitempty" json:"name,omitempty"`
	ToolCalls  []ToolCall `yaml:"toolCalls,omitempty" json:"tool_calls,omitempty"`
	Timestamp  time.Time  `yaml:"timestamp,omitempty" json:"timestamp,omitempty"`
}

// ToolCall is an LLM request to execute a tool.
type ToolCall struct {
	ID        string          `yaml:"id" json:"id"`
	Name      string          `yaml:"name" json:"name"`
	Arguments json.RawMessage `yaml:"arguments,omitempty" json:"arguments,omitempty"`
}

type toolCallDoc struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Arguments any    `yaml:"arguments,omitempty"`
}

// MarshalYAML writes the JSON argument payload as plain YAML so session
// records stay readable. A payload that is not valid JSON falls back to a
// string.
func (c ToolCall) MarshalYAML() (any, error) {
	doc := toolCallDoc{ID: c.ID, Name: c.Name}
	if len(c.Arguments) > 0 {
		var decoded any
		if err := json.Unmarshal(c.Arguments, &decoded); err != nil {
			doc.Arguments = string(c.Arguments)
		} else {
			doc.Arguments = decoded
		}
	}
	return doc, nil
}

func (c *ToolCall) UnmarshalYAML(node *yaml.Node) error {
	var doc toolCallDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	c.ID = doc.ID
	c.Name = doc.Name
	c.Arguments = nil
	switch v := doc.Arguments.(type) {
	case nil:
	case string:
		c.Arguments = json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("tool call %s: arguments: %w", c.ID, err)
		}
		c.Arguments = data
	}
	return nil
}

// ArgumentsMap decodes the call arguments into a generic map.
// A missing or empty argument payload yields an empty map.
func (c ToolCall) ArgumentsMap() (map[string]any, error) {
	if len(c.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Arguments, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Usage records approximate token accounting for the most recent completion.
type Usage struct {
	PromptTokens     int `yaml:"promptTokens" json:"prompt_tokens"`
	CompletionTokens int `yaml:"completionTokens" json:"completion_tokens"`
	TotalTokens      int `yaml:"totalTokens" json:"total_tokens"`
}
