// Package providers defines the LLM completion contract the agent loop
// drives, and the host-side registry that resolves a provider by name.
// Providers run only in the host process; children obtain completions
// through the bridge so credentials never leave the host.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mikesmullin/subd/pkg/models"
)

// ToolSpec advertises one callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is one completion request.
type Request struct {
	Model    string               `json:"model"`
	System   string               `json:"system,omitempty"`
	Messages []models.ChatMessage `json:"messages"`
	Tools    []ToolSpec           `json:"tools,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Message      models.ChatMessage `json:"message"`
	FinishReason string             `json:"finish_reason"`
}

// Response carries every choice the provider returned plus usage counters.
type Response struct {
	Choices []Choice      `json:"choices"`
	Usage   *models.Usage `json:"usage,omitempty"`
}

// Provider is a named completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Registry resolves providers by name. Registration happens once during the
// host boot phase.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Provider)}
}

// Register adds a provider; re-registering a name replaces it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[p.Name()] = p
}

// Get returns the provider for name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.m[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	return names
}
