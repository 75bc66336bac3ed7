package models

import (
	"fmt"
	"strings"
)

// ModelRef identifies a model as "<provider>:<model>". The model part may
// itself contain colons (e.g. "ollama:qwen3:8b").
type ModelRef struct {
	Provider string
	Model    string
}

// ParseModelRef splits an identifier on its first colon.
func ParseModelRef(s string) (ModelRef, error) {
	provider, model, ok := strings.Cut(s, ":")
	if !ok {
		return ModelRef{}, fmt.Errorf("model identifier %q: missing provider separator", s)
	}
	if provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("model identifier %q: empty provider or model", s)
	}
	return ModelRef{Provider: provider, Model: model}, nil
}

func (r ModelRef) String() string {
	return r.Provider + ":" + r.Model
}
