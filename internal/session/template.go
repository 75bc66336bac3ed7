package session

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/pkg/models"
)

// LoadTemplate reads agent/templates/<name>.yaml.
func LoadTemplate(cfg *config.Config, name string) (models.Template, error) {
	path := filepath.Join(cfg.TemplatesDir(), name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Template{}, fmt.Errorf("read template %s: %w", name, err)
	}
	var tpl models.Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return models.Template{}, fmt.Errorf("parse template %s: %w", name, err)
	}
	if tpl.Name == "" {
		tpl.Name = name
	}
	return tpl, nil
}

// ListTemplates returns the template names available on disk.
func ListTemplates(cfg *config.Config) ([]string, error) {
	entries, err := os.ReadDir(cfg.TemplatesDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// RenderPrompt expands the system prompt's template markers. Rendering runs
// once, in the child, so env and hostname reflect the sandbox rather than
// the host.
func RenderPrompt(src string) (string, error) {
	tmpl, err := template.New("prompt").Funcs(template.FuncMap{
		"env": os.Getenv,
		"hostname": func() string {
			h, err := os.Hostname()
			if err != nil {
				return ""
			}
			return h
		},
	}).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse system prompt: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}
