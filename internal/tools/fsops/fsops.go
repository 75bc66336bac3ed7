// Package fsops provides the filesystem tools: directory listing on the host
// and file read/write inside the session workspace.
package fsops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mikesmullin/subd/internal/tools"
)

type listArgs struct {
	Path string `json:"path" jsonschema:"description=Directory to list,required"`
}

type readArgs struct {
	Path string `json:"path" jsonschema:"description=File to read,required"`
}

type writeArgs struct {
	Path    string `json:"path" jsonschema:"description=File to write,required"`
	Content string `json:"content" jsonschema:"description=Content to write"`
}

// Register adds the fs tools to the catalog. root anchors relative paths for
// the read/write tools; directory listing runs on the host and accepts
// absolute paths.
func Register(reg *tools.Registry, root string) {
	reg.Register(&tools.Definition{
		Name:        "fs__directory__list",
		Description: "List the entries of a directory.",
		Parameters:  tools.SchemaFor(listArgs{}),
		Positional:  []string{"path"},
		Meta:        tools.Meta{RequiresHostExecution: true},
		Execute:     listDirectory,
	})
	reg.Register(&tools.Definition{
		Name:        "fs__file__read",
		Description: "Read a file from the session workspace.",
		Parameters:  tools.SchemaFor(readArgs{}),
		Positional:  []string{"path"},
		Execute:     readFile(root),
	})
	reg.Register(&tools.Definition{
		Name:        "fs__file__write",
		Description: "Write a file in the session workspace, creating parent directories.",
		Parameters:  tools.SchemaFor(writeArgs{}),
		Positional:  []string{"path", "content"},
		Execute:     writeFile(root),
	})
}

func listDirectory(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	path, _ := inv.Args["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return tools.Failure("list %s: %v", path, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return tools.Success(names)
}

// resolve anchors path under root and rejects traversal outside it.
func resolve(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the workspace", path)
	}
	return full, nil
}

func readFile(root string) tools.Handler {
	return func(ctx context.Context, inv *tools.Invocation) tools.Outcome {
		path, _ := inv.Args["path"].(string)
		full, err := resolve(root, path)
		if err != nil {
			return tools.Failure("%v", err)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return tools.Failure("read %s: %v", path, err)
		}
		return tools.Success(string(data))
	}
}

func writeFile(root string) tools.Handler {
	return func(ctx context.Context, inv *tools.Invocation) tools.Outcome {
		path, _ := inv.Args["path"].(string)
		content, _ := inv.Args["content"].(string)
		full, err := resolve(root, path)
		if err != nil {
			return tools.Failure("%v", err)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return tools.Failure("write %s: %v", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return tools.Failure("write %s: %v", path, err)
		}
		return tools.Success(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	}
}
