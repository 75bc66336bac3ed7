package tools

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func noop(ctx context.Context, inv *Invocation) Outcome { return Success("ok") }

func TestSplitArgv(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"shell exec ls", []string{"shell", "exec", "ls"}},
		{`say "hello world"`, []string{"say", "hello world"}},
		{`say 'a b' c`, []string{"say", "a b", "c"}},
		{`run {command: "ls -la", cwd: /tmp}`, []string{"run", `{command: "ls -la", cwd: /tmp}`}},
		{`pick [1, 2, 3]`, []string{"pick", "[1, 2, 3]"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := SplitArgv(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitArgv(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestResolveGluesTokens(t *testing.T) {
	r := NewRegistry()
	r.Register(&Definition{Name: "shell", Execute: noop})
	r.Register(&Definition{Name: "shell__execute", Positional: []string{"command"}, Execute: noop})

	// The longest existing concatenation wins.
	res, err := r.Resolve("shell execute ls -la")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Def.Name != "shell__execute" {
		t.Errorf("resolved %s, want shell__execute", res.Def.Name)
	}
	if res.Args["command"] != "ls -la" {
		t.Errorf("positional remainder = %v", res.Args["command"])
	}
}

func TestResolveDeterministic(t *testing.T) {
	r := NewRegistry()
	r.Register(&Definition{Name: "fs__file__read", Positional: []string{"path"}, Execute: noop})
	for i := 0; i < 10; i++ {
		res, err := r.Resolve("fs file read /etc/hosts")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if res.Def.Name != "fs__file__read" || res.Args["path"] != "/etc/hosts" {
			t.Fatalf("iteration %d resolved %s %v", i, res.Def.Name, res.Args)
		}
	}
}

func TestResolveAliasPrecedence(t *testing.T) {
	r := NewRegistry()
	// Registered first: claims "ps".
	r.Register(&Definition{
		Name:    "session__list",
		Execute: noop,
		Alias: func(argv []string) (AliasMatch, bool) {
			if argv[0] == "ps" {
				return AliasMatch{Name: "session__list"}, true
			}
			return AliasMatch{}, false
		},
	})
	// Registered second: would also claim "ps", but loses on order.
	r.Register(&Definition{
		Name:    "process__snapshot",
		Execute: noop,
		Alias: func(argv []string) (AliasMatch, bool) {
			if argv[0] == "ps" {
				return AliasMatch{Name: "process__snapshot"}, true
			}
			return AliasMatch{}, false
		},
	})
	res, err := r.Resolve("ps")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Def.Name != "session__list" {
		t.Errorf("alias precedence violated: got %s", res.Def.Name)
	}
}

func TestResolveAliasBindsSession(t *testing.T) {
	r := NewRegistry()
	r.Register(&Definition{
		Name:       "session__pause",
		Positional: []string{"session"},
		Execute:    noop,
		Alias: func(argv []string) (AliasMatch, bool) {
			if argv[0] != "pause" || len(argv) < 2 {
				return AliasMatch{}, false
			}
			id, ok := parseID(argv[1])
			if !ok {
				return AliasMatch{}, false
			}
			return AliasMatch{Name: "session__pause", SessionID: id, Args: map[string]any{"session": id}}, true
		},
	})
	res, err := r.Resolve("pause 4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.SessionID != 4 {
		t.Errorf("SessionID = %d", res.SessionID)
	}
}

func parseID(s string) (int, bool) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func TestResolveFlowStyleArgs(t *testing.T) {
	r := NewRegistry()
	r.Register(&Definition{Name: "shell__execute", Positional: []string{"command"}, Execute: noop})
	res, err := r.Resolve(`shell execute {command: "git status", timeout: 5}`)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Args["command"] != "git status" || res.Args["timeout"] != 5 {
		t.Errorf("flow args = %v", res.Args)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("no such command")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestResolveMissingHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(&Definition{Name: "ghost"})
	if _, err := r.Resolve("ghost"); err == nil {
		t.Fatalf("tool without handler should not resolve")
	}
}
