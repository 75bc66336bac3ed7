package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestRootCommandTree(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"daemon", "child"} {
		if !names[want] {
			t.Errorf("missing subcommand %q", want)
		}
	}
}

func capture(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestPrintResultStringPassesThrough(t *testing.T) {
	cmd, buf := capture(t)
	data, _ := json.Marshal(map[string]any{"status": "SUCCESS", "result": "session 1: PAUSED"})
	if err := printResult(cmd, data); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "session 1: PAUSED" {
		t.Fatalf("output = %q", got)
	}
}

func TestPrintResultStructuredIsIndented(t *testing.T) {
	cmd, buf := capture(t)
	data, _ := json.Marshal(map[string]any{
		"status": "SUCCESS",
		"result": []map[string]any{{"id": 1, "name": "echo-1"}},
	})
	if err := printResult(cmd, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "\"name\": \"echo-1\"") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestPrintResultEmptyIsOK(t *testing.T) {
	cmd, buf := capture(t)
	if err := printResult(cmd, nil); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "ok" {
		t.Fatalf("output = %q", buf.String())
	}
}
