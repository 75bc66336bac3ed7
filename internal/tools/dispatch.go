package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Route is where an invocation must execute.
type Route int

const (
	RouteHost Route = iota
	RouteChild
)

// ErrHumanOnly rejects LLM-originated calls to human-only tools.
var ErrHumanOnly = errors.New("tool is human-only")

// RequiresHost reports whether the grant options upgrade the tool to host
// execution (exec_on: host_danger) or the tool demands it outright.
func RequiresHost(d *Definition, options map[string]string) bool {
	if d.Meta.RequiresHostExecution {
		return true
	}
	return options["exec_on"] == "host_danger"
}

// DecideRoute picks the execution context for one invocation.
// fromHuman marks the CLI/control path; the agent loop never sets it.
func DecideRoute(d *Definition, sessionID int, fromHuman bool, options map[string]string) (Route, error) {
	if d.Meta.HumanOnly && !fromHuman {
		return RouteHost, fmt.Errorf("%s: %w", d.Name, ErrHumanOnly)
	}
	if d.Meta.LocalCommand || sessionID == 0 || RequiresHost(d, options) {
		return RouteHost, nil
	}
	return RouteChild, nil
}

// ExecuteLocal validates arguments and runs the handler, converting panics
// and schema violations into FAILURE outcomes so no error crosses the
// async boundary as a crash.
func ExecuteLocal(ctx context.Context, d *Definition, inv *Invocation) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failure("tool %s panicked: %v", d.Name, r)
		}
	}()
	if d.Execute == nil {
		return Failure("tool %s has no handler", d.Name)
	}
	// Resumed invocations carry phase state instead of arguments; the
	// initial phase already validated, so only validate fresh calls.
	if len(inv.State) == 0 {
		raw, err := json.Marshal(inv.Args)
		if err != nil {
			return Failure("tool %s: unencodable arguments: %v", d.Name, err)
		}
		if err := d.ValidateArgs(raw); err != nil {
			return Failure("%v", err)
		}
	}
	return d.Execute(ctx, inv)
}
