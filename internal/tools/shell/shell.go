// Package shell provides the shell__execute tool: allowlist-gated command
// execution with a two-phase resumable approval flow.
package shell

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mikesmullin/subd/internal/approvals"
	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/policy"
	"github.com/mikesmullin/subd/internal/tools"
)

const (
	phaseInitial  = "initial"
	phaseAwaiting = "awaiting_approval"
)

// Deps wires the tool into its process: the allowlist configuration, the
// approval store, and the hooks that pause the session and notify the host.
// Pause and Notify are nil on the host, where approval never suspends (the
// human is already on this side of the socket).
type Deps struct {
	Config    *config.Config
	Approvals *approvals.Manager
	Pause     func(sessionID int) error
	Notify    func(*bridge.Envelope) error
}

type execArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command line to execute,required"`
}

// Register adds shell__execute to the catalog.
func Register(reg *tools.Registry, d Deps) {
	reg.Register(&tools.Definition{
		Name:        "shell__execute",
		Description: "Execute a shell command in the session workspace. Commands outside the allowlist require human approval.",
		Parameters:  tools.SchemaFor(execArgs{}),
		Positional:  []string{"command"},
		Execute:     d.execute,
	})
}

func (d Deps) execute(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	phase := phaseInitial
	command := ""
	if inv.State != nil {
		if p, ok := inv.State["phase"].(string); ok {
			phase = p
		}
		if c, ok := inv.State["command"].(string); ok {
			command = c
		}
	}
	if command == "" {
		if c, ok := inv.Args["command"].(string); ok {
			command = c
		}
	}
	if strings.TrimSpace(command) == "" {
		return tools.Failure("shell__execute: empty command")
	}

	switch phase {
	case phaseAwaiting:
		return d.awaitApproval(ctx, inv, command)
	default:
		return d.initial(ctx, inv, command)
	}
}

func (d Deps) initial(ctx context.Context, inv *tools.Invocation, command string) tools.Outcome {
	list, listPath, err := d.loadAllowlist(inv)
	if err != nil {
		return tools.Failure("load allowlist: %v", err)
	}
	decision := list.Check(command)
	if decision.Approved {
		return d.run(ctx, command)
	}

	if d.Config.Unattended {
		msg := fmt.Sprintf("command not approved by allowlist: %s", decision.Reason)
		if decision.Rule != "" {
			msg = fmt.Sprintf("command denied by allowlist rule %q", decision.Rule)
		}
		if patterns := list.ApprovedPatterns(); listPath != "" && len(patterns) > 0 {
			msg += fmt.Sprintf("; allowed patterns: %s", strings.Join(patterns, ", "))
		}
		return tools.Failure("%s", msg)
	}

	if _, err := d.Approvals.CreateApproval(inv.SessionID, inv.ToolCallID, "shell__execute", command); err != nil {
		return tools.Failure("record approval: %v", err)
	}
	if d.Pause != nil {
		if err := d.Pause(inv.SessionID); err != nil {
			return tools.Failure("pause session: %v", err)
		}
	}
	if d.Notify != nil {
		env, err := bridge.New(bridge.TypeApprovalRequest, inv.SessionID, bridge.ApprovalRequestPayload{
			SessionID:   inv.SessionID,
			ToolCallID:  inv.ToolCallID,
			Kind:        "shell__execute",
			Description: command,
		})
		if err == nil {
			if nerr := d.Notify(env); nerr != nil {
				return tools.Failure("notify host: %v", nerr)
			}
		}
	}
	return tools.Running(map[string]any{"phase": phaseAwaiting, "command": command})
}

func (d Deps) awaitApproval(ctx context.Context, inv *tools.Invocation, command string) tools.Outcome {
	received, _ := inv.External["approvalReceived"].(bool)
	if !received {
		// Spurious re-invocation before the human decided; stay suspended.
		return tools.Running(map[string]any{"phase": phaseAwaiting, "command": command})
	}
	choice, _ := inv.External["choice"].(string)
	if choice == approvals.ChoiceApprove {
		return d.run(ctx, command)
	}
	explanation, _ := inv.External["explanation"].(string)
	if explanation == "" {
		return tools.Failure("command %q rejected by human", command)
	}
	return tools.Failure("command %q rejected by human: %s", command, explanation)
}

// loadAllowlist resolves the effective allowlist: a per-session override from
// the tool grant options wins over the configured global path.
func (d Deps) loadAllowlist(inv *tools.Invocation) (*policy.Allowlist, string, error) {
	path := d.Config.ResolveAllowlistPath()
	sessionPath := ""
	if p, ok := inv.Options["allowlist"]; ok && p != "" {
		path = p
		sessionPath = p
	}
	list, err := policy.Load(path)
	if err != nil {
		return nil, "", err
	}
	return list, sessionPath, nil
}

func (d Deps) run(ctx context.Context, command string) tools.Outcome {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = d.Config.Root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return tools.Failure("%s: %v\n%s", command, err, out)
	}
	return tools.Success(string(out))
}
