// Package sessionctl provides the host-side, human-only command catalog:
// session lifecycle control, approval and answer delivery, group fan-out,
// and workspace cleanup. These tools never appear in the LLM tool set.
package sessionctl

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mikesmullin/subd/internal/approvals"
	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/session"
	"github.com/mikesmullin/subd/internal/store"
	"github.com/mikesmullin/subd/internal/tools"
	"github.com/mikesmullin/subd/pkg/models"
)

// Provisioner is the supervisor surface these tools drive.
type Provisioner interface {
	// Provision prepares the workspace and spawns the child for a session.
	Provision(ctx context.Context, sessionID int) error

	// Signal delivers a lifecycle signal to a live child. action is the
	// session lifecycle action the signal maps to (pause or stop).
	Signal(sessionID int, action string) error

	// Teardown stops the child and releases its socket.
	Teardown(ctx context.Context, sessionID int) error
}

// ChildSender delivers a fire-and-forget message to a session's child.
type ChildSender func(sessionID int, env *bridge.Envelope) error

// Deps wires the catalog into the host.
type Deps struct {
	Config    *config.Config
	Sessions  *session.Manager
	Approvals *approvals.Manager
	Groups    *store.Collection[models.Group]
	Runtime   Provisioner
	Send      ChildSender
}

// Register adds the session-control tools to the host catalog.
func Register(reg *tools.Registry, d Deps) {
	human := tools.Meta{HumanOnly: true, LocalCommand: true}

	reg.Register(&tools.Definition{
		Name:        "session__new",
		Description: "Create a session from a template and start its child.",
		Positional:  []string{"template", "name"},
		Meta:        human,
		Alias: func(argv []string) (tools.AliasMatch, bool) {
			// "new <template>" is the historical short form.
			if len(argv) >= 2 && argv[0] == "new" {
				args := map[string]any{"template": argv[1]}
				if len(argv) > 2 {
					args["name"] = argv[2]
				}
				return tools.AliasMatch{Name: "session__new", Args: args}, true
			}
			return tools.AliasMatch{}, false
		},
		Execute: d.sessionNew,
	})
	reg.Register(&tools.Definition{
		Name:        "session__list",
		Description: "List sessions and their statuses.",
		Meta:        human,
		Alias: func(argv []string) (tools.AliasMatch, bool) {
			if len(argv) == 1 && argv[0] == "ps" {
				return tools.AliasMatch{Name: "session__list"}, true
			}
			return tools.AliasMatch{}, false
		},
		Execute: d.sessionList,
	})
	reg.Register(&tools.Definition{
		Name:        "session__pause",
		Description: "Pause a session.",
		Positional:  []string{"id"},
		Meta:        human,
		Execute:     d.signalAction(session.ActionPause),
	})
	reg.Register(&tools.Definition{
		Name:        "session__resume",
		Description: "Resume a paused session.",
		Positional:  []string{"id"},
		Meta:        human,
		Execute:     d.transitionAction(session.ActionResume),
	})
	reg.Register(&tools.Definition{
		Name:        "session__stop",
		Description: "Stop a session and its child.",
		Positional:  []string{"id"},
		Meta:        human,
		Execute:     d.sessionStop,
	})
	reg.Register(&tools.Definition{
		Name:        "session__run",
		Description: "Restart a stopped session.",
		Positional:  []string{"id"},
		Meta:        human,
		Execute:     d.respawnAction(session.ActionRun),
	})
	reg.Register(&tools.Definition{
		Name:        "session__retry",
		Description: "Re-run a finished session from its current log.",
		Positional:  []string{"id"},
		Meta:        human,
		Execute:     d.respawnAction(session.ActionRetry),
	})
	reg.Register(&tools.Definition{
		Name:        "session__rm",
		Description: "Soft-delete a session; its record is kept with a deletedAt stamp.",
		Positional:  []string{"id"},
		Meta:        human,
		Execute:     d.sessionRemove,
	})
	reg.Register(&tools.Definition{
		Name:        "session__log",
		Description: "Show a session's message log.",
		Positional:  []string{"id"},
		Meta:        human,
		Execute:     d.sessionLog,
	})
	reg.Register(&tools.Definition{
		Name:        "session__send",
		Description: "Send a user message to a session.",
		Positional:  []string{"id", "text"},
		Meta:        human,
		Execute:     d.sessionSend,
	})
	reg.Register(&tools.Definition{
		Name:        "approve",
		Description: "Resolve a pending approval: approve <id> APPROVE|REJECT|MODIFY [explanation].",
		Positional:  []string{"id", "choice", "explanation"},
		Meta:        human,
		Execute:     d.approve,
	})
	reg.Register(&tools.Definition{
		Name:        "answer",
		Description: "Answer a pending question: answer <id> <text>.",
		Positional:  []string{"id", "text"},
		Meta:        human,
		Execute:     d.answer,
	})
	reg.Register(&tools.Definition{
		Name:        "group__create",
		Description: "Create a named session group.",
		Positional:  []string{"name"},
		Meta:        human,
		Execute:     d.groupCreate,
	})
	reg.Register(&tools.Definition{
		Name:        "group__add",
		Description: "Add a session to a group.",
		Positional:  []string{"name", "id"},
		Meta:        human,
		Execute:     d.groupAdd,
	})
	reg.Register(&tools.Definition{
		Name:        "group__send",
		Description: "Send a user message to every session in a group.",
		Positional:  []string{"name", "text"},
		Meta:        human,
		Execute:     d.groupSend,
	})
	reg.Register(&tools.Definition{
		Name:        "clean",
		Description: "Remove terminal sessions, their workspaces, and stale approval/question records.",
		Meta:        human,
		Execute:     d.clean,
	})
}

// intArg reads a positional id that may arrive as int, float64 (JSON), or
// string.
func intArg(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: not a number: %q", key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s is required", key)
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func (d Deps) sessionNew(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	name := stringArg(inv.Args, "template")
	if name == "" {
		return tools.Failure("session new: template name required")
	}
	tpl, err := session.LoadTemplate(d.Config, name)
	if err != nil {
		return tools.Failure("%v", err)
	}
	s, err := d.Sessions.Create(tpl, stringArg(inv.Args, "name"))
	if err != nil {
		return tools.Failure("%v", err)
	}
	if d.Runtime != nil {
		if err := d.Runtime.Provision(ctx, s.ID); err != nil {
			return tools.Failure("session %d created but provisioning failed: %v", s.ID, err)
		}
	}
	return tools.Success(map[string]any{"id": s.ID, "name": s.Name, "status": string(s.Status)})
}

func (d Deps) sessionList(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	list, err := d.Sessions.List(false)
	if err != nil {
		return tools.Failure("%v", err)
	}
	rows := make([]map[string]any, 0, len(list))
	for _, s := range list {
		row := map[string]any{
			"id":     s.ID,
			"name":   s.Name,
			"status": string(s.Status),
			"model":  s.Model,
		}
		if s.Usage != nil {
			row["totalTokens"] = s.Usage.TotalTokens
		}
		rows = append(rows, row)
	}
	return tools.Success(rows)
}

// signalAction coerces the child through a unix signal, falling back to a
// direct transition when no child is reachable.
func (d Deps) signalAction(action string) tools.Handler {
	return func(ctx context.Context, inv *tools.Invocation) tools.Outcome {
		id, err := intArg(inv.Args, "id")
		if err != nil {
			return tools.Failure("%v", err)
		}
		if d.Runtime != nil {
			if err := d.Runtime.Signal(id, action); err == nil {
				return tools.Success(fmt.Sprintf("session %d: %s signaled", id, action))
			}
		}
		s, err := d.Sessions.Transition(id, action)
		if err != nil {
			return tools.Failure("%v", err)
		}
		return tools.Success(fmt.Sprintf("session %d: %s", id, s.Status))
	}
}

func (d Deps) transitionAction(action string) tools.Handler {
	return func(ctx context.Context, inv *tools.Invocation) tools.Outcome {
		id, err := intArg(inv.Args, "id")
		if err != nil {
			return tools.Failure("%v", err)
		}
		s, err := d.Sessions.Transition(id, action)
		if err != nil {
			return tools.Failure("%v", err)
		}
		return tools.Success(fmt.Sprintf("session %d: %s", id, s.Status))
	}
}

func (d Deps) sessionStop(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	id, err := intArg(inv.Args, "id")
	if err != nil {
		return tools.Failure("%v", err)
	}
	if d.Runtime != nil {
		if err := d.Runtime.Signal(id, session.ActionStop); err == nil {
			return tools.Success(fmt.Sprintf("session %d: stop signaled", id))
		}
	}
	s, err := d.Sessions.Transition(id, session.ActionStop)
	if err != nil {
		return tools.Failure("%v", err)
	}
	if d.Runtime != nil {
		if err := d.Runtime.Teardown(ctx, id); err != nil {
			return tools.Failure("session %d stopped but teardown failed: %v", id, err)
		}
	}
	return tools.Success(fmt.Sprintf("session %d: %s", id, s.Status))
}

// respawnAction transitions and brings the child back up.
func (d Deps) respawnAction(action string) tools.Handler {
	return func(ctx context.Context, inv *tools.Invocation) tools.Outcome {
		id, err := intArg(inv.Args, "id")
		if err != nil {
			return tools.Failure("%v", err)
		}
		s, err := d.Sessions.Transition(id, action)
		if err != nil {
			return tools.Failure("%v", err)
		}
		if d.Runtime != nil {
			if err := d.Runtime.Provision(ctx, id); err != nil {
				return tools.Failure("session %d: %s but respawn failed: %v", id, s.Status, err)
			}
		}
		return tools.Success(fmt.Sprintf("session %d: %s", id, s.Status))
	}
}

func (d Deps) sessionRemove(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	id, err := intArg(inv.Args, "id")
	if err != nil {
		return tools.Failure("%v", err)
	}
	if err := d.Sessions.SoftDelete(id); err != nil {
		return tools.Failure("%v", err)
	}
	return tools.Success(fmt.Sprintf("session %d removed", id))
}

func (d Deps) sessionLog(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	id, err := intArg(inv.Args, "id")
	if err != nil {
		return tools.Failure("%v", err)
	}
	s, err := d.Sessions.Get(id)
	if err != nil {
		return tools.Failure("%v", err)
	}
	return tools.Success(s.Messages)
}

// sendUserMessage routes a human message to a session. A connected child owns
// the message log, so delivery goes over the bridge and the child appends it;
// the host writes directly only when no child can be running the log.
func (d Deps) sendUserMessage(id int, text string) error {
	s, err := d.Sessions.Get(id)
	if err != nil {
		return err
	}
	if d.Send != nil {
		env, err := bridge.New(bridge.TypeUserMessage, id, bridge.UserMessagePayload{Content: text})
		if err != nil {
			return err
		}
		if err := d.Send(id, env); err == nil {
			return nil
		}
	}
	if s.Status == models.StatusRunning {
		return fmt.Errorf("session %d is RUNNING but its child is unreachable; pause it or retry", id)
	}
	return d.Sessions.AppendMessage(id, models.ChatMessage{
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now().UTC(),
	})
}

func (d Deps) sessionSend(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	id, err := intArg(inv.Args, "id")
	if err != nil {
		return tools.Failure("%v", err)
	}
	text := stringArg(inv.Args, "text")
	if text == "" {
		return tools.Failure("session send: empty message")
	}
	if err := d.sendUserMessage(id, text); err != nil {
		return tools.Failure("%v", err)
	}
	return tools.Success(fmt.Sprintf("message queued for session %d", id))
}

func (d Deps) approve(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	id, err := intArg(inv.Args, "id")
	if err != nil {
		return tools.Failure("%v", err)
	}
	choice := stringArg(inv.Args, "choice")
	explanation := stringArg(inv.Args, "explanation")
	a, err := d.Approvals.ResolveApproval(id, choice, explanation)
	if err != nil {
		return tools.Failure("%v", err)
	}
	env, err := bridge.New(bridge.TypeApprovalResponse, a.SessionID, bridge.ApprovalResponsePayload{
		ToolCallID:       a.ToolCallID,
		ApprovalReceived: true,
		Choice:           choice,
		Explanation:      explanation,
	})
	if err != nil {
		return tools.Failure("%v", err)
	}
	if d.Send != nil {
		if err := d.Send(a.SessionID, env); err != nil {
			return tools.Failure("approval recorded but delivery failed: %v", err)
		}
	}
	return tools.Success(fmt.Sprintf("approval %d: %s", id, choice))
}

func (d Deps) answer(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	id, err := intArg(inv.Args, "id")
	if err != nil {
		return tools.Failure("%v", err)
	}
	text := stringArg(inv.Args, "text")
	q, err := d.Approvals.ResolveQuestion(id, text)
	if err != nil {
		return tools.Failure("%v", err)
	}
	// The synthetic tool message lets the next tick observe the answer even
	// if the child misses the socket delivery. The session is PAUSED here, so
	// this is the one host-side log append.
	if err := d.Sessions.AppendMessage(q.SessionID, models.ChatMessage{
		Role:       models.RoleTool,
		ToolCallID: q.ToolCallID,
		Name:       "human__ask",
		Content:    text,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		return tools.Failure("answer recorded but log append failed: %v", err)
	}
	env, err := bridge.New(bridge.TypeQuestionResponse, q.SessionID, bridge.QuestionResponsePayload{
		ToolCallID:     q.ToolCallID,
		AnswerReceived: true,
		Answer:         text,
	})
	if err != nil {
		return tools.Failure("%v", err)
	}
	if d.Send != nil {
		if err := d.Send(q.SessionID, env); err != nil {
			return tools.Failure("answer recorded but delivery failed: %v", err)
		}
	}
	if _, err := d.Sessions.Transition(q.SessionID, session.ActionResume); err != nil {
		return tools.Failure("answer recorded but resume failed: %v", err)
	}
	return tools.Success(fmt.Sprintf("question %d answered", id))
}

func (d Deps) groupCreate(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	name := stringArg(inv.Args, "name")
	if name == "" {
		return tools.Failure("group create: name required")
	}
	if _, ok, _ := d.Groups.Get(name); ok {
		return tools.Failure("group %q already exists", name)
	}
	d.Groups.Set(name, models.Group{Name: name})
	if err := d.Groups.Save(); err != nil {
		return tools.Failure("%v", err)
	}
	return tools.Success(fmt.Sprintf("group %q created", name))
}

func (d Deps) groupAdd(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	name := stringArg(inv.Args, "name")
	id, err := intArg(inv.Args, "id")
	if err != nil {
		return tools.Failure("%v", err)
	}
	if _, err := d.Sessions.Get(id); err != nil {
		return tools.Failure("%v", err)
	}
	g, ok, err := d.Groups.Get(name)
	if err != nil {
		return tools.Failure("%v", err)
	}
	if !ok {
		return tools.Failure("group %q not found", name)
	}
	// Membership is exclusive across all groups.
	all, err := d.Groups.GetAll()
	if err != nil {
		return tools.Failure("%v", err)
	}
	for gname, other := range all {
		if other.Has(id) {
			return tools.Failure("session %d already in group %q", id, gname)
		}
	}
	g.Members = append(g.Members, id)
	d.Groups.Set(name, g)
	if err := d.Groups.Save(); err != nil {
		return tools.Failure("%v", err)
	}
	return tools.Success(fmt.Sprintf("session %d added to group %q", id, name))
}

func (d Deps) groupSend(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	name := stringArg(inv.Args, "name")
	text := stringArg(inv.Args, "text")
	g, ok, err := d.Groups.Get(name)
	if err != nil {
		return tools.Failure("%v", err)
	}
	if !ok {
		return tools.Failure("group %q not found", name)
	}
	if text == "" {
		return tools.Failure("group send: empty message")
	}
	sent := 0
	for _, id := range g.Members {
		if err := d.sendUserMessage(id, text); err != nil {
			return tools.Failure("fan-out to session %d failed after %d deliveries: %v", id, sent, err)
		}
		sent++
	}
	return tools.Success(fmt.Sprintf("message sent to %d sessions", sent))
}

// clean removes terminal sessions with their workspaces, sweeps approval and
// question records, and resets the id counter when the store is empty.
func (d Deps) clean(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	list, err := d.Sessions.List(true)
	if err != nil {
		return tools.Failure("%v", err)
	}
	removed := 0
	for _, s := range list {
		if !s.Status.Terminal() && !s.Deleted() {
			continue
		}
		if d.Runtime != nil {
			if err := d.Runtime.Teardown(ctx, s.ID); err != nil {
				return tools.Failure("teardown session %d: %v", s.ID, err)
			}
		}
		if err := d.Sessions.Remove(s.ID); err != nil {
			return tools.Failure("remove session %d: %v", s.ID, err)
		}
		if err := os.RemoveAll(d.Config.WorkspaceDir(s.ID)); err != nil {
			return tools.Failure("remove workspace %d: %v", s.ID, err)
		}
		removed++
	}
	if err := d.Approvals.Clean(); err != nil {
		return tools.Failure("%v", err)
	}
	d.Sessions.ResetIDs()
	return tools.Success(fmt.Sprintf("removed %d sessions", removed))
}
