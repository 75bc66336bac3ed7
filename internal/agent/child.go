package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mikesmullin/subd/internal/approvals"
	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/fsm"
	"github.com/mikesmullin/subd/internal/session"
	"github.com/mikesmullin/subd/internal/tools"
	"github.com/mikesmullin/subd/internal/tools/fsops"
	"github.com/mikesmullin/subd/internal/tools/human"
	"github.com/mikesmullin/subd/internal/tools/shell"
	"github.com/mikesmullin/subd/internal/tools/websearch"
	"github.com/mikesmullin/subd/pkg/models"
)

// Child wires one child process: the session manager rooted at the
// bind-mounted workspace, the duplex channel to the host, the child-side tool
// catalog, and the loop.
type Child struct {
	cfg      *config.Config
	log      *slog.Logger
	id       int
	sessions *session.Manager
	conn     *bridge.ChildConn
	loop     *Loop
}

// RunChild is the child process entry point: subd child --session <id>.
func RunChild(ctx context.Context, sessionID int, log *slog.Logger) error {
	root := config.ChildRoot()
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	c := &Child{
		cfg: cfg,
		log: log.With("session_id", sessionID),
		id:  sessionID,
	}
	c.sessions = session.NewManager(cfg, nil, c.log)

	router := bridge.NewRouter(c.log)
	conn, err := bridge.DialChild(ctx, cfg.ChildSessionSocket(sessionID), sessionID, router, cfg.Agent.RequestTimeout.Std(), c.log)
	if err != nil {
		return err
	}
	c.conn = conn
	defer conn.Close()

	states := tools.NewStateMap()
	registry := c.buildCatalog(states)
	c.loop = NewLoop(cfg, sessionID, c.sessions, conn, registry, states, c.log)
	c.registerHandlers(router, registry)

	return c.loop.Run(ctx)
}

// buildCatalog registers the tools a child may execute. Human-facing session
// control tools live only in the host catalog.
func (c *Child) buildCatalog(states *tools.StateMap) *tools.Registry {
	reg := tools.NewRegistry()
	appr := approvals.NewManager(c.cfg, c.log)
	shell.Register(reg, shell.Deps{
		Config:    c.cfg,
		Approvals: appr,
		Pause:     c.pause,
		Notify:    c.conn.Notify,
	})
	human.Register(reg, human.Deps{
		Approvals: appr,
		Pause:     c.pause,
		Notify:    c.conn.Notify,
	})
	fsops.Register(reg, c.cfg.Root)
	websearch.Register(reg)
	return reg
}

func (c *Child) pause(sessionID int) error {
	_, err := c.sessions.Transition(sessionID, session.ActionPause)
	return err
}

// resume moves PAUSED back to PENDING. The host may have already resumed the
// session (question flow); an invalid-transition error is then expected.
func (c *Child) resume() {
	if _, err := c.sessions.Transition(c.id, session.ActionResume); err != nil {
		var inv *fsm.InvalidTransitionError
		if !errors.As(err, &inv) {
			c.log.Warn("resume failed", "error", err)
		}
	}
}

// registerHandlers installs the child side of the message taxonomy.
func (c *Child) registerHandlers(router *bridge.Router, registry *tools.Registry) {
	router.Register(bridge.TypeApprovalResponse, func(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
		var p bridge.ApprovalResponsePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		c.loop.States().InjectExternal(p.ToolCallID, map[string]any{
			"approvalReceived": p.ApprovalReceived,
			"choice":           p.Choice,
			"explanation":      p.Explanation,
		})
		c.resume()
		return nil, nil
	})

	router.Register(bridge.TypeQuestionResponse, func(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
		var p bridge.QuestionResponsePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		c.loop.States().InjectExternal(p.ToolCallID, map[string]any{
			"answerReceived": p.AnswerReceived,
			"answer":         p.Answer,
		})
		c.resume()
		return nil, nil
	})

	router.Register(bridge.TypeUserMessage, func(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
		var p bridge.UserMessagePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return nil, c.sessions.AppendMessage(c.id, models.ChatMessage{
			Role:      models.RoleUser,
			Content:   p.Content,
			Timestamp: time.Now().UTC(),
		})
	})

	router.Register(bridge.TypeToolCall, func(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
		var p bridge.ToolCallPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		def, ok := registry.Get(p.Name)
		if !ok {
			return env.Reply(bridge.TypeToolCallResponse, bridge.Fail("unknown tool %q", p.Name))
		}
		inv := &tools.Invocation{
			SessionID:  env.SessionID,
			ToolCallID: p.ToolCallID,
			Args:       p.Args,
			Options:    p.Options,
		}
		if cs, tracked := c.loop.States().Get(p.ToolCallID); tracked {
			inv.State = cs.State
			inv.External = cs.External
		}
		out := tools.ExecuteLocal(ctx, def, inv)
		c.loop.States().Track(env.SessionID, p.ToolCallID, out)
		if out.Status == tools.StatusFailure {
			return env.Reply(bridge.TypeToolCallResponse, bridge.Fail("%s", out.Error))
		}
		return env.Reply(bridge.TypeToolCallResponse, bridge.OK(out))
	})

	router.Register(bridge.TypeCommand, func(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
		var p bridge.CommandPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		resolved, err := registry.Resolve(p.Command)
		if err != nil {
			return env.Reply(bridge.TypeCommandResponse, bridge.Fail("%v", err))
		}
		inv := &tools.Invocation{
			SessionID:  c.id,
			ToolCallID: fmt.Sprintf("cmd_%s", bridge.NewHostMessageID()),
			Args:       resolved.Args,
		}
		out := tools.ExecuteLocal(ctx, resolved.Def, inv)
		if !p.WaitForResponse || env.MessageID == nil {
			return nil, nil
		}
		if out.Status == tools.StatusFailure {
			return env.Reply(bridge.TypeCommandResponse, bridge.Fail("%s", out.Error))
		}
		return env.Reply(bridge.TypeCommandResponse, bridge.OK(out))
	})
}
