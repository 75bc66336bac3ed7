// Package core assembles the host daemon: configuration, the session and
// approval managers, the host tool catalog, the provider registry, the bridge
// router with every host-side handler, and the supervisor. Boot is the single
// deterministic construction path; Serve runs until the context ends.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/mikesmullin/subd/internal/approvals"
	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/bus"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/providers"
	"github.com/mikesmullin/subd/internal/session"
	"github.com/mikesmullin/subd/internal/store"
	"github.com/mikesmullin/subd/internal/supervisor"
	"github.com/mikesmullin/subd/internal/tools"
	"github.com/mikesmullin/subd/internal/tools/fsops"
	"github.com/mikesmullin/subd/internal/tools/sessionctl"
	"github.com/mikesmullin/subd/internal/tools/shell"
	"github.com/mikesmullin/subd/internal/tools/websearch"
	"github.com/mikesmullin/subd/pkg/models"
)

// Core is the assembled host daemon.
type Core struct {
	Cfg        *config.Config
	Log        *slog.Logger
	Events     *bus.Bus
	Sessions   *session.Manager
	Approvals  *approvals.Manager
	Groups     *store.Collection[models.Group]
	Registry   *tools.Registry
	Providers  *providers.Registry
	Router     *bridge.Router
	Channels   *bridge.HostRegistry
	Supervisor *supervisor.Supervisor

	provMu     sync.Mutex
	stopEvents func()
}

// Boot constructs the daemon rooted at root. Construction order is fixed so
// every component sees fully initialized dependencies.
func Boot(root string, log *slog.Logger) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if err := config.LoadEnv(root); err != nil {
		return nil, err
	}
	for _, dir := range []string{
		cfg.SessionsDir(), cfg.WorkspacesDir(), cfg.GroupsDir(),
		cfg.ApprovalsDir(), cfg.QuestionsDir(), cfg.TemplatesDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	c := &Core{
		Cfg:       cfg,
		Log:       log,
		Events:    bus.New(),
		Providers: providers.NewRegistry(),
	}
	c.Sessions = session.NewManager(cfg, c.Events, log)
	if err := c.Sessions.LoadNextID(); err != nil {
		return nil, err
	}
	transitions, stop := c.Events.Subscribe()
	c.stopEvents = stop
	go c.logTransitions(transitions)
	c.Approvals = approvals.NewManager(cfg, log)
	c.Groups = store.New[models.Group](cfg.GroupsDir(), log)

	c.Router = bridge.NewRouter(log)
	c.Channels = bridge.NewHostRegistry(c.Router, cfg.Agent.RequestTimeout.Std(), log)

	runtime, err := buildRuntime(cfg, log)
	if err != nil {
		return nil, err
	}
	c.Supervisor = supervisor.New(cfg, c.Sessions, c.Channels, runtime, log)

	c.Registry = c.buildCatalog()
	c.registerHandlers()
	return c, nil
}

func buildRuntime(cfg *config.Config, log *slog.Logger) (supervisor.Runtime, error) {
	switch cfg.Runtime.Kind {
	case "docker":
		return supervisor.NewDockerRuntime(cfg.Runtime.Image, log)
	case "", "process":
		return supervisor.NewProcessRuntime(log), nil
	default:
		return nil, fmt.Errorf("unknown runtime kind %q", cfg.Runtime.Kind)
	}
}

// buildCatalog registers the host-side tools: the human-only session control
// surface plus the host-execution subset of the agent tools.
func (c *Core) buildCatalog() *tools.Registry {
	reg := tools.NewRegistry()
	sessionctl.Register(reg, sessionctl.Deps{
		Config:    c.Cfg,
		Sessions:  c.Sessions,
		Approvals: c.Approvals,
		Groups:    c.Groups,
		Runtime:   c.Supervisor,
		Send:      c.Channels.SendToContainer,
	})
	// Host shell runs without Pause/Notify: the human is already on this side
	// of the socket, so an unapproved command surfaces its pending approval
	// instead of suspending a session.
	shell.Register(reg, shell.Deps{
		Config:    c.Cfg,
		Approvals: c.Approvals,
	})
	fsops.Register(reg, c.Cfg.Root)
	websearch.Register(reg)
	return reg
}

// logTransitions mirrors session lifecycle transitions into the daemon log.
// The manager publishes; the child side has no bus and logs on its own.
func (c *Core) logTransitions(ch <-chan bus.TransitionEvent) {
	for ev := range ch {
		c.Log.Info("session transition",
			"session_id", ev.SessionID, "action", ev.Action, "from", ev.From, "to", ev.To)
	}
}

// providerFor resolves a provider lazily from credentials in the environment,
// so adding a provider is a .env edit and a new model reference.
func (c *Core) providerFor(name string) (providers.Provider, error) {
	c.provMu.Lock()
	defer c.provMu.Unlock()
	if p, err := c.Providers.Get(name); err == nil {
		return p, nil
	}
	p, err := providers.FromEnv(name, config.ProviderAPIKey(name), config.ProviderBaseURL(name))
	if err != nil {
		return nil, err
	}
	c.Providers.Register(p)
	return p, nil
}

// registerHandlers installs the host side of the message taxonomy: completion
// brokering, host tool execution, approval/question intake, and CLI commands.
func (c *Core) registerHandlers() {
	c.Router.Register(bridge.TypeAIPromptRequest, c.handlePrompt)
	c.Router.Register(bridge.TypeToolCall, c.handleToolCall)
	c.Router.Register(bridge.TypeApprovalRequest, c.handleApprovalRequest)
	c.Router.Register(bridge.TypeQuestionRequest, c.handleQuestionRequest)
	c.Router.Register(bridge.TypeCommand, c.handleCommand)
}

// handlePrompt brokers a child's completion request to the provider named by
// the session's model reference. Credentials never cross the socket.
func (c *Core) handlePrompt(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
	var req providers.Request
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	ref, err := models.ParseModelRef(req.Model)
	if err != nil {
		return env.Reply(bridge.TypeAIPromptResponse, bridge.Fail("%v", err))
	}
	p, err := c.providerFor(ref.Provider)
	if err != nil {
		return env.Reply(bridge.TypeAIPromptResponse, bridge.Fail("%v", err))
	}
	req.Model = ref.Model
	resp, err := p.Complete(ctx, &req)
	if err != nil {
		return env.Reply(bridge.TypeAIPromptResponse, bridge.Fail("%v", err))
	}
	return env.Reply(bridge.TypeAIPromptResponse, bridge.OK(resp))
}

// handleToolCall executes a host-routed tool call forwarded by a child.
func (c *Core) handleToolCall(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
	var p bridge.ToolCallPayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	def, ok := c.Registry.Get(p.Name)
	if !ok {
		return env.Reply(bridge.TypeToolCallResponse, bridge.Fail("unknown host tool %q", p.Name))
	}
	out := tools.ExecuteLocal(ctx, def, &tools.Invocation{
		SessionID:  env.SessionID,
		ToolCallID: p.ToolCallID,
		Args:       p.Args,
		Options:    p.Options,
	})
	switch out.Status {
	case tools.StatusSuccess:
		return env.Reply(bridge.TypeToolCallResponse, bridge.OK(out.Result))
	case tools.StatusFailure:
		return env.Reply(bridge.TypeToolCallResponse, bridge.Fail("%s", out.Error))
	default:
		// Host execution is synchronous; a suspended outcome cannot round-trip
		// back to the caller's tick, so the pending record must be resolved and
		// the call re-issued.
		return env.Reply(bridge.TypeToolCallResponse,
			bridge.Fail("%s suspended awaiting human input; resolve the pending approval and retry", p.Name))
	}
}

func (c *Core) handleApprovalRequest(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
	var p bridge.ApprovalRequestPayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	a, err := c.Approvals.CreateApproval(p.SessionID, p.ToolCallID, p.Kind, p.Description)
	if err != nil {
		return nil, err
	}
	c.Log.Info("approval required",
		"approval_id", a.ID, "session_id", p.SessionID, "description", p.Description,
		"resolve", fmt.Sprintf("subd approve %d APPROVE|REJECT|MODIFY", a.ID))
	return nil, nil
}

func (c *Core) handleQuestionRequest(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
	var p bridge.QuestionRequestPayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	q, err := c.Approvals.CreateQuestion(p.SessionID, p.ToolCallID, p.Question)
	if err != nil {
		return nil, err
	}
	c.Log.Info("question pending",
		"question_id", q.ID, "session_id", p.SessionID, "question", p.Question,
		"resolve", fmt.Sprintf("subd answer %d <text>", q.ID))
	return nil, nil
}

// handleCommand resolves a CLI command line against the host catalog and runs
// it where its routing decision says: here, or inside the target session's
// child.
func (c *Core) handleCommand(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error) {
	var p bridge.CommandPayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	resolved, err := c.Registry.Resolve(p.Command)
	if err != nil {
		return c.commandReply(env, &p, bridge.Fail("%v", err))
	}
	sessionID := p.SessionID
	if sessionID == 0 {
		sessionID = resolved.SessionID
	}
	if sessionID == 0 {
		sessionID = c.Cfg.CurrentSession
	}
	route, err := tools.DecideRoute(resolved.Def, sessionID, true, nil)
	if err != nil {
		return c.commandReply(env, &p, bridge.Fail("%v", err))
	}

	if route == tools.RouteChild {
		return c.forwardCommand(ctx, env, &p, sessionID)
	}

	inv := &tools.Invocation{
		SessionID:  sessionID,
		ToolCallID: fmt.Sprintf("cli_%s", bridge.NewHostMessageID()),
		Args:       resolved.Args,
	}
	out := tools.ExecuteLocal(ctx, resolved.Def, inv)
	switch out.Status {
	case tools.StatusFailure:
		return c.commandReply(env, &p, bridge.Fail("%s", out.Error))
	case tools.StatusRunning:
		// Nothing on the host re-invokes a suspended call: the CLI mints a
		// fresh toolCallId per invocation and no loop runs on this side, so a
		// RUNNING outcome must not read as success.
		return c.commandReply(env, &p, c.suspendedResult(resolved.Def.Name, inv.ToolCallID))
	}
	return c.commandReply(env, &p, bridge.OK(out))
}

// suspendedResult reports a host command that suspended awaiting human input,
// naming the pending approval it created.
func (c *Core) suspendedResult(name, toolCallID string) bridge.Result {
	if pending, err := c.Approvals.PendingApprovals(); err == nil {
		for _, a := range pending {
			if a.ToolCallID == toolCallID {
				return bridge.Fail("%s requires approval %d (subd approve %d APPROVE|REJECT|MODIFY), then rerun the command",
					name, a.ID, a.ID)
			}
		}
	}
	return bridge.Fail("%s suspended awaiting human input", name)
}

// forwardCommand relays the command to the target session's child and relays
// its response back to the CLI.
func (c *Core) forwardCommand(ctx context.Context, env *bridge.Envelope, p *bridge.CommandPayload, sessionID int) (*bridge.Envelope, error) {
	fwd, err := bridge.New(bridge.TypeCommand, sessionID, bridge.CommandPayload{
		Command:         p.Command,
		SessionID:       sessionID,
		WaitForResponse: p.WaitForResponse,
	})
	if err != nil {
		return c.commandReply(env, p, bridge.Fail("%v", err))
	}
	if !p.WaitForResponse {
		if err := c.Channels.SendToContainer(sessionID, fwd); err != nil {
			return c.commandReply(env, p, bridge.Fail("%v", err))
		}
		return nil, nil
	}
	resp, err := c.Channels.Request(ctx, sessionID, fwd)
	if err != nil {
		return c.commandReply(env, p, bridge.Fail("session %d: %v", sessionID, err))
	}
	var res bridge.Result
	if err := resp.Decode(&res); err != nil {
		return c.commandReply(env, p, bridge.Fail("session %d: %v", sessionID, err))
	}
	return c.commandReply(env, p, res)
}

// commandReply correlates a result back to the CLI, or swallows it for
// fire-and-forget submissions.
func (c *Core) commandReply(env *bridge.Envelope, p *bridge.CommandPayload, res bridge.Result) (*bridge.Envelope, error) {
	if !p.WaitForResponse || env.MessageID == nil {
		if res.Error != "" {
			c.Log.Warn("command failed", "command", p.Command, "error", res.Error)
		}
		return nil, nil
	}
	return env.Reply(bridge.TypeCommandResponse, res)
}

// Serve listens on the control socket, recovers live sessions, and blocks
// until ctx ends. Shutdown tears every child channel down.
func (c *Core) Serve(ctx context.Context) error {
	path := c.Cfg.ControlSocket()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if err := c.Supervisor.Recover(ctx); err != nil {
		c.Log.Error("session recovery failed", "error", err)
	}

	c.Log.Info("daemon ready", "root", c.Cfg.Root, "control_socket", path, "runtime", c.Cfg.Runtime.Kind)
	err = bridge.ServeControl(ctx, ln, c.Router, c.Log)
	c.Supervisor.CloseAll(context.Background())
	if c.stopEvents != nil {
		c.stopEvents()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.Log.Warn("remove control socket failed", "error", err)
	}
	return err
}
