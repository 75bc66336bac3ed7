// Package agent implements the per-session execution loop that runs inside
// each child process: a periodic tick that reloads the session record,
// obtains completions from the host over the bridge, and executes tool calls
// until the conversation reaches a terminal state.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/providers"
	"github.com/mikesmullin/subd/internal/session"
	"github.com/mikesmullin/subd/internal/tools"
	"github.com/mikesmullin/subd/pkg/models"
)

// ErrLoopDone signals a clean loop exit: the session reached a terminal
// status.
var ErrLoopDone = errors.New("session reached terminal status")

// ErrTurnLimit reports turn-limit exhaustion; the child exits non-zero.
var ErrTurnLimit = errors.New("turn limit exhausted")

// HostLink is the loop's view of the duplex channel to the host.
type HostLink interface {
	Request(ctx context.Context, env *bridge.Envelope) (*bridge.Envelope, error)
	Notify(env *bridge.Envelope) error
}

// Loop drives one session. Ticks run sequentially; every suspension point
// (provider call, tool round-trip) happens inside the current tick.
type Loop struct {
	cfg      *config.Config
	log      *slog.Logger
	id       int
	sessions *session.Manager
	host     HostLink
	registry *tools.Registry
	states   *tools.StateMap

	// failed suppresses re-prompting after a provider failure: one entry per
	// (session, message-log length) pair, cleared on the next success.
	failed map[string]struct{}
	turns  int

	mu         sync.Mutex
	cancelTick context.CancelFunc
}

func NewLoop(cfg *config.Config, sessionID int, sessions *session.Manager, host HostLink, registry *tools.Registry, states *tools.StateMap, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if states == nil {
		states = tools.NewStateMap()
	}
	return &Loop{
		cfg:      cfg,
		log:      log.With("session_id", sessionID),
		id:       sessionID,
		sessions: sessions,
		host:     host,
		registry: registry,
		states:   states,
		failed:   make(map[string]struct{}),
	}
}

// States exposes the tool-call state map so the child's message handlers can
// inject approval and answer data.
func (l *Loop) States() *tools.StateMap { return l.states }

// Run starts the session and ticks until it reaches a terminal status or ctx
// is canceled. SIGUSR1 pauses the session, SIGUSR2 stops it; both abort any
// in-flight request.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Startup(); err != nil {
		return err
	}

	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sig)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGUSR1:
				l.log.Info("received pause signal")
				if _, err := l.sessions.Transition(l.id, session.ActionPause); err != nil {
					l.log.Warn("pause transition failed", "error", err)
				}
				l.abortInFlight()
			case syscall.SIGUSR2:
				l.log.Info("received stop signal")
				if _, err := l.sessions.Transition(l.id, session.ActionStop); err != nil {
					l.log.Warn("stop transition failed", "error", err)
				}
				l.abortInFlight()
				cancelAll()
			}
		}
	}()

	ticker := time.NewTicker(time.Duration(l.cfg.Agent.TickInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := l.guardedTick(ctx)
			switch {
			case errors.Is(err, ErrLoopDone):
				return nil
			case errors.Is(err, ErrTurnLimit):
				return err
			case err != nil:
				l.log.Warn("tick failed", "error", err)
			}
		}
	}
}

// Startup transitions PENDING->RUNNING and renders the system prompt once,
// inside the sandbox, so env and hostname reflect the child's environment.
func (l *Loop) Startup() error {
	s, err := l.sessions.Get(l.id)
	if err != nil {
		return err
	}
	if !s.PromptEvaluated && s.SystemPrompt != "" {
		rendered, err := session.RenderPrompt(s.SystemPrompt)
		if err != nil {
			return fmt.Errorf("render system prompt: %w", err)
		}
		s.SystemPrompt = rendered
		s.PromptEvaluated = true
		if err := l.sessions.Put(s); err != nil {
			return err
		}
	}
	if s.Status == models.StatusPending {
		if _, err := l.sessions.Transition(l.id, session.ActionStart); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) abortInFlight() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelTick != nil {
		l.cancelTick()
	}
}

// guardedTick wraps Tick with a per-tick context the signal handler can
// cancel.
func (l *Loop) guardedTick(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	l.mu.Lock()
	l.cancelTick = cancel
	l.mu.Unlock()
	defer func() {
		cancel()
		l.mu.Lock()
		l.cancelTick = nil
		l.mu.Unlock()
	}()
	return l.Tick(ctx)
}

// Tick runs one iteration: reload, observe status, and either resume pending
// tool calls or request the next completion.
func (l *Loop) Tick(ctx context.Context) error {
	s, err := l.sessions.Get(l.id)
	if err != nil {
		return err
	}
	switch s.Status {
	case models.StatusPaused:
		return nil
	case models.StatusPending:
		if s, err = l.sessions.Transition(l.id, session.ActionStart); err != nil {
			return err
		}
	case models.StatusStopped, models.StatusSuccess, models.StatusError:
		return ErrLoopDone
	}

	assistant, pending := pendingToolCalls(&s)
	if assistant != nil {
		l.dropAnswered(assistant.ToolCalls, pending)
		if len(pending) > 0 {
			return l.runToolCalls(ctx, &s, pending)
		}
	}

	// Fully answered tool calls leave a tool message at the tail, which
	// prompts the next completion below.
	last := s.LastMessage()
	if last == nil || (last.Role != models.RoleUser && last.Role != models.RoleTool) {
		return nil
	}
	return l.prompt(ctx, &s)
}

// pendingToolCalls walks backward from the log's tail: tool messages answer
// calls; the first assistant message bounds the scan. A user message in
// between means the conversation moved on.
func pendingToolCalls(s *models.Session) (*models.ChatMessage, []models.ToolCall) {
	answered := make(map[string]bool)
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := &s.Messages[i]
		switch m.Role {
		case models.RoleTool:
			answered[m.ToolCallID] = true
		case models.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				return nil, nil
			}
			var pending []models.ToolCall
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					pending = append(pending, tc)
				}
			}
			return m, pending
		default:
			return nil, nil
		}
	}
	return nil, nil
}

// dropAnswered clears tracked state for calls that already have a tool
// message. A question answered through the host is completed by the synthetic
// tool message, so its call is never re-invoked and its entry would otherwise
// outlive the question.
func (l *Loop) dropAnswered(calls, pending []models.ToolCall) {
	still := make(map[string]bool, len(pending))
	for _, tc := range pending {
		still[tc.ID] = true
	}
	for _, tc := range calls {
		if !still[tc.ID] {
			l.states.Drop(tc.ID)
		}
	}
}

// allowedTools intersects the session's tool grants with the catalog,
// excluding human-only tools.
func (l *Loop) allowedTools(s *models.Session) []providers.ToolSpec {
	var specs []providers.ToolSpec
	for _, g := range s.Tools {
		def, ok := l.registry.Get(g.Name)
		if !ok || def.Meta.HumanOnly {
			continue
		}
		specs = append(specs, providers.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return specs
}

func (l *Loop) prompt(ctx context.Context, s *models.Session) error {
	attempt := fmt.Sprintf("%d:%d", s.ID, len(s.Messages))
	if _, tried := l.failed[attempt]; tried {
		return nil
	}
	if l.cfg.Agent.MaxTurns > 0 && l.turns >= l.cfg.Agent.MaxTurns {
		if _, err := l.sessions.Transition(l.id, session.ActionFail); err != nil {
			l.log.Warn("fail transition failed", "error", err)
		}
		return fmt.Errorf("%w after %d turns", ErrTurnLimit, l.turns)
	}

	req := providers.Request{
		Model:    s.Model,
		System:   s.SystemPrompt,
		Messages: s.Messages,
		Tools:    l.allowedTools(s),
	}
	env, err := bridge.New(bridge.TypeAIPromptRequest, s.ID, req)
	if err != nil {
		return err
	}
	resp, err := l.host.Request(ctx, env)
	if err != nil {
		l.failed[attempt] = struct{}{}
		l.log.Warn("completion request failed", "error", err)
		return nil
	}
	var res bridge.Result
	if err := resp.Decode(&res); err != nil {
		l.failed[attempt] = struct{}{}
		return nil
	}
	if !res.Success {
		l.failed[attempt] = struct{}{}
		l.log.Warn("provider error", "error", res.Error)
		return nil
	}
	var pr providers.Response
	if err := json.Unmarshal(res.Data, &pr); err != nil {
		l.failed[attempt] = struct{}{}
		return nil
	}
	l.failed = make(map[string]struct{})
	l.turns++

	if pr.Usage != nil {
		if err := l.sessions.RecordUsage(s.ID, *pr.Usage); err != nil {
			l.log.Warn("usage update failed", "error", err)
		}
	}

	merged, finish := mergeChoices(pr.Choices)
	if err := l.sessions.AppendMessage(s.ID, merged); err != nil {
		return err
	}
	if len(merged.ToolCalls) > 0 {
		reloaded, err := l.sessions.Get(s.ID)
		if err != nil {
			return err
		}
		return l.runToolCalls(ctx, &reloaded, merged.ToolCalls)
	}
	if finish == "stop" || finish == "end_turn" {
		if _, err := l.sessions.Transition(s.ID, session.ActionComplete); err != nil {
			return err
		}
		return ErrLoopDone
	}
	return nil
}

func (l *Loop) runToolCalls(ctx context.Context, s *models.Session, calls []models.ToolCall) error {
	for _, tc := range calls {
		out := l.invoke(ctx, s, tc)
		l.states.Track(s.ID, tc.ID, out)
		if !out.Terminal() {
			// RUNNING: no tool message yet; a later tick revisits the call
			// once externalData arrives.
			continue
		}
		// AppendMessage reloads before writing, so a status the host toggled
		// during the call (e.g. paused for an approval) survives.
		if err := l.sessions.AppendMessage(s.ID, models.ChatMessage{
			Role:       models.RoleTool,
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Content:    l.renderOutcome(out),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) invoke(ctx context.Context, s *models.Session, tc models.ToolCall) tools.Outcome {
	def, ok := l.registry.Get(tc.Name)
	if !ok {
		return tools.Failure("unknown tool %q", tc.Name)
	}
	grant, granted := s.GrantFor(tc.Name)
	if !granted {
		return tools.Failure("tool %q is not allowed for this session", tc.Name)
	}
	route, err := tools.DecideRoute(def, s.ID, false, grant.Options)
	if err != nil {
		return tools.Failure("%v", err)
	}
	args, err := tc.ArgumentsMap()
	if err != nil {
		return tools.Failure("tool %s: bad arguments: %v", tc.Name, err)
	}
	if route == tools.RouteHost {
		return l.forwardToHost(ctx, s.ID, tc, args, grant.Options)
	}
	inv := &tools.Invocation{
		SessionID:  s.ID,
		ToolCallID: tc.ID,
		Args:       args,
		Options:    grant.Options,
	}
	if cs, tracked := l.states.Get(tc.ID); tracked {
		inv.State = cs.State
		inv.External = cs.External
	}
	return tools.ExecuteLocal(ctx, def, inv)
}

// forwardToHost round-trips a host-execution tool call over the bridge.
func (l *Loop) forwardToHost(ctx context.Context, sessionID int, tc models.ToolCall, args map[string]any, options map[string]string) tools.Outcome {
	env, err := bridge.New(bridge.TypeToolCall, sessionID, bridge.ToolCallPayload{
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Args:       args,
		Options:    options,
	})
	if err != nil {
		return tools.Failure("%v", err)
	}
	resp, err := l.host.Request(ctx, env)
	if err != nil {
		return tools.Failure("host execution of %s: %v", tc.Name, err)
	}
	var res bridge.Result
	if err := resp.Decode(&res); err != nil {
		return tools.Failure("host execution of %s: %v", tc.Name, err)
	}
	if !res.Success {
		return tools.Failure("%s", res.Error)
	}
	var result any
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &result); err != nil {
			result = string(res.Data)
		}
	}
	return tools.Success(result)
}

// renderOutcome serializes a terminal outcome for the message log, truncated
// to the configured budget.
func (l *Loop) renderOutcome(out tools.Outcome) string {
	var content string
	if out.Status == tools.StatusFailure {
		content = out.Error
	} else {
		switch v := out.Result.(type) {
		case nil:
			content = ""
		case string:
			content = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				content = fmt.Sprintf("%v", v)
			} else {
				content = string(data)
			}
		}
	}
	if max := l.cfg.Agent.MaxToolResultBytes; max > 0 && len(content) > max {
		content = content[:max] + "\n[truncated]"
	}
	return content
}
