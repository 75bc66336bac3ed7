package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one inbound message and optionally returns a reply to
// frame back on the same connection.
type Handler func(ctx context.Context, env *Envelope) (*Envelope, error)

// Router dispatches inbound messages by type. Handlers are registered during
// boot; routing runs concurrently afterwards.
type Router struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
	log      *slog.Logger
}

func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{handlers: make(map[Type]Handler), log: log}
}

// Register installs the handler for a message type.
func (r *Router) Register(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Route dispatches the message. Unknown types and handler errors produce an
// error reply correlated to the request instead of tearing the connection
// down.
func (r *Router) Route(ctx context.Context, env *Envelope) (*Envelope, error) {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("no handler for message type", "type", env.Type)
		return errorReply(env, fmt.Sprintf("unknown message type %q", env.Type))
	}
	reply, err := h(ctx, env)
	if err != nil {
		r.log.Warn("handler failed", "type", env.Type, "session_id", env.SessionID, "error", err)
		return errorReply(env, err.Error())
	}
	return reply, nil
}

// errorReply correlates a failure result to the request when the sender
// expects a response; fire-and-forget messages get none.
func errorReply(env *Envelope, msg string) (*Envelope, error) {
	if env.MessageID == nil || env.MessageID.IsZero() {
		return nil, nil
	}
	return env.Reply(responseType(env.Type), Fail("%s", msg))
}

// responseType maps a request type to its response type.
func responseType(t Type) Type {
	switch t {
	case TypeToolCall:
		return TypeToolCallResponse
	case TypeAIPromptRequest:
		return TypeAIPromptResponse
	case TypeCommand:
		return TypeCommandResponse
	default:
		return TypeCommandResponse
	}
}
