package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// ChildConn is the child side of a session's duplex channel: one persistent
// connection to the host's per-session socket. Outbound requests allocate
// integer correlation ids from a monotonic counter.
type ChildConn struct {
	sessionID int
	conn      net.Conn
	writer    *FrameWriter
	pending   *PendingCalls
	router    *Router
	next      atomic.Int64
	timeout   time.Duration
	log       *slog.Logger
	done      chan struct{}
}

// DialChild connects to the host socket, retrying while the supervisor is
// still binding it, then starts the read loop. router handles inbound
// non-response messages (approval/question responses, forwarded commands).
func DialChild(ctx context.Context, socketPath string, sessionID int, router *Router, timeout time.Duration, log *slog.Logger) (*ChildConn, error) {
	if log == nil {
		log = slog.Default()
	}
	var conn net.Conn
	var err error
	deadline := time.Now().Add(30 * time.Second)
	for {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("connect to host socket %s: %w", socketPath, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	c := &ChildConn{
		sessionID: sessionID,
		conn:      conn,
		writer:    NewFrameWriter(conn),
		pending:   NewPendingCalls(),
		router:    router,
		timeout:   timeout,
		log:       log,
		done:      make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c, nil
}

func (c *ChildConn) readLoop(ctx context.Context) {
	defer close(c.done)
	err := ReadFrames(c.conn, func(env *Envelope) {
		if env.MessageID != nil && isResponse(env.Type) {
			if c.pending.Resolve(*env.MessageID, env) {
				return
			}
			c.log.Debug("dropping unmatched response", "message_id", env.MessageID)
			return
		}
		// Handlers may themselves round-trip to the host, so they must not
		// run on the read loop.
		go func() {
			reply, err := c.router.Route(ctx, env)
			if err != nil {
				c.log.Warn("route failed", "type", env.Type, "error", err)
				return
			}
			if reply != nil {
				if err := c.writer.Write(reply); err != nil {
					c.log.Warn("write reply failed", "type", reply.Type, "error", err)
				}
			}
		}()
	}, func(err error) {
		c.log.Warn("protocol error on host channel", "error", err)
	})
	if err != nil {
		c.log.Warn("host channel closed", "error", err)
	}
}

// Request sends the message to the host and blocks for the correlated
// response or the round-trip timeout.
func (c *ChildConn) Request(ctx context.Context, env *Envelope) (*Envelope, error) {
	id := NumericID(c.next.Add(1))
	env.MessageID = &id
	if env.SessionID == 0 {
		env.SessionID = c.sessionID
	}
	ch := c.pending.Register(id)
	if err := c.writer.Write(env); err != nil {
		c.pending.drop(id)
		return nil, err
	}
	return c.pending.Await(ctx, id, ch, c.timeout)
}

// Notify sends a fire-and-forget message; human-input flows use this so the
// child never blocks on a human.
func (c *ChildConn) Notify(env *Envelope) error {
	if env.SessionID == 0 {
		env.SessionID = c.sessionID
	}
	return c.writer.Write(env)
}

// Close tears the channel down; pending requests surface as timeouts.
func (c *ChildConn) Close() error {
	return c.conn.Close()
}

// Done is closed when the read loop exits (host went away).
func (c *ChildConn) Done() <-chan struct{} { return c.done }

func isResponse(t Type) bool {
	switch t {
	case TypeToolCallResponse, TypeAIPromptResponse, TypeCommandResponse:
		return true
	}
	return false
}
