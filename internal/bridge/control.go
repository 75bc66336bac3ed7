package bridge

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// ServeControl accepts CLI connections on the control socket and serves each
// until the client hangs up. Commands route through the same Router as the
// child channels; only the command types are registered on it.
func ServeControl(ctx context.Context, ln net.Listener, router *Router, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go serveControlConn(ctx, conn, router, log)
	}
}

func serveControlConn(ctx context.Context, conn net.Conn, router *Router, log *slog.Logger) {
	defer conn.Close()
	writer := NewFrameWriter(conn)
	err := ReadFrames(conn, func(env *Envelope) {
		go func() {
			reply, err := router.Route(ctx, env)
			if err != nil {
				log.Warn("control route failed", "type", env.Type, "error", err)
				return
			}
			if reply != nil {
				if err := writer.Write(reply); err != nil {
					log.Warn("control write failed", "error", err)
				}
			}
		}()
	}, func(err error) {
		log.Warn("malformed control frame", "error", err)
	})
	if err != nil {
		log.Debug("control connection closed", "error", err)
	}
}

// ControlClient is the CLI's connection to the daemon's control socket.
type ControlClient struct {
	conn    net.Conn
	writer  *FrameWriter
	pending *PendingCalls
	timeout time.Duration
}

// DialControl connects to the daemon. A connection failure usually means the
// daemon is not running.
func DialControl(socketPath string, timeout time.Duration) (*ControlClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	c := &ControlClient{
		conn:    conn,
		writer:  NewFrameWriter(conn),
		pending: NewPendingCalls(),
		timeout: timeout,
	}
	go c.readLoop()
	return c, nil
}

func (c *ControlClient) readLoop() {
	_ = ReadFrames(c.conn, func(env *Envelope) {
		if env.MessageID != nil {
			c.pending.Resolve(*env.MessageID, env)
		}
	}, nil)
}

// Submit sends a command without waiting for its outcome.
func (c *ControlClient) Submit(payload CommandPayload) error {
	env, err := New(TypeCommand, payload.SessionID, payload)
	if err != nil {
		return err
	}
	return c.writer.Write(env)
}

// Command sends a command and waits for the correlated command_response.
func (c *ControlClient) Command(ctx context.Context, payload CommandPayload) (*Result, error) {
	payload.WaitForResponse = true
	env, err := New(TypeCommand, payload.SessionID, payload)
	if err != nil {
		return nil, err
	}
	id := NewHostMessageID()
	env.MessageID = &id
	ch := c.pending.Register(id)
	if err := c.writer.Write(env); err != nil {
		c.pending.drop(id)
		return nil, err
	}
	resp, err := c.pending.Await(ctx, id, ch, c.timeout)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := resp.Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *ControlClient) Close() error {
	return c.conn.Close()
}
