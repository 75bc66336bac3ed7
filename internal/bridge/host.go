package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HostRegistry is the host side of the per-session duplex channels. Each
// connected child occupies one slot; messages addressed to a session without
// a live connection fail fast so callers can report the routing error.
type HostRegistry struct {
	mu      sync.Mutex
	peers   map[int]*hostPeer
	pending *PendingCalls
	router  *Router
	timeout time.Duration
	log     *slog.Logger
}

type hostPeer struct {
	conn   net.Conn
	writer *FrameWriter
}

func NewHostRegistry(router *Router, timeout time.Duration, log *slog.Logger) *HostRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &HostRegistry{
		peers:   make(map[int]*hostPeer),
		pending: NewPendingCalls(),
		router:  router,
		timeout: timeout,
		log:     log,
	}
}

// Attach adopts an accepted child connection and serves it until the child
// disconnects. A new connection for a session replaces any stale one.
func (h *HostRegistry) Attach(ctx context.Context, sessionID int, conn net.Conn) {
	peer := &hostPeer{conn: conn, writer: NewFrameWriter(conn)}
	h.mu.Lock()
	if old, ok := h.peers[sessionID]; ok {
		old.conn.Close()
	}
	h.peers[sessionID] = peer
	h.mu.Unlock()
	h.log.Info("child connected", "session_id", sessionID)
	go h.serve(ctx, sessionID, peer)
}

func (h *HostRegistry) serve(ctx context.Context, sessionID int, peer *hostPeer) {
	defer h.detach(sessionID, peer)
	err := ReadFrames(peer.conn, func(env *Envelope) {
		if env.SessionID == 0 {
			env.SessionID = sessionID
		}
		if env.MessageID != nil && isResponse(env.Type) {
			if h.pending.Resolve(*env.MessageID, env) {
				return
			}
			h.log.Debug("dropping unmatched response", "session_id", sessionID, "message_id", env.MessageID)
			return
		}
		go func() {
			reply, err := h.router.Route(ctx, env)
			if err != nil {
				h.log.Warn("route failed", "type", env.Type, "session_id", sessionID, "error", err)
				return
			}
			if reply != nil {
				if err := peer.writer.Write(reply); err != nil {
					h.log.Warn("write reply failed", "session_id", sessionID, "error", err)
				}
			}
		}()
	}, func(err error) {
		h.log.Warn("protocol error on child channel", "session_id", sessionID, "error", err)
	})
	if err != nil {
		h.log.Warn("child channel read error", "session_id", sessionID, "error", err)
	}
}

func (h *HostRegistry) detach(sessionID int, peer *hostPeer) {
	h.mu.Lock()
	if h.peers[sessionID] == peer {
		delete(h.peers, sessionID)
	}
	h.mu.Unlock()
	peer.conn.Close()
	h.log.Info("child disconnected", "session_id", sessionID)
}

// Connected reports whether the session has a live channel.
func (h *HostRegistry) Connected(sessionID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[sessionID]
	return ok
}

func (h *HostRegistry) peer(sessionID int) (*hostPeer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peer, ok := h.peers[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %d has no connected child", sessionID)
	}
	return peer, nil
}

// SendToContainer delivers a fire-and-forget message to the session's child.
func (h *HostRegistry) SendToContainer(sessionID int, env *Envelope) error {
	peer, err := h.peer(sessionID)
	if err != nil {
		return err
	}
	if env.SessionID == 0 {
		env.SessionID = sessionID
	}
	return peer.writer.Write(env)
}

// Request round-trips a message to the session's child, correlating on a
// host-allocated string id.
func (h *HostRegistry) Request(ctx context.Context, sessionID int, env *Envelope) (*Envelope, error) {
	peer, err := h.peer(sessionID)
	if err != nil {
		return nil, err
	}
	id := NewHostMessageID()
	env.MessageID = &id
	if env.SessionID == 0 {
		env.SessionID = sessionID
	}
	ch := h.pending.Register(id)
	if err := peer.writer.Write(env); err != nil {
		h.pending.drop(id)
		return nil, err
	}
	return h.pending.Await(ctx, id, ch, h.timeout)
}

// CloseAll tears down every child channel, typically at daemon shutdown.
func (h *HostRegistry) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, peer := range h.peers {
		peer.conn.Close()
		delete(h.peers, id)
	}
}

// NewHostMessageID allocates a host-side correlation id. The millisecond
// timestamp plus a uuid fragment keeps ids unique across restarts.
func NewHostMessageID() CorrelationID {
	return StringID(fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8]))
}
