// Collabrelay
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/gravitational/collabrelay/lib/defaults"
)

// outFrame is one serialized frame queued for the write pump. EventType is
// empty for command replies and the handshake; pushes carry their client
// event type so the queue can tell droppable frames apart.
type outFrame struct {
	eventType string
	payload   []byte
}

// droppable reports whether the frame may be discarded under backpressure.
// Awareness pushes are idempotent-by-latest; everything else must reach the
// client or the connection must die trying.
func (f outFrame) droppable() bool {
	return f.eventType == EventAwarenessUpdate
}

// identity is the authorization state a socket acquires through /auth.
type identity struct {
	documentID string
	sessionDID string
	role       Role
}

// conn wraps one client websocket. All writes funnel through a bounded send
// queue drained by a single pump goroutine, so handlers and fan-out enqueue
// without blocking and without racing on the socket.
type conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	clientID string

	// queueMu guards queue. wake carries at most one pending signal; the
	// pump drains the whole queue per wakeup.
	queueMu sync.Mutex
	queue   []outFrame
	wake    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	stateMu sync.RWMutex
	auth    *identity
}

// newConn wraps an upgraded websocket, assigning it a fresh client id and
// arming the read side: frame size limit, initial read deadline and the pong
// handler that keeps the deadline moving while the peer stays responsive.
func newConn(ws *websocket.Conn, log *slog.Logger) *conn {
	clientID := uuid.NewString()
	c := &conn{
		ws:       ws,
		log:      log.With("client_id", clientID),
		clientID: clientID,
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	ws.SetReadLimit(defaults.MaxFrameSize)
	ws.SetReadDeadline(deadlineForInterval(defaults.KeepAliveInterval))
	ws.SetPongHandler(func(string) error {
		return trace.Wrap(ws.SetReadDeadline(deadlineForInterval(defaults.KeepAliveInterval)))
	})
	return c
}

// ID returns the server-assigned client id of this socket.
func (c *conn) ID() string {
	return c.clientID
}

// authorize records a successful /auth, binding the socket to the session
// pair. A later /auth on the same socket rebinds it, matching how clients
// re-authenticate after a token refresh.
func (c *conn) authorize(documentID, sessionDID string, role Role) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.auth = &identity{
		documentID: documentID,
		sessionDID: sessionDID,
		role:       role,
	}
}

// session returns the bound session pair, or ok=false before /auth.
func (c *conn) session() (documentID, sessionDID string, ok bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.auth == nil {
		return "", "", false
	}
	return c.auth.documentID, c.auth.sessionDID, true
}

// role returns the socket's authorization level. Meaningless before /auth;
// callers gate on session() first.
func (c *conn) role() Role {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.auth == nil {
		return RoleEditor
	}
	return c.auth.role
}

// sendResponse queues a command reply or the handshake frame. Replies are
// never dropped.
func (c *conn) sendResponse(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.log.ErrorContext(context.Background(), "Failed to encode response frame.", "error", err)
		return
	}
	c.enqueue(outFrame{payload: payload})
}

// sendEvent queues an unsolicited push of the given client event type. The
// payload is already serialized so fan-out shares one buffer across sockets.
func (c *conn) sendEvent(eventType string, payload []byte) {
	c.enqueue(outFrame{eventType: eventType, payload: payload})
}

// enqueue appends a frame to the send queue without ever blocking. On
// overflow the oldest droppable frame in the queue gives way; if nothing
// can be dropped the socket is too far behind to keep and is closed.
func (c *conn) enqueue(frame outFrame) {
	c.queueMu.Lock()
	select {
	case <-c.closed:
		c.queueMu.Unlock()
		return
	default:
	}
	if len(c.queue) >= defaults.SendQueueSize {
		if !c.dropOldestDroppableLocked() {
			if frame.droppable() {
				c.queueMu.Unlock()
				framesDropped.Inc()
				return
			}
			c.queueMu.Unlock()
			c.log.WarnContext(context.Background(), "Send queue saturated with undroppable frames, closing connection.",
				"queue_size", defaults.SendQueueSize)
			c.Close()
			return
		}
	}
	c.queue = append(c.queue, frame)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) dropOldestDroppableLocked() bool {
	for i, queued := range c.queue {
		if queued.droppable() {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			framesDropped.Inc()
			return true
		}
	}
	return false
}

func (c *conn) dequeue() (outFrame, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return outFrame{}, false
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	return frame, true
}

// writePump owns every data write on the socket: it drains the send queue
// and pings idle peers. It exits when the socket closes or a write fails,
// closing the connection so the read loop unblocks.
func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(defaults.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			// A short deadline detects a broken connection quickly; a
			// healthy peer answers well before the next tick.
			deadline := time.Now().Add(time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.DebugContext(ctx, "Failed to ping client, closing connection.", "error", err)
				c.Close()
				return
			}
		case <-c.wake:
			for {
				frame, ok := c.dequeue()
				if !ok {
					break
				}
				c.ws.SetWriteDeadline(time.Now().Add(defaults.WriteTimeout))
				if err := c.ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
					c.log.DebugContext(ctx, "Failed to write frame, closing connection.", "error", err)
					c.Close()
					return
				}
			}
		}
	}
}

// serveFrames reads and dispatches inbound frames until the socket closes.
// Frames from one socket run strictly in order: the next read does not start
// until dispatch returns. Malformed frames get a 400 reply and the socket
// stays open.
func (c *conn) serveFrames(ctx context.Context, dispatch func(ctx context.Context, req *Request) Response) {
	for {
		messageType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.DebugContext(ctx, "Websocket read failed.", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.sendResponse(errorResponse(nil, trace.BadParameter("expected a text frame")))
			continue
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendResponse(errorResponse(nil, trace.BadParameter("malformed request frame")))
			continue
		}
		c.sendResponse(dispatch(ctx, &req))
	}
}

// Close tears the socket down once: later enqueues become no-ops, the pump
// exits and the blocked read returns. A best-effort close frame tells
// well-behaved clients this was deliberate.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return trace.Wrap(err)
}

// deadlineForInterval returns the read deadline for a given ping interval:
// twice the interval, leaving one full interval for the pong to come back.
func deadlineForInterval(interval time.Duration) time.Time {
	return time.Now().Add(interval * 2)
}
