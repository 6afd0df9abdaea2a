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

// Package web is the websocket surface of the relay: it upgrades client
// connections, speaks the framed JSON protocol and dispatches the
// collaboration commands against the session manager and the update log.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/auth"
	"github.com/gravitational/collabrelay/lib/defaults"
	"github.com/gravitational/collabrelay/lib/session"
	"github.com/gravitational/collabrelay/lib/store"
	"github.com/gravitational/collabrelay/lib/utils"
)

// handshakeMessage accompanies the server DID in the handshake frame.
var handshakeMessage = fmt.Sprintf("collabrelay %v", collabrelay.Version)

// Config configures the websocket handler.
type Config struct {
	// ServerDID is the relay's own DID, presented in the handshake frame.
	// Clients address their capability tokens to it.
	ServerDID string
	// Verifier checks owner and collaboration tokens.
	Verifier *auth.Verifier
	// Sessions coordinates session membership and fan-out across the fleet.
	Sessions *session.Manager
	// Store is the durable update log.
	Store store.Store
	// AllowedOrigins restricts websocket upgrades by the Origin header.
	// Empty admits every origin; requests without an Origin header are
	// always admitted.
	AllowedOrigins []string
	// Clock is the time source for update and commit timestamps.
	Clock clockwork.Clock
	// Log emits hub diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ServerDID == "" {
		return trace.BadParameter("missing parameter ServerDID")
	}
	if c.Verifier == nil {
		return trace.BadParameter("missing parameter Verifier")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(collabrelay.ComponentKey, collabrelay.ComponentWeb)
	}
	return nil
}

// Handler owns this node's client sockets. It serves the websocket upgrade
// endpoint and is the session manager's local delivery target.
type Handler struct {
	httprouter.Router

	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// NewHandler returns the websocket handler, registered as the session
// manager's broadcast target.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(prometheusCollectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:   cfg,
		log:   cfg.Log,
		conns: make(map[string]*conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: defaults.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	h.GET("/", h.upgrade)
	cfg.Sessions.SetBroadcastHandler(h.deliverBroadcast)
	return h, nil
}

// checkOrigin admits browser connections from the configured origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// upgrade turns the HTTP request into a websocket and serves it until the
// client goes away.
func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.log.DebugContext(r.Context(), "Websocket upgrade failed.",
			"remote_addr", r.RemoteAddr, "error", err)
		return
	}
	h.serveConn(r.Context(), ws)
}

func (h *Handler) serveConn(ctx context.Context, ws *websocket.Conn) {
	c := newConn(ws, h.log)
	if !h.addConn(c) {
		c.Close()
		return
	}
	openSockets.Inc()
	defer openSockets.Dec()
	defer h.disconnect(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)

	c.sendResponse(Response{
		Status:              true,
		StatusCode:          http.StatusOK,
		IsHandshakeResponse: true,
		Data: handshakeData{
			ServerDID: h.cfg.ServerDID,
			Message:   handshakeMessage,
		},
	})

	h.log.DebugContext(ctx, "Client connected.", "client_id", c.ID())
	c.serveFrames(ctx, func(ctx context.Context, req *Request) Response {
		return h.dispatch(ctx, c, req)
	})
}

// disconnect runs the ordered cleanup for a finished socket: the farewell
// broadcast while the membership still lists the leaver, then the membership
// removal, then dropping the local connection entry.
func (h *Handler) disconnect(c *conn) {
	defer func() {
		c.Close()
		h.removeConn(c.ID())
	}()

	documentID, sessionDID, ok := c.session()
	if !ok {
		return
	}
	// The socket's own context is gone by now; cleanup gets its own bounded
	// one because membership must converge even on abrupt disconnects.
	ctx, cancel := context.WithTimeout(context.Background(), defaults.StorageOpTimeout)
	defer cancel()

	h.broadcast(ctx, documentID, sessionDID, EventRoomMembershipChange,
		membershipChange{Action: ActionUserLeft, ClientID: c.ID()}, c.ID())
	if err := h.cfg.Sessions.RemoveClientFromSession(ctx, documentID, sessionDID, c.ID()); err != nil {
		h.log.WarnContext(ctx, "Failed to remove disconnected client from session.",
			"document_id", documentID, "client_id", c.ID(), "error", err)
	}
	h.log.DebugContext(ctx, "Client disconnected.",
		"document_id", documentID, "client_id", c.ID())
}

// deliverBroadcast is the session manager's local delivery target. It
// enqueues the pre-serialized frame to every local socket in the client set
// except the excluded one; ids living on other nodes are skipped.
func (h *Handler) deliverBroadcast(clients []string, broadcast session.Broadcast) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(clients))
	for _, id := range clients {
		if id == broadcast.ExcludeClientID {
			continue
		}
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.sendEvent(broadcast.EventType, broadcast.Message)
		eventsDelivered.Inc()
	}
}

func (h *Handler) addConn(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.ID()] = c
	h.wg.Add(1)
	return true
}

func (h *Handler) removeConn(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; ok {
		delete(h.conns, id)
		h.wg.Done()
	}
}

// Close stops accepting new sockets and closes every open one. Each socket's
// disconnect cleanup still runs on its own goroutine; use Wait to block
// until membership has converged.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		errs = append(errs, c.Close())
	}
	return trace.NewAggregate(errs...)
}

// Wait blocks until every connection goroutine has finished its cleanup.
func (h *Handler) Wait() {
	h.wg.Wait()
}
