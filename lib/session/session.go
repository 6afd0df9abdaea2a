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

// Package session coordinates collaboration sessions across three tiers: a
// per-node in-memory mirror, the shared cluster cache and the durable store.
//
// The mirror tracks the cluster-wide client membership of every session this
// node has seen, kept coherent by bus events. The durable store is the only
// tier whose failures fail a request; cache and bus failures degrade a node
// to local-only operation without dropping its clients.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/cluster"
	"github.com/gravitational/collabrelay/lib/store"
)

// Broadcast is one pre-serialized client frame to deliver to every client of
// a session, cluster-wide.
type Broadcast struct {
	// DocumentID and SessionDID scope the delivery.
	DocumentID string
	SessionDID string
	// EventType is the client frame type. Sockets use it to decide whether
	// the frame may be dropped under backpressure.
	EventType string
	// Message is the serialized frame.
	Message json.RawMessage
	// ExcludeClientID names a client to skip, usually the originator.
	ExcludeClientID string
}

// BroadcastHandler delivers a frame to this node's local sockets. The
// clients slice is the session's cluster-wide membership; the handler skips
// ids without a local socket and the excluded client. Handlers only enqueue
// and never block.
type BroadcastHandler func(clients []string, broadcast Broadcast)

// CreateSessionParams are the arguments of CreateSession. OwnerDID has been
// verified against the registry by the caller.
type CreateSessionParams struct {
	DocumentID string
	SessionDID string
	OwnerDID   string
	RoomInfo   json.RawMessage
}

func (p *CreateSessionParams) check() error {
	if p.DocumentID == "" {
		return trace.BadParameter("missing parameter DocumentID")
	}
	if p.SessionDID == "" {
		return trace.BadParameter("missing parameter SessionDID")
	}
	if p.OwnerDID == "" {
		return trace.BadParameter("missing parameter OwnerDID")
	}
	return nil
}

// Config configures the session manager.
type Config struct {
	// NodeID identifies this node in bus events.
	NodeID string
	// Store is the durable session and log store.
	Store store.Store
	// Cache is the shared session cache.
	Cache cluster.SessionCache
	// Bus fans session events out to the fleet.
	Bus cluster.Bus
	// Log emits manager diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.NodeID == "" {
		return trace.BadParameter("missing parameter NodeID")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Log == nil {
		c.Log = slog.With(collabrelay.ComponentKey, collabrelay.ComponentSession)
	}
	return nil
}

// mirror is this node's view of one session, holding the cluster-wide
// client membership union.
type mirror struct {
	documentID string
	sessionDID string
	ownerDID   string
	roomInfo   json.RawMessage
	state      store.SessionState
	clients    map[string]struct{}
}

func (m *mirror) record() *cluster.SessionRecord {
	clients := make([]string, 0, len(m.clients))
	for id := range m.clients {
		clients = append(clients, id)
	}
	slices.Sort(clients)
	return &cluster.SessionRecord{
		DocumentID: m.documentID,
		SessionDID: m.sessionDID,
		OwnerDID:   m.ownerDID,
		RoomInfo:   slices.Clone(m.roomInfo),
		Clients:    clients,
		State:      m.state,
	}
}

func mirrorFromRecord(record *cluster.SessionRecord) *mirror {
	clients := make(map[string]struct{}, len(record.Clients))
	for _, id := range record.Clients {
		clients[id] = struct{}{}
	}
	return &mirror{
		documentID: record.DocumentID,
		sessionDID: record.SessionDID,
		ownerDID:   record.OwnerDID,
		roomInfo:   slices.Clone(record.RoomInfo),
		state:      record.State,
		clients:    clients,
	}
}

// Manager owns the session tiers of one node.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*mirror

	handlerMu sync.RWMutex
	handler   BroadcastHandler
}

// New returns a manager subscribed to the cluster bus.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*mirror),
	}
	cfg.Bus.Subscribe(m.handleEvent)
	return m, nil
}

// SetBroadcastHandler registers the local delivery handler. Registered once
// during wiring, before any traffic.
func (m *Manager) SetBroadcastHandler(handler BroadcastHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = handler
}

func (m *Manager) broadcastHandler() BroadcastHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

func key(documentID, sessionDID string) string {
	return documentID + "/" + sessionDID
}

// CreateSession sets up a new session or revives an inactive one. Reviving
// requires the same owner DID the pair was set up with; terminated pairs are
// never revived.
func (m *Manager) CreateSession(ctx context.Context, params CreateSessionParams) (*cluster.SessionRecord, error) {
	if err := params.check(); err != nil {
		return nil, trace.Wrap(err)
	}
	roomInfo := params.RoomInfo
	existing, err := m.cfg.Store.GetSession(ctx, params.DocumentID, params.SessionDID)
	switch {
	case err == nil:
		if existing.State == store.SessionStateTerminated {
			return nil, trace.AccessDenied("session %v/%v was terminated and cannot be revived",
				params.DocumentID, params.SessionDID)
		}
		if existing.OwnerDID != params.OwnerDID {
			return nil, trace.AccessDenied("session %v/%v belongs to a different owner",
				params.DocumentID, params.SessionDID)
		}
		if roomInfo == nil {
			roomInfo = existing.RoomInfo
		}
	case trace.IsNotFound(err):
	default:
		return nil, trace.Wrap(err)
	}

	// The durable row is written first: a session that survives a node
	// crash must exist before any client can reference it.
	row, err := m.cfg.Store.UpsertSession(ctx, store.Session{
		DocumentID: params.DocumentID,
		SessionDID: params.SessionDID,
		OwnerDID:   params.OwnerDID,
		RoomInfo:   roomInfo,
		State:      store.SessionStateActive,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	entry := &mirror{
		documentID: row.DocumentID,
		sessionDID: row.SessionDID,
		ownerDID:   row.OwnerDID,
		roomInfo:   slices.Clone(row.RoomInfo),
		state:      store.SessionStateActive,
		clients:    make(map[string]struct{}),
	}
	m.mu.Lock()
	m.sessions[key(row.DocumentID, row.SessionDID)] = entry
	m.setSessionsGaugeLocked()
	record := entry.record()
	m.mu.Unlock()

	if err := m.cfg.Cache.PutSession(ctx, record); err != nil {
		m.cfg.Log.WarnContext(ctx, "Failed to cache session record, continuing without cache.",
			"document_id", row.DocumentID, "error", err)
	}
	m.publish(ctx, cluster.Event{
		Kind:       cluster.SessionCreated,
		DocumentID: record.DocumentID,
		SessionDID: record.SessionDID,
		Session:    record,
	})
	return record, nil
}

// GetSession returns the active session for the pair, reading through the
// local mirror, the shared cache and finally the durable store, warming the
// earlier tiers on the way back. Inactive and terminated sessions read as
// missing; reviving an inactive one is CreateSession's job.
func (m *Manager) GetSession(ctx context.Context, documentID, sessionDID string) (*cluster.SessionRecord, error) {
	m.mu.RLock()
	if entry, ok := m.sessions[key(documentID, sessionDID)]; ok {
		record := entry.record()
		m.mu.RUnlock()
		return record, nil
	}
	m.mu.RUnlock()

	cached, err := m.cfg.Cache.GetSession(ctx, documentID, sessionDID)
	if err == nil && cached.State == store.SessionStateActive {
		m.warmLocal(cached)
		return cached, nil
	}
	if err != nil && !trace.IsNotFound(err) {
		m.cfg.Log.WarnContext(ctx, "Session cache read failed, falling back to durable store.",
			"document_id", documentID, "error", err)
	}

	row, err := m.cfg.Store.GetSession(ctx, documentID, sessionDID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if row.State != store.SessionStateActive {
		return nil, trace.NotFound("no active session for %v/%v", documentID, sessionDID)
	}
	record := &cluster.SessionRecord{
		DocumentID: row.DocumentID,
		SessionDID: row.SessionDID,
		OwnerDID:   row.OwnerDID,
		RoomInfo:   row.RoomInfo,
		Clients:    []string{},
		State:      row.State,
	}
	m.warmLocal(record)
	if err := m.cfg.Cache.PutSession(ctx, record); err != nil {
		m.cfg.Log.WarnContext(ctx, "Failed to warm session cache.",
			"document_id", documentID, "error", err)
	}
	return record, nil
}

// warmLocal inserts a mirror for a session this node learned about from a
// colder tier. An existing mirror wins: it is already kept fresh by events.
func (m *Manager) warmLocal(record *cluster.SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(record.DocumentID, record.SessionDID)
	if _, ok := m.sessions[k]; ok {
		return
	}
	m.sessions[k] = mirrorFromRecord(record)
	m.setSessionsGaugeLocked()
}

// DescribeSession returns the session record for the pair in any live state,
// active or inactive, without warming any tier. Termination authorization
// reads through it.
func (m *Manager) DescribeSession(ctx context.Context, documentID, sessionDID string) (*cluster.SessionRecord, error) {
	m.mu.RLock()
	if entry, ok := m.sessions[key(documentID, sessionDID)]; ok {
		record := entry.record()
		m.mu.RUnlock()
		return record, nil
	}
	m.mu.RUnlock()

	cached, err := m.cfg.Cache.GetSession(ctx, documentID, sessionDID)
	if err == nil {
		return cached, nil
	}
	if !trace.IsNotFound(err) {
		m.cfg.Log.WarnContext(ctx, "Session cache read failed, falling back to durable store.",
			"document_id", documentID, "error", err)
	}

	row, err := m.cfg.Store.GetSession(ctx, documentID, sessionDID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if row.State == store.SessionStateTerminated {
		return nil, trace.NotFound("session %v/%v was terminated", documentID, sessionDID)
	}
	return &cluster.SessionRecord{
		DocumentID: row.DocumentID,
		SessionDID: row.SessionDID,
		OwnerDID:   row.OwnerDID,
		RoomInfo:   row.RoomInfo,
		Clients:    []string{},
		State:      row.State,
	}, nil
}

// AddClientToSession inserts the client into the session's membership.
func (m *Manager) AddClientToSession(ctx context.Context, documentID, sessionDID, clientID string) error {
	m.mu.Lock()
	entry, ok := m.sessions[key(documentID, sessionDID)]
	if !ok {
		m.mu.Unlock()
		return trace.NotFound("no active session for %v/%v", documentID, sessionDID)
	}
	entry.clients[clientID] = struct{}{}
	record := entry.record()
	m.mu.Unlock()

	if _, err := m.cfg.Cache.AddClient(ctx, documentID, sessionDID, clientID); err != nil {
		if trace.IsNotFound(err) {
			// The cache record expired or was lost; repair it from the
			// mirror, which already includes the new client.
			err = m.cfg.Cache.PutSession(ctx, record)
		}
		if err != nil {
			m.cfg.Log.WarnContext(ctx, "Failed to add client to cached session.",
				"document_id", documentID, "client_id", clientID, "error", err)
		}
	}
	m.publish(ctx, cluster.Event{
		Kind:       cluster.ClientJoined,
		DocumentID: documentID,
		SessionDID: sessionDID,
		ClientID:   clientID,
	})
	return nil
}

// RemoveClientFromSession removes the client from the session's membership
// and deactivates the session once no client remains anywhere in the
// cluster. The shared cache arbitrates the cluster-wide count; when it is
// unreachable the local membership union decides alone.
func (m *Manager) RemoveClientFromSession(ctx context.Context, documentID, sessionDID, clientID string) error {
	m.mu.Lock()
	entry, ok := m.sessions[key(documentID, sessionDID)]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(entry.clients, clientID)
	localRemaining := len(entry.clients)
	m.mu.Unlock()

	clusterRemaining := localRemaining
	if remaining, err := m.cfg.Cache.RemoveClient(ctx, documentID, sessionDID, clientID); err == nil {
		clusterRemaining = remaining
	} else if !trace.IsNotFound(err) {
		m.cfg.Log.WarnContext(ctx, "Failed to remove client from cached session.",
			"document_id", documentID, "client_id", clientID, "error", err)
	}

	m.publish(ctx, cluster.Event{
		Kind:       cluster.ClientLeft,
		DocumentID: documentID,
		SessionDID: sessionDID,
		ClientID:   clientID,
	})

	if localRemaining == 0 && clusterRemaining == 0 {
		m.deactivateSession(ctx, documentID, sessionDID)
	}
	return nil
}

// deactivateSession parks an emptied session: the mirror and the cache
// record go away and the durable row flips to inactive, ready for the next
// owner setup to revive it.
func (m *Manager) deactivateSession(ctx context.Context, documentID, sessionDID string) {
	m.mu.Lock()
	entry, ok := m.sessions[key(documentID, sessionDID)]
	var record *cluster.SessionRecord
	if ok {
		entry.state = store.SessionStateInactive
		entry.clients = make(map[string]struct{})
		record = entry.record()
		delete(m.sessions, key(documentID, sessionDID))
		m.setSessionsGaugeLocked()
	}
	m.mu.Unlock()

	if err := m.cfg.Cache.DeleteSession(ctx, documentID, sessionDID); err != nil {
		m.cfg.Log.WarnContext(ctx, "Failed to delete cached session record.",
			"document_id", documentID, "error", err)
	}
	if err := m.cfg.Store.SetSessionState(ctx, documentID, sessionDID, store.SessionStateInactive); err != nil {
		m.cfg.Log.WarnContext(ctx, "Failed to mark session inactive.",
			"document_id", documentID, "error", err)
	}
	if record != nil {
		// Tell nodes with a stale mirror the session went away.
		m.publish(ctx, cluster.Event{
			Kind:       cluster.SessionUpdated,
			DocumentID: documentID,
			SessionDID: sessionDID,
			Session:    record,
		})
	}
	m.cfg.Log.InfoContext(ctx, "Session deactivated.",
		"document_id", documentID, "session_did", sessionDID)
}

// UpdateRoomInfo replaces the session's opaque room metadata everywhere.
// Callers enforce that only the owner reaches this.
func (m *Manager) UpdateRoomInfo(ctx context.Context, documentID, sessionDID string, roomInfo json.RawMessage) error {
	m.mu.RLock()
	_, ok := m.sessions[key(documentID, sessionDID)]
	m.mu.RUnlock()
	if !ok {
		return trace.NotFound("no active session for %v/%v", documentID, sessionDID)
	}

	if err := m.cfg.Store.SetSessionRoomInfo(ctx, documentID, sessionDID, roomInfo); err != nil {
		return trace.Wrap(err)
	}

	m.mu.Lock()
	entry, ok := m.sessions[key(documentID, sessionDID)]
	var record *cluster.SessionRecord
	if ok {
		entry.roomInfo = slices.Clone(roomInfo)
		record = entry.record()
	}
	m.mu.Unlock()

	if record != nil {
		if err := m.cfg.Cache.PutSession(ctx, record); err != nil {
			m.cfg.Log.WarnContext(ctx, "Failed to cache updated room info.",
				"document_id", documentID, "error", err)
		}
	}
	m.publish(ctx, cluster.Event{
		Kind:       cluster.RoomInfoUpdated,
		DocumentID: documentID,
		SessionDID: sessionDID,
		RoomInfo:   roomInfo,
	})
	return nil
}

// TerminateSession retires the pair for good: the mirror and cache record
// are dropped, the durable row flips to terminated with its room info
// cleared, and every update and commit row of the pair is purged. The caller
// has already verified the requestor owns the session and broadcast the
// farewell frame.
func (m *Manager) TerminateSession(ctx context.Context, documentID, sessionDID string) error {
	m.mu.Lock()
	delete(m.sessions, key(documentID, sessionDID))
	m.setSessionsGaugeLocked()
	m.mu.Unlock()

	if err := m.cfg.Cache.DeleteSession(ctx, documentID, sessionDID); err != nil {
		m.cfg.Log.WarnContext(ctx, "Failed to delete cached session record.",
			"document_id", documentID, "error", err)
	}
	if err := m.cfg.Store.MarkSessionTerminated(ctx, documentID, sessionDID); err != nil {
		return trace.Wrap(err)
	}
	if err := m.cfg.Store.DeleteBySession(ctx, documentID, sessionDID); err != nil {
		return trace.Wrap(err)
	}
	m.publish(ctx, cluster.Event{
		Kind:       cluster.SessionDeleted,
		DocumentID: documentID,
		SessionDID: sessionDID,
	})
	m.cfg.Log.InfoContext(ctx, "Session terminated.",
		"document_id", documentID, "session_did", sessionDID)
	return nil
}

// Peers lists the session's cluster-wide client ids, preferring the shared
// cache view and falling back to the local mirror when the cache is
// unreachable.
func (m *Manager) Peers(ctx context.Context, documentID, sessionDID string) ([]string, error) {
	cached, err := m.cfg.Cache.GetSession(ctx, documentID, sessionDID)
	if err == nil {
		clients := slices.Clone(cached.Clients)
		slices.Sort(clients)
		return clients, nil
	}
	if !trace.IsNotFound(err) {
		m.cfg.Log.WarnContext(ctx, "Session cache read failed, listing peers from the local mirror.",
			"document_id", documentID, "error", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessions[key(documentID, sessionDID)]
	if !ok {
		return nil, trace.NotFound("no active session for %v/%v", documentID, sessionDID)
	}
	return entry.record().Clients, nil
}

// BroadcastToAllNodes delivers the frame to the session's local sockets and
// publishes it for the rest of the fleet. Local delivery happens first and
// never waits on the bus; fan-out problems degrade to local-only delivery.
func (m *Manager) BroadcastToAllNodes(ctx context.Context, broadcast Broadcast) error {
	if broadcast.DocumentID == "" || broadcast.SessionDID == "" {
		return trace.BadParameter("broadcast requires a document id and session DID")
	}
	m.deliverLocal(broadcast)
	m.publish(ctx, cluster.Event{
		Kind:            cluster.BroadcastMessage,
		DocumentID:      broadcast.DocumentID,
		SessionDID:      broadcast.SessionDID,
		EventType:       broadcast.EventType,
		Message:         broadcast.Message,
		ExcludeClientID: broadcast.ExcludeClientID,
	})
	return nil
}

func (m *Manager) deliverLocal(broadcast Broadcast) {
	handler := m.broadcastHandler()
	if handler == nil {
		return
	}
	m.mu.RLock()
	entry, ok := m.sessions[key(broadcast.DocumentID, broadcast.SessionDID)]
	var clients []string
	if ok {
		clients = entry.record().Clients
	}
	m.mu.RUnlock()
	if len(clients) == 0 {
		return
	}
	handler(clients, broadcast)
}

// publish sends a bus event, logging instead of failing: fan-out is
// best-effort by contract and never fails the triggering request.
func (m *Manager) publish(ctx context.Context, event cluster.Event) {
	if err := m.cfg.Bus.Publish(ctx, event); err != nil {
		m.cfg.Log.WarnContext(ctx, "Failed to publish cluster event.",
			"kind", event.Kind, "document_id", event.DocumentID, "error", err)
	}
}

// handleEvent applies one bus event from another node to the local mirror.
// SessionCreated is the only event that creates mirror entries; all others
// apply to sessions this node already tracks.
func (m *Manager) handleEvent(event cluster.Event) {
	switch event.Kind {
	case cluster.SessionCreated:
		if event.Session == nil {
			return
		}
		m.mu.Lock()
		m.sessions[key(event.DocumentID, event.SessionDID)] = mirrorFromRecord(event.Session)
		m.setSessionsGaugeLocked()
		m.mu.Unlock()

	case cluster.SessionUpdated:
		if event.Session == nil {
			return
		}
		m.mu.Lock()
		if _, ok := m.sessions[key(event.DocumentID, event.SessionDID)]; ok {
			if event.Session.State == store.SessionStateActive {
				m.sessions[key(event.DocumentID, event.SessionDID)] = mirrorFromRecord(event.Session)
			} else {
				delete(m.sessions, key(event.DocumentID, event.SessionDID))
				m.setSessionsGaugeLocked()
			}
		}
		m.mu.Unlock()

	case cluster.SessionDeleted:
		m.mu.Lock()
		delete(m.sessions, key(event.DocumentID, event.SessionDID))
		m.setSessionsGaugeLocked()
		m.mu.Unlock()

	case cluster.ClientJoined:
		m.mu.Lock()
		if entry, ok := m.sessions[key(event.DocumentID, event.SessionDID)]; ok {
			entry.clients[event.ClientID] = struct{}{}
		}
		m.mu.Unlock()

	case cluster.ClientLeft:
		m.mu.Lock()
		if entry, ok := m.sessions[key(event.DocumentID, event.SessionDID)]; ok {
			delete(entry.clients, event.ClientID)
			if len(entry.clients) == 0 {
				// The whole cluster emptied out; the last node to see a
				// client deactivates, this node just forgets.
				delete(m.sessions, key(event.DocumentID, event.SessionDID))
				m.setSessionsGaugeLocked()
			}
		}
		m.mu.Unlock()

	case cluster.RoomInfoUpdated:
		m.mu.Lock()
		if entry, ok := m.sessions[key(event.DocumentID, event.SessionDID)]; ok {
			entry.roomInfo = slices.Clone(event.RoomInfo)
		}
		m.mu.Unlock()

	case cluster.BroadcastMessage:
		m.deliverLocal(Broadcast{
			DocumentID:      event.DocumentID,
			SessionDID:      event.SessionDID,
			EventType:       event.EventType,
			Message:         event.Message,
			ExcludeClientID: event.ExcludeClientID,
		})

	default:
		m.cfg.Log.DebugContext(context.Background(), "Ignoring unknown cluster event.",
			"kind", event.Kind)
	}
}

func (m *Manager) setSessionsGaugeLocked() {
	localSessions.Set(float64(len(m.sessions)))
}
