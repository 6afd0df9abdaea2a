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

// Package cluster keeps the relay fleet coherent: a shared session cache
// holding the cluster-wide view of each session, and an event bus fanning
// session changes and broadcast frames out to every node.
//
// Delivery is best-effort at-most-once. Events published by one node are
// observed by the others in publish order; there is no cross-publisher
// order. Both facilities are optional at runtime: a node keeps serving its
// local clients when the cache or the bus is down.
package cluster

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/gravitational/trace"

	"github.com/gravitational/collabrelay/lib/store"
)

// EventsChannel is the pub/sub channel carrying all session events.
const EventsChannel = "session_events"

// sessionKeyPrefix namespaces the cache keys of session records.
const sessionKeyPrefix = "collab:session:"

// SessionKey builds the cache key of the (documentID, sessionDID) pair.
func SessionKey(documentID, sessionDID string) string {
	return sessionKeyPrefix + documentID + "__" + sessionDID
}

// EventKind tags the bus messages.
type EventKind string

const (
	// SessionCreated announces a new or revived session. It is the only
	// event that creates entries in the per-node session mirrors.
	SessionCreated EventKind = "SESSION_CREATED"
	// SessionUpdated carries a refreshed session record, published when a
	// session goes inactive so stale mirrors converge.
	SessionUpdated EventKind = "SESSION_UPDATED"
	// SessionDeleted announces a terminated session.
	SessionDeleted EventKind = "SESSION_DELETED"
	// ClientJoined and ClientLeft track the cluster-wide membership set.
	ClientJoined EventKind = "CLIENT_JOINED"
	ClientLeft   EventKind = "CLIENT_LEFT"
	// RoomInfoUpdated carries replaced room metadata.
	RoomInfoUpdated EventKind = "ROOM_INFO_UPDATED"
	// BroadcastMessage carries a pre-serialized client frame for local
	// delivery to the session's sockets on every node.
	BroadcastMessage EventKind = "BROADCAST_MESSAGE"
)

// SessionRecord is the shared view of one session: the durable fields plus
// the cluster-wide client membership. It is the cache value and the payload
// of session lifecycle events.
type SessionRecord struct {
	DocumentID string             `json:"documentId"`
	SessionDID string             `json:"sessionDid"`
	OwnerDID   string             `json:"ownerDid"`
	RoomInfo   json.RawMessage    `json:"roomInfo,omitempty"`
	Clients    []string           `json:"clients"`
	State      store.SessionState `json:"state"`
}

// Check validates the record fields.
func (r *SessionRecord) Check() error {
	if r.DocumentID == "" {
		return trace.BadParameter("missing parameter DocumentID")
	}
	if r.SessionDID == "" {
		return trace.BadParameter("missing parameter SessionDID")
	}
	if r.OwnerDID == "" {
		return trace.BadParameter("missing parameter OwnerDID")
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	out := *r
	out.RoomInfo = slices.Clone(r.RoomInfo)
	out.Clients = slices.Clone(r.Clients)
	return &out
}

// Event is one bus message. Every event is scoped to a session pair and
// stamped with the publishing node so subscribers can drop their own echo.
type Event struct {
	Kind       EventKind `json:"kind"`
	NodeID     string    `json:"nodeId"`
	DocumentID string    `json:"documentId"`
	SessionDID string    `json:"sessionDid"`
	// ClientID names the affected client on ClientJoined and ClientLeft.
	ClientID string `json:"clientId,omitempty"`
	// Session carries the full record on SessionCreated and SessionUpdated.
	Session *SessionRecord `json:"session,omitempty"`
	// RoomInfo carries the replaced metadata on RoomInfoUpdated.
	RoomInfo json.RawMessage `json:"roomInfo,omitempty"`
	// EventType, Message and ExcludeClientID describe a BroadcastMessage:
	// the client frame type, the serialized frame and an optional client to
	// skip during local delivery.
	EventType       string          `json:"eventType,omitempty"`
	Message         json.RawMessage `json:"message,omitempty"`
	ExcludeClientID string          `json:"excludeClientId,omitempty"`
}

// Check validates the event fields common to all kinds.
func (e *Event) Check() error {
	if e.Kind == "" {
		return trace.BadParameter("missing parameter Kind")
	}
	if e.DocumentID == "" {
		return trace.BadParameter("missing parameter DocumentID")
	}
	if e.SessionDID == "" {
		return trace.BadParameter("missing parameter SessionDID")
	}
	return nil
}

// EventHandler consumes events published by other nodes. Handlers run on the
// bus delivery goroutine and must not block.
type EventHandler func(event Event)

// SessionCache is the shared session record store. Implementations treat
// records as single keys written last-writer-wins; membership races between
// nodes resolve to a recent write rather than a merged set.
type SessionCache interface {
	// GetSession returns the cached record or a NotFound error.
	GetSession(ctx context.Context, documentID, sessionDID string) (*SessionRecord, error)

	// PutSession writes the full record and restarts its TTL.
	PutSession(ctx context.Context, record *SessionRecord) error

	// DeleteSession removes the record. Removing a missing record is not an
	// error.
	DeleteSession(ctx context.Context, documentID, sessionDID string) error

	// AddClient inserts the client into the record's membership set and
	// returns the resulting cluster-wide client count. Returns NotFound when
	// no record exists.
	AddClient(ctx context.Context, documentID, sessionDID, clientID string) (int, error)

	// RemoveClient removes the client from the record's membership set and
	// returns the remaining cluster-wide client count. Returns NotFound when
	// no record exists.
	RemoveClient(ctx context.Context, documentID, sessionDID, clientID string) (int, error)

	// Close releases the cache resources.
	Close() error
}

// Bus publishes events to the fleet and delivers events published by other
// nodes to the subscribed handler.
type Bus interface {
	// Publish stamps the event with this node's id and enqueues it for
	// delivery. It never blocks: when the publish queue is full the event is
	// dropped and a LimitExceeded error returned.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers the handler receiving the other nodes' events.
	// Only one handler is supported; it is registered during wiring before
	// any traffic.
	Subscribe(handler EventHandler)

	// Close stops the bus and flushes queued events when possible.
	Close() error
}
