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

// Package store defines the durable records of the relay - sessions, document
// updates and document commits - and the Store interface both the in-memory
// and the MongoDB implementations satisfy.
//
// Update and commit rows are wire-visible: their timestamps are milliseconds
// since the epoch, matching the protocol. The session row is internal and
// keeps time.Time fields.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/collabrelay/lib/defaults"
)

// SessionState is the lifecycle state of a session row.
type SessionState string

const (
	// SessionStateActive marks a session with at least one connected client.
	SessionStateActive SessionState = "active"
	// SessionStateInactive marks a session whose last client left. It is
	// revived by the next owner setup for the same pair.
	SessionStateInactive SessionState = "inactive"
	// SessionStateTerminated marks a session retired by its owner. The
	// (documentId, sessionDid) pair is never reused.
	SessionStateTerminated SessionState = "terminated"
)

// UpdateTypeCRDT tags document updates carrying an opaque client-encrypted
// CRDT payload. It is the only update type the relay currently accepts.
const UpdateTypeCRDT = "crdt"

// Session is the durable record of a collaboration session, keyed by the
// (DocumentID, SessionDID) pair. The client membership set is not persisted
// here; it lives in the shared session cache and the per-node mirrors.
type Session struct {
	// DocumentID is the opaque document identifier chosen by the client.
	DocumentID string `json:"documentId" bson:"documentId"`
	// SessionDID is the ephemeral DID the owner generated for this session.
	SessionDID string `json:"sessionDid" bson:"sessionDid"`
	// OwnerDID is the stable owner identity resolved from the on-chain
	// registry at setup. It never changes for the lifetime of the pair.
	OwnerDID string `json:"ownerDid" bson:"ownerDid"`
	// RoomInfo is an opaque owner-writable metadata blob.
	RoomInfo json.RawMessage `json:"roomInfo,omitempty" bson:"roomInfo,omitempty"`
	// State is the lifecycle state of the session.
	State SessionState `json:"state" bson:"state"`
	// CreatedAt is when the pair was first set up.
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	// UpdatedAt is when the row last changed.
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Check validates the session row fields.
func (s *Session) Check() error {
	if s.DocumentID == "" {
		return trace.BadParameter("missing parameter DocumentID")
	}
	if s.SessionDID == "" {
		return trace.BadParameter("missing parameter SessionDID")
	}
	if s.OwnerDID == "" {
		return trace.BadParameter("missing parameter OwnerDID")
	}
	switch s.State {
	case SessionStateActive, SessionStateInactive, SessionStateTerminated:
	default:
		return trace.BadParameter("unsupported session state %q", s.State)
	}
	return nil
}

// DocumentUpdate is one append-only log entry of opaque, client-encrypted
// CRDT data. Rows are immutable except for the single committed transition
// performed by CreateCommit.
type DocumentUpdate struct {
	// ID is the update id, a UUID minted when the update is accepted.
	ID string `json:"id" bson:"id"`
	// DocumentID and SessionDID name the session under whose authorization
	// the update was accepted.
	DocumentID string `json:"documentId" bson:"documentId"`
	SessionDID string `json:"sessionDid" bson:"sessionDid"`
	// Data is the opaque payload. The relay never interprets it.
	Data json.RawMessage `json:"data" bson:"data"`
	// UpdateType tags the payload encoding, currently always UpdateTypeCRDT.
	UpdateType string `json:"updateType" bson:"updateType"`
	// Committed reports whether an owner commit consumed this update.
	Committed bool `json:"committed" bson:"committed"`
	// CommitCID is the content address of the consuming commit, empty until
	// the update is committed.
	CommitCID string `json:"commitCid,omitempty" bson:"commitCid,omitempty"`
	// CreatedAt is milliseconds since the epoch.
	CreatedAt int64 `json:"createdAt" bson:"createdAt"`
}

// Check validates a new update row. Updates enter the log uncommitted.
func (u *DocumentUpdate) Check() error {
	if u.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	if u.DocumentID == "" {
		return trace.BadParameter("missing parameter DocumentID")
	}
	if u.SessionDID == "" {
		return trace.BadParameter("missing parameter SessionDID")
	}
	if u.UpdateType == "" {
		return trace.BadParameter("missing parameter UpdateType")
	}
	if u.Committed {
		return trace.BadParameter("a new update cannot be committed")
	}
	if u.CommitCID != "" {
		return trace.BadParameter("a new update cannot carry a commit CID")
	}
	return nil
}

// DocumentCommit marks a set of update ids as anchored to an external
// content-addressed snapshot produced by the session owner.
type DocumentCommit struct {
	// ID is the commit id, a UUID minted when the commit is accepted.
	ID string `json:"id" bson:"id"`
	// DocumentID and SessionDID name the session the commit belongs to.
	DocumentID string `json:"documentId" bson:"documentId"`
	SessionDID string `json:"sessionDid" bson:"sessionDid"`
	// CID is the externally chosen content address of the snapshot.
	CID string `json:"cid" bson:"cid"`
	// Updates lists the update ids the snapshot consumed.
	Updates []string `json:"updates" bson:"updates"`
	// CreatedAt is milliseconds since the epoch.
	CreatedAt int64 `json:"createdAt" bson:"createdAt"`
}

// Check validates a new commit row.
func (c *DocumentCommit) Check() error {
	if c.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	if c.DocumentID == "" {
		return trace.BadParameter("missing parameter DocumentID")
	}
	if c.SessionDID == "" {
		return trace.BadParameter("missing parameter SessionDID")
	}
	if c.CID == "" {
		return trace.BadParameter("missing parameter CID")
	}
	return nil
}

// SortOrder selects the createdAt ordering of history reads.
type SortOrder string

const (
	// SortAscending returns oldest rows first.
	SortAscending SortOrder = "asc"
	// SortDescending returns newest rows first. The default.
	SortDescending SortOrder = "desc"
)

// UpdatesQuery parameterizes GetUpdatesByDocument.
type UpdatesQuery struct {
	// Limit caps the page size. Zero selects the default.
	Limit int
	// Offset skips rows from the start of the ordered result.
	Offset int
	// Sort orders by createdAt, ties broken by id. Empty selects descending.
	Sort SortOrder
	// Committed, when set, filters rows by their committed flag.
	Committed *bool
}

// CheckAndSetDefaults validates the query and fills in defaults.
func (q *UpdatesQuery) CheckAndSetDefaults() error {
	if q.Limit == 0 {
		q.Limit = defaults.UpdateHistoryLimit
	}
	if q.Limit < 0 || q.Limit > defaults.MaxUpdateHistoryLimit {
		return trace.BadParameter("limit must be between 1 and %d", defaults.MaxUpdateHistoryLimit)
	}
	if q.Offset < 0 {
		return trace.BadParameter("offset cannot be negative")
	}
	return checkSort(&q.Sort)
}

// CommitsQuery parameterizes GetCommitsByDocument.
type CommitsQuery struct {
	// Limit caps the page size. Zero selects the default.
	Limit int
	// Offset skips rows from the start of the ordered result.
	Offset int
	// Sort orders by createdAt, ties broken by id. Empty selects descending.
	Sort SortOrder
}

// CheckAndSetDefaults validates the query and fills in defaults.
func (q *CommitsQuery) CheckAndSetDefaults() error {
	if q.Limit == 0 {
		q.Limit = defaults.CommitHistoryLimit
	}
	if q.Limit < 0 || q.Limit > defaults.MaxCommitHistoryLimit {
		return trace.BadParameter("limit must be between 1 and %d", defaults.MaxCommitHistoryLimit)
	}
	if q.Offset < 0 {
		return trace.BadParameter("offset cannot be negative")
	}
	return checkSort(&q.Sort)
}

func checkSort(s *SortOrder) error {
	switch *s {
	case "":
		*s = SortDescending
	case SortAscending, SortDescending:
	default:
		return trace.BadParameter("unsupported sort order %q, expected %q or %q",
			*s, SortAscending, SortDescending)
	}
	return nil
}

// Store persists session rows and the per-session update log. Callers observe
// createdAt-sorted output with ties broken by id; no durable total order
// across updates from different nodes is promised. All operations are safe
// for concurrent use.
type Store interface {
	// UpsertSession creates or replaces the session row for the pair and
	// returns the stored row. CreatedAt is preserved across upserts.
	UpsertSession(ctx context.Context, session Session) (*Session, error)

	// GetSession returns the session row for the pair, regardless of state.
	// Returns a NotFound error when no row exists.
	GetSession(ctx context.Context, documentID, sessionDID string) (*Session, error)

	// SetSessionState transitions an existing row between active and
	// inactive. Terminated rows are a sink; transitioning one fails.
	SetSessionState(ctx context.Context, documentID, sessionDID string, state SessionState) error

	// SetSessionRoomInfo replaces the opaque room metadata of an existing
	// non-terminated row.
	SetSessionRoomInfo(ctx context.Context, documentID, sessionDID string, roomInfo json.RawMessage) error

	// MarkSessionTerminated retires the pair: state becomes terminated and
	// the room info is cleared. The update and commit rows are removed
	// separately via DeleteBySession.
	MarkSessionTerminated(ctx context.Context, documentID, sessionDID string) error

	// CreateUpdate appends an update row. The row must be uncommitted and
	// carry no commit CID.
	CreateUpdate(ctx context.Context, update DocumentUpdate) (*DocumentUpdate, error)

	// CreateCommit persists the commit row and atomically transitions every
	// referenced update that exists to committed with the commit's CID.
	// Referenced ids with no row are skipped with a warning: the commit's
	// CID is the authoritative record and an owner may commit before a
	// straggling update reaches the store.
	CreateCommit(ctx context.Context, commit DocumentCommit) (*DocumentCommit, error)

	// GetUpdatesByDocument pages through the update rows of a document.
	GetUpdatesByDocument(ctx context.Context, documentID string, query UpdatesQuery) ([]DocumentUpdate, error)

	// GetCommitsByDocument pages through the commit rows of a document.
	GetCommitsByDocument(ctx context.Context, documentID string, query CommitsQuery) ([]DocumentCommit, error)

	// DeleteBySession removes every update and commit row of the pair.
	// Invoked only by the session manager on termination.
	DeleteBySession(ctx context.Context, documentID, sessionDID string) error

	// Close releases the store resources.
	Close(ctx context.Context) error
}
