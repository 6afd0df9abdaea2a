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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gravitational/trace"
)

// Wire commands.
const (
	CmdAuth          = "/auth"
	CmdUpdate        = "/documents/update"
	CmdCommit        = "/documents/commit"
	CmdUpdateHistory = "/documents/update/history"
	CmdCommitHistory = "/documents/commit/history"
	CmdPeersList     = "/documents/peers/list"
	CmdAwareness     = "/documents/awareness"
	CmdTerminate     = "/documents/terminate"
)

// Event types pushed to clients. Only awareness frames may be dropped under
// backpressure.
const (
	EventContentUpdate        = "CONTENT_UPDATE"
	EventAwarenessUpdate      = "AWARENESS_UPDATE"
	EventRoomMembershipChange = "ROOM_MEMBERSHIP_CHANGE"
	EventSessionTerminated    = "SESSION_TERMINATED"
)

// Membership change actions.
const (
	ActionUserJoined = "user_joined"
	ActionUserLeft   = "user_left"
)

// Role is the per-connection authorization level assigned by /auth.
type Role string

const (
	// RoleOwner is assigned when an owner token verifies to the session's
	// owner DID. Owners may commit, terminate and rewrite room info.
	RoleOwner Role = "owner"
	// RoleEditor is assigned to collaborators joining with a collaboration
	// token alone.
	RoleEditor Role = "editor"
)

// Session types reported in the /auth reply.
const (
	sessionTypeNew      = "new"
	sessionTypeExisting = "existing"
)

// Request is the envelope of every client command frame.
type Request struct {
	Cmd   string          `json:"cmd"`
	Args  json.RawMessage `json:"args"`
	SeqID string          `json:"seqId"`
}

// Response is the envelope of every reply frame, including the handshake.
// SeqID mirrors the request's sequence id and is null for unsolicited
// replies.
type Response struct {
	Status              bool    `json:"status"`
	StatusCode          int     `json:"statusCode"`
	SeqID               *string `json:"seqId"`
	IsHandshakeResponse bool    `json:"is_handshake_response"`
	Data                any     `json:"data,omitempty"`
	Err                 string  `json:"err,omitempty"`
}

// EventFrame is the envelope of every unsolicited server push.
type EventFrame struct {
	Type      string    `json:"type"`
	EventType string    `json:"event_type"`
	Event     EventBody `json:"event"`
}

// EventBody carries the event payload and the document it belongs to.
type EventBody struct {
	Data   any    `json:"data"`
	RoomID string `json:"roomId"`
}

// eventFrameType is the only Type an EventFrame carries.
const eventFrameType = "event"

// handshakeData is the payload of the frame sent on connect, before any
// command. Clients mint capability tokens against ServerDID.
type handshakeData struct {
	ServerDID string `json:"server_did"`
	Message   string `json:"message"`
}

// membershipChange is the payload of ROOM_MEMBERSHIP_CHANGE events.
type membershipChange struct {
	Action   string `json:"action"`
	ClientID string `json:"clientId"`
}

// errOwnerRequired marks failures where the command needs the owner role on
// the socket rather than fresh credentials. It maps to 403 instead of the
// 401 used for token failures.
var errOwnerRequired = errors.New("owner role required")

// newEventFrame serializes an event push once so fan-out shares a single
// payload across every receiving socket.
func newEventFrame(eventType, roomID string, data any) ([]byte, error) {
	frame, err := json.Marshal(EventFrame{
		Type:      eventFrameType,
		EventType: eventType,
		Event: EventBody{
			Data:   data,
			RoomID: roomID,
		},
	})
	return frame, trace.Wrap(err)
}

// statusFromError maps handler errors to wire status codes.
func statusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errOwnerRequired):
		return http.StatusForbidden
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized
	case trace.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// successResponse builds the reply for a handled command.
func successResponse(seqID *string, data any) Response {
	return Response{
		Status:     true,
		StatusCode: http.StatusOK,
		SeqID:      seqID,
		Data:       data,
	}
}

// errorResponse builds the reply for a failed command. Internal errors reply
// with a generic message; the caller logs the detail.
func errorResponse(seqID *string, err error) Response {
	code := statusFromError(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		message = "internal server error"
	}
	return Response{
		Status:     false,
		StatusCode: code,
		SeqID:      seqID,
		Err:        message,
	}
}
