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
	"net/http"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/collabrelay/lib/defaults"
	"github.com/gravitational/collabrelay/lib/session"
	"github.com/gravitational/collabrelay/lib/store"
)

// authArgs are the arguments of CmdAuth. Owner token and addresses are
// required when setting up a session and optional when joining one.
type authArgs struct {
	DocumentID         string          `json:"documentId"`
	SessionDID         string          `json:"sessionDid"`
	CollaborationToken string          `json:"collaborationToken"`
	OwnerToken         string          `json:"ownerToken"`
	ContractAddress    string          `json:"contractAddress"`
	OwnerAddress       string          `json:"ownerAddress"`
	RoomInfo           json.RawMessage `json:"roomInfo,omitempty"`
}

// authResult is the CmdAuth reply payload.
type authResult struct {
	Role        Role            `json:"role"`
	SessionType string          `json:"sessionType"`
	RoomInfo    json.RawMessage `json:"roomInfo,omitempty"`
	ClientID    string          `json:"clientId"`
}

type updateArgs struct {
	DocumentID         string          `json:"documentId"`
	Data               json.RawMessage `json:"data"`
	CollaborationToken string          `json:"collaborationToken"`
}

// contentUpdate is the CONTENT_UPDATE event payload.
type contentUpdate struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"createdAt"`
}

type commitArgs struct {
	DocumentID      string   `json:"documentId"`
	Updates         []string `json:"updates"`
	CID             string   `json:"cid"`
	OwnerToken      string   `json:"ownerToken"`
	ContractAddress string   `json:"contractAddress"`
	OwnerAddress    string   `json:"ownerAddress"`
}

type updateHistoryArgs struct {
	DocumentID string `json:"documentId"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	Sort       string `json:"sort"`
	Filters    struct {
		Committed *bool `json:"committed"`
	} `json:"filters"`
}

type updateHistoryResult struct {
	Updates []store.DocumentUpdate `json:"updates"`
}

type commitHistoryArgs struct {
	DocumentID string `json:"documentId"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	Sort       string `json:"sort"`
}

type commitHistoryResult struct {
	Commits []store.DocumentCommit `json:"commits"`
}

type peersArgs struct {
	DocumentID string `json:"documentId"`
}

type peersResult struct {
	Clients []string `json:"clients"`
}

type awarenessArgs struct {
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data"`
}

type terminateArgs struct {
	DocumentID      string `json:"documentId"`
	SessionDID      string `json:"sessionDid"`
	OwnerToken      string `json:"ownerToken"`
	ContractAddress string `json:"contractAddress"`
	OwnerAddress    string `json:"ownerAddress"`
}

// sessionTerminatedNotice is the SESSION_TERMINATED event payload.
type sessionTerminatedNotice struct {
	DocumentID string `json:"documentId"`
	SessionDID string `json:"sessionDid"`
}

// dispatch routes one parsed frame to its command handler and converts the
// outcome to a reply envelope. It runs on the socket's read goroutine, so
// frames from one socket are handled strictly in order.
func (h *Handler) dispatch(ctx context.Context, c *conn, req *Request) Response {
	ctx, cancel := context.WithTimeout(ctx, defaults.HandlerTimeout)
	defer cancel()

	var data any
	var err error
	switch req.Cmd {
	case CmdAuth:
		data, err = h.handleAuth(ctx, c, req.Args)
	case CmdUpdate:
		data, err = h.handleUpdate(ctx, c, req.Args)
	case CmdCommit:
		data, err = h.handleCommit(ctx, c, req.Args)
	case CmdUpdateHistory:
		data, err = h.handleUpdateHistory(ctx, c, req.Args)
	case CmdCommitHistory:
		data, err = h.handleCommitHistory(ctx, c, req.Args)
	case CmdPeersList:
		data, err = h.handlePeersList(ctx, c, req.Args)
	case CmdAwareness:
		data, err = h.handleAwareness(ctx, c, req.Args)
	case CmdTerminate:
		data, err = h.handleTerminate(ctx, c, req.Args)
	default:
		commandsDispatched.WithLabelValues("unknown").Inc()
		return errorResponse(&req.SeqID, trace.NotFound("unknown command %q", req.Cmd))
	}
	commandsDispatched.WithLabelValues(req.Cmd).Inc()

	if err != nil {
		if statusFromError(err) == http.StatusInternalServerError {
			h.log.ErrorContext(ctx, "Command failed.",
				"cmd", req.Cmd, "client_id", c.ID(), "error", err)
		} else {
			h.log.DebugContext(ctx, "Command rejected.",
				"cmd", req.Cmd, "client_id", c.ID(), "error", err)
		}
		return errorResponse(&req.SeqID, err)
	}
	return successResponse(&req.SeqID, data)
}

func parseArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return trace.BadParameter("missing command arguments")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return trace.BadParameter("malformed command arguments")
	}
	return nil
}

// requireSession gates post-auth commands: the socket must be authenticated
// and the command must address the document the socket is bound to.
func (c *conn) requireSession(documentID string) (sessionDID string, err error) {
	boundDocument, boundSession, ok := c.session()
	if !ok {
		return "", trace.AccessDenied("authenticate with %v first", CmdAuth)
	}
	if documentID == "" {
		return "", trace.BadParameter("missing argument documentId")
	}
	if documentID != boundDocument {
		return "", trace.BadParameter("document %q does not match the authenticated session", documentID)
	}
	return boundSession, nil
}

// handleAuth authenticates the socket against a session pair. A pair with no
// live session takes the setup path: the owner token mints (or revives) the
// session and the socket becomes its owner. A live pair takes the join path
// on the collaboration token, with an optional owner-token upgrade.
func (h *Handler) handleAuth(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args authArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, trace.Wrap(err)
	}
	if args.DocumentID == "" {
		return nil, trace.BadParameter("missing argument documentId")
	}
	if args.SessionDID == "" {
		return nil, trace.BadParameter("missing argument sessionDid")
	}

	record, err := h.cfg.Sessions.GetSession(ctx, args.DocumentID, args.SessionDID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	role := RoleEditor
	sessionType := sessionTypeExisting
	if record == nil {
		ownerDID, err := h.cfg.Verifier.VerifyOwnerToken(ctx, args.OwnerToken, args.ContractAddress, args.OwnerAddress)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		sessionType = sessionTypeNew
		if _, err := h.cfg.Sessions.DescribeSession(ctx, args.DocumentID, args.SessionDID); err == nil {
			// The pair exists durably but idle; setup revives it.
			sessionType = sessionTypeExisting
		}
		record, err = h.cfg.Sessions.CreateSession(ctx, session.CreateSessionParams{
			DocumentID: args.DocumentID,
			SessionDID: args.SessionDID,
			OwnerDID:   ownerDID,
			RoomInfo:   args.RoomInfo,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		role = RoleOwner
	} else {
		if err := h.cfg.Verifier.VerifyCollaborationToken(ctx, args.CollaborationToken, record.SessionDID); err != nil {
			return nil, trace.Wrap(err)
		}
		if args.OwnerToken != "" {
			ownerDID, err := h.cfg.Verifier.VerifyOwnerToken(ctx, args.OwnerToken, args.ContractAddress, args.OwnerAddress)
			switch {
			case err != nil:
				h.log.WarnContext(ctx, "Owner token supplied on join failed verification, continuing as editor.",
					"document_id", args.DocumentID, "client_id", c.ID(), "error", err)
			case ownerDID != record.OwnerDID:
				h.log.WarnContext(ctx, "Owner token supplied on join is rooted at a different owner, continuing as editor.",
					"document_id", args.DocumentID, "client_id", c.ID())
			default:
				role = RoleOwner
				if args.RoomInfo != nil {
					if err := h.cfg.Sessions.UpdateRoomInfo(ctx, args.DocumentID, args.SessionDID, args.RoomInfo); err != nil {
						return nil, trace.Wrap(err)
					}
					record.RoomInfo = args.RoomInfo
				}
			}
		}
	}

	if err := h.cfg.Sessions.AddClientToSession(ctx, args.DocumentID, args.SessionDID, c.ID()); err != nil {
		return nil, trace.Wrap(err)
	}
	c.authorize(args.DocumentID, args.SessionDID, role)
	h.broadcast(ctx, args.DocumentID, args.SessionDID, EventRoomMembershipChange,
		membershipChange{Action: ActionUserJoined, ClientID: c.ID()}, "")

	h.log.InfoContext(ctx, "Client authenticated.",
		"document_id", args.DocumentID, "session_did", args.SessionDID,
		"client_id", c.ID(), "role", role, "session_type", sessionType)
	return authResult{
		Role:        role,
		SessionType: sessionType,
		RoomInfo:    record.RoomInfo,
		ClientID:    c.ID(),
	}, nil
}

// handleUpdate appends one opaque update to the document log and fans it out
// to every other client of the session.
func (h *Handler) handleUpdate(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args updateArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, trace.Wrap(err)
	}
	sessionDID, err := c.requireSession(args.DocumentID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(args.Data) == 0 {
		return nil, trace.BadParameter("missing argument data")
	}
	if err := h.cfg.Verifier.VerifyCollaborationToken(ctx, args.CollaborationToken, sessionDID); err != nil {
		return nil, trace.Wrap(err)
	}
	// The session must still be live: a terminated pair accepts no more
	// writes even from sockets that authenticated before termination.
	if _, err := h.cfg.Sessions.GetSession(ctx, args.DocumentID, sessionDID); err != nil {
		return nil, trace.Wrap(err)
	}

	row, err := h.cfg.Store.CreateUpdate(ctx, store.DocumentUpdate{
		ID:         uuid.NewString(),
		DocumentID: args.DocumentID,
		SessionDID: sessionDID,
		Data:       args.Data,
		UpdateType: store.UpdateTypeCRDT,
		CreatedAt:  h.cfg.Clock.Now().UnixMilli(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	h.broadcast(ctx, args.DocumentID, sessionDID, EventContentUpdate, contentUpdate{
		ID:        row.ID,
		Data:      row.Data,
		CreatedAt: row.CreatedAt,
	}, c.ID())
	return row, nil
}

// handleCommit anchors a set of updates to an owner-produced snapshot CID.
// Owner role is required and the owner token is re-verified per call; a
// stolen socket does not get to commit on a stale authorization.
func (h *Handler) handleCommit(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args commitArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, trace.Wrap(err)
	}
	sessionDID, err := c.requireSession(args.DocumentID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if c.role() != RoleOwner {
		return nil, trace.Wrap(errOwnerRequired)
	}
	if args.CID == "" {
		return nil, trace.BadParameter("missing argument cid")
	}
	if _, err := h.cfg.Verifier.VerifyOwnerToken(ctx, args.OwnerToken, args.ContractAddress, args.OwnerAddress); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.cfg.Sessions.GetSession(ctx, args.DocumentID, sessionDID); err != nil {
		return nil, trace.Wrap(err)
	}

	row, err := h.cfg.Store.CreateCommit(ctx, store.DocumentCommit{
		ID:         uuid.NewString(),
		DocumentID: args.DocumentID,
		SessionDID: sessionDID,
		CID:        args.CID,
		Updates:    args.Updates,
		CreatedAt:  h.cfg.Clock.Now().UnixMilli(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.log.InfoContext(ctx, "Commit recorded.",
		"document_id", args.DocumentID, "cid", args.CID, "updates", len(args.Updates))
	return row, nil
}

func (h *Handler) handleUpdateHistory(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args updateHistoryArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := c.requireSession(args.DocumentID); err != nil {
		return nil, trace.Wrap(err)
	}
	rows, err := h.cfg.Store.GetUpdatesByDocument(ctx, args.DocumentID, store.UpdatesQuery{
		Limit:     args.Limit,
		Offset:    args.Offset,
		Sort:      store.SortOrder(args.Sort),
		Committed: args.Filters.Committed,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if rows == nil {
		rows = []store.DocumentUpdate{}
	}
	return updateHistoryResult{Updates: rows}, nil
}

func (h *Handler) handleCommitHistory(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args commitHistoryArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := c.requireSession(args.DocumentID); err != nil {
		return nil, trace.Wrap(err)
	}
	rows, err := h.cfg.Store.GetCommitsByDocument(ctx, args.DocumentID, store.CommitsQuery{
		Limit:  args.Limit,
		Offset: args.Offset,
		Sort:   store.SortOrder(args.Sort),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if rows == nil {
		rows = []store.DocumentCommit{}
	}
	return commitHistoryResult{Commits: rows}, nil
}

func (h *Handler) handlePeersList(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args peersArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, trace.Wrap(err)
	}
	sessionDID, err := c.requireSession(args.DocumentID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clients, err := h.cfg.Sessions.Peers(ctx, args.DocumentID, sessionDID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if clients == nil {
		clients = []string{}
	}
	return peersResult{Clients: clients}, nil
}

// handleAwareness fans ephemeral presence data out to the session without
// persisting anything.
func (h *Handler) handleAwareness(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args awarenessArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, trace.Wrap(err)
	}
	sessionDID, err := c.requireSession(args.DocumentID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.broadcast(ctx, args.DocumentID, sessionDID, EventAwarenessUpdate, args.Data, c.ID())
	return nil, nil
}

// handleTerminate retires a session pair for good. Authorization rides on
// the owner token alone, so an owner can also purge an idle pair from a
// socket that never joined it.
func (h *Handler) handleTerminate(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args terminateArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, trace.Wrap(err)
	}
	if args.DocumentID == "" {
		return nil, trace.BadParameter("missing argument documentId")
	}
	if args.SessionDID == "" {
		return nil, trace.BadParameter("missing argument sessionDid")
	}

	record, err := h.cfg.Sessions.DescribeSession(ctx, args.DocumentID, args.SessionDID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ownerDID, err := h.cfg.Verifier.VerifyOwnerToken(ctx, args.OwnerToken, args.ContractAddress, args.OwnerAddress)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if ownerDID != record.OwnerDID {
		return nil, trace.AccessDenied("owner token is not rooted at the session owner")
	}

	// Farewell first: termination drops the membership mirrors, after which
	// there is nobody left to deliver to.
	h.broadcast(ctx, args.DocumentID, args.SessionDID, EventSessionTerminated, sessionTerminatedNotice{
		DocumentID: args.DocumentID,
		SessionDID: args.SessionDID,
	}, c.ID())
	if err := h.cfg.Sessions.TerminateSession(ctx, args.DocumentID, args.SessionDID); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// broadcast serializes the event frame once and hands it to the session
// manager for local and cross-node delivery. Fan-out never fails the
// command that triggered it.
func (h *Handler) broadcast(ctx context.Context, documentID, sessionDID, eventType string, data any, excludeClientID string) {
	frame, err := newEventFrame(eventType, documentID, data)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to encode event frame.",
			"event_type", eventType, "document_id", documentID, "error", err)
		return
	}
	if err := h.cfg.Sessions.BroadcastToAllNodes(ctx, session.Broadcast{
		DocumentID:      documentID,
		SessionDID:      sessionDID,
		EventType:       eventType,
		Message:         frame,
		ExcludeClientID: excludeClientID,
	}); err != nil {
		h.log.WarnContext(ctx, "Failed to broadcast event.",
			"event_type", eventType, "document_id", documentID, "error", err)
	}
}
