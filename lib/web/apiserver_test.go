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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/collabrelay/lib/auth"
	"github.com/gravitational/collabrelay/lib/cluster"
	"github.com/gravitational/collabrelay/lib/registry"
	"github.com/gravitational/collabrelay/lib/session"
	"github.com/gravitational/collabrelay/lib/store"
)

const (
	testServerDID = "did:key:zRelay"
	testContract  = "0xAA"
	testOwnerAddr = "0xBB"
	testDocument  = "d1"
)

// signer is an Ed25519 did:key able to mint capability tokens.
type signer struct {
	did string
	key ed25519.PrivateKey
}

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return signer{did: auth.EncodeEd25519DIDKey(pub), key: priv}
}

func (s signer) token(t *testing.T, capability auth.Capability) string {
	t.Helper()
	token, err := auth.Sign(s.key, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.did,
			Audience:  jwt.ClaimStrings{testServerDID},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Attenuations: []auth.Capability{capability},
	})
	require.NoError(t, err)
	return token
}

func (s signer) ownerToken(t *testing.T) string {
	return s.token(t, auth.CreateCapability(testContract))
}

func (s signer) collabToken(t *testing.T) string {
	return s.token(t, auth.CollaborateCapability())
}

// testRelay is a fleet of websocket handlers sharing one durable store, one
// cache, one bus hub and one registry.
type testRelay struct {
	t        *testing.T
	store    *store.Memory
	cache    *cluster.MemoryCache
	registry *registry.Static
	owner    signer
	session  signer
	servers  []*httptest.Server
}

func newTestRelay(t *testing.T, nodes int) *testRelay {
	t.Helper()
	mem, err := store.NewMemory(store.MemoryConfig{})
	require.NoError(t, err)
	hub := cluster.NewMemoryBus()
	cache := cluster.NewMemoryCache()
	owner := newSigner(t)
	reg := registry.NewStatic(map[string]string{
		registry.StaticKey(testContract, testOwnerAddr): owner.did,
	})

	r := &testRelay{
		t:        t,
		store:    mem,
		cache:    cache,
		registry: reg,
		owner:    owner,
		session:  newSigner(t),
	}
	for i := range nodes {
		nodeID := fmt.Sprintf("node-%d", i+1)
		bus := hub.Attach(nodeID)
		t.Cleanup(func() { require.NoError(t, bus.Close()) })
		manager, err := session.New(session.Config{
			NodeID: nodeID,
			Store:  mem,
			Cache:  cache,
			Bus:    bus,
		})
		require.NoError(t, err)
		verifier, err := auth.NewVerifier(auth.VerifierConfig{
			ServerDID: testServerDID,
			Registry:  reg,
		})
		require.NoError(t, err)
		handler, err := NewHandler(Config{
			ServerDID: testServerDID,
			Verifier:  verifier,
			Sessions:  manager,
			Store:     mem,
		})
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, handler.Close()) })
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		r.servers = append(r.servers, srv)
	}
	return r
}

// rxEvent is a received event frame with the payload left raw.
type rxEvent struct {
	Type      string `json:"type"`
	EventType string `json:"event_type"`
	Event     struct {
		Data   json.RawMessage `json:"data"`
		RoomID string          `json:"roomId"`
	} `json:"event"`
}

// testClient drives one websocket. Event frames arriving while waiting for a
// reply are buffered for later assertions.
type testClient struct {
	t      *testing.T
	ws     *websocket.Conn
	seq    int
	events []rxEvent
}

// dial connects to the given node and consumes the handshake frame.
func (r *testRelay) dial(node int) *testClient {
	r.t.Helper()
	url := "ws" + strings.TrimPrefix(r.servers[node].URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(r.t, err)
	r.t.Cleanup(func() { ws.Close() })
	c := &testClient{t: r.t, ws: ws}

	var handshake Response
	require.NoError(r.t, json.Unmarshal(c.read(), &handshake))
	require.True(r.t, handshake.IsHandshakeResponse)
	require.Equal(r.t, http.StatusOK, handshake.StatusCode)
	require.Equal(r.t, testServerDID, decodeData[handshakeData](r.t, handshake).ServerDID)
	return c
}

func (c *testClient) read() []byte {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := c.ws.ReadMessage()
	require.NoError(c.t, err, "timed out reading from the socket")
	return raw
}

// call sends one command frame and returns its reply.
func (c *testClient) call(cmd string, args any) Response {
	c.t.Helper()
	payload, err := json.Marshal(args)
	require.NoError(c.t, err)
	c.seq++
	seqID := fmt.Sprintf("seq-%d", c.seq)
	require.NoError(c.t, c.ws.WriteJSON(Request{Cmd: cmd, Args: payload, SeqID: seqID}))
	for {
		raw := c.read()
		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(c.t, json.Unmarshal(raw, &probe))
		if probe.Type == eventFrameType {
			var event rxEvent
			require.NoError(c.t, json.Unmarshal(raw, &event))
			c.events = append(c.events, event)
			continue
		}
		var resp Response
		require.NoError(c.t, json.Unmarshal(raw, &resp))
		require.NotNil(c.t, resp.SeqID)
		require.Equal(c.t, seqID, *resp.SeqID)
		return resp
	}
}

// waitEvent blocks until an event of the given type arrives, buffered or
// fresh, and removes it from the buffer.
func (c *testClient) waitEvent(eventType string) rxEvent {
	c.t.Helper()
	for i, event := range c.events {
		if event.EventType == eventType {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return event
		}
	}
	for {
		raw := c.read()
		var event rxEvent
		require.NoError(c.t, json.Unmarshal(raw, &event))
		require.Equal(c.t, eventFrameType, event.Type, "expected an event frame, got %s", raw)
		if event.EventType != eventType {
			c.events = append(c.events, event)
			continue
		}
		return event
	}
}

// waitMembership blocks until the membership change for the given client
// arrives, skipping changes about other clients.
func (c *testClient) waitMembership(action, clientID string) {
	c.t.Helper()
	for {
		event := c.waitEvent(EventRoomMembershipChange)
		var change membershipChange
		require.NoError(c.t, json.Unmarshal(event.Event.Data, &change))
		if change.Action == action && change.ClientID == clientID {
			return
		}
	}
}

// buffered returns the buffered events of the given type without touching
// the socket.
func (c *testClient) buffered(eventType string) []rxEvent {
	var out []rxEvent
	for _, event := range c.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

func decodeData[T any](t *testing.T, resp Response) T {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func (r *testRelay) ownerAuthArgs(roomInfo json.RawMessage) authArgs {
	return authArgs{
		DocumentID:      testDocument,
		SessionDID:      r.session.did,
		OwnerToken:      r.owner.ownerToken(r.t),
		ContractAddress: testContract,
		OwnerAddress:    testOwnerAddr,
		RoomInfo:        roomInfo,
	}
}

func (r *testRelay) editorAuthArgs() authArgs {
	return authArgs{
		DocumentID:         testDocument,
		SessionDID:         r.session.did,
		CollaborationToken: r.session.collabToken(r.t),
	}
}

// mustAuth authenticates and asserts success, returning the reply payload.
func (c *testClient) mustAuth(args authArgs) authResult {
	c.t.Helper()
	resp := c.call(CmdAuth, args)
	require.True(c.t, resp.Status, "auth failed: %v", resp.Err)
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	return decodeData[authResult](c.t, resp)
}

func TestHappyPathUpdateFlow(t *testing.T) {
	relay := newTestRelay(t, 1)

	ownerClient := relay.dial(0)
	ownerAuth := ownerClient.mustAuth(relay.ownerAuthArgs(nil))
	require.Equal(t, RoleOwner, ownerAuth.Role)
	require.Equal(t, sessionTypeNew, ownerAuth.SessionType)
	require.NotEmpty(t, ownerAuth.ClientID)

	editorClient := relay.dial(0)
	editorAuth := editorClient.mustAuth(relay.editorAuthArgs())
	require.Equal(t, RoleEditor, editorAuth.Role)
	require.Equal(t, sessionTypeExisting, editorAuth.SessionType)

	// Everyone in the room, the editor included, observes the join.
	ownerClient.waitMembership(ActionUserJoined, editorAuth.ClientID)
	editorClient.waitMembership(ActionUserJoined, editorAuth.ClientID)

	resp := ownerClient.call(CmdUpdate, updateArgs{
		DocumentID:         testDocument,
		Data:               json.RawMessage(`"payload1"`),
		CollaborationToken: relay.session.collabToken(t),
	})
	require.True(t, resp.Status, "update failed: %v", resp.Err)
	row := decodeData[store.DocumentUpdate](t, resp)
	require.NotEmpty(t, row.ID)
	require.False(t, row.Committed)
	require.Equal(t, store.UpdateTypeCRDT, row.UpdateType)

	// The editor receives the fan-out, the sender does not.
	event := editorClient.waitEvent(EventContentUpdate)
	require.Equal(t, testDocument, event.Event.RoomID)
	var pushed contentUpdate
	require.NoError(t, json.Unmarshal(event.Event.Data, &pushed))
	require.Equal(t, row.ID, pushed.ID)
	require.JSONEq(t, `"payload1"`, string(pushed.Data))

	ownerClient.call(CmdPeersList, peersArgs{DocumentID: testDocument})
	require.Empty(t, ownerClient.buffered(EventContentUpdate))

	// Exactly one uncommitted row landed in the log.
	rows, err := relay.store.GetUpdatesByDocument(context.Background(), testDocument, store.UpdatesQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Committed)
}

func TestOwnerCommit(t *testing.T) {
	relay := newTestRelay(t, 1)

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))
	editorClient := relay.dial(0)
	editorClient.mustAuth(relay.editorAuthArgs())

	resp := ownerClient.call(CmdUpdate, updateArgs{
		DocumentID:         testDocument,
		Data:               json.RawMessage(`"payload1"`),
		CollaborationToken: relay.session.collabToken(t),
	})
	require.True(t, resp.Status)
	updateRow := decodeData[store.DocumentUpdate](t, resp)

	resp = ownerClient.call(CmdCommit, commitArgs{
		DocumentID:      testDocument,
		Updates:         []string{updateRow.ID},
		CID:             "bafyX",
		OwnerToken:      relay.owner.ownerToken(t),
		ContractAddress: testContract,
		OwnerAddress:    testOwnerAddr,
	})
	require.True(t, resp.Status, "commit failed: %v", resp.Err)
	commitRow := decodeData[store.DocumentCommit](t, resp)
	require.Equal(t, "bafyX", commitRow.CID)
	require.Equal(t, []string{updateRow.ID}, commitRow.Updates)

	resp = ownerClient.call(CmdCommitHistory, commitHistoryArgs{DocumentID: testDocument})
	require.True(t, resp.Status)
	commits := decodeData[commitHistoryResult](t, resp).Commits
	require.Len(t, commits, 1)
	require.Equal(t, commitRow.ID, commits[0].ID)

	// The referenced update flips to committed with the commit's CID.
	rows, err := relay.store.GetUpdatesByDocument(context.Background(), testDocument, store.UpdatesQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Committed)
	require.Equal(t, "bafyX", rows[0].CommitCID)

	// Commits are owner-private: nobody gets a push.
	editorClient.call(CmdPeersList, peersArgs{DocumentID: testDocument})
	require.Empty(t, editorClient.buffered(EventContentUpdate))
	ownerClient.call(CmdPeersList, peersArgs{DocumentID: testDocument})
	require.Empty(t, ownerClient.buffered(EventContentUpdate))
}

func TestCommitRequiresOwnerRole(t *testing.T) {
	relay := newTestRelay(t, 1)

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))
	editorClient := relay.dial(0)
	editorClient.mustAuth(relay.editorAuthArgs())

	resp := editorClient.call(CmdCommit, commitArgs{
		DocumentID:      testDocument,
		Updates:         []string{},
		CID:             "bafyX",
		OwnerToken:      relay.owner.ownerToken(t),
		ContractAddress: testContract,
		OwnerAddress:    testOwnerAddr,
	})
	require.False(t, resp.Status)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCrossNodeAwarenessFanOut(t *testing.T) {
	relay := newTestRelay(t, 2)

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))
	editorClient := relay.dial(1)
	editorClient.mustAuth(relay.editorAuthArgs())

	resp := ownerClient.call(CmdAwareness, awarenessArgs{
		DocumentID: testDocument,
		Data:       json.RawMessage(`{"cursor":7}`),
	})
	require.True(t, resp.Status, "awareness failed: %v", resp.Err)

	event := editorClient.waitEvent(EventAwarenessUpdate)
	require.Equal(t, testDocument, event.Event.RoomID)
	require.JSONEq(t, `{"cursor":7}`, string(event.Event.Data))

	// Awareness is ephemeral: the log stays empty.
	rows, err := relay.store.GetUpdatesByDocument(context.Background(), testDocument, store.UpdatesQuery{})
	require.NoError(t, err)
	require.Empty(t, rows)

	// The sender does not hear its own cursor.
	ownerClient.call(CmdPeersList, peersArgs{DocumentID: testDocument})
	require.Empty(t, ownerClient.buffered(EventAwarenessUpdate))
}

func TestPeersListSeesTheWholeCluster(t *testing.T) {
	relay := newTestRelay(t, 2)

	ownerClient := relay.dial(0)
	ownerAuth := ownerClient.mustAuth(relay.ownerAuthArgs(nil))
	editorClient := relay.dial(1)
	editorAuth := editorClient.mustAuth(relay.editorAuthArgs())

	// The join on the other node reaches this one over the bus.
	ownerClient.waitMembership(ActionUserJoined, editorAuth.ClientID)

	resp := ownerClient.call(CmdPeersList, peersArgs{DocumentID: testDocument})
	require.True(t, resp.Status)
	peers := decodeData[peersResult](t, resp)
	require.ElementsMatch(t, []string{ownerAuth.ClientID, editorAuth.ClientID}, peers.Clients)
}

func TestTerminate(t *testing.T) {
	relay := newTestRelay(t, 1)
	ctx := context.Background()

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))
	editorClient := relay.dial(0)
	editorClient.mustAuth(relay.editorAuthArgs())

	resp := ownerClient.call(CmdUpdate, updateArgs{
		DocumentID:         testDocument,
		Data:               json.RawMessage(`"payload1"`),
		CollaborationToken: relay.session.collabToken(t),
	})
	require.True(t, resp.Status)

	resp = ownerClient.call(CmdTerminate, terminateArgs{
		DocumentID:      testDocument,
		SessionDID:      relay.session.did,
		OwnerToken:      relay.owner.ownerToken(t),
		ContractAddress: testContract,
		OwnerAddress:    testOwnerAddr,
	})
	require.True(t, resp.Status, "terminate failed: %v", resp.Err)

	// Everyone but the caller is told.
	event := editorClient.waitEvent(EventSessionTerminated)
	var notice sessionTerminatedNotice
	require.NoError(t, json.Unmarshal(event.Event.Data, &notice))
	require.Equal(t, testDocument, notice.DocumentID)
	require.Empty(t, ownerClient.buffered(EventSessionTerminated))

	// The pair is tombstoned and its log purged.
	row, err := relay.store.GetSession(ctx, testDocument, relay.session.did)
	require.NoError(t, err)
	require.Equal(t, store.SessionStateTerminated, row.State)
	rows, err := relay.store.GetUpdatesByDocument(ctx, testDocument, store.UpdatesQuery{})
	require.NoError(t, err)
	require.Empty(t, rows)

	// The pair is never reused, not even by its owner.
	freshOwner := relay.dial(0)
	resp = freshOwner.call(CmdAuth, relay.ownerAuthArgs(nil))
	require.False(t, resp.Status)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTerminateRequiresTheOwner(t *testing.T) {
	relay := newTestRelay(t, 1)
	ctx := context.Background()

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))
	editorClient := relay.dial(0)
	editorClient.mustAuth(relay.editorAuthArgs())

	// A self-minted owner token is not rooted at the registered owner.
	impostor := newSigner(t)
	resp := editorClient.call(CmdTerminate, terminateArgs{
		DocumentID:      testDocument,
		SessionDID:      relay.session.did,
		OwnerToken:      impostor.ownerToken(t),
		ContractAddress: testContract,
		OwnerAddress:    testOwnerAddr,
	})
	require.False(t, resp.Status)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	row, err := relay.store.GetSession(ctx, testDocument, relay.session.did)
	require.NoError(t, err)
	require.Equal(t, store.SessionStateActive, row.State)
}

func TestDisconnectBroadcastsFarewell(t *testing.T) {
	relay := newTestRelay(t, 1)
	ctx := context.Background()

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))
	editorClient := relay.dial(0)
	editorAuth := editorClient.mustAuth(relay.editorAuthArgs())

	require.NoError(t, editorClient.ws.Close())
	ownerClient.waitMembership(ActionUserLeft, editorAuth.ClientID)

	// The session stays active while the owner remains.
	row, err := relay.store.GetSession(ctx, testDocument, relay.session.did)
	require.NoError(t, err)
	require.Equal(t, store.SessionStateActive, row.State)
}

func TestIdleSessionDeactivatesAndRevives(t *testing.T) {
	relay := newTestRelay(t, 1)
	ctx := context.Background()

	ownerClient := relay.dial(0)
	ownerAuth := ownerClient.mustAuth(relay.ownerAuthArgs(json.RawMessage(`{"title":"notes"}`)))
	require.Equal(t, sessionTypeNew, ownerAuth.SessionType)

	require.NoError(t, ownerClient.ws.Close())
	require.Eventually(t, func() bool {
		row, err := relay.store.GetSession(ctx, testDocument, relay.session.did)
		return err == nil && row.State == store.SessionStateInactive
	}, 5*time.Second, 10*time.Millisecond)

	// A fresh owner setup revives the pair with its room info intact.
	revived := relay.dial(0)
	revivedAuth := revived.mustAuth(relay.ownerAuthArgs(nil))
	require.Equal(t, RoleOwner, revivedAuth.Role)
	require.Equal(t, sessionTypeExisting, revivedAuth.SessionType)
	require.JSONEq(t, `{"title":"notes"}`, string(revivedAuth.RoomInfo))

	row, err := relay.store.GetSession(ctx, testDocument, relay.session.did)
	require.NoError(t, err)
	require.Equal(t, store.SessionStateActive, row.State)
}

func TestOwnerTokenUpgradesJoin(t *testing.T) {
	relay := newTestRelay(t, 1)

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))

	// A second owner socket joins with both tokens and rewrites room info.
	args := relay.editorAuthArgs()
	args.OwnerToken = relay.owner.ownerToken(t)
	args.ContractAddress = testContract
	args.OwnerAddress = testOwnerAddr
	args.RoomInfo = json.RawMessage(`{"title":"renamed"}`)

	second := relay.dial(0)
	secondAuth := second.mustAuth(args)
	require.Equal(t, RoleOwner, secondAuth.Role)
	require.Equal(t, sessionTypeExisting, secondAuth.SessionType)
	require.JSONEq(t, `{"title":"renamed"}`, string(secondAuth.RoomInfo))
}

func TestUpdateRequiresMatchingDocument(t *testing.T) {
	relay := newTestRelay(t, 1)

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))

	resp := ownerClient.call(CmdUpdate, updateArgs{
		DocumentID:         "other",
		Data:               json.RawMessage(`"x"`),
		CollaborationToken: relay.session.collabToken(t),
	})
	require.False(t, resp.Status)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandsRequireAuthentication(t *testing.T) {
	relay := newTestRelay(t, 1)
	client := relay.dial(0)

	for _, cmd := range []string{CmdUpdate, CmdCommit, CmdUpdateHistory, CmdCommitHistory, CmdPeersList, CmdAwareness} {
		resp := client.call(cmd, map[string]string{"documentId": testDocument})
		require.False(t, resp.Status, "command %v accepted without auth", cmd)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "command %v", cmd)
	}
}

func TestUnknownCommand(t *testing.T) {
	relay := newTestRelay(t, 1)
	client := relay.dial(0)

	resp := client.call("/documents/unknown", map[string]string{})
	require.False(t, resp.Status)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedFrameKeepsTheSocketOpen(t *testing.T) {
	relay := newTestRelay(t, 1)
	client := relay.dial(0)

	require.NoError(t, client.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var resp Response
	require.NoError(t, json.Unmarshal(client.read(), &resp))
	require.False(t, resp.Status)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Nil(t, resp.SeqID)

	// The socket survived and still serves commands.
	client.mustAuth(relay.ownerAuthArgs(nil))
}

func TestHistoryPaging(t *testing.T) {
	relay := newTestRelay(t, 1)

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))

	var ids []string
	for range 3 {
		resp := ownerClient.call(CmdUpdate, updateArgs{
			DocumentID:         testDocument,
			Data:               json.RawMessage(`"x"`),
			CollaborationToken: relay.session.collabToken(t),
		})
		require.True(t, resp.Status)
		ids = append(ids, decodeData[store.DocumentUpdate](t, resp).ID)
	}

	resp := ownerClient.call(CmdUpdateHistory, updateHistoryArgs{
		DocumentID: testDocument,
		Limit:      2,
		Sort:       string(store.SortAscending),
	})
	require.True(t, resp.Status)
	first := decodeData[updateHistoryResult](t, resp)
	require.Len(t, first.Updates, 2)
	require.LessOrEqual(t, first.Updates[0].CreatedAt, first.Updates[1].CreatedAt)

	resp = ownerClient.call(CmdUpdateHistory, updateHistoryArgs{
		DocumentID: testDocument,
		Limit:      2,
		Offset:     2,
		Sort:       string(store.SortAscending),
	})
	require.True(t, resp.Status)
	second := decodeData[updateHistoryResult](t, resp)
	require.Len(t, second.Updates, 1)

	// The two pages tile the log without overlap.
	paged := []string{first.Updates[0].ID, first.Updates[1].ID, second.Updates[0].ID}
	require.ElementsMatch(t, ids, paged)

	resp = ownerClient.call(CmdCommitHistory, commitHistoryArgs{DocumentID: testDocument})
	require.True(t, resp.Status)
	require.Empty(t, decodeData[commitHistoryResult](t, resp).Commits)
}

func TestUpdateHistoryCommittedFilter(t *testing.T) {
	relay := newTestRelay(t, 1)

	ownerClient := relay.dial(0)
	ownerClient.mustAuth(relay.ownerAuthArgs(nil))

	resp := ownerClient.call(CmdUpdate, updateArgs{
		DocumentID:         testDocument,
		Data:               json.RawMessage(`"a"`),
		CollaborationToken: relay.session.collabToken(t),
	})
	require.True(t, resp.Status)
	first := decodeData[store.DocumentUpdate](t, resp)
	resp = ownerClient.call(CmdUpdate, updateArgs{
		DocumentID:         testDocument,
		Data:               json.RawMessage(`"b"`),
		CollaborationToken: relay.session.collabToken(t),
	})
	require.True(t, resp.Status)

	resp = ownerClient.call(CmdCommit, commitArgs{
		DocumentID:      testDocument,
		Updates:         []string{first.ID},
		CID:             "bafyY",
		OwnerToken:      relay.owner.ownerToken(t),
		ContractAddress: testContract,
		OwnerAddress:    testOwnerAddr,
	})
	require.True(t, resp.Status)

	committed := true
	args := updateHistoryArgs{DocumentID: testDocument}
	args.Filters.Committed = &committed
	history := ownerClient.call(CmdUpdateHistory, args)
	require.True(t, history.Status)
	page := decodeData[updateHistoryResult](t, history)
	require.Len(t, page.Updates, 1)
	require.Equal(t, first.ID, page.Updates[0].ID)
}

func TestCheckOrigin(t *testing.T) {
	h := &Handler{cfg: Config{AllowedOrigins: []string{"https://app.example.com"}}}

	allowed := httptest.NewRequest(http.MethodGet, "/", nil)
	allowed.Header.Set("Origin", "https://APP.example.com")
	require.True(t, h.checkOrigin(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	require.False(t, h.checkOrigin(denied))

	// Non-browser clients send no Origin header.
	require.True(t, h.checkOrigin(httptest.NewRequest(http.MethodGet, "/", nil)))

	open := &Handler{}
	anyOrigin := httptest.NewRequest(http.MethodGet, "/", nil)
	anyOrigin.Header.Set("Origin", "https://anywhere.example.com")
	require.True(t, open.checkOrigin(anyOrigin))
}
