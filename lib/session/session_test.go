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

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/collabrelay/lib/cluster"
	"github.com/gravitational/collabrelay/lib/store"
)

// testFleet is a two-node fleet sharing one durable store, one cache and one
// in-process bus.
type testFleet struct {
	store *store.Memory
	cache *cluster.MemoryCache
	node1 *Manager
	node2 *Manager
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()
	mem, err := store.NewMemory(store.MemoryConfig{})
	require.NoError(t, err)
	hub := cluster.NewMemoryBus()
	cache := cluster.NewMemoryCache()

	newNode := func(nodeID string) *Manager {
		bus := hub.Attach(nodeID)
		t.Cleanup(func() { require.NoError(t, bus.Close()) })
		manager, err := New(Config{
			NodeID: nodeID,
			Store:  mem,
			Cache:  cache,
			Bus:    bus,
		})
		require.NoError(t, err)
		return manager
	}
	return &testFleet{
		store: mem,
		cache: cache,
		node1: newNode("node-1"),
		node2: newNode("node-2"),
	}
}

func testParams() CreateSessionParams {
	return CreateSessionParams{
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		OwnerDID:   "did:key:zOwner",
		RoomInfo:   json.RawMessage(`{"title":"notes"}`),
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)

	_, err := fleet.node1.CreateSession(ctx, CreateSessionParams{DocumentID: "doc1"})
	require.True(t, trace.IsBadParameter(err))
}

func TestCreateSessionVisibleEverywhere(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)

	record, err := fleet.node1.CreateSession(ctx, testParams())
	require.NoError(t, err)
	require.Equal(t, store.SessionStateActive, record.State)
	require.Empty(t, record.Clients)

	// The durable row and the cache record exist immediately.
	row, err := fleet.store.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, store.SessionStateActive, row.State)
	cached, err := fleet.cache.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, "did:key:zOwner", cached.OwnerDID)

	// The other node mirrors the session once the bus event lands.
	require.Eventually(t, func() bool {
		got, err := fleet.node2.GetSession(ctx, "doc1", "did:key:zSess")
		return err == nil && got.OwnerDID == "did:key:zOwner"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetSessionWarmsFromDurable(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)

	_, err := fleet.node1.CreateSession(ctx, testParams())
	require.NoError(t, err)

	// Simulate a cache flush and a fresh node: only the durable row remains.
	require.NoError(t, fleet.cache.DeleteSession(ctx, "doc1", "did:key:zSess"))
	got, err := fleet.node2.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, "did:key:zOwner", got.OwnerDID)

	// The read warmed the cache back.
	_, err = fleet.cache.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)

	_, err = fleet.node2.GetSession(ctx, "doc1", "missing")
	require.True(t, trace.IsNotFound(err))
}

func TestClientMembershipAcrossNodes(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)

	_, err := fleet.node1.CreateSession(ctx, testParams())
	require.NoError(t, err)
	require.NoError(t, fleet.node1.AddClientToSession(ctx, "doc1", "did:key:zSess", "client-a"))

	// Node 2 sees the session and client A, then adds its own client.
	require.Eventually(t, func() bool {
		peers, err := fleet.node2.Peers(ctx, "doc1", "did:key:zSess")
		return err == nil && len(peers) == 1 && peers[0] == "client-a"
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, fleet.node2.AddClientToSession(ctx, "doc1", "did:key:zSess", "client-b"))

	for _, manager := range []*Manager{fleet.node1, fleet.node2} {
		require.Eventually(t, func() bool {
			record, err := manager.GetSession(ctx, "doc1", "did:key:zSess")
			return err == nil && len(record.Clients) == 2
		}, 5*time.Second, 10*time.Millisecond)
		peers, err := manager.Peers(ctx, "doc1", "did:key:zSess")
		require.NoError(t, err)
		require.Equal(t, []string{"client-a", "client-b"}, peers)
	}
}

func TestDeactivateWhenClusterEmpties(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)

	_, err := fleet.node1.CreateSession(ctx, testParams())
	require.NoError(t, err)
	require.NoError(t, fleet.node1.AddClientToSession(ctx, "doc1", "did:key:zSess", "client-a"))
	require.Eventually(t, func() bool {
		record, err := fleet.node2.GetSession(ctx, "doc1", "did:key:zSess")
		return err == nil && len(record.Clients) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, fleet.node2.AddClientToSession(ctx, "doc1", "did:key:zSess", "client-b"))
	require.Eventually(t, func() bool {
		record, err := fleet.node1.GetSession(ctx, "doc1", "did:key:zSess")
		return err == nil && len(record.Clients) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// One client leaving keeps the session active: a peer remains on the
	// other node.
	require.NoError(t, fleet.node1.RemoveClientFromSession(ctx, "doc1", "did:key:zSess", "client-a"))
	row, err := fleet.store.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, store.SessionStateActive, row.State)

	// The last client leaving deactivates the session everywhere.
	require.Eventually(t, func() bool {
		record, err := fleet.node2.GetSession(ctx, "doc1", "did:key:zSess")
		return err == nil && len(record.Clients) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, fleet.node2.RemoveClientFromSession(ctx, "doc1", "did:key:zSess", "client-b"))

	row, err = fleet.store.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, store.SessionStateInactive, row.State)
	_, err = fleet.cache.GetSession(ctx, "doc1", "did:key:zSess")
	require.True(t, trace.IsNotFound(err))
	for _, manager := range []*Manager{fleet.node1, fleet.node2} {
		require.Eventually(t, func() bool {
			_, err := manager.GetSession(ctx, "doc1", "did:key:zSess")
			return trace.IsNotFound(err)
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestReviveInactiveSession(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)

	_, err := fleet.node1.CreateSession(ctx, testParams())
	require.NoError(t, err)
	require.NoError(t, fleet.node1.AddClientToSession(ctx, "doc1", "did:key:zSess", "client-a"))
	require.NoError(t, fleet.node1.RemoveClientFromSession(ctx, "doc1", "did:key:zSess", "client-a"))

	row, err := fleet.store.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, store.SessionStateInactive, row.State)

	// A different owner cannot take over the pair.
	stranger := testParams()
	stranger.OwnerDID = "did:key:zStranger"
	_, err = fleet.node2.CreateSession(ctx, stranger)
	require.True(t, trace.IsAccessDenied(err))

	// The original owner revives it, keeping the stored room info when none
	// is supplied.
	revive := testParams()
	revive.RoomInfo = nil
	record, err := fleet.node2.CreateSession(ctx, revive)
	require.NoError(t, err)
	require.Equal(t, store.SessionStateActive, record.State)
	require.JSONEq(t, `{"title":"notes"}`, string(record.RoomInfo))
}

func TestTerminateSessionIsFinal(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)

	_, err := fleet.node1.CreateSession(ctx, testParams())
	require.NoError(t, err)
	require.NoError(t, fleet.node1.AddClientToSession(ctx, "doc1", "did:key:zSess", "client-a"))
	_, err = fleet.store.CreateUpdate(ctx, store.DocumentUpdate{
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		UpdateType: store.UpdateTypeCRDT,
	})
	require.NoError(t, err)
	_, err = fleet.store.CreateCommit(ctx, store.DocumentCommit{
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		CID:        "bafysnapshot",
	})
	require.NoError(t, err)

	require.NoError(t, fleet.node1.TerminateSession(ctx, "doc1", "did:key:zSess"))

	// The durable row is terminated and the logs are purged.
	row, err := fleet.store.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, store.SessionStateTerminated, row.State)
	updates, err := fleet.store.GetUpdatesByDocument(ctx, "doc1", store.UpdatesQuery{})
	require.NoError(t, err)
	require.Empty(t, updates)
	commits, err := fleet.store.GetCommitsByDocument(ctx, "doc1", store.CommitsQuery{})
	require.NoError(t, err)
	require.Empty(t, commits)

	// The pair reads as gone everywhere and is never revived.
	for _, manager := range []*Manager{fleet.node1, fleet.node2} {
		require.Eventually(t, func() bool {
			_, err := manager.GetSession(ctx, "doc1", "did:key:zSess")
			return trace.IsNotFound(err)
		}, 5*time.Second, 10*time.Millisecond)
		_, err = manager.DescribeSession(ctx, "doc1", "did:key:zSess")
		require.True(t, trace.IsNotFound(err))
	}
	_, err = fleet.node2.CreateSession(ctx, testParams())
	require.True(t, trace.IsAccessDenied(err))
}

// deliveryRecorder captures broadcast handler invocations.
type deliveryRecorder struct {
	mu         sync.Mutex
	deliveries []Broadcast
	clients    [][]string
}

func (r *deliveryRecorder) handle(clients []string, broadcast Broadcast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, broadcast)
	r.clients = append(r.clients, clients)
}

func (r *deliveryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func TestBroadcastReachesAllNodes(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)
	local, remote := &deliveryRecorder{}, &deliveryRecorder{}
	fleet.node1.SetBroadcastHandler(local.handle)
	fleet.node2.SetBroadcastHandler(remote.handle)

	_, err := fleet.node1.CreateSession(ctx, testParams())
	require.NoError(t, err)
	require.NoError(t, fleet.node1.AddClientToSession(ctx, "doc1", "did:key:zSess", "client-a"))
	require.Eventually(t, func() bool {
		record, err := fleet.node2.GetSession(ctx, "doc1", "did:key:zSess")
		return err == nil && len(record.Clients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	frame := json.RawMessage(`{"type":"event","event_type":"CONTENT_UPDATE"}`)
	require.NoError(t, fleet.node1.BroadcastToAllNodes(ctx, Broadcast{
		DocumentID:      "doc1",
		SessionDID:      "did:key:zSess",
		EventType:       "CONTENT_UPDATE",
		Message:         frame,
		ExcludeClientID: "client-a",
	}))

	// Local delivery happens synchronously, before the bus round trip.
	require.Equal(t, 1, local.count())
	require.Equal(t, []string{"client-a"}, local.clients[0])
	require.Equal(t, "client-a", local.deliveries[0].ExcludeClientID)
	require.JSONEq(t, string(frame), string(local.deliveries[0].Message))

	// The other node delivers to its mirror of the same membership.
	require.Eventually(t, func() bool {
		return remote.count() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "CONTENT_UPDATE", remote.deliveries[0].EventType)
}

func TestBroadcastUnknownSessionDeliversNothing(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)
	local := &deliveryRecorder{}
	fleet.node1.SetBroadcastHandler(local.handle)

	require.NoError(t, fleet.node1.BroadcastToAllNodes(ctx, Broadcast{
		DocumentID: "doc1",
		SessionDID: "did:key:zGhost",
		EventType:  "AWARENESS_UPDATE",
	}))
	require.Zero(t, local.count())
}

func TestUpdateRoomInfoPropagates(t *testing.T) {
	ctx := context.Background()
	fleet := newTestFleet(t)

	_, err := fleet.node1.CreateSession(ctx, testParams())
	require.NoError(t, err)
	require.NoError(t, fleet.node1.AddClientToSession(ctx, "doc1", "did:key:zSess", "client-a"))
	require.Eventually(t, func() bool {
		_, err := fleet.node2.GetSession(ctx, "doc1", "did:key:zSess")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, fleet.node1.UpdateRoomInfo(ctx, "doc1", "did:key:zSess",
		json.RawMessage(`{"title":"renamed"}`)))

	row, err := fleet.store.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"renamed"}`, string(row.RoomInfo))
	require.Eventually(t, func() bool {
		record, err := fleet.node2.GetSession(ctx, "doc1", "did:key:zSess")
		return err == nil && string(record.RoomInfo) == `{"title":"renamed"}`
	}, 5*time.Second, 10*time.Millisecond)

	err = fleet.node1.UpdateRoomInfo(ctx, "doc1", "missing", nil)
	require.True(t, trace.IsNotFound(err))
}
