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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) (*Memory, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	mem, err := NewMemory(MemoryConfig{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mem.Close(context.Background())) })
	return mem, clock
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemory(t)

	_, err := mem.GetSession(ctx, "doc1", "did:key:zSess")
	require.True(t, trace.IsNotFound(err))

	created, err := mem.UpsertSession(ctx, Session{
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		OwnerDID:   "did:key:zOwner",
		RoomInfo:   json.RawMessage(`{"title":"notes"}`),
		State:      SessionStateActive,
	})
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	got, err := mem.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, SessionStateActive, got.State)
	require.JSONEq(t, `{"title":"notes"}`, string(got.RoomInfo))

	// Upserting again keeps the original creation time.
	again, err := mem.UpsertSession(ctx, *created)
	require.NoError(t, err)
	require.Equal(t, created.CreatedAt, again.CreatedAt)

	require.NoError(t, mem.SetSessionState(ctx, "doc1", "did:key:zSess", SessionStateInactive))
	got, err = mem.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, SessionStateInactive, got.State)

	require.NoError(t, mem.SetSessionRoomInfo(ctx, "doc1", "did:key:zSess", json.RawMessage(`{"title":"renamed"}`)))
	got, err = mem.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"renamed"}`, string(got.RoomInfo))

	require.NoError(t, mem.MarkSessionTerminated(ctx, "doc1", "did:key:zSess"))
	got, err = mem.GetSession(ctx, "doc1", "did:key:zSess")
	require.NoError(t, err)
	require.Equal(t, SessionStateTerminated, got.State)
	require.Empty(t, got.RoomInfo)

	// Terminated rows are a sink.
	err = mem.SetSessionState(ctx, "doc1", "did:key:zSess", SessionStateActive)
	require.True(t, trace.IsBadParameter(err))
	err = mem.SetSessionRoomInfo(ctx, "doc1", "did:key:zSess", json.RawMessage(`{}`))
	require.True(t, trace.IsBadParameter(err))
}

func TestCreateUpdateValidation(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemory(t)

	created, err := mem.CreateUpdate(ctx, DocumentUpdate{
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		Data:       json.RawMessage(`"cipher"`),
		UpdateType: UpdateTypeCRDT,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.NotZero(t, created.CreatedAt)
	require.False(t, created.Committed)
	require.Empty(t, created.CommitCID)

	// Updates enter the log uncommitted, always.
	_, err = mem.CreateUpdate(ctx, DocumentUpdate{
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		UpdateType: UpdateTypeCRDT,
		Committed:  true,
	})
	require.True(t, trace.IsBadParameter(err))

	_, err = mem.CreateUpdate(ctx, DocumentUpdate{
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		UpdateType: UpdateTypeCRDT,
		CommitCID:  "bafyfoo",
	})
	require.True(t, trace.IsBadParameter(err))

	_, err = mem.CreateUpdate(ctx, DocumentUpdate{
		ID:         created.ID,
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		UpdateType: UpdateTypeCRDT,
	})
	require.True(t, trace.IsAlreadyExists(err))
}

func TestCreateCommitMarksUpdates(t *testing.T) {
	ctx := context.Background()
	mem, clock := newTestMemory(t)

	var ids []string
	for i := 0; i < 3; i++ {
		update, err := mem.CreateUpdate(ctx, DocumentUpdate{
			DocumentID: "doc1",
			SessionDID: "did:key:zSess",
			Data:       json.RawMessage(fmt.Sprintf(`"u%d"`, i)),
			UpdateType: UpdateTypeCRDT,
		})
		require.NoError(t, err)
		ids = append(ids, update.ID)
		clock.Advance(time.Second)
	}

	// Commit the first two updates plus one id that never reached the store.
	commit, err := mem.CreateCommit(ctx, DocumentCommit{
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		CID:        "bafysnapshot",
		Updates:    []string{ids[0], ids[1], "ghost-update"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, commit.ID)

	rows, err := mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{Sort: SortAscending})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows[:2] {
		require.True(t, row.Committed)
		require.Equal(t, "bafysnapshot", row.CommitCID)
	}
	require.False(t, rows[2].Committed)
	require.Empty(t, rows[2].CommitCID)

	commits, err := mem.GetCommitsByDocument(ctx, "doc1", CommitsQuery{})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, []string{ids[0], ids[1], "ghost-update"}, commits[0].Updates)
}

func TestUpdateHistoryPaging(t *testing.T) {
	ctx := context.Background()
	mem, clock := newTestMemory(t)

	for i := 0; i < 5; i++ {
		_, err := mem.CreateUpdate(ctx, DocumentUpdate{
			ID:         fmt.Sprintf("update-%d", i),
			DocumentID: "doc1",
			SessionDID: "did:key:zSess",
			UpdateType: UpdateTypeCRDT,
		})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	// Default sort is newest first.
	rows, err := mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, "update-4", rows[0].ID)
	require.Equal(t, "update-0", rows[4].ID)

	rows, err = mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{Sort: SortAscending, Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "update-1", rows[0].ID)
	require.Equal(t, "update-2", rows[1].ID)

	rows, err = mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{Limit: 100000})
	require.True(t, trace.IsBadParameter(err))
	_, err = mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{Sort: "sideways"})
	require.True(t, trace.IsBadParameter(err))

	// Committed filter.
	_, err = mem.CreateCommit(ctx, DocumentCommit{
		DocumentID: "doc1",
		SessionDID: "did:key:zSess",
		CID:        "bafycommitted",
		Updates:    []string{"update-0", "update-1"},
	})
	require.NoError(t, err)
	committed := true
	rows, err = mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{Committed: &committed, Sort: SortAscending})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	uncommitted := false
	rows, err = mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{Committed: &uncommitted})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestUpdateHistoryTiebreak(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemory(t)

	// Same logical timestamp, distinct ids.
	for _, id := range []string{"b", "a", "c"} {
		_, err := mem.CreateUpdate(ctx, DocumentUpdate{
			ID:         id,
			DocumentID: "doc1",
			SessionDID: "did:key:zSess",
			UpdateType: UpdateTypeCRDT,
		})
		require.NoError(t, err)
	}

	rows, err := mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{Sort: SortAscending})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})

	rows, err = mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{Sort: SortDescending})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})
}

func TestDeleteBySession(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemory(t)

	for _, did := range []string{"did:key:zOne", "did:key:zTwo"} {
		for i := 0; i < 2; i++ {
			_, err := mem.CreateUpdate(ctx, DocumentUpdate{
				DocumentID: "doc1",
				SessionDID: did,
				UpdateType: UpdateTypeCRDT,
			})
			require.NoError(t, err)
		}
		_, err := mem.CreateCommit(ctx, DocumentCommit{
			DocumentID: "doc1",
			SessionDID: did,
			CID:        "bafy-" + did,
		})
		require.NoError(t, err)
	}

	require.NoError(t, mem.DeleteBySession(ctx, "doc1", "did:key:zOne"))

	rows, err := mem.GetUpdatesByDocument(ctx, "doc1", UpdatesQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, "did:key:zTwo", row.SessionDID)
	}
	commits, err := mem.GetCommitsByDocument(ctx, "doc1", CommitsQuery{})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, "did:key:zTwo", commits[0].SessionDID)
}
