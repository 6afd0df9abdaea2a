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
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/collabrelay"
)

// MemoryConfig configures the in-memory store.
type MemoryConfig struct {
	// Clock stamps row creation times. Defaults to the real clock.
	Clock clockwork.Clock
	// Log emits commit marking warnings.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *MemoryConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(collabrelay.ComponentKey, collabrelay.ComponentStore)
	}
	return nil
}

// Memory is a mutex-guarded in-memory Store. It backs single-node
// deployments without MongoDB and the test suites.
type Memory struct {
	cfg MemoryConfig

	mu       sync.RWMutex
	sessions map[string]*Session
	// updates and commits hold per-document rows in insertion order, sorted
	// on read. updatesByID indexes every update row for commit marking.
	updates     map[string][]*DocumentUpdate
	updatesByID map[string]*DocumentUpdate
	commits     map[string][]*DocumentCommit
}

// NewMemory returns an empty in-memory store.
func NewMemory(cfg MemoryConfig) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg:         cfg,
		sessions:    make(map[string]*Session),
		updates:     make(map[string][]*DocumentUpdate),
		updatesByID: make(map[string]*DocumentUpdate),
		commits:     make(map[string][]*DocumentCommit),
	}, nil
}

func sessionKey(documentID, sessionDID string) string {
	return documentID + "/" + sessionDID
}

// UpsertSession creates or replaces the session row for the pair.
func (m *Memory) UpsertSession(ctx context.Context, session Session) (*Session, error) {
	if err := session.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := m.cfg.Clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(session.DocumentID, session.SessionDID)
	if existing, ok := m.sessions[key]; ok {
		session.CreatedAt = existing.CreatedAt
	} else {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	m.sessions[key] = &session
	out := session
	return &out, nil
}

// GetSession returns the session row for the pair, regardless of state.
func (m *Memory) GetSession(ctx context.Context, documentID, sessionDID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionKey(documentID, sessionDID)]
	if !ok {
		return nil, trace.NotFound("session %v/%v not found", documentID, sessionDID)
	}
	out := *session
	return &out, nil
}

// SetSessionState transitions an existing row between active and inactive.
func (m *Memory) SetSessionState(ctx context.Context, documentID, sessionDID string, state SessionState) error {
	if state != SessionStateActive && state != SessionStateInactive {
		return trace.BadParameter("unsupported state transition to %q", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionKey(documentID, sessionDID)]
	if !ok {
		return trace.NotFound("session %v/%v not found", documentID, sessionDID)
	}
	if session.State == SessionStateTerminated {
		return trace.BadParameter("session %v/%v is terminated", documentID, sessionDID)
	}
	session.State = state
	session.UpdatedAt = m.cfg.Clock.Now().UTC()
	return nil
}

// SetSessionRoomInfo replaces the room metadata of a non-terminated row.
func (m *Memory) SetSessionRoomInfo(ctx context.Context, documentID, sessionDID string, roomInfo json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionKey(documentID, sessionDID)]
	if !ok {
		return trace.NotFound("session %v/%v not found", documentID, sessionDID)
	}
	if session.State == SessionStateTerminated {
		return trace.BadParameter("session %v/%v is terminated", documentID, sessionDID)
	}
	session.RoomInfo = slices.Clone(roomInfo)
	session.UpdatedAt = m.cfg.Clock.Now().UTC()
	return nil
}

// MarkSessionTerminated retires the pair and clears its room info.
func (m *Memory) MarkSessionTerminated(ctx context.Context, documentID, sessionDID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionKey(documentID, sessionDID)]
	if !ok {
		return trace.NotFound("session %v/%v not found", documentID, sessionDID)
	}
	session.State = SessionStateTerminated
	session.RoomInfo = nil
	session.UpdatedAt = m.cfg.Clock.Now().UTC()
	return nil
}

// CreateUpdate appends an uncommitted update row.
func (m *Memory) CreateUpdate(ctx context.Context, update DocumentUpdate) (*DocumentUpdate, error) {
	if update.ID == "" {
		update.ID = uuid.NewString()
	}
	if update.CreatedAt == 0 {
		update.CreatedAt = m.cfg.Clock.Now().UnixMilli()
	}
	if err := update.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	update.Data = slices.Clone(update.Data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.updatesByID[update.ID]; ok {
		return nil, trace.AlreadyExists("update %v already exists", update.ID)
	}
	row := update
	m.updates[update.DocumentID] = append(m.updates[update.DocumentID], &row)
	m.updatesByID[update.ID] = &row
	out := row
	return &out, nil
}

// CreateCommit persists the commit row and marks the referenced updates.
func (m *Memory) CreateCommit(ctx context.Context, commit DocumentCommit) (*DocumentCommit, error) {
	if commit.ID == "" {
		commit.ID = uuid.NewString()
	}
	if commit.CreatedAt == 0 {
		commit.CreatedAt = m.cfg.Clock.Now().UnixMilli()
	}
	if err := commit.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	commit.Updates = slices.Clone(commit.Updates)
	m.mu.Lock()
	defer m.mu.Unlock()
	var unknown []string
	for _, id := range commit.Updates {
		update, ok := m.updatesByID[id]
		if !ok || update.DocumentID != commit.DocumentID {
			unknown = append(unknown, id)
			continue
		}
		update.Committed = true
		update.CommitCID = commit.CID
	}
	if len(unknown) > 0 {
		m.cfg.Log.WarnContext(ctx, "Commit references unknown update ids.",
			"document_id", commit.DocumentID,
			"cid", commit.CID,
			"unknown_ids", strings.Join(unknown, ","),
		)
	}
	row := commit
	m.commits[commit.DocumentID] = append(m.commits[commit.DocumentID], &row)
	out := row
	return &out, nil
}

// GetUpdatesByDocument pages through the update rows of a document.
func (m *Memory) GetUpdatesByDocument(ctx context.Context, documentID string, query UpdatesQuery) ([]DocumentUpdate, error) {
	if err := query.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []DocumentUpdate
	for _, update := range m.updates[documentID] {
		if query.Committed != nil && update.Committed != *query.Committed {
			continue
		}
		rows = append(rows, *update)
	}
	slices.SortFunc(rows, func(a, b DocumentUpdate) int {
		return orderRows(a.CreatedAt, a.ID, b.CreatedAt, b.ID, query.Sort)
	})
	return pageRows(rows, query.Offset, query.Limit), nil
}

// GetCommitsByDocument pages through the commit rows of a document.
func (m *Memory) GetCommitsByDocument(ctx context.Context, documentID string, query CommitsQuery) ([]DocumentCommit, error) {
	if err := query.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []DocumentCommit
	for _, commit := range m.commits[documentID] {
		rows = append(rows, *commit)
	}
	slices.SortFunc(rows, func(a, b DocumentCommit) int {
		return orderRows(a.CreatedAt, a.ID, b.CreatedAt, b.ID, query.Sort)
	})
	return pageRows(rows, query.Offset, query.Limit), nil
}

// DeleteBySession removes every update and commit row of the pair.
func (m *Memory) DeleteBySession(ctx context.Context, documentID, sessionDID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.updates[documentID][:0]
	for _, update := range m.updates[documentID] {
		if update.SessionDID == sessionDID {
			delete(m.updatesByID, update.ID)
			continue
		}
		kept = append(kept, update)
	}
	if len(kept) == 0 {
		delete(m.updates, documentID)
	} else {
		m.updates[documentID] = kept
	}
	keptCommits := m.commits[documentID][:0]
	for _, commit := range m.commits[documentID] {
		if commit.SessionDID != sessionDID {
			keptCommits = append(keptCommits, commit)
		}
	}
	if len(keptCommits) == 0 {
		delete(m.commits, documentID)
	} else {
		m.commits[documentID] = keptCommits
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close(ctx context.Context) error {
	return nil
}

// orderRows compares two rows by createdAt with the row id as the tiebreak,
// honoring the requested sort order.
func orderRows(aCreated int64, aID string, bCreated int64, bID string, sort SortOrder) int {
	cmp := 0
	switch {
	case aCreated < bCreated:
		cmp = -1
	case aCreated > bCreated:
		cmp = 1
	default:
		cmp = strings.Compare(aID, bID)
	}
	if sort == SortDescending {
		cmp = -cmp
	}
	return cmp
}

func pageRows[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
