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

// Package mongodb implements the durable store on MongoDB.
//
// Sessions live in the sessions collection keyed by the unique
// (documentId, sessionDid) pair. Updates and commits live in the
// document_updates and document_commits collections, indexed for the
// per-document history reads. Commit marking runs inside a transaction when
// the deployment supports one and falls back to sequential writes against
// standalone servers.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/defaults"
	"github.com/gravitational/collabrelay/lib/store"
)

const (
	sessionsCollection = "sessions"
	updatesCollection  = "document_updates"
	commitsCollection  = "document_commits"
)

// Config configures the MongoDB store.
type Config struct {
	// URI is the mongodb:// or mongodb+srv:// connection string.
	URI string
	// Database overrides the database from the URI path. Defaults to the
	// URI database, then to defaults.DatabaseName.
	Database string
	// ConnectTimeout bounds the initial connect and ping.
	ConnectTimeout time.Duration
	// Clock stamps row creation times.
	Clock clockwork.Clock
	// Log emits connection and commit marking diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URI == "" {
		return trace.BadParameter("missing parameter URI")
	}
	if c.Database == "" {
		if cs, err := connstring.ParseAndValidate(c.URI); err == nil && cs.Database != "" {
			c.Database = cs.Database
		} else {
			c.Database = defaults.DatabaseName
		}
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.MongoConnectTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(collabrelay.ComponentKey, collabrelay.ComponentStore)
	}
	return nil
}

// Store is the MongoDB-backed store.Store.
type Store struct {
	cfg    Config
	client *mongo.Client

	sessions *mongo.Collection
	updates  *mongo.Collection
	commits  *mongo.Collection

	// txnUnsupported flips once the server rejects multi-document
	// transactions so later commits skip straight to sequential writes.
	txnUnsupported atomic.Bool
}

// New connects to MongoDB, verifies the connection and ensures the indexes.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to MongoDB")
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, trace.NewAggregate(
			trace.ConnectionProblem(err, "failed to ping MongoDB"),
			client.Disconnect(ctx))
	}
	db := client.Database(cfg.Database)
	s := &Store{
		cfg:      cfg,
		client:   client,
		sessions: db.Collection(sessionsCollection),
		updates:  db.Collection(updatesCollection),
		commits:  db.Collection(commitsCollection),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		return nil, trace.NewAggregate(trace.Wrap(err), client.Disconnect(ctx))
	}
	cfg.Log.InfoContext(ctx, "Connected to MongoDB.", "database", cfg.Database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "sessionDid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "documentId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "sessionDid", Value: 1}},
		},
	})
	if err != nil {
		return trace.Wrap(err, "creating session indexes")
	}
	_, err = s.updates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "documentId", Value: 1}}},
		{Keys: bson.D{{Key: "committed", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
		{
			Keys: bson.D{
				{Key: "documentId", Value: 1},
				{Key: "committed", Value: 1},
				{Key: "createdAt", Value: 1},
				{Key: "sessionDid", Value: 1},
			},
		},
		{
			// Uncommitted rows are the hot set of the per-document reads.
			Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.D{{Key: "committed", Value: false}}),
		},
	})
	if err != nil {
		return trace.Wrap(err, "creating update indexes")
	}
	_, err = s.commits.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "documentId", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "documentId", Value: 1}, {Key: "createdAt", Value: 1}}},
	})
	return trace.Wrap(err, "creating commit indexes")
}

// sessionDoc is the sessions collection document. The pair is enforced
// unique by index; the document keeps the driver-assigned _id.
type sessionDoc struct {
	DocumentID string             `bson:"documentId"`
	SessionDID string             `bson:"sessionDid"`
	OwnerDID   string             `bson:"ownerDid"`
	RoomInfo   []byte             `bson:"roomInfo,omitempty"`
	State      store.SessionState `bson:"state"`
	CreatedAt  time.Time          `bson:"createdAt"`
	UpdatedAt  time.Time          `bson:"updatedAt"`
}

func (d *sessionDoc) toSession() *store.Session {
	return &store.Session{
		DocumentID: d.DocumentID,
		SessionDID: d.SessionDID,
		OwnerDID:   d.OwnerDID,
		RoomInfo:   json.RawMessage(d.RoomInfo),
		State:      d.State,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// updateDoc is the document_updates collection document. The update id is
// the document _id, so duplicate submissions surface as duplicate key errors.
type updateDoc struct {
	ID         string `bson:"_id"`
	DocumentID string `bson:"documentId"`
	SessionDID string `bson:"sessionDid"`
	Data       []byte `bson:"data,omitempty"`
	UpdateType string `bson:"updateType"`
	Committed  bool   `bson:"committed"`
	CommitCID  string `bson:"commitCid,omitempty"`
	CreatedAt  int64  `bson:"createdAt"`
}

func (d *updateDoc) toUpdate() store.DocumentUpdate {
	return store.DocumentUpdate{
		ID:         d.ID,
		DocumentID: d.DocumentID,
		SessionDID: d.SessionDID,
		Data:       json.RawMessage(d.Data),
		UpdateType: d.UpdateType,
		Committed:  d.Committed,
		CommitCID:  d.CommitCID,
		CreatedAt:  d.CreatedAt,
	}
}

type commitDoc struct {
	ID         string   `bson:"_id"`
	DocumentID string   `bson:"documentId"`
	SessionDID string   `bson:"sessionDid"`
	CID        string   `bson:"cid"`
	Updates    []string `bson:"updates"`
	CreatedAt  int64    `bson:"createdAt"`
}

func (d *commitDoc) toCommit() store.DocumentCommit {
	return store.DocumentCommit{
		ID:         d.ID,
		DocumentID: d.DocumentID,
		SessionDID: d.SessionDID,
		CID:        d.CID,
		Updates:    d.Updates,
		CreatedAt:  d.CreatedAt,
	}
}

func pairFilter(documentID, sessionDID string) bson.M {
	return bson.M{"documentId": documentID, "sessionDid": sessionDID}
}

// UpsertSession creates or replaces the session row for the pair.
func (s *Store) UpsertSession(ctx context.Context, session store.Session) (*store.Session, error) {
	if err := session.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"ownerDid":  session.OwnerDID,
			"roomInfo":  []byte(session.RoomInfo),
			"state":     session.State,
			"updatedAt": now,
		},
		"$setOnInsert": bson.M{"createdAt": now},
	}
	_, err := s.sessions.UpdateOne(ctx,
		pairFilter(session.DocumentID, session.SessionDID),
		update, options.Update().SetUpsert(true))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.GetSession(ctx, session.DocumentID, session.SessionDID)
}

// GetSession returns the session row for the pair, regardless of state.
func (s *Store) GetSession(ctx context.Context, documentID, sessionDID string) (*store.Session, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, pairFilter(documentID, sessionDID)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, trace.NotFound("session %v/%v not found", documentID, sessionDID)
		}
		return nil, trace.Wrap(err)
	}
	return doc.toSession(), nil
}

// SetSessionState transitions an existing row between active and inactive.
func (s *Store) SetSessionState(ctx context.Context, documentID, sessionDID string, state store.SessionState) error {
	if state != store.SessionStateActive && state != store.SessionStateInactive {
		return trace.BadParameter("unsupported state transition to %q", state)
	}
	return trace.Wrap(s.updateLiveSession(ctx, documentID, sessionDID, bson.M{
		"state":     state,
		"updatedAt": s.cfg.Clock.Now().UTC(),
	}))
}

// SetSessionRoomInfo replaces the room metadata of a non-terminated row.
func (s *Store) SetSessionRoomInfo(ctx context.Context, documentID, sessionDID string, roomInfo json.RawMessage) error {
	return trace.Wrap(s.updateLiveSession(ctx, documentID, sessionDID, bson.M{
		"roomInfo":  []byte(roomInfo),
		"updatedAt": s.cfg.Clock.Now().UTC(),
	}))
}

// updateLiveSession applies fields to a non-terminated row of the pair.
func (s *Store) updateLiveSession(ctx context.Context, documentID, sessionDID string, fields bson.M) error {
	filter := pairFilter(documentID, sessionDID)
	filter["state"] = bson.M{"$ne": store.SessionStateTerminated}
	res, err := s.sessions.UpdateOne(ctx, filter, bson.M{"$set": fields})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.MatchedCount == 0 {
		// Distinguish a missing row from a terminated one.
		if _, err := s.GetSession(ctx, documentID, sessionDID); err != nil {
			return trace.Wrap(err)
		}
		return trace.BadParameter("session %v/%v is terminated", documentID, sessionDID)
	}
	return nil
}

// MarkSessionTerminated retires the pair and clears its room info.
func (s *Store) MarkSessionTerminated(ctx context.Context, documentID, sessionDID string) error {
	res, err := s.sessions.UpdateOne(ctx, pairFilter(documentID, sessionDID), bson.M{
		"$set": bson.M{
			"state":     store.SessionStateTerminated,
			"updatedAt": s.cfg.Clock.Now().UTC(),
		},
		"$unset": bson.M{"roomInfo": ""},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return trace.NotFound("session %v/%v not found", documentID, sessionDID)
	}
	return nil
}

// CreateUpdate appends an uncommitted update row.
func (s *Store) CreateUpdate(ctx context.Context, update store.DocumentUpdate) (*store.DocumentUpdate, error) {
	if update.ID == "" {
		update.ID = uuid.NewString()
	}
	if update.CreatedAt == 0 {
		update.CreatedAt = s.cfg.Clock.Now().UnixMilli()
	}
	if err := update.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	_, err := s.updates.InsertOne(ctx, &updateDoc{
		ID:         update.ID,
		DocumentID: update.DocumentID,
		SessionDID: update.SessionDID,
		Data:       []byte(update.Data),
		UpdateType: update.UpdateType,
		CreatedAt:  update.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, trace.AlreadyExists("update %v already exists", update.ID)
		}
		return nil, trace.Wrap(err)
	}
	return &update, nil
}

// CreateCommit persists the commit row and marks the referenced updates,
// transactionally when the deployment supports it.
func (s *Store) CreateCommit(ctx context.Context, commit store.DocumentCommit) (*store.DocumentCommit, error) {
	if commit.ID == "" {
		commit.ID = uuid.NewString()
	}
	if commit.CreatedAt == 0 {
		commit.CreatedAt = s.cfg.Clock.Now().UnixMilli()
	}
	if err := commit.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if !s.txnUnsupported.Load() {
		err := s.commitInTransaction(ctx, &commit)
		if err == nil {
			return &commit, nil
		}
		if !transactionsUnsupported(err) {
			return nil, trace.Wrap(err)
		}
		s.txnUnsupported.Store(true)
		s.cfg.Log.WarnContext(ctx, "MongoDB deployment does not support transactions, falling back to sequential commit marking.",
			"error", err)
	}
	if err := s.applyCommit(ctx, &commit); err != nil {
		return nil, trace.Wrap(err)
	}
	return &commit, nil
}

func (s *Store) commitInTransaction(ctx context.Context, commit *store.DocumentCommit) error {
	session, err := s.client.StartSession()
	if err != nil {
		return trace.Wrap(err)
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, s.applyCommit(sc, commit)
	})
	return trace.Wrap(err)
}

func (s *Store) applyCommit(ctx context.Context, commit *store.DocumentCommit) error {
	_, err := s.commits.InsertOne(ctx, &commitDoc{
		ID:         commit.ID,
		DocumentID: commit.DocumentID,
		SessionDID: commit.SessionDID,
		CID:        commit.CID,
		Updates:    commit.Updates,
		CreatedAt:  commit.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return trace.AlreadyExists("commit %v already exists", commit.ID)
		}
		return trace.Wrap(err)
	}
	if len(commit.Updates) == 0 {
		return nil
	}
	res, err := s.updates.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": commit.Updates}, "documentId": commit.DocumentID},
		bson.M{"$set": bson.M{"committed": true, "commitCid": commit.CID}})
	if err != nil {
		return trace.Wrap(err)
	}
	if int(res.MatchedCount) < len(commit.Updates) {
		s.cfg.Log.WarnContext(ctx, "Commit references unknown update ids.",
			"document_id", commit.DocumentID,
			"cid", commit.CID,
			"referenced", len(commit.Updates),
			"marked", res.MatchedCount,
		)
	}
	return nil
}

// transactionsUnsupported reports whether the error indicates the server
// cannot run multi-document transactions, as standalone mongod does.
func transactionsUnsupported(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 20 || strings.Contains(cmdErr.Message, "Transaction numbers")
	}
	return false
}

// GetUpdatesByDocument pages through the update rows of a document.
func (s *Store) GetUpdatesByDocument(ctx context.Context, documentID string, query store.UpdatesQuery) ([]store.DocumentUpdate, error) {
	if err := query.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	filter := bson.M{"documentId": documentID}
	if query.Committed != nil {
		filter["committed"] = *query.Committed
	}
	cursor, err := s.updates.Find(ctx, filter, findOptions(query.Sort, query.Offset, query.Limit))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer cursor.Close(ctx)
	var docs []updateDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, trace.Wrap(err)
	}
	rows := make([]store.DocumentUpdate, 0, len(docs))
	for i := range docs {
		rows = append(rows, docs[i].toUpdate())
	}
	return rows, nil
}

// GetCommitsByDocument pages through the commit rows of a document.
func (s *Store) GetCommitsByDocument(ctx context.Context, documentID string, query store.CommitsQuery) ([]store.DocumentCommit, error) {
	if err := query.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cursor, err := s.commits.Find(ctx, bson.M{"documentId": documentID},
		findOptions(query.Sort, query.Offset, query.Limit))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer cursor.Close(ctx)
	var docs []commitDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, trace.Wrap(err)
	}
	rows := make([]store.DocumentCommit, 0, len(docs))
	for i := range docs {
		rows = append(rows, docs[i].toCommit())
	}
	return rows, nil
}

func findOptions(sort store.SortOrder, offset, limit int) *options.FindOptions {
	dir := -1
	if sort == store.SortAscending {
		dir = 1
	}
	return options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: dir}, {Key: "_id", Value: dir}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
}

// DeleteBySession removes every update and commit row of the pair.
func (s *Store) DeleteBySession(ctx context.Context, documentID, sessionDID string) error {
	if _, err := s.updates.DeleteMany(ctx, pairFilter(documentID, sessionDID)); err != nil {
		return trace.Wrap(err)
	}
	_, err := s.commits.DeleteMany(ctx, pairFilter(documentID, sessionDID))
	return trace.Wrap(err)
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return trace.Wrap(s.client.Disconnect(ctx))
}
