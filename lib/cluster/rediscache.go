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

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/defaults"
)

// NewRedisClient builds a client from a redis:// or rediss:// URL as
// provided by managed Redis offerings.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, trace.BadParameter("invalid Redis URL: %v", err)
	}
	return redis.NewClient(opts), nil
}

// RedisCacheConfig configures the Redis session cache.
type RedisCacheConfig struct {
	// Client is the Redis handle used for request/response commands. The
	// cache owns it and closes it on Close.
	Client redis.UniversalClient
	// TTL is the record lifetime, restarted on every full write. Defaults
	// to defaults.SessionCacheTTL.
	TTL time.Duration
	// Log emits cache diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RedisCacheConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.TTL == 0 {
		c.TTL = defaults.SessionCacheTTL
	}
	if c.Log == nil {
		c.Log = slog.With(collabrelay.ComponentKey, collabrelay.ComponentCluster)
	}
	return nil
}

// RedisCache stores session records as JSON strings under SessionKey with a
// TTL. Membership changes are read-modify-write on the whole record,
// last-writer-wins, which the session manager compensates for by treating
// the per-node mirrors as the delivery source of truth.
type RedisCache struct {
	cfg RedisCacheConfig
}

// NewRedisCache returns a session cache on the given Redis client.
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RedisCache{cfg: cfg}, nil
}

// GetSession returns the cached record or a NotFound error.
func (c *RedisCache) GetSession(ctx context.Context, documentID, sessionDID string) (*SessionRecord, error) {
	payload, err := c.cfg.Client.Get(ctx, SessionKey(documentID, sessionDID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("session %v/%v not cached", documentID, sessionDID)
		}
		return nil, trace.ConnectionProblem(err, "reading session record")
	}
	var record SessionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, trace.Wrap(err, "decoding session record")
	}
	return &record, nil
}

// PutSession writes the full record and restarts its TTL.
func (c *RedisCache) PutSession(ctx context.Context, record *SessionRecord) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	err = c.cfg.Client.Set(ctx, SessionKey(record.DocumentID, record.SessionDID), payload, c.cfg.TTL).Err()
	if err != nil {
		return trace.ConnectionProblem(err, "writing session record")
	}
	return nil
}

// DeleteSession removes the record.
func (c *RedisCache) DeleteSession(ctx context.Context, documentID, sessionDID string) error {
	err := c.cfg.Client.Del(ctx, SessionKey(documentID, sessionDID)).Err()
	if err != nil {
		return trace.ConnectionProblem(err, "deleting session record")
	}
	return nil
}

// AddClient inserts the client into the membership set and returns the
// cluster-wide client count.
func (c *RedisCache) AddClient(ctx context.Context, documentID, sessionDID, clientID string) (int, error) {
	record, err := c.GetSession(ctx, documentID, sessionDID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if !slices.Contains(record.Clients, clientID) {
		record.Clients = append(record.Clients, clientID)
	}
	if err := c.PutSession(ctx, record); err != nil {
		return 0, trace.Wrap(err)
	}
	return len(record.Clients), nil
}

// RemoveClient removes the client from the membership set and returns the
// remaining cluster-wide client count.
func (c *RedisCache) RemoveClient(ctx context.Context, documentID, sessionDID, clientID string) (int, error) {
	record, err := c.GetSession(ctx, documentID, sessionDID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	record.Clients = slices.DeleteFunc(record.Clients, func(id string) bool {
		return id == clientID
	})
	if err := c.PutSession(ctx, record); err != nil {
		return 0, trace.Wrap(err)
	}
	return len(record.Clients), nil
}

// Close releases the Redis client.
func (c *RedisCache) Close() error {
	return trace.Wrap(c.cfg.Client.Close())
}
