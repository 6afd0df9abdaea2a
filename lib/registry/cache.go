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

package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/defaults"
)

// CacheConfig configures the caching resolver.
type CacheConfig struct {
	// Inner performs the uncached lookups.
	Inner Resolver
	// TTL bounds how long a resolution, including an empty one, is reused.
	// Defaults to defaults.OwnerDIDCacheTTL.
	TTL time.Duration
	// SweepInterval is how often expired entries are evicted. Defaults to
	// defaults.OwnerDIDCacheSweepInterval.
	SweepInterval time.Duration
	// Log emits cache diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.Inner == nil {
		return trace.BadParameter("missing parameter Inner")
	}
	if c.TTL == 0 {
		c.TTL = defaults.OwnerDIDCacheTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.OwnerDIDCacheSweepInterval
	}
	if c.Log == nil {
		c.Log = slog.With(collabrelay.ComponentKey, collabrelay.ComponentRegistry)
	}
	return nil
}

// Cache memoizes owner DID resolutions per (contract, account) pair.
// Successful lookups are cached for the TTL whether or not the account is
// registered. Lookup errors are never cached, so a flaky RPC endpoint does
// not poison authorization for a whole TTL window.
type Cache struct {
	cfg     CacheConfig
	entries *gocache.Cache
}

// NewCache wraps the inner resolver with a TTL cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{
		cfg:     cfg,
		entries: gocache.New(cfg.TTL, cfg.SweepInterval),
	}, nil
}

// OwnerDID returns the cached resolution or asks the inner resolver.
func (c *Cache) OwnerDID(ctx context.Context, contractAddress, accountAddress string) (string, error) {
	key := StaticKey(contractAddress, accountAddress)
	if cached, ok := c.entries.Get(key); ok {
		return cached.(string), nil
	}
	did, err := c.cfg.Inner.OwnerDID(ctx, contractAddress, accountAddress)
	if err != nil {
		return "", trace.Wrap(err)
	}
	c.entries.Set(key, did, gocache.DefaultExpiration)
	if did == "" {
		c.cfg.Log.DebugContext(ctx, "Account has no registered owner DID.",
			"contract", contractAddress, "account", accountAddress)
	}
	return did, nil
}
