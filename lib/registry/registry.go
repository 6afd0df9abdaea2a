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

// Package registry resolves account owner DIDs from an on-chain storage
// registry contract. The chain resolver performs a read-only eth_call per
// lookup; deployments wrap it in the caching resolver so each account is
// resolved at most once per TTL window.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// Resolver resolves the owner DID registered for an account address in the
// registry contract. An empty DID with a nil error means the account is not
// registered; callers treat both errors and empty results as a denial.
type Resolver interface {
	OwnerDID(ctx context.Context, contractAddress, accountAddress string) (string, error)
}

// Static is a fixed-table Resolver for development and tests.
type Static struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewStatic returns a Resolver backed by the given contract/account to DID
// table. Keys are built with StaticKey.
func NewStatic(entries map[string]string) *Static {
	if entries == nil {
		entries = make(map[string]string)
	}
	return &Static{entries: entries}
}

// StaticKey builds the lookup key of a static resolver entry.
func StaticKey(contractAddress, accountAddress string) string {
	return strings.ToLower(contractAddress) + "/" + strings.ToLower(accountAddress)
}

// OwnerDID returns the registered DID or empty when the account is unknown.
func (s *Static) OwnerDID(ctx context.Context, contractAddress, accountAddress string) (string, error) {
	if contractAddress == "" || accountAddress == "" {
		return "", trace.BadParameter("missing contract or account address")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[StaticKey(contractAddress, accountAddress)], nil
}

// Set registers an entry, replacing any previous DID for the pair.
func (s *Static) Set(contractAddress, accountAddress, did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[StaticKey(contractAddress, accountAddress)] = did
}
