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

// Package auth verifies the two classes of capability token the relay
// accepts: owner tokens, rooted at the document owner's registered DID, and
// collaboration tokens, rooted at a session's ephemeral DID. Tokens are
// UCAN-style JWTs signed with Ed25519 did:key issuers.
package auth

import (
	"context"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/collabrelay"
)

// OwnerDIDResolver resolves the owner DID registered on chain for a
// contract and account address pair. An empty DID means no owner is
// registered. Implemented by lib/registry.
type OwnerDIDResolver interface {
	OwnerDID(ctx context.Context, contractAddress, accountAddress string) (string, error)
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// ServerDID is the relay's own DID, the required audience of every
	// accepted token.
	ServerDID string
	// Registry resolves document owners.
	Registry OwnerDIDResolver
	// Clock is the time source for expiry checks.
	Clock clockwork.Clock
	// Log emits verification diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *VerifierConfig) CheckAndSetDefaults() error {
	if c.ServerDID == "" {
		return trace.BadParameter("missing parameter ServerDID")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(collabrelay.ComponentKey, collabrelay.ComponentAuth)
	}
	return nil
}

// Verifier checks capability tokens. It is stateless and safe for
// concurrent use.
type Verifier struct {
	cfg    VerifierConfig
	parser *jwt.Parser
}

// NewVerifier returns a Verifier for the given config.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Verifier{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithTimeFunc(cfg.Clock.Now),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// VerifyOwnerToken checks a token asserting document ownership: the token
// must be addressed to this relay, grant collaboration/CREATE on the
// contract's storage namespace, and be rooted at the owner DID the on-chain
// registry records for (contractAddress, ownerAddress). Returns the
// resolved owner DID.
//
// Registry unavailability denies access: an unverifiable token is
// indistinguishable from a forged one.
func (v *Verifier) VerifyOwnerToken(ctx context.Context, token, contractAddress, ownerAddress string) (string, error) {
	if token == "" {
		return "", trace.AccessDenied("owner token required")
	}
	if contractAddress == "" || ownerAddress == "" {
		return "", trace.AccessDenied("contract and owner addresses are required to verify ownership")
	}
	ownerDID, err := v.cfg.Registry.OwnerDID(ctx, contractAddress, ownerAddress)
	if err != nil {
		v.cfg.Log.WarnContext(ctx, "Owner DID resolution failed, rejecting owner token",
			"error", err,
			"contract_address", contractAddress,
		)
		return "", trace.AccessDenied("document owner could not be resolved from the registry")
	}
	if ownerDID == "" {
		return "", trace.AccessDenied("no owner registered for contract %v and address %v", contractAddress, ownerAddress)
	}
	claims, err := v.parse(token, v.cfg.ServerDID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	root, err := v.rootIssuer(claims, CreateCapability(contractAddress), 0)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if root != ownerDID {
		return "", trace.AccessDenied("token is not rooted at the registered owner DID")
	}
	return ownerDID, nil
}

// VerifyCollaborationToken checks a token asserting the right to join and
// edit within a session: it must be addressed to this relay, grant
// collaboration/COLLABORATE on the shared storage namespace, and be rooted
// at the session's ephemeral DID.
func (v *Verifier) VerifyCollaborationToken(ctx context.Context, token, sessionDID string) error {
	if token == "" {
		return trace.AccessDenied("collaboration token required")
	}
	if sessionDID == "" {
		return trace.AccessDenied("session DID required")
	}
	claims, err := v.parse(token, v.cfg.ServerDID)
	if err != nil {
		return trace.Wrap(err)
	}
	root, err := v.rootIssuer(claims, CollaborateCapability(), 0)
	if err != nil {
		return trace.Wrap(err)
	}
	if root != sessionDID {
		return trace.AccessDenied("token is not rooted at the session DID")
	}
	return nil
}
