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

package auth

import (
	"crypto/ed25519"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"

	"github.com/gravitational/collabrelay/lib/defaults"
)

// Capability is a single attenuation carried by a token: the bearer may
// perform Can on the resource named by With.
type Capability struct {
	With string `json:"with"`
	Can  string `json:"can"`
}

// CreateCapability is the capability an owner token must grant to bootstrap
// a session for documents stored under the given contract. Contract
// addresses are compared lowercased.
func CreateCapability(contractAddress string) Capability {
	return Capability{
		With: "storage://" + strings.ToLower(contractAddress),
		Can:  "collaboration/CREATE",
	}
}

// CollaborateCapability is the capability a collaboration token must grant
// to join a session.
func CollaborateCapability() Capability {
	return Capability{
		With: "storage://collaboration",
		Can:  "collaboration/COLLABORATE",
	}
}

// Claims is the payload of a capability token: standard JWT claims plus the
// UCAN attenuation list and the encoded proof chain.
type Claims struct {
	jwt.RegisteredClaims

	// Attenuations lists the capabilities this token grants.
	Attenuations []Capability `json:"att"`

	// Proofs holds the serialized parent tokens this token's authority is
	// delegated from. Empty for self-issued root tokens.
	Proofs []string `json:"prf,omitempty"`
}

// Grants reports whether the token carries the given capability.
func (c *Claims) Grants(cap Capability) bool {
	return slices.Contains(c.Attenuations, cap)
}

// Sign produces a serialized capability token signed with the issuer's
// Ed25519 key. The relay itself never mints tokens; this exists for tests
// and tooling.
func Sign(key ed25519.PrivateKey, claims *Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	return signed, trace.Wrap(err)
}

// parse verifies a single token link: EdDSA signature by the issuer's
// did:key, expiry window, and the expected audience. All rejections map to
// access denial - a malformed token is indistinguishable from a forged one.
func (v *Verifier) parse(raw, audience string) (*Claims, error) {
	var claims Claims
	if _, err := v.parser.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (any, error) {
		claims, ok := tok.Claims.(*Claims)
		if !ok {
			return nil, trace.BadParameter("unexpected claims type %T", tok.Claims)
		}
		return ParseEd25519DIDKey(claims.Issuer)
	}); err != nil {
		return nil, trace.AccessDenied("capability token rejected: %v", err)
	}
	if !slices.Contains(claims.Audience, audience) {
		return nil, trace.AccessDenied("capability token audience does not include %q", audience)
	}
	return &claims, nil
}

// rootIssuer walks the proof chain and returns the DID the token's
// authority is ultimately rooted at. Every link must grant the required
// capability, and every proof's audience must be the issuer of the token it
// authorizes. The chain depth is bounded by defaults.MaxProofChainDepth.
func (v *Verifier) rootIssuer(claims *Claims, cap Capability, depth int) (string, error) {
	if !claims.Grants(cap) {
		return "", trace.AccessDenied("token does not grant %s on %s", cap.Can, cap.With)
	}
	if len(claims.Proofs) == 0 {
		return claims.Issuer, nil
	}
	if depth >= defaults.MaxProofChainDepth {
		return "", trace.AccessDenied("proof chain exceeds %d links", defaults.MaxProofChainDepth)
	}
	var errs []error
	for _, proof := range claims.Proofs {
		parent, err := v.parse(proof, claims.Issuer)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		root, err := v.rootIssuer(parent, cap, depth+1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return root, nil
	}
	return "", trace.AccessDenied("no valid proof chain: %v", trace.NewAggregate(errs...))
}
