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
	"strings"

	"github.com/gravitational/trace"
	"github.com/mr-tron/base58"
)

// did:key strings carry a multibase base58btc ("z") encoding of the
// multicodec-prefixed public key. Ed25519 keys use the 0xED varint prefix.
const didKeyPrefix = "did:key:z"

var ed25519Multicodec = []byte{0xed, 0x01}

// ParseEd25519DIDKey extracts the Ed25519 public key named by a did:key
// string. DIDs of any other method or key type are rejected.
func ParseEd25519DIDKey(did string) (ed25519.PublicKey, error) {
	encoded, ok := strings.CutPrefix(did, didKeyPrefix)
	if !ok {
		return nil, trace.BadParameter("%q is not a base58btc did:key", did)
	}
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, trace.BadParameter("malformed did:key %q: %v", did, err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, trace.BadParameter("did:key %q does not name an ed25519 public key", did)
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}

// EncodeEd25519DIDKey renders an Ed25519 public key as a did:key string.
func EncodeEd25519DIDKey(pub ed25519.PublicKey) string {
	raw := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	raw = append(raw, ed25519Multicodec...)
	raw = append(raw, pub...)
	return didKeyPrefix + base58.Encode(raw)
}
