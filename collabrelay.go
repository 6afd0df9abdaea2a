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

// Package collabrelay defines process-wide constants shared by the relay
// libraries and the collabrelay binary.
package collabrelay

import "strings"

// Version is the semantic version of the relay. It is reported by the
// "version" command and attached to the handshake frame metadata.
const Version = "1.0.0-dev"

const (
	// ComponentKey is the name of the log attribute identifying the
	// component emitting a log record.
	ComponentKey = "component"

	// ComponentRelay is the top-level relay service.
	ComponentRelay = "relay"

	// ComponentWeb is the websocket connection hub and command dispatcher.
	ComponentWeb = "web"

	// ComponentSession is the session manager.
	ComponentSession = "session"

	// ComponentCluster is the shared session cache and event bus.
	ComponentCluster = "cluster"

	// ComponentStore is the durable update log store.
	ComponentStore = "store"

	// ComponentRegistry is the on-chain owner DID resolver.
	ComponentRegistry = "registry"

	// ComponentAuth is the capability token verifier.
	ComponentAuth = "auth"

	// ComponentDiag is the diagnostics (health and metrics) listener.
	ComponentDiag = "diag"
)

// Component generates a component label from the given parts, e.g.
// Component("cluster", "redis") -> "cluster:redis".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}

// MetricsNamespace is the prometheus namespace all relay metrics live under.
const MetricsNamespace = "collabrelay"
