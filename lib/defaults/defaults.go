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

// Package defaults holds the default values used across the relay when a
// configuration does not specify its own.
package defaults

import "time"

const (
	// BindAddress is the address the websocket listener binds to when HOST
	// is not set.
	BindAddress = "0.0.0.0"

	// HTTPListenPort is the websocket listener port when PORT is not set.
	HTTPListenPort = 8080
)

const (
	// SessionCacheTTL bounds the lifetime of a session record in the shared
	// cache. Every write through the cache re-extends it.
	SessionCacheTTL = 24 * time.Hour

	// OwnerDIDCacheTTL bounds how long a resolved (contract, address) ->
	// owner DID mapping is reused before the registry is consulted again.
	OwnerDIDCacheTTL = 24 * time.Hour

	// OwnerDIDCacheSweepInterval is how often expired resolver cache
	// entries are purged.
	OwnerDIDCacheSweepInterval = time.Hour
)

const (
	// MaxProofChainDepth bounds capability token delegation chains. Chains
	// deeper than this are rejected as unverifiable.
	MaxProofChainDepth = 4
)

const (
	// UpdateHistoryLimit is the default page size for update history reads.
	UpdateHistoryLimit = 100

	// MaxUpdateHistoryLimit caps a client-requested update history page.
	MaxUpdateHistoryLimit = 1000

	// CommitHistoryLimit is the default page size for commit history reads.
	CommitHistoryLimit = 10

	// MaxCommitHistoryLimit caps a client-requested commit history page.
	MaxCommitHistoryLimit = 100
)

const (
	// KeepAliveInterval is how often the server pings an idle websocket.
	// The read deadline is extended to twice this interval on every pong.
	KeepAliveInterval = 30 * time.Second

	// WriteTimeout bounds a single websocket frame write.
	WriteTimeout = 10 * time.Second

	// HandshakeTimeout bounds the websocket upgrade handshake.
	HandshakeTimeout = 10 * time.Second

	// MaxFrameSize bounds inbound websocket frames. Encrypted CRDT payloads
	// are chunked by clients well below this.
	MaxFrameSize = 4 << 20

	// SendQueueSize is the per-socket bounded send queue length. Awareness
	// frames are dropped oldest-first on overflow; a queue saturated with
	// undroppable frames closes the socket.
	SendQueueSize = 256

	// BusQueueSize is the per-node outbound event bus queue length.
	// Overflow drops events (the bus is best-effort at-most-once).
	BusQueueSize = 1024
)

const (
	// HandlerTimeout bounds the external work of a single command frame:
	// token verification, registry reads, store and cache operations.
	HandlerTimeout = 30 * time.Second

	// RegistryCallTimeout bounds a single on-chain registry read.
	RegistryCallTimeout = 15 * time.Second

	// StorageOpTimeout bounds a single durable store or cache operation
	// issued outside of a client request context.
	StorageOpTimeout = 10 * time.Second

	// MongoConnectTimeout bounds the initial connection to the durable
	// store at startup.
	MongoConnectTimeout = 10 * time.Second

	// ShutdownTimeout bounds graceful shutdown: draining sockets, flushing
	// the bus queue and disconnecting external stores.
	ShutdownTimeout = 30 * time.Second
)

// DatabaseName is the durable store database used when the connection string
// does not name one.
const DatabaseName = "collab"

// Environment variables the relay is configured through.
const (
	// PortEnvar overrides the websocket listener port.
	PortEnvar = "PORT"
	// HostEnvar overrides the websocket listener bind address.
	HostEnvar = "HOST"
	// NodeEnvEnvar selects the runtime environment (development or
	// production); production switches logging to JSON.
	NodeEnvEnvar = "NODE_ENV"
	// CORSOriginsEnvar is a comma-separated list of origins allowed to
	// open websocket connections. Empty allows any origin.
	CORSOriginsEnvar = "CORS_ORIGINS"
	// ServerDIDEnvar is the relay's own DID, presented in the handshake
	// and required as the audience of every capability token.
	ServerDIDEnvar = "SERVER_DID"
	// MongoURIEnvar points at the durable update log store.
	MongoURIEnvar = "MONGODB_URI"
	// RedisURLEnvar points at the shared session cache and event bus.
	RedisURLEnvar = "REDISCLOUD_URL"
	// NATSURLEnvar selects a NATS event bus instead of redis pub/sub.
	NATSURLEnvar = "NATS_URL"
	// RPCURLEnvar points at the on-chain registry JSON-RPC endpoint.
	RPCURLEnvar = "RPC_URL"
	// ConcurrencyEnvar caps the number of OS threads executing relay
	// goroutines (GOMAXPROCS).
	ConcurrencyEnvar = "WEB_CONCURRENCY"
	// DiagAddrEnvar enables the diagnostics listener (health, metrics)
	// on the given address.
	DiagAddrEnvar = "DIAG_ADDR"
	// LogLevelEnvar overrides the minimum log level.
	LogLevelEnvar = "LOG_LEVEL"
)

// Runtime environments.
const (
	// EnvDevelopment is the default NODE_ENV.
	EnvDevelopment = "development"
	// EnvProduction enables JSON logging and strict dependency checks.
	EnvProduction = "production"
)
