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

// Package config loads and validates the environment-driven relay
// configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/collabrelay/lib/defaults"
)

// Config is the full relay process configuration. Zero values are filled in
// by CheckAndSetDefaults.
type Config struct {
	// ListenAddr is the host:port the websocket listener binds to.
	ListenAddr string

	// DiagAddr, when set, enables the diagnostics listener (healthz,
	// readyz, metrics) on the given host:port.
	DiagAddr string

	// NodeEnv is the runtime environment, development or production.
	NodeEnv string

	// CORSOrigins lists origins allowed to open websocket connections.
	// Empty allows any origin.
	CORSOrigins []string

	// ServerDID is the relay's own DID. It is presented to clients in the
	// handshake frame and is the required audience of every capability
	// token the relay accepts.
	ServerDID string

	// MongoURI is the durable store connection string. Empty selects the
	// in-memory store (single-process, data lost on restart).
	MongoURI string

	// RedisURL is the shared cache and event bus connection string. Empty
	// selects in-process substitutes (single-node mode).
	RedisURL string

	// NATSURL, when set, selects a NATS event bus instead of redis
	// pub/sub. The session cache still requires RedisURL.
	NATSURL string

	// RPCURL is the on-chain registry JSON-RPC endpoint.
	RPCURL string

	// Concurrency caps GOMAXPROCS when positive.
	Concurrency int

	// LogLevel is the minimum level emitted by the process logger.
	LogLevel slog.Level

	// Log is the process logger. Defaults to slog.Default.
	Log *slog.Logger

	// Clock is the time source used by all components.
	Clock clockwork.Clock
}

// FromEnv reads the relay configuration from the process environment. The
// returned Config still needs CheckAndSetDefaults.
func FromEnv() (*Config, error) {
	cfg := &Config{
		NodeEnv:   os.Getenv(defaults.NodeEnvEnvar),
		ServerDID: os.Getenv(defaults.ServerDIDEnvar),
		MongoURI:  os.Getenv(defaults.MongoURIEnvar),
		RedisURL:  os.Getenv(defaults.RedisURLEnvar),
		NATSURL:   os.Getenv(defaults.NATSURLEnvar),
		RPCURL:    os.Getenv(defaults.RPCURLEnvar),
		DiagAddr:  os.Getenv(defaults.DiagAddrEnvar),
	}

	host := os.Getenv(defaults.HostEnvar)
	if host == "" {
		host = defaults.BindAddress
	}
	port := os.Getenv(defaults.PortEnvar)
	if port == "" {
		port = strconv.Itoa(defaults.HTTPListenPort)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return nil, trace.BadParameter("%s %q is not a valid port number", defaults.PortEnvar, port)
	}
	cfg.ListenAddr = net.JoinHostPort(host, port)

	if origins := os.Getenv(defaults.CORSOriginsEnvar); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}

	if workers := os.Getenv(defaults.ConcurrencyEnvar); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil || n < 1 {
			return nil, trace.BadParameter("%s %q is not a positive integer", defaults.ConcurrencyEnvar, workers)
		}
		cfg.Concurrency = n
	}

	if level := os.Getenv(defaults.LogLevelEnvar); level != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return nil, trace.BadParameter("%s %q is not a valid log level", defaults.LogLevelEnvar, level)
		}
	}

	return cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("%s:%d", defaults.BindAddress, defaults.HTTPListenPort)
	}
	if c.NodeEnv == "" {
		c.NodeEnv = defaults.EnvDevelopment
	}
	switch c.NodeEnv {
	case defaults.EnvDevelopment, defaults.EnvProduction:
	default:
		return trace.BadParameter("unsupported %s %q, expected %q or %q",
			defaults.NodeEnvEnvar, c.NodeEnv, defaults.EnvDevelopment, defaults.EnvProduction)
	}
	if c.ServerDID == "" {
		return trace.BadParameter("%s is required", defaults.ServerDIDEnvar)
	}
	if !strings.HasPrefix(c.ServerDID, "did:") {
		return trace.BadParameter("%s %q is not a DID", defaults.ServerDIDEnvar, c.ServerDID)
	}
	if c.Production() {
		if c.MongoURI == "" {
			return trace.BadParameter("%s is required in production", defaults.MongoURIEnvar)
		}
		if c.RedisURL == "" && c.NATSURL == "" {
			return trace.BadParameter("%s is required in production", defaults.RedisURLEnvar)
		}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Production reports whether the relay runs with production settings.
func (c *Config) Production() bool {
	return c.NodeEnv == defaults.EnvProduction
}
