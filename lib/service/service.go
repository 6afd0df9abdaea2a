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

// Package service wires the relay components into a runnable process: the
// durable store, the shared session cache and event bus, the on-chain owner
// registry, the capability token verifier, the session manager and the
// websocket handler, plus an optional diagnostics listener.
//
// Each external dependency degrades to an in-process substitute when its
// connection string is absent, so a single-node relay runs with no
// infrastructure at all. Production configurations require the real
// backends; lib/config enforces that.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/auth"
	"github.com/gravitational/collabrelay/lib/cluster"
	"github.com/gravitational/collabrelay/lib/config"
	"github.com/gravitational/collabrelay/lib/defaults"
	"github.com/gravitational/collabrelay/lib/registry"
	"github.com/gravitational/collabrelay/lib/session"
	"github.com/gravitational/collabrelay/lib/store"
	"github.com/gravitational/collabrelay/lib/store/mongodb"
	"github.com/gravitational/collabrelay/lib/utils"
	"github.com/gravitational/collabrelay/lib/web"
)

// Relay is one wired relay process. Build it with New and drive it with
// Run, which serves until the context is canceled and then shuts the
// components down in dependency order.
type Relay struct {
	cfg *config.Config
	log *slog.Logger

	nodeID   string
	store    store.Store
	cache    cluster.SessionCache
	bus      cluster.Bus
	chain    *registry.Chain
	resolver registry.Resolver
	sessions *session.Manager
	handler  *web.Handler

	listener     net.Listener
	diagListener net.Listener
	server       *http.Server
	diag         *http.Server

	ready atomic.Bool
}

// New wires a relay from the given configuration and binds its listeners.
// On error, everything already opened is closed again.
func New(ctx context.Context, cfg *config.Config) (*Relay, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing relay configuration")
	}
	if cfg.Log == nil {
		cfg.Log = utils.InitLogger(cfg.LogLevel, cfg.NodeEnv == defaults.EnvProduction)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Concurrency > 0 {
		runtime.GOMAXPROCS(cfg.Concurrency)
	}

	r := &Relay{
		cfg:    cfg,
		log:    cfg.Log.With(collabrelay.ComponentKey, collabrelay.ComponentRelay),
		nodeID: uuid.NewString(),
	}
	ok := false
	defer func() {
		if !ok {
			r.closeComponents(context.Background())
		}
	}()

	if err := r.initStore(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.initCluster(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.initRegistry(ctx); err != nil {
		return nil, trace.Wrap(err)
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		ServerDID: cfg.ServerDID,
		Registry:  r.resolver,
		Clock:     cfg.Clock,
		Log:       cfg.Log.With(collabrelay.ComponentKey, collabrelay.ComponentAuth),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.sessions, err = session.New(session.Config{
		NodeID: r.nodeID,
		Store:  r.store,
		Cache:  r.cache,
		Bus:    r.bus,
		Log:    cfg.Log.With(collabrelay.ComponentKey, collabrelay.ComponentSession),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.handler, err = web.NewHandler(web.Config{
		ServerDID:      cfg.ServerDID,
		Verifier:       verifier,
		Sessions:       r.sessions,
		Store:          r.store,
		AllowedOrigins: cfg.CORSOrigins,
		Clock:          cfg.Clock,
		Log:            cfg.Log.With(collabrelay.ComponentKey, collabrelay.ComponentWeb),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r.listener, err = net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, trace.Wrap(err, "binding the websocket listener to %v", cfg.ListenAddr)
	}
	r.server = &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: defaults.HandshakeTimeout,
		ErrorLog:          slog.NewLogLogger(r.log.Handler(), slog.LevelWarn),
	}

	if cfg.DiagAddr != "" {
		r.diagListener, err = net.Listen("tcp", cfg.DiagAddr)
		if err != nil {
			return nil, trace.Wrap(err, "binding the diagnostics listener to %v", cfg.DiagAddr)
		}
		diagLog := cfg.Log.With(collabrelay.ComponentKey, collabrelay.ComponentDiag)
		r.diag = &http.Server{
			Handler:           r.diagHandler(),
			ReadHeaderTimeout: defaults.HandshakeTimeout,
			ErrorLog:          slog.NewLogLogger(diagLog.Handler(), slog.LevelWarn),
		}
	}

	ok = true
	return r, nil
}

func (r *Relay) initStore(ctx context.Context) error {
	log := r.cfg.Log.With(collabrelay.ComponentKey, collabrelay.ComponentStore)
	if r.cfg.MongoURI == "" {
		r.log.WarnContext(ctx, "MONGODB_URI is not set, using the in-memory store; documents are lost on restart.")
		memory, err := store.NewMemory(store.MemoryConfig{Clock: r.cfg.Clock, Log: log})
		if err != nil {
			return trace.Wrap(err)
		}
		r.store = memory
		return nil
	}
	mongo, err := mongodb.New(ctx, mongodb.Config{
		URI:   r.cfg.MongoURI,
		Clock: r.cfg.Clock,
		Log:   log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.store = mongo
	return nil
}

func (r *Relay) initCluster(ctx context.Context) error {
	if r.cfg.RedisURL != "" {
		cacheClient, err := cluster.NewRedisClient(r.cfg.RedisURL)
		if err != nil {
			return trace.Wrap(err)
		}
		r.cache, err = cluster.NewRedisCache(cluster.RedisCacheConfig{
			Client: cacheClient,
			Log: r.cfg.Log.With(collabrelay.ComponentKey,
				collabrelay.Component(collabrelay.ComponentCluster, "redis")),
		})
		if err != nil {
			return trace.NewAggregate(err, cacheClient.Close())
		}
	} else {
		r.log.WarnContext(ctx, "REDISCLOUD_URL is not set, using the in-process session cache.")
		r.cache = cluster.NewMemoryCache()
	}

	switch {
	case r.cfg.NATSURL != "":
		bus, err := cluster.NewNATSBus(cluster.NATSBusConfig{
			URL:    r.cfg.NATSURL,
			NodeID: r.nodeID,
			Log: r.cfg.Log.With(collabrelay.ComponentKey,
				collabrelay.Component(collabrelay.ComponentCluster, "nats")),
		})
		if err != nil {
			return trace.Wrap(err)
		}
		r.bus = bus
	case r.cfg.RedisURL != "":
		// The bus gets a client of its own so the blocking subscription
		// does not starve cache commands.
		busClient, err := cluster.NewRedisClient(r.cfg.RedisURL)
		if err != nil {
			return trace.Wrap(err)
		}
		r.bus, err = cluster.NewRedisBus(cluster.RedisBusConfig{
			Client: busClient,
			NodeID: r.nodeID,
			Log: r.cfg.Log.With(collabrelay.ComponentKey,
				collabrelay.Component(collabrelay.ComponentCluster, "redis")),
		})
		if err != nil {
			return trace.NewAggregate(err, busClient.Close())
		}
	default:
		r.log.WarnContext(ctx, "No event bus configured, sessions do not span relay nodes.")
		r.bus = cluster.NewMemoryBus().Attach(r.nodeID)
	}
	return nil
}

func (r *Relay) initRegistry(ctx context.Context) error {
	log := r.cfg.Log.With(collabrelay.ComponentKey, collabrelay.ComponentRegistry)
	if r.cfg.RPCURL == "" {
		r.log.WarnContext(ctx, "RPC_URL is not set, owner lookups use an empty static registry; every owner token will be rejected.")
		r.resolver = registry.NewStatic(nil)
		return nil
	}
	chain, err := registry.NewChain(ctx, registry.ChainConfig{RPCURL: r.cfg.RPCURL, Log: log})
	if err != nil {
		return trace.Wrap(err)
	}
	r.chain = chain
	cached, err := registry.NewCache(registry.CacheConfig{Inner: chain, Log: log})
	if err != nil {
		return trace.Wrap(err)
	}
	r.resolver = cached
	return nil
}

// Addr returns the bound websocket listener address.
func (r *Relay) Addr() string {
	return r.listener.Addr().String()
}

// DiagAddr returns the bound diagnostics listener address, or empty when
// diagnostics are disabled.
func (r *Relay) DiagAddr() string {
	if r.diagListener == nil {
		return ""
	}
	return r.diagListener.Addr().String()
}

// Run serves until the context is canceled or a listener fails, then shuts
// the relay down within defaults.ShutdownTimeout.
func (r *Relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.log.InfoContext(gctx, "Relay listening.",
			"listen_addr", r.Addr(),
			"server_did", r.cfg.ServerDID,
			"node_id", r.nodeID,
			"version", collabrelay.Version,
		)
		if err := r.server.Serve(r.listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	if r.diag != nil {
		g.Go(func() error {
			r.log.InfoContext(gctx, "Diagnostics listening.", "diag_addr", r.DiagAddr())
			if err := r.diag.Serve(r.diagListener); !errors.Is(err, http.ErrServerClosed) {
				return trace.Wrap(err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return trace.Wrap(r.shutdown())
	})

	r.ready.Store(true)
	return trace.Wrap(g.Wait())
}

// shutdown retires the process: stop accepting, close the sockets, wait for
// their session cleanup, then release the backends.
func (r *Relay) shutdown() error {
	r.ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	r.log.InfoContext(ctx, "Shutting down.")

	var errs []error
	errs = append(errs, r.server.Shutdown(ctx))
	if r.diag != nil {
		errs = append(errs, r.diag.Shutdown(ctx))
	}

	errs = append(errs, r.handler.Close())
	drained := make(chan struct{})
	go func() {
		r.handler.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, trace.Wrap(ctx.Err(), "waiting for websocket cleanup"))
	}

	errs = append(errs, r.closeComponents(ctx))
	r.log.InfoContext(ctx, "Shutdown complete.")
	return trace.NewAggregate(errs...)
}

// closeComponents releases the backends in reverse dependency order. Nil
// fields are skipped so it also cleans up after a failed New.
func (r *Relay) closeComponents(ctx context.Context) error {
	var errs []error
	if r.diagListener != nil {
		if err := r.diagListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if r.listener != nil {
		if err := r.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if r.bus != nil {
		errs = append(errs, r.bus.Close())
	}
	if r.cache != nil {
		errs = append(errs, r.cache.Close())
	}
	if r.chain != nil {
		errs = append(errs, r.chain.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close(ctx))
	}
	return trace.NewAggregate(errs...)
}

// diagHandler serves the health and metrics routes.
func (r *Relay) diagHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !r.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	})
	return mux
}
