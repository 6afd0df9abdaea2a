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
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/nats-io/nats.go"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/defaults"
)

// NATSBusConfig configures the NATS event bus, the alternative fan-out
// transport for deployments without Redis.
type NATSBusConfig struct {
	// URL is the nats:// server URL.
	URL string
	// NodeID identifies this node. Events carrying it are dropped on
	// receive.
	NodeID string
	// Subject is the subject carrying the events. Defaults to
	// EventsChannel.
	Subject string
	// QueueSize bounds the publish queue. Defaults to
	// defaults.BusQueueSize.
	QueueSize int
	// Log emits bus diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *NATSBusConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.NodeID == "" {
		return trace.BadParameter("missing parameter NodeID")
	}
	if c.Subject == "" {
		c.Subject = EventsChannel
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaults.BusQueueSize
	}
	if c.Log == nil {
		c.Log = slog.With(collabrelay.ComponentKey, collabrelay.ComponentCluster)
	}
	return nil
}

// NATSBus fans events out over a single NATS subject. Publishing goes
// through the same bounded queue and pump as the Redis bus; the NATS client
// reconnects on its own and replays nothing, matching the at-most-once
// contract.
type NATSBus struct {
	cfg  NATSBusConfig
	conn *nats.Conn
	sub  *nats.Subscription

	mu      sync.Mutex
	handler EventHandler
	closed  bool

	queue   chan Event
	running chan struct{}
	wg      sync.WaitGroup
}

// NewNATSBus connects to the NATS server, subscribes to the events subject
// and starts the publish pump.
func NewNATSBus(cfg NATSBusConfig) (*NATSBus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("collabrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			cfg.Log.WarnContext(context.Background(), "NATS connection lost.", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			cfg.Log.InfoContext(context.Background(), "NATS connection re-established.",
				"server", conn.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to NATS")
	}
	b := &NATSBus{
		cfg:     cfg,
		conn:    conn,
		queue:   make(chan Event, cfg.QueueSize),
		running: make(chan struct{}),
	}
	b.sub, err = conn.Subscribe(cfg.Subject, func(msg *nats.Msg) {
		dispatchEvent(cfg.Log, cfg.NodeID, msg.Data, b.currentHandler())
	})
	if err != nil {
		conn.Close()
		return nil, trace.ConnectionProblem(err, "failed to subscribe to %v", cfg.Subject)
	}
	b.wg.Add(1)
	go b.publishLoop()
	return b, nil
}

// Publish stamps the event with this node's id and enqueues it.
func (b *NATSBus) Publish(ctx context.Context, event Event) error {
	event.NodeID = b.cfg.NodeID
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	select {
	case b.queue <- event:
		return nil
	default:
		busEventsDropped.Inc()
		return trace.LimitExceeded("bus publish queue is full, dropping %v event", event.Kind)
	}
}

// Subscribe registers the handler receiving the other nodes' events.
func (b *NATSBus) Subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *NATSBus) currentHandler() EventHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

func (b *NATSBus) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.queue:
			b.publishOne(event)
		case <-b.running:
			for {
				select {
				case event := <-b.queue:
					b.publishOne(event)
				default:
					return
				}
			}
		}
	}
}

func (b *NATSBus) publishOne(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.cfg.Log.WarnContext(context.Background(), "Failed to encode bus event.",
			"kind", event.Kind, "error", err)
		return
	}
	if err := b.conn.Publish(b.cfg.Subject, payload); err != nil {
		busEventsDropped.Inc()
		b.cfg.Log.WarnContext(context.Background(), "Failed to publish bus event.",
			"kind", event.Kind, "error", err)
		return
	}
	busEventsPublished.WithLabelValues(string(event.Kind)).Inc()
}

// Close stops the pump, flushes queued events and drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.running)
	b.wg.Wait()
	err := b.sub.Unsubscribe()
	return trace.NewAggregate(err, b.conn.Drain())
}
