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

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/defaults"
)

// RedisBusConfig configures the Redis pub/sub bus.
type RedisBusConfig struct {
	// Client is the Redis handle dedicated to the bus, separate from the
	// cache handle so the blocking subscription does not starve commands.
	// The bus owns it and closes it on Close.
	Client redis.UniversalClient
	// NodeID identifies this node. Events carrying it are dropped on
	// receive.
	NodeID string
	// Channel is the pub/sub channel. Defaults to EventsChannel.
	Channel string
	// QueueSize bounds the publish queue. Defaults to
	// defaults.BusQueueSize.
	QueueSize int
	// Log emits bus diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RedisBusConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.NodeID == "" {
		return trace.BadParameter("missing parameter NodeID")
	}
	if c.Channel == "" {
		c.Channel = EventsChannel
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaults.BusQueueSize
	}
	if c.Log == nil {
		c.Log = slog.With(collabrelay.ComponentKey, collabrelay.ComponentCluster)
	}
	return nil
}

// RedisBus fans events out over a single Redis pub/sub channel. A dedicated
// publisher goroutine drains a bounded queue so per-node publish order is
// preserved and publishing never blocks a client request. The subscription
// is re-established by the Redis client after connection loss; messages
// published while disconnected are lost, which the at-most-once delivery
// contract allows.
type RedisBus struct {
	cfg    RedisBusConfig
	pubsub *redis.PubSub

	mu      sync.Mutex
	handler EventHandler
	closed  bool

	queue   chan Event
	running chan struct{}
	wg      sync.WaitGroup
}

// NewRedisBus subscribes to the events channel and starts the pump
// goroutines.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	pubsub := cfg.Client.Subscribe(context.Background(), cfg.Channel)
	// Wait for the subscription confirmation so events published right
	// after construction are not missed.
	confirmCtx, cancel := context.WithTimeout(context.Background(), defaults.StorageOpTimeout)
	defer cancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		return nil, trace.NewAggregate(
			trace.ConnectionProblem(err, "failed to subscribe to %v", cfg.Channel),
			pubsub.Close())
	}
	b := &RedisBus{
		cfg:     cfg,
		pubsub:  pubsub,
		queue:   make(chan Event, cfg.QueueSize),
		running: make(chan struct{}),
	}
	b.wg.Add(2)
	go b.publishLoop()
	go b.receiveLoop()
	return b, nil
}

// Publish stamps the event with this node's id and enqueues it.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
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
func (b *RedisBus) Subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *RedisBus) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.queue:
			b.publishOne(event)
		case <-b.running:
			// Flush whatever is already queued, then stop.
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

func (b *RedisBus) publishOne(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.cfg.Log.WarnContext(context.Background(), "Failed to encode bus event.",
			"kind", event.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaults.StorageOpTimeout)
	defer cancel()
	if err := b.cfg.Client.Publish(ctx, b.cfg.Channel, payload).Err(); err != nil {
		busEventsDropped.Inc()
		b.cfg.Log.WarnContext(ctx, "Failed to publish bus event.",
			"kind", event.Kind, "error", err)
		return
	}
	busEventsPublished.WithLabelValues(string(event.Kind)).Inc()
}

func (b *RedisBus) receiveLoop() {
	defer b.wg.Done()
	messages := b.pubsub.Channel()
	for {
		select {
		case <-b.running:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			dispatchEvent(b.cfg.Log, b.cfg.NodeID, []byte(msg.Payload), b.currentHandler())
		}
	}
}

func (b *RedisBus) currentHandler() EventHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

// Close stops the pumps, flushes queued events and releases the clients.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.running)
	err := b.pubsub.Close()
	b.wg.Wait()
	return trace.NewAggregate(err, b.cfg.Client.Close())
}

// dispatchEvent decodes an event payload, drops this node's own echo and
// invokes the handler.
func dispatchEvent(log *slog.Logger, nodeID string, payload []byte, handler EventHandler) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		log.WarnContext(context.Background(), "Dropping undecodable bus event.", "error", err)
		return
	}
	if event.NodeID == nodeID {
		return
	}
	busEventsReceived.WithLabelValues(string(event.Kind)).Inc()
	if handler != nil {
		handler(event)
	}
}
