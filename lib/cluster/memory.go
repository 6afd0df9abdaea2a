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
	"log/slog"
	"slices"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/defaults"
)

// MemoryCache is an in-process SessionCache for single-node deployments and
// tests. Records have no TTL; the session manager deletes them when sessions
// deactivate or terminate, and the process lifetime bounds the rest.
type MemoryCache struct {
	mu      sync.RWMutex
	records map[string]*SessionRecord
}

// NewMemoryCache returns an empty in-process session cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: make(map[string]*SessionRecord)}
}

// GetSession returns the cached record or a NotFound error.
func (c *MemoryCache) GetSession(ctx context.Context, documentID, sessionDID string) (*SessionRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[SessionKey(documentID, sessionDID)]
	if !ok {
		return nil, trace.NotFound("session %v/%v not cached", documentID, sessionDID)
	}
	return record.Clone(), nil
}

// PutSession writes the full record.
func (c *MemoryCache) PutSession(ctx context.Context, record *SessionRecord) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[SessionKey(record.DocumentID, record.SessionDID)] = record.Clone()
	return nil
}

// DeleteSession removes the record.
func (c *MemoryCache) DeleteSession(ctx context.Context, documentID, sessionDID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, SessionKey(documentID, sessionDID))
	return nil
}

// AddClient inserts the client into the membership set and returns the
// client count.
func (c *MemoryCache) AddClient(ctx context.Context, documentID, sessionDID, clientID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[SessionKey(documentID, sessionDID)]
	if !ok {
		return 0, trace.NotFound("session %v/%v not cached", documentID, sessionDID)
	}
	if !slices.Contains(record.Clients, clientID) {
		record.Clients = append(record.Clients, clientID)
	}
	return len(record.Clients), nil
}

// RemoveClient removes the client from the membership set and returns the
// remaining client count.
func (c *MemoryCache) RemoveClient(ctx context.Context, documentID, sessionDID, clientID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[SessionKey(documentID, sessionDID)]
	if !ok {
		return 0, trace.NotFound("session %v/%v not cached", documentID, sessionDID)
	}
	record.Clients = slices.DeleteFunc(record.Clients, func(id string) bool {
		return id == clientID
	})
	return len(record.Clients), nil
}

// Close is a no-op for the in-process cache.
func (c *MemoryCache) Close() error {
	return nil
}

// MemoryBus is an in-process event hub. Every Bus attached to the same hub
// observes the others' events, which makes it both the single-node stand-in
// and the way tests simulate a multi-node fleet in one process.
type MemoryBus struct {
	queueSize int
	log       *slog.Logger

	mu    sync.RWMutex
	conns []*MemoryBusConn
}

// NewMemoryBus returns an empty hub.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queueSize: defaults.BusQueueSize,
		log:       slog.With(collabrelay.ComponentKey, collabrelay.ComponentCluster),
	}
}

// Attach joins the hub as the given node and starts its delivery pump.
func (h *MemoryBus) Attach(nodeID string) *MemoryBusConn {
	conn := &MemoryBusConn{
		hub:     h,
		nodeID:  nodeID,
		queue:   make(chan Event, h.queueSize),
		running: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()
	conn.wg.Add(1)
	go conn.deliveryLoop()
	return conn
}

func (h *MemoryBus) detach(conn *MemoryBusConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = slices.DeleteFunc(h.conns, func(c *MemoryBusConn) bool {
		return c == conn
	})
}

// publish fans the event out to every conn except the publisher itself.
func (h *MemoryBus) publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.conns {
		if conn.nodeID == event.NodeID {
			continue
		}
		select {
		case conn.queue <- event:
		default:
			h.log.WarnContext(context.Background(), "Memory bus queue is full, dropping event.",
				"kind", event.Kind, "node_id", conn.nodeID)
		}
	}
}

// MemoryBusConn is one node's handle on a MemoryBus hub.
type MemoryBusConn struct {
	hub    *MemoryBus
	nodeID string

	mu      sync.Mutex
	handler EventHandler
	closed  bool

	queue   chan Event
	running chan struct{}
	wg      sync.WaitGroup
}

// Publish stamps the event with this node's id and fans it out to the other
// conns on the hub.
func (c *MemoryBusConn) Publish(ctx context.Context, event Event) error {
	event.NodeID = c.nodeID
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	c.hub.publish(event)
	return nil
}

// Subscribe registers the handler receiving the other conns' events.
func (c *MemoryBusConn) Subscribe(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *MemoryBusConn) deliveryLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.running:
			return
		case event := <-c.queue:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				handler(event)
			}
		}
	}
}

// Close detaches from the hub and stops the delivery pump.
func (c *MemoryBusConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.detach(c)
	close(c.running)
	c.wg.Wait()
	return nil
}
