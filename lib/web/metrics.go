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

package web

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/collabrelay"
)

var (
	openSockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: collabrelay.MetricsNamespace,
			Name:      "websocket_connections",
			Help:      "Websocket connections currently open on this node.",
		},
	)
	commandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: collabrelay.MetricsNamespace,
			Name:      "commands_dispatched_total",
			Help:      "Command frames dispatched by command.",
		},
		[]string{"cmd"},
	)
	eventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: collabrelay.MetricsNamespace,
			Name:      "events_delivered_total",
			Help:      "Event frames enqueued to local sockets during fan-out.",
		},
	)
	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: collabrelay.MetricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Droppable frames discarded by saturated per-socket send queues.",
		},
	)
)

// prometheusCollectors are registered by NewHandler.
var prometheusCollectors = []prometheus.Collector{
	openSockets, commandsDispatched, eventsDelivered, framesDropped,
}
