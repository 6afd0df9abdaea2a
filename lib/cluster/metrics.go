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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/collabrelay"
)

var (
	busEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: collabrelay.MetricsNamespace,
			Name:      "bus_events_published_total",
			Help:      "Events published to the cluster bus by kind.",
		},
		[]string{"kind"},
	)
	busEventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: collabrelay.MetricsNamespace,
			Name:      "bus_events_received_total",
			Help:      "Events received from the cluster bus by kind.",
		},
		[]string{"kind"},
	)
	busEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: collabrelay.MetricsNamespace,
			Name:      "bus_events_dropped_total",
			Help:      "Events dropped due to a full publish queue or a publish failure.",
		},
	)
)

func init() {
	// Metrics have to be registered to be exposed.
	prometheus.MustRegister(busEventsPublished)
	prometheus.MustRegister(busEventsReceived)
	prometheus.MustRegister(busEventsDropped)
}
