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

package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/collabrelay"
)

var localSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: collabrelay.MetricsNamespace,
		Name:      "local_sessions",
		Help:      "Sessions mirrored on this node.",
	},
)

func init() {
	// Metrics have to be registered to be exposed.
	prometheus.MustRegister(localSessions)
}
