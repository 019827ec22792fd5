// Copyright © 2021 Kris Nóva <kris@nivenly.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ███████╗██╗      █████╗ ███████╗██╗  ██╗██████╗
//  ██╔════╝██║     ██╔══██╗██╔════╝██║  ██║██╔══██╗
//  █████╗  ██║     ███████║███████╗███████║██║  ██║
//  ██╔══╝  ██║     ██╔══██║╚════██║██╔══██║██║  ██║
//  ██║     ███████╗██║  ██║███████║██║  ██║██████╔╝
//  ╚═╝     ╚══════╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═════╝
//
// ────────────────────────────────────────────────────────────────────────────

package rtmp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates counters about connections, streams and traffic.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	handshakesTotal   *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	acksSent          prometheus.Counter
	droppedMessages   prometheus.Counter
	publishersActive  prometheus.Gauge
	playersActive     prometheus.Gauge
	instancesActive   prometheus.Gauge
}

// NewMetrics registers the server metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flashd",
			Name:      "connections_active",
			Help:      "Number of open RTMP connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flashd",
			Name:      "connections_total",
			Help:      "Total number of accepted RTMP connections",
		}),
		handshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashd",
			Name:      "handshakes_total",
			Help:      "Completed handshakes by digest scheme",
		}, []string{"scheme"}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashd",
			Name:      "messages_received_total",
			Help:      "Messages received by type",
		}, []string{"type"}),
		acksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flashd",
			Name:      "acks_sent_total",
			Help:      "Window acknowledgements sent to peers",
		}),
		droppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flashd",
			Name:      "dropped_messages_total",
			Help:      "Media messages dropped because a player was backed up",
		}),
		publishersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flashd",
			Name:      "publishers_active",
			Help:      "Number of live publishers",
		}),
		playersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flashd",
			Name:      "players_active",
			Help:      "Number of registered players",
		}),
		instancesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flashd",
			Name:      "instances_active",
			Help:      "Number of live application instances",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) handshake(scheme int) {
	if m == nil {
		return
	}
	label := strconv.Itoa(scheme)
	if scheme == schemeSimple {
		label = "simple"
	}
	m.handshakesTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) messageReceived(t uint8) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(TypeName(t)).Inc()
}

func (m *Metrics) ackSent() {
	if m == nil {
		return
	}
	m.acksSent.Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.droppedMessages.Inc()
}

func (m *Metrics) publisherAdded(delta float64) {
	if m == nil {
		return
	}
	m.publishersActive.Add(delta)
}

func (m *Metrics) playerAdded(delta float64) {
	if m == nil {
		return
	}
	m.playersActive.Add(delta)
}

func (m *Metrics) instanceAdded(delta float64) {
	if m == nil {
		return
	}
	m.instancesActive.Add(delta)
}
