// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "vncserver"

// Metrics holds the server's Prometheus collectors. All methods are safe on
// a nil *Metrics, which records nothing.
type Metrics struct {
	clients         *prometheus.GaugeVec
	connections     *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	authFailures    prometheus.Counter
	rects           *prometheus.CounterVec
	encodedBytes    *prometheus.CounterVec
	encodeDuration  *prometheus.HistogramVec
	codecSwitches   *prometheus.CounterVec
	codecFallbacks  prometheus.Counter
	reconnects      *prometheus.CounterVec
	blacklisted     prometheus.Gauge
	keepAlives      prometheus.Counter
	idleDisconnects prometheus.Counter
}

// NewMetrics creates and registers the collectors with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		clients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clients",
			Help:      "Connected viewers by authentication state",
		}, []string{"state"}),

		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Viewer connections admitted, by direction",
		}, []string{"direction"}),

		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejections_total",
			Help:      "Connections refused before the handshake, by reason",
		}, []string{"reason"}),

		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_failures_total",
			Help:      "Failed security handshakes",
		}),

		rects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "encoded_rects_total",
			Help:      "Rectangles encoded, by encoding",
		}, []string{"encoding"}),

		encodedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "encoded_bytes_total",
			Help:      "Bytes produced by encoders, by encoding",
		}, []string{"encoding"}),

		encodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "encode_duration_seconds",
			Help:      "Time spent encoding one framebuffer update",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"encoding"}),

		codecSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "codec_switches_total",
			Help:      "Encoder activations, by encoding",
		}, []string{"encoding"}),

		codecFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "codec_fallbacks_total",
			Help:      "Encodings substituted because the pixel format did not allow them",
		}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Outbound reconnect attempts, by result",
		}, []string{"result"}),

		blacklisted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "blacklisted_hosts",
			Help:      "Hosts currently blocked",
		}),

		keepAlives: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keepalives_sent_total",
			Help:      "Keep-alive messages sent to viewers",
		}),

		idleDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "idle_disconnects_total",
			Help:      "Viewers removed for inactivity",
		}),
	}
}

// SetClients publishes the partition sizes.
func (m *Metrics) SetClients(auth, unauth int) {
	if m == nil {
		return
	}
	m.clients.WithLabelValues("authenticated").Set(float64(auth))
	m.clients.WithLabelValues("unauthenticated").Set(float64(unauth))
}

// ConnectionAdmitted counts a new session.
func (m *Metrics) ConnectionAdmitted(outgoing bool) {
	if m == nil {
		return
	}
	dir := "incoming"
	if outgoing {
		dir = "outgoing"
	}
	m.connections.WithLabelValues(dir).Inc()
}

// ConnectionRejected counts a refused connection.
func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// AuthFailed counts a failed handshake.
func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// ObserveEncode records one encode call.
func (m *Metrics) ObserveEncode(enc Encoding, rects, bytes int, d time.Duration) {
	if m == nil {
		return
	}
	label := enc.String()
	m.rects.WithLabelValues(label).Add(float64(rects))
	m.encodedBytes.WithLabelValues(label).Add(float64(bytes))
	m.encodeDuration.WithLabelValues(label).Observe(d.Seconds())
}

// CodecSwitched counts an encoder activation.
func (m *Metrics) CodecSwitched(enc Encoding) {
	if m == nil {
		return
	}
	m.codecSwitches.WithLabelValues(enc.String()).Inc()
}

// CodecFallback counts an encoding substitution.
func (m *Metrics) CodecFallback() {
	if m == nil {
		return
	}
	m.codecFallbacks.Inc()
}

// ReconnectAttempt counts an outbound dial.
func (m *Metrics) ReconnectAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// SetBlacklisted publishes the number of blocked hosts.
func (m *Metrics) SetBlacklisted(n int) {
	if m == nil {
		return
	}
	m.blacklisted.Set(float64(n))
}

// KeepAliveSent counts a keep-alive.
func (m *Metrics) KeepAliveSent() {
	if m == nil {
		return
	}
	m.keepAlives.Inc()
}

// IdleDisconnect counts an idle removal.
func (m *Metrics) IdleDisconnect() {
	if m == nil {
		return
	}
	m.idleDisconnects.Inc()
}
