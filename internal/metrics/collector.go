// Package dmtpmetrics defines the Prometheus metrics exported by the
// OpenDMTP server: active sessions, packet and event throughput, and the
// per-NAK-code error counters that make rate-limiter and protocol failures
// visible to an operator dashboard.
package dmtpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "dmtpd"
	subsystem = "server"
)

// Label names for OpenDMTP metrics.
const (
	labelTransport = "transport" // "stream" or "datagram"
	labelType      = "type"      // packet type name
	labelCode      = "code"      // NAK code name
)

// -------------------------------------------------------------------------
// Collector — Prometheus OpenDMTP Metrics
// -------------------------------------------------------------------------

// Collector holds all OpenDMTP Prometheus metrics.
//
// Metrics are designed for fleet-telemetry operations monitoring:
//   - Sessions tracks currently active connections, by transport.
//   - Packet counters track received/sent volume.
//   - EventsIngested/EventsDuplicate track store writes.
//   - NAKsTotal breaks protocol/rate-limit failures down by code for alerting.
//   - EncodingDowngrades flags devices falling back to a lesser encoding.
type Collector struct {
	// Sessions tracks the number of currently active sessions, labeled by
	// transport ("stream" or "datagram").
	Sessions *prometheus.GaugeVec

	// PacketsReceived counts packets decoded from the wire, labeled by
	// transport.
	PacketsReceived *prometheus.CounterVec

	// PacketsSent counts response packets written back to a duplex peer,
	// labeled by transport and response packet type.
	PacketsSent *prometheus.CounterVec

	// EventsIngested counts successful, non-duplicate EventStore inserts.
	EventsIngested prometheus.Counter

	// EventsDuplicate counts InsertEvent calls that found an existing row
	// with the same key (not an error for ACK purposes).
	EventsDuplicate prometheus.Counter

	// NAKsTotal counts server-error responses, labeled by NAK code name.
	NAKsTotal *prometheus.CounterVec

	// EncodingDowngrades counts CLIENT_ERROR(ERROR_PACKET_ENCODING)
	// handling that dropped a session to a lesser ASCII encoding.
	EncodingDowngrades prometheus.Counter

	// RateLimiterDenials counts MarkAndValidate calls that denied a
	// connection attempt, distinct from NAKsTotal so dashboards can
	// chart denial rate without string-matching a NAK name.
	RateLimiterDenials prometheus.Counter
}

// NewCollector creates a Collector with all OpenDMTP metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.PacketsReceived,
		c.PacketsSent,
		c.EventsIngested,
		c.EventsDuplicate,
		c.NAKsTotal,
		c.EncodingDowngrades,
		c.RateLimiterDenials,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently active sessions.",
		}, []string{labelTransport}),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total packets decoded from the wire.",
		}, []string{labelTransport}),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total response packets written back to a duplex peer.",
		}, []string{labelTransport, labelType}),

		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_ingested_total",
			Help:      "Total non-duplicate GPS event records inserted into the event store.",
		}),

		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_duplicate_total",
			Help:      "Total InsertEvent calls that found a pre-existing row with the same key.",
		}),

		NAKsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "naks_total",
			Help:      "Total server-error responses, by NAK code.",
		}, []string{labelCode}),

		EncodingDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "encoding_downgrades_total",
			Help:      "Total sessions that fell back to a lesser ASCII encoding after a CLIENT_ERROR(ERROR_PACKET_ENCODING).",
		}),

		RateLimiterDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rate_limiter_denials_total",
			Help:      "Total connection attempts denied by the per-device connection rate limiter.",
		}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active-sessions gauge for transport.
func (c *Collector) RegisterSession(transport string) {
	c.Sessions.WithLabelValues(transport).Inc()
}

// UnregisterSession decrements the active-sessions gauge for transport.
func (c *Collector) UnregisterSession(transport string) {
	c.Sessions.WithLabelValues(transport).Dec()
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsReceived increments the received-packets counter for transport.
func (c *Collector) IncPacketsReceived(transport string) {
	c.PacketsReceived.WithLabelValues(transport).Inc()
}

// IncPacketsSent increments the sent-packets counter for transport and the
// response packet's type name.
func (c *Collector) IncPacketsSent(transport, pktType string) {
	c.PacketsSent.WithLabelValues(transport, pktType).Inc()
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

// IncEventsIngested increments the successful event-insert counter.
func (c *Collector) IncEventsIngested() {
	c.EventsIngested.Inc()
}

// IncEventsDuplicate increments the duplicate-event counter.
func (c *Collector) IncEventsDuplicate() {
	c.EventsDuplicate.Inc()
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// IncNAK increments the NAK counter for the given code name.
func (c *Collector) IncNAK(code string) {
	c.NAKsTotal.WithLabelValues(code).Inc()
}

// IncEncodingDowngrade increments the encoding-downgrade counter.
func (c *Collector) IncEncodingDowngrade() {
	c.EncodingDowngrades.Inc()
}

// IncRateLimiterDenial increments the rate-limiter denial counter.
func (c *Collector) IncRateLimiterDenial() {
	c.RateLimiterDenials.Inc()
}
