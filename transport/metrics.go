package transport

import (
	"sync/atomic"
)

// Metrics tracks statistics for the UDP transport.
//
// All operations are atomic and thread-safe.
type Metrics struct {
	// Datagram counts
	datagramsSent     atomic.Uint64
	datagramsReceived atomic.Uint64
	datagramsDropped  atomic.Uint64

	// Byte counts
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Error counts
	sendErrors    atomic.Uint64
	receiveErrors atomic.Uint64
	rateLimited   atomic.Uint64
}

// globalMetrics aggregates counters across all transports in the process.
// Individual transports are short-lived (one per connection or discovery
// run), so process-wide observability reads from here.
var globalMetrics Metrics

// GlobalMetrics returns the process-wide aggregate counters.
func GlobalMetrics() *Metrics {
	return &globalMetrics
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordSent records a sent datagram.
func (m *Metrics) RecordSent(bytes uint64) {
	m.datagramsSent.Add(1)
	m.bytesSent.Add(bytes)
	if m != &globalMetrics {
		globalMetrics.RecordSent(bytes)
	}
}

// RecordReceived records a received datagram.
func (m *Metrics) RecordReceived(bytes uint64) {
	m.datagramsReceived.Add(1)
	m.bytesReceived.Add(bytes)
	if m != &globalMetrics {
		globalMetrics.RecordReceived(bytes)
	}
}

// IncrementSendErrors increments the send error counter.
func (m *Metrics) IncrementSendErrors() {
	m.sendErrors.Add(1)
	if m != &globalMetrics {
		globalMetrics.IncrementSendErrors()
	}
}

// IncrementReceiveErrors increments the receive error counter.
func (m *Metrics) IncrementReceiveErrors() {
	m.receiveErrors.Add(1)
	if m != &globalMetrics {
		globalMetrics.IncrementReceiveErrors()
	}
}

// IncrementRateLimited increments the rate-limited datagram counter.
func (m *Metrics) IncrementRateLimited() {
	m.rateLimited.Add(1)
	if m != &globalMetrics {
		globalMetrics.IncrementRateLimited()
	}
}

// IncrementDropped increments the dropped datagram counter. Dropped covers
// out-of-bounds sizes and datagrams no handler recognized.
func (m *Metrics) IncrementDropped() {
	m.datagramsDropped.Add(1)
	if m != &globalMetrics {
		globalMetrics.IncrementDropped()
	}
}

// MetricsSnapshot is a point-in-time copy of the transport counters.
type MetricsSnapshot struct {
	DatagramsSent     uint64
	DatagramsReceived uint64
	DatagramsDropped  uint64
	BytesSent         uint64
	BytesReceived     uint64
	SendErrors        uint64
	ReceiveErrors     uint64
	RateLimited       uint64
}

// Snapshot returns a snapshot of the current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		DatagramsSent:     m.datagramsSent.Load(),
		DatagramsReceived: m.datagramsReceived.Load(),
		DatagramsDropped:  m.datagramsDropped.Load(),
		BytesSent:         m.bytesSent.Load(),
		BytesReceived:     m.bytesReceived.Load(),
		SendErrors:        m.sendErrors.Load(),
		ReceiveErrors:     m.receiveErrors.Load(),
		RateLimited:       m.rateLimited.Load(),
	}
}
