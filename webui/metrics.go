package webui

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/beamlab/lanbeam/device"
	"github.com/beamlab/lanbeam/discovery"
	"github.com/beamlab/lanbeam/transport"
)

var registerOnce sync.Once

// RegisterMetrics exposes the daemon's internal counters on the prometheus
// default registry. The counters themselves live in their packages; this
// only wires read-only views over their snapshots.
func RegisterMetrics(pool *device.Pool, disc *discovery.Discoverer, tr *transport.Metrics) {
	registerOnce.Do(func() {
		counterFunc := func(subsystem, name, help string, read func() uint64) prometheus.CounterFunc {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "lanbeam",
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			}, func() float64 { return float64(read()) })
		}

		collectors := []prometheus.Collector{
			counterFunc("pool", "hits_total", "Connection pool cache hits.",
				func() uint64 { return pool.Metrics().Snapshot().Hits }),
			counterFunc("pool", "misses_total", "Connection pool cache misses.",
				func() uint64 { return pool.Metrics().Snapshot().Misses }),
			counterFunc("pool", "evictions_total", "Connections evicted from the pool.",
				func() uint64 { return pool.Metrics().Snapshot().Evictions }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "lanbeam",
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Currently pooled connections.",
			}, func() float64 { return float64(pool.Len()) }),

			counterFunc("discovery", "accepted_total", "Discovery replies accepted.",
				func() uint64 { return disc.Metrics().Snapshot().Accepted }),
			counterFunc("discovery", "duplicates_total", "Duplicate discovery replies.",
				func() uint64 { return disc.Metrics().Snapshot().Duplicates }),
			counterFunc("discovery", "rejected_source_total", "Discovery replies rejected for a foreign source id.",
				func() uint64 { return disc.Metrics().Snapshot().RejectedSource }),
			counterFunc("discovery", "rejected_identity_total", "Discovery replies rejected for a null identity.",
				func() uint64 { return disc.Metrics().Snapshot().RejectedIdentity }),
			counterFunc("discovery", "malformed_total", "Malformed discovery replies.",
				func() uint64 { return disc.Metrics().Snapshot().Malformed }),
		}

		if tr != nil {
			collectors = append(collectors,
				counterFunc("transport", "datagrams_sent_total", "Datagrams sent.",
					func() uint64 { return tr.Snapshot().DatagramsSent }),
				counterFunc("transport", "datagrams_received_total", "Datagrams received.",
					func() uint64 { return tr.Snapshot().DatagramsReceived }),
				counterFunc("transport", "datagrams_dropped_total", "Datagrams dropped.",
					func() uint64 { return tr.Snapshot().DatagramsDropped }),
				counterFunc("transport", "bytes_sent_total", "Bytes sent.",
					func() uint64 { return tr.Snapshot().BytesSent }),
				counterFunc("transport", "bytes_received_total", "Bytes received.",
					func() uint64 { return tr.Snapshot().BytesReceived }),
				counterFunc("transport", "rate_limited_total", "Datagrams dropped by the per-IP rate limiter.",
					func() uint64 { return tr.Snapshot().RateLimited }),
			)
		}

		prometheus.MustRegister(collectors...)
	})
}
