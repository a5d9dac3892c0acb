package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RequestsTotal counts completed HTTP responses by protocol and status code,
// adapted from the teacher's server.go _metricRequestsTotal counter.
var RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "olah",
	Subsystem: "server",
	Name:      "requests_total",
	Help:      "Total number of HTTP responses sent, by protocol and status code.",
}, []string{"proto", "status"})

// CacheStatusTotal counts FileHandler outcomes by cache status (hit, miss,
// passthrough), the Olah analogue of the teacher's setXCache bookkeeping.
var CacheStatusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "olah",
	Subsystem: "filehandler",
	Name:      "cache_status_total",
	Help:      "Total number of file requests by cache status.",
}, []string{"status"})

// EvictionBytesTotal counts bytes reclaimed by ChunkCache's eviction scan.
var EvictionBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "olah",
	Subsystem: "chunkcache",
	Name:      "eviction_bytes_total",
	Help:      "Total bytes reclaimed by the block cache eviction scan.",
})

// EvictionEntriesTotal counts BlockFiles removed by ChunkCache's eviction scan.
var EvictionEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "olah",
	Subsystem: "chunkcache",
	Name:      "eviction_entries_total",
	Help:      "Total BlockFiles removed by the block cache eviction scan.",
})

func init() {
	prometheus.MustRegister(RequestsTotal, CacheStatusTotal, EvictionBytesTotal, EvictionEntriesTotal)
}
