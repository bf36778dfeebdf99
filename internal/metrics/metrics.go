// Package metrics holds the Prometheus collectors of the avatar pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "avatar"

var (
	// once guards registration; the default registry panics on duplicates.
	once sync.Once

	// BindTotal counts Bind calls by how they were answered:
	// unresolved, memory_hit, known_missing, joined, scheduled.
	BindTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_total",
			Help:      "Avatar bind requests by outcome.",
		},
		[]string{"result"},
	)

	// FetchTotal counts network fetches by outcome:
	// ok, cached, not_found, transient, fatal.
	FetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Avatar fetches by outcome.",
		},
		[]string{"outcome"},
	)

	// DeliveryTotal counts deliveries to targets: avatar, placeholder, superseded.
	DeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_total",
			Help:      "Deliveries to bound targets by kind.",
		},
		[]string{"kind"},
	)

	// PipelineDuration observes fetch+decode+transform time per flight.
	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Time spent fetching and transforming one avatar.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// InflightFlights is the number of URLs currently being loaded.
	InflightFlights = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_flights",
			Help:      "Avatar loads currently in flight.",
		},
	)

	// DiskCacheBytes is the aggregate size of the persisted response cache.
	DiskCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "disk_cache_bytes",
			Help:      "Bytes held by the on-disk HTTP response cache.",
		},
	)

	// DiskCacheEvictions counts entries evicted to respect the size bound.
	DiskCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disk_cache_evictions_total",
			Help:      "Entries evicted from the on-disk HTTP response cache.",
		},
	)
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			BindTotal,
			FetchTotal,
			DeliveryTotal,
			PipelineDuration,
			InflightFlights,
			DiskCacheBytes,
			DiskCacheEvictions,
		)
	})
}
