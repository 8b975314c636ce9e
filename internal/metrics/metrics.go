// Package metrics exposes ingestion counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	UnitsInFlight    prometheus.Gauge
	UnitOutcomes     *prometheus.CounterVec
	ClassifyDuration prometheus.Histogram
	CycleDuration    prometheus.Histogram
	Thumbnails       *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the ingestion collectors on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from each other.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		UnitsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tagmanager_units_in_flight",
			Help: "Import files currently being processed",
		}),
		UnitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagmanager_unit_outcomes_total",
			Help: "Terminal outcomes of import files by status",
		}, []string{"status"}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagmanager_classify_duration_seconds",
			Help:    "Round trip time of classification calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagmanager_cycle_duration_seconds",
			Help:    "Wall time of whole ingestion cycles including backfill",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		Thumbnails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagmanager_thumbnails_total",
			Help: "Thumbnail generation attempts by result",
		}, []string{"result"}),
		gatherer: reg,
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.UnitsInFlight,
		m.UnitOutcomes,
		m.ClassifyDuration,
		m.CycleDuration,
		m.Thumbnails,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
