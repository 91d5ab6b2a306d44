// Package metrics provides Prometheus metrics for mdmirror.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rawEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmirror_raw_events_total",
			Help: "Filesystem events accepted by the coalescer, by kind",
		},
		[]string{"kind"},
	)

	batchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmirror_batches_total",
			Help: "Coalesced batches applied to the mirror",
		},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mdmirror_batch_duration_seconds",
			Help:    "Time to apply a coalesced batch including the index rebuild",
			Buckets: prometheus.DefBuckets,
		},
	)

	copiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmirror_copies_total",
			Help: "Mirror copy operations by result",
		},
		[]string{"result"},
	)

	deletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmirror_deletes_total",
			Help: "Mirror entries removed",
		},
	)

	indexRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmirror_index_rebuilds_total",
			Help: "Index document rebuilds by result",
		},
		[]string{"result"},
	)

	indexEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdmirror_index_entries",
			Help: "Entries in the last successfully written index document",
		},
	)
)

// RecordRawEvent counts an accepted raw event.
func RecordRawEvent(kind string) {
	rawEventsTotal.WithLabelValues(kind).Inc()
}

// RecordBatch records an applied batch.
func RecordBatch(d time.Duration) {
	batchesTotal.Inc()
	batchDuration.Observe(d.Seconds())
}

// RecordCopy records one copy attempt sequence.
func RecordCopy(ok bool) {
	copiesTotal.WithLabelValues(result(ok)).Inc()
}

// RecordDelete records a removed mirror entry.
func RecordDelete() {
	deletesTotal.Inc()
}

// RecordIndexRebuild records an index rebuild and, on success, its size.
func RecordIndexRebuild(ok bool, entries int) {
	indexRebuildsTotal.WithLabelValues(result(ok)).Inc()
	if ok {
		indexEntries.Set(float64(entries))
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
