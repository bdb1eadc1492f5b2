package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(fetchFailures, fetchDuration) }

var (
	fetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_fetch_failures_total",
			Help: "Source page fetch failures by kind (status, transport).",
		},
		[]string{"kind"},
	)

	fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagerelay_fetch_duration_seconds",
		Help:    "Source page fetch latency.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
)

func IncFetchFailure(kind string) { fetchFailures.WithLabelValues(norm(kind)).Inc() }

func ObserveFetch(d time.Duration) { fetchDuration.Observe(d.Seconds()) }
