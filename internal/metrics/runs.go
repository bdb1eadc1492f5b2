package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(runsTotal, segmentsSent, nextRun) }

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_runs_total",
			Help: "Relay runs by terminal state.",
		},
		[]string{"state"},
	)

	segmentsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagerelay_segments_sent_total",
		Help: "Wrapped segments delivered to the chat channel.",
	})

	nextRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pagerelay_next_run_timestamp_seconds",
		Help: "Unix time of the next scheduled relay run.",
	})
)

func IncRun(state string) { runsTotal.WithLabelValues(norm(state)).Inc() }

func IncSegmentSent() { segmentsSent.Inc() }

func SetNextRun(t time.Time) { nextRun.Set(float64(t.Unix())) }
