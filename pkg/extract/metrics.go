package extract

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gfn_scheduler_inflight_requests",
		Help: "Requests currently holding a concurrency permit",
	})

	schedulerPermitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gfn_scheduler_permit_wait_seconds",
		Help:    "Time spent waiting for a concurrency permit",
		Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 30, 120},
	})

	schedulerResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gfn_scheduler_results_total",
		Help: "Terminal request results by outcome (succeeded, skipped or the failure kind)",
	}, []string{"outcome"})
)
