package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sinkWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gfn_sink_writes_total",
		Help: "Payload writes by result (ok, error)",
	}, []string{"result"})

	sinkBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gfn_sink_bytes_written_total",
		Help: "Bytes written to the output directory",
	})

	sinkWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gfn_sink_write_duration_seconds",
		Help:    "Duration of a single atomic payload write",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)
