// Package metrics exposes the Prometheus metrics of the extraction pipeline.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, extract, sink) via promauto to avoid circular dependencies.
//
// This package provides documentation for all available metrics and the
// HTTP endpoint that serves them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// shutdownTimeout bounds graceful shutdown of the metrics server.
const shutdownTimeout = 5 * time.Second

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewMux returns a mux serving /metrics and /health.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	return mux
}

// Serve listens on addr and serves metrics until ctx is done.
func Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return serve(ctx, ln)
}

func serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - gfn_requests_total{status} (Counter): API attempts by HTTP status (or network_error)
//   - gfn_request_duration_seconds (Histogram): Duration of a single attempt
//   - gfn_errors_total{class} (Counter): Failed attempts by error class
//   - gfn_cache_served_total{path} (Counter): Requests answered from cache (fresh, revalidated)
//
// Retry Metrics (pkg/client):
//   - gfn_retries_total{error_class} (Counter): Retry attempts by error class
//   - gfn_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - gfn_retry_exhausted_total{error_class} (Counter): Requests that exhausted max attempts
//
// Pacing Metrics (pkg/ratelimit):
//   - gfn_rate_limit_wait_seconds (Histogram): Time spent waiting for a pacing token
//   - gfn_rate_limit_retry_after_total (Counter): Retry-After hints received
//
// Cache Metrics (pkg/cache):
//   - gfn_cache_hits_total{state} (Counter): Cache hits by state (fresh, stale)
//   - gfn_cache_misses_total (Counter): Cache misses
//   - gfn_cache_stored_bytes_total (Counter): Bytes written to Redis
//   - gfn_304_responses_total (Counter): 304 Not Modified responses
//   - gfn_cache_errors_total{operation} (Counter): Cache operation errors
//
// Scheduler Metrics (pkg/extract):
//   - gfn_scheduler_inflight_requests (Gauge): Requests holding a concurrency permit
//   - gfn_scheduler_permit_wait_seconds (Histogram): Time spent waiting for a permit
//   - gfn_scheduler_results_total{outcome} (Counter): Terminal results by outcome
//
// Sink Metrics (pkg/sink):
//   - gfn_sink_writes_total{result} (Counter): Payload writes (ok, error)
//   - gfn_sink_bytes_written_total (Counter): Bytes written to the output directory
//   - gfn_sink_write_duration_seconds (Histogram): Duration of one atomic write
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(gfn_cache_hits_total[5m])) /
//   (sum(rate(gfn_cache_hits_total[5m])) + sum(rate(gfn_cache_misses_total[5m])))
//
//   # Retries per request
//   sum(rate(gfn_retries_total[5m])) / sum(rate(gfn_scheduler_results_total[5m]))
//
//   # Permit saturation
//   gfn_scheduler_inflight_requests
//
//   # P95 Attempt Latency
//   histogram_quantile(0.95, rate(gfn_request_duration_seconds_bucket[5m]))
