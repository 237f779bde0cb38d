package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request pacing.
var (
	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gfn_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for a pacing token",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60},
	})

	rateLimitRetryAfterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gfn_rate_limit_retry_after_total",
		Help: "Total number of Retry-After hints received from the server",
	})
)

// Limiter paces outgoing requests with a token bucket and records the
// Retry-After hints the server sends. It never delays one request because of
// another request's hint; each request honours its own hint through its
// retry backoff. It is safe for concurrent use.
type Limiter struct {
	pacer  *rate.Limiter
	logger zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewLimiter creates a limiter allowing requestsPerSecond with the given burst.
// A non-positive requestsPerSecond disables pacing.
func NewLimiter(requestsPerSecond float64, burst int, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		logger: logger,
		state:  State{Pacing: requestsPerSecond},
	}
	if requestsPerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		l.pacer = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return l
}

// Wait blocks until the pacing bucket admits a request or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.pacer == nil {
		return ctx.Err()
	}

	start := time.Now()
	defer func() {
		if waited := time.Since(start); waited > time.Millisecond {
			rateLimitWaitSeconds.Observe(waited.Seconds())
		}
	}()

	if err := l.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	return nil
}

// ObserveRetryAfter records a server Retry-After hint. Non-positive hints
// are ignored.
func (l *Limiter) ObserveRetryAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	d = min(d, MaxRetryAfter)

	l.mu.Lock()
	l.state.RetryAfterHints++
	l.state.LastRetryAfter = d
	l.state.LastRetryAfterAt = time.Now()
	l.mu.Unlock()

	rateLimitRetryAfterTotal.Inc()
	l.logger.Warn().
		Dur("retry_after", d).
		Msg("Server sent Retry-After hint")
}

// State returns a snapshot of the limiter state.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
