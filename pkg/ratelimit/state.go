// Package ratelimit paces outgoing API requests and parses the Retry-After
// hints sent with 429 / 503 responses.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxRetryAfter caps how long a single Retry-After hint is taken at face value.
const MaxRetryAfter = 1 * time.Hour

// State is a snapshot of the limiter.
type State struct {
	// Pacing is the configured requests-per-second limit (0 means unlimited).
	Pacing float64 `json:"pacing"`

	// RetryAfterHints counts the Retry-After hints the server sent.
	RetryAfterHints int `json:"retry_after_hints"`

	// LastRetryAfter is the most recent hint, after capping.
	LastRetryAfter time.Duration `json:"last_retry_after"`

	// LastRetryAfterAt is when the most recent hint arrived.
	LastRetryAfterAt time.Time `json:"last_retry_after_at"`
}

// ParseRetryAfter parses a Retry-After header value, given either as
// delay-seconds or as an HTTP date. Invalid or non-positive values yield 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, MaxRetryAfter)
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d <= 0 {
			return 0
		}
		return min(d, MaxRetryAfter)
	}

	return 0
}
