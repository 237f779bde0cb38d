// Package client provides the Global Footprint Network API client: a single
// request executed with classified retries, jittered exponential backoff,
// per-attempt timeouts, request pacing and an optional Redis response cache.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kelasih/aws-etl-global-footprint-network/pkg/cache"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultUsername is sent as the basic-auth user. The API only checks the key.
const DefaultUsername = "any-user"

// maxErrorSnippet bounds how much of an error body is kept in APIError messages.
const maxErrorSnippet = 200

// Client is the API client.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	cache      *cache.Manager
	limiter    *ratelimit.Limiter
	config     Config
	logger     zerolog.Logger
	rnd        func() float64
}

// Config holds the client configuration. It is read once by New.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.footprintnetwork.org/v1".
	BaseURL string

	// APIKey is sent as the basic-auth password.
	APIKey string

	// Username is the basic-auth user (default "any-user").
	Username string

	// UserAgent header (required)
	UserAgent string

	// Timeout bounds every single attempt, independent of the retry budget.
	Timeout time.Duration

	// Retry policy
	Retry RetryConfig

	// Redis enables the raw response cache when non-nil.
	Redis          *redis.Client
	CacheRetention time.Duration

	// Pacing (0 = unlimited).
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		Username:       DefaultUsername,
		UserAgent:      "gfn-extract/0.1.0",
		Timeout:        30 * time.Second,
		Retry:          DefaultRetryConfig(),
		CacheRetention: cache.DefaultRetention,
		Burst:          1,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if baseURL.Host == "" {
		return nil, fmt.Errorf("base url has no host (got %q)", cfg.BaseURL)
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}

	if cfg.Username == "" {
		cfg.Username = DefaultUsername
	}

	logger := log.With().Str("component", "gfn-client").Logger()

	c := &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		limiter:    ratelimit.NewLimiter(cfg.RequestsPerSecond, cfg.Burst, logger),
		config:     cfg,
		logger:     logger,
		rnd:        rand.Float64,
	}

	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis, cfg.CacheRetention)
	}

	return c, nil
}

// response is what one attempt read off the wire.
type response struct {
	status int
	header http.Header
	body   []byte
}

// Fetch executes req until it succeeds, fails permanently, exhausts its
// attempts or ctx is cancelled. It never returns an error: failures are
// described by FetchResult.Err.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) FetchResult {
	logger := c.logger.With().Str("id", req.ID).Str("endpoint", req.Path).Logger()
	result := FetchResult{ID: req.ID}

	target, err := c.buildURL(req)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid request")
		result.Err = &FetchError{ID: req.ID, Kind: KindPermanent, Class: ErrorClassRequest, Err: err}
		return result
	}

	// Step 1: Serve from cache when fresh
	key := cache.CacheKey{Endpoint: req.Path, QueryParams: req.Query}
	cached := c.cachedEntry(ctx, key, logger)
	if cached != nil && !cached.IsExpired() {
		apiCacheServedTotal.WithLabelValues("fresh").Inc()
		logger.Debug().Dur("ttl", cached.TTL()).Msg("Serving fresh cached response")
		return cachedResult(result, cached)
	}
	if cached != nil && !cache.CanRevalidate(cached) {
		cached = nil
	}

	// Step 2: Attempts with retry
	var last response
	state, err := retryWithBackoff(ctx, c.config.Retry, c.rnd, logger, func(ctx context.Context, n int) Attempt {
		a, resp := c.do(ctx, target, cached)
		last = resp
		c.logAttempt(logger, n, a)
		return a
	})
	result.Attempts = state.History

	if err != nil {
		result.Err = newFetchError(req.ID, state, err)
		logger.Error().
			Err(result.Err).
			Str("kind", string(result.Err.Kind)).
			Int("attempts", result.Err.Attempts).
			Msg("Request failed")
		return result
	}

	// Step 3: Revalidated cache entry
	if last.status == http.StatusNotModified {
		cache.NotModifiedResponses.Inc()
		apiCacheServedTotal.WithLabelValues("revalidated").Inc()
		if err := c.cache.Refresh(ctx, key, cache.ParseExpires(last.header)); err != nil {
			logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		logger.Debug().Msg("304 Not Modified - using cache")
		return cachedResult(result, cached)
	}

	result.StatusCode = last.status
	result.Header = last.header
	result.Body = last.body

	// Step 4: Update cache on success
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, cache.NewEntry(last.status, last.header, last.body)); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache response")
		}
	}

	return result
}

// do performs a single attempt.
func (c *Client) do(ctx context.Context, target string, cached *cache.CacheEntry) (Attempt, response) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Attempt{Outcome: OutcomeTransient, Class: ErrorClassRateLimit, Err: err}, response{}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return Attempt{
			Outcome: OutcomePermanent,
			Class:   ErrorClassRequest,
			Err:     fmt.Errorf("create request: %w", err),
		}, response{}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.config.Username, c.config.APIKey)
	if cached != nil {
		cache.AddConditionalHeaders(req, cached)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		latency := time.Since(start)
		apiRequestDuration.Observe(latency.Seconds())
		apiRequestsTotal.WithLabelValues("network_error").Inc()
		class := c.classifyError(ctx, attemptCtx, err)
		apiErrorsTotal.WithLabelValues(string(class)).Inc()
		return Attempt{Outcome: OutcomeTransient, Class: class, Err: err, Latency: latency}, response{}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	apiRequestDuration.Observe(latency.Seconds())
	apiRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		class := c.classifyError(ctx, attemptCtx, err)
		apiErrorsTotal.WithLabelValues(string(class)).Inc()
		return Attempt{
			Outcome:    OutcomeTransient,
			StatusCode: resp.StatusCode,
			Class:      class,
			Err:        fmt.Errorf("read response body: %w", err),
			Latency:    latency,
		}, response{}
	}

	r := response{status: resp.StatusCode, header: resp.Header, body: body}
	a := c.classifyResponse(r, cached != nil)
	a.Latency = latency

	if a.Outcome != OutcomeSuccess {
		apiErrorsTotal.WithLabelValues(string(a.Class)).Inc()
	}
	// The hint only shapes this request's own backoff.
	c.limiter.ObserveRetryAfter(a.RetryAfter)

	return a, r
}

// classifyResponse turns a complete HTTP response into an attempt outcome.
func (c *Client) classifyResponse(r response, revalidating bool) Attempt {
	a := Attempt{StatusCode: r.status}

	switch {
	case r.status == http.StatusNotModified && revalidating:
		a.Outcome = OutcomeSuccess
		return a

	case r.status >= 200 && r.status < 300:
		if !json.Valid(r.body) {
			a.Outcome = OutcomePermanent
			a.Class = ErrorClassDecode
			a.Err = &APIError{
				StatusCode: r.status,
				ErrorClass: ErrorClassDecode,
				Message:    "response body is not valid JSON",
			}
			return a
		}
		a.Outcome = OutcomeSuccess
		return a

	case r.status == http.StatusTooManyRequests:
		a.Class = ErrorClassRateLimit
		a.RetryAfter = ratelimit.ParseRetryAfter(r.header.Get("Retry-After"), time.Now())

	case r.status >= 500:
		a.Class = ErrorClassServer
		a.RetryAfter = ratelimit.ParseRetryAfter(r.header.Get("Retry-After"), time.Now())

	case r.status >= 400:
		a.Class = ErrorClassClient

	default:
		a.Class = ErrorClassStatus
	}

	a.Err = &APIError{
		StatusCode: r.status,
		ErrorClass: a.Class,
		Message:    statusMessage(r),
	}
	if shouldRetry(a.Class) {
		a.Outcome = OutcomeTransient
	} else {
		a.Outcome = OutcomePermanent
	}
	return a
}

// classifyError categorizes a transport-level error.
func (c *Client) classifyError(parent, attemptCtx context.Context, err error) ErrorClass {
	class := ErrorClassNetwork

	var netErr net.Error
	switch {
	case parent.Err() != nil:
		// batch cancellation, reported by the retry loop
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		class = ErrorClassTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		class = ErrorClassTimeout
	}

	c.logger.Debug().Str("class", string(class)).Err(err).Msg("Error classified")
	return class
}

func (c *Client) logAttempt(logger zerolog.Logger, n int, a Attempt) {
	var event *zerolog.Event
	switch a.Outcome {
	case OutcomeSuccess:
		event = logger.Info()
	default:
		event = logger.Warn().Err(a.Err).Str("error_class", string(a.Class))
	}

	event.
		Int("attempt", n).
		Int("max_attempts", c.config.Retry.MaxAttempts).
		Str("outcome", a.Outcome.String()).
		Int("status", a.StatusCode).
		Dur("latency", a.Latency).
		Msg("Attempt finished")
}

// buildURL resolves req against the base URL.
func (c *Client) buildURL(req FetchRequest) (string, error) {
	if req.ID == "" {
		return "", fmt.Errorf("request id is required")
	}
	if strings.TrimSpace(req.Path) == "" {
		return "", fmt.Errorf("request path is required")
	}

	u := c.baseURL.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	return u.String(), nil
}

// cachedEntry looks up key, treating cache errors as misses.
func (c *Client) cachedEntry(ctx context.Context, key cache.CacheKey, logger zerolog.Logger) *cache.CacheEntry {
	if c.cache == nil {
		return nil
	}

	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.Warn().Err(err).Msg("Cache get error")
		}
		return nil
	}
	return entry
}

// Close releases idle connections. The Redis client belongs to the caller.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Limiter returns the request limiter.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

func cachedResult(result FetchResult, entry *cache.CacheEntry) FetchResult {
	result.StatusCode = entry.StatusCode
	result.Header = entry.Headers
	result.Body = entry.Data
	result.Cached = true
	return result
}

func newFetchError(id string, state *RetryState, err error) *FetchError {
	fe := &FetchError{
		ID:       id,
		Attempts: len(state.History),
		Err:      state.LastErr,
	}
	if n := len(state.History); n > 0 {
		last := state.History[n-1]
		fe.Class = last.Class
		fe.StatusCode = last.StatusCode
	}

	switch {
	case errors.Is(err, ErrContextCancelled):
		fe.Kind = KindCancelled
		fe.Err = err
	case errors.Is(err, ErrRetryExhausted):
		fe.Kind = KindExhausted
	default:
		fe.Kind = KindPermanent
	}
	if fe.Err == nil {
		fe.Err = err
	}
	return fe
}

func statusMessage(r response) string {
	msg := http.StatusText(r.status)
	if msg == "" {
		msg = "status " + strconv.Itoa(r.status)
	}
	snippet := strings.TrimSpace(string(r.body))
	if snippet == "" {
		return msg
	}
	if len(snippet) > maxErrorSnippet {
		// Cut on a rune boundary so the message stays valid UTF-8.
		cut := maxErrorSnippet
		for cut > 0 && !utf8.RuneStart(snippet[cut]) {
			cut--
		}
		snippet = snippet[:cut] + "..."
	}
	return msg + ": " + snippet
}
