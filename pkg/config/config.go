// Package config loads the extraction settings from an optional .env file and
// the process environment. A Config is built once per run and not modified
// afterwards.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/cache"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/client"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/footprint"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/logging"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/sink"
	"github.com/redis/go-redis/v9"
)

// DefaultEnvFile is read when Load is called without an explicit file.
const DefaultEnvFile = ".env"

// Config holds every setting of an extraction run.
type Config struct {
	// API access
	APIURL      string
	APIKey      string
	APIUsername string
	UserAgent   string

	// Output
	RawDataDir string

	// Scheduling and retries
	MaxConcurrent     int
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	RequestTimeout    time.Duration
	RequestsPerSecond float64

	// Response cache (disabled when RedisURL is empty)
	RedisURL       string
	CacheRetention time.Duration

	// Observability
	LogLevel    string
	LogPretty   bool
	LogFile     string
	MetricsAddr string

	// Year range
	StartYear int
	EndYear   int
}

// Default returns the configuration used when no variable is set.
// APIURL and APIKey have no default.
func Default() Config {
	retry := client.DefaultRetryConfig()
	return Config{
		APIUsername:       client.DefaultUsername,
		UserAgent:         "gfn-extract/0.1.0",
		RawDataDir:        "local_storage/raw",
		MaxConcurrent:     2,
		MaxRetries:        retry.MaxAttempts,
		InitialDelay:      retry.InitialBackoff,
		MaxDelay:          retry.MaxBackoff,
		BackoffMultiplier: retry.BackoffMultiplier,
		BackoffJitter:     retry.Jitter,
		RequestTimeout:    30 * time.Second,
		CacheRetention:    cache.DefaultRetention,
		LogLevel:          string(logging.LevelInfo),
		LogFile:           "logs/local_data_extraction.log",
		StartYear:         footprint.DefaultStartYear,
		EndYear:           footprint.DefaultEndYear,
	}
}

// Load reads envFile (DefaultEnvFile when empty) into the environment and
// builds a validated Config. Variables already set in the environment win
// over the file. A missing DefaultEnvFile is not an error; a missing
// explicit file is.
func Load(envFile string) (Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFile(envFile string) error {
	path := envFile
	if path == "" {
		path = DefaultEnvFile
	}

	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if envFile == "" && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

// FromEnv builds a Config from the process environment without validating it.
func FromEnv() (Config, error) {
	cfg := Default()
	p := &parser{}

	cfg.APIURL = strings.TrimRight(getEnv("API_URL", ""), "/")
	cfg.APIKey = getEnv("API_KEY", "")
	cfg.APIUsername = getEnv("API_USERNAME", cfg.APIUsername)
	cfg.UserAgent = getEnv("USER_AGENT", cfg.UserAgent)
	cfg.RawDataDir = getEnv("RAW_DATA_DIR", cfg.RawDataDir)

	cfg.MaxConcurrent = p.intVar("MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.MaxRetries = p.intVar("MAX_RETRIES", cfg.MaxRetries)
	cfg.InitialDelay = p.durationVar("INITIAL_DELAY", cfg.InitialDelay)
	cfg.MaxDelay = p.durationVar("MAX_DELAY", cfg.MaxDelay)
	cfg.BackoffMultiplier = p.floatVar("BACKOFF_MULTIPLIER", cfg.BackoffMultiplier)
	cfg.BackoffJitter = p.floatVar("BACKOFF_JITTER", cfg.BackoffJitter)
	cfg.RequestTimeout = p.durationVar("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.RequestsPerSecond = p.floatVar("REQUESTS_PER_SECOND", cfg.RequestsPerSecond)

	cfg.RedisURL = getEnv("REDIS_URL", "")
	cfg.CacheRetention = p.durationVar("CACHE_RETENTION", cfg.CacheRetention)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = p.boolVar("LOG_PRETTY", cfg.LogPretty)
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		// An explicitly empty LOG_FILE disables the file.
		cfg.LogFile = v
	}
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	cfg.StartYear = p.intVar("START_YEAR", cfg.StartYear)
	cfg.EndYear = p.intVar("END_YEAR", cfg.EndYear)

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate checks the settings that have no safe default.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("API_URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.RawDataDir == "" {
		return fmt.Errorf("RAW_DATA_DIR must not be empty")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be >= 1 (got %d)", c.MaxConcurrent)
	}
	if err := c.Retry().Validate(); err != nil {
		return fmt.Errorf("retry settings: %w", err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0 (got %s)", c.RequestTimeout)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("REQUESTS_PER_SECOND must be >= 0 (got %g)", c.RequestsPerSecond)
	}
	if c.CacheRetention <= 0 {
		return fmt.Errorf("CACHE_RETENTION must be > 0 (got %s)", c.CacheRetention)
	}
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if _, err := footprint.YearRange(c.StartYear, c.EndYear); err != nil {
		return fmt.Errorf("year range: %w", err)
	}
	return nil
}

// Retry returns the retry policy.
func (c Config) Retry() client.RetryConfig {
	return client.RetryConfig{
		MaxAttempts:       c.MaxRetries,
		InitialBackoff:    c.InitialDelay,
		MaxBackoff:        c.MaxDelay,
		BackoffMultiplier: c.BackoffMultiplier,
		Jitter:            c.BackoffJitter,
	}
}

// Client returns the API client configuration. Redis is left for the
// caller to attach.
func (c Config) Client() client.Config {
	cfg := client.DefaultConfig(c.APIURL, c.APIKey)
	cfg.Username = c.APIUsername
	cfg.UserAgent = c.UserAgent
	cfg.Timeout = c.RequestTimeout
	cfg.Retry = c.Retry()
	cfg.CacheRetention = c.CacheRetention
	cfg.RequestsPerSecond = c.RequestsPerSecond
	return cfg
}

// Sink returns the output configuration. Payloads are pretty-printed.
func (c Config) Sink() sink.Config {
	return sink.Config{Dir: c.RawDataDir, Pretty: true}
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	cfg.File = c.LogFile
	return cfg
}

// RedisOptions parses RedisURL. It accepts redis:// URLs and bare host:port
// addresses, and returns nil when the cache is disabled.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.RedisURL == "" {
		return nil, nil
	}
	if strings.Contains(c.RedisURL, "://") {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.RedisURL}, nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.APIKey != "" {
		c.APIKey = "***"
	}
	return c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects conversion errors so all bad variables are reported at once.
type parser struct {
	errs []error
}

func (p *parser) intVar(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) floatVar(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (p *parser) boolVar(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

// durationVar accepts Go durations ("1.5s") and plain seconds ("1.5").
func (p *parser) durationVar(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
	return def
}
