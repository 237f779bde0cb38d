// Command gfn-extract downloads Global Footprint Network data for a range of
// years and writes one JSON file per year.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/client"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/config"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/extract"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/footprint"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/logging"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/metrics"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/sink"
	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// maxErrorWidth bounds the error column of the failure table.
const maxErrorWidth = 80

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one extraction and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gfn-extract", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env", "", "Path to a .env file (default: ./.env if present)")
	from := fs.Int("from", 0, "First year to fetch (default: START_YEAR)")
	to := fs.Int("to", 0, "Last year to fetch (default: END_YEAR)")
	force := fs.Bool("force", false, "Fetch years whose output file already exists")
	noProgress := fs.Bool("no-progress", false, "Disable the progress bar")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	// Step 1: Configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	if *from != 0 {
		cfg.StartYear = *from
	}
	if *to != 0 {
		cfg.EndYear = *to
	}
	reqs, err := footprint.YearRange(cfg.StartYear, cfg.EndYear)
	if err != nil {
		fmt.Fprintf(stderr, "invalid year range: %v\n", err)
		return exitUsage
	}

	// Step 2: Logging
	logCfg := cfg.Logging()
	logCfg.Output = stderr
	logger, closeLog, err := logging.Setup(logCfg)
	if err != nil {
		fmt.Fprintf(stderr, "logging setup: %v\n", err)
		return exitUsage
	}
	defer closeLog()

	redacted := cfg.Redacted()
	logger.Info().
		Str("api_url", redacted.APIURL).
		Str("output_dir", redacted.RawDataDir).
		Int("max_concurrent", redacted.MaxConcurrent).
		Int("max_retries", redacted.MaxRetries).
		Int("start_year", redacted.StartYear).
		Int("end_year", redacted.EndYear).
		Bool("cache", redacted.RedisURL != "").
		Msg("Starting data extraction")

	// Step 3: Metrics endpoint
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	// Step 4: Pipeline
	clientCfg := cfg.Client()
	redisClient := connectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
		clientCfg.Redis = redisClient
	}

	apiClient, err := client.New(clientCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create API client")
		return exitUsage
	}
	defer apiClient.Close()

	fileSink, err := sink.NewFileSink(cfg.Sink(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to prepare output directory")
		return exitFailed
	}

	var bar *progressbar.ProgressBar
	schedCfg := extract.Config{
		MaxConcurrency: cfg.MaxConcurrent,
		SkipExisting:   !*force,
	}
	if !*noProgress {
		bar = newProgressBar(len(reqs), stderr)
		schedCfg.OnResult = func(extract.Result) { _ = bar.Add(1) }
	}

	sched, err := extract.New(apiClient, fileSink, schedCfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create scheduler")
		return exitUsage
	}

	// Step 5: Run
	report := sched.Run(ctx, reqs)
	if bar != nil {
		_ = bar.Finish()
	}

	printSummary(stdout, report)

	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn().Msg("Extraction interrupted")
	}
	if !report.OK() {
		return exitFailed
	}
	return exitOK
}

// connectRedis returns a client for the response cache, or nil when the
// cache is disabled or unreachable.
func connectRedis(ctx context.Context, cfg config.Config, logger zerolog.Logger) *redis.Client {
	opts, err := cfg.RedisOptions()
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid REDIS_URL - response cache disabled")
		return nil
	}
	if opts == nil {
		return nil
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", opts.Addr).Msg("Redis unreachable - response cache disabled")
		rdb.Close()
		return nil
	}

	logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis response cache")
	return rdb
}

func newProgressBar(total int, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Fetching years"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWriter(w),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// printSummary writes the outcome counts and the failure list.
func printSummary(w io.Writer, report *extract.Report) {
	summary := report.Summary()

	fmt.Fprintln(w)
	_, _ = bold.Fprintf(w, "Extraction finished in %s\n", report.Duration.Round(time.Millisecond))

	table := tablewriter.NewWriter(w)
	table.Header("Outcome", "Requests")
	_ = table.Append("succeeded", strconv.Itoa(summary.Succeeded))
	_ = table.Append("skipped", strconv.Itoa(summary.Skipped))
	kinds := make([]string, 0, len(summary.ByKind))
	for kind := range summary.ByKind {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		_ = table.Append("failed ("+kind+")", strconv.Itoa(summary.ByKind[client.ErrorKind(kind)]))
	}
	_ = table.Append("network calls", strconv.Itoa(summary.Calls))
	_ = table.Render()

	if summary.Failed == 0 {
		_, _ = green.Fprintf(w, "All %d requests completed (%d skipped, %d from cache)\n",
			summary.Total, summary.Skipped, summary.Cached)
		return
	}

	_, _ = red.Fprintf(w, "%d of %d requests failed\n", summary.Failed, summary.Total)

	failures := tablewriter.NewWriter(w)
	failures.Header("ID", "Kind", "Class", "Status", "Attempts", "Error")
	for _, res := range summary.Failures {
		fe := res.Err
		status := "-"
		if fe.StatusCode != 0 {
			status = strconv.Itoa(fe.StatusCode)
		}
		msg := ""
		if fe.Err != nil {
			msg = truncate(fe.Err.Error(), maxErrorWidth)
		}
		_ = failures.Append(fe.ID, string(fe.Kind), string(fe.Class), status, strconv.Itoa(fe.Attempts), msg)
	}
	_ = failures.Render()

	if summary.ByKind[client.KindExhausted] > 0 || summary.ByKind[client.KindCancelled] > 0 {
		_, _ = yellow.Fprintln(w, "Transient failures can be retried by running the command again.")
	}
}

// truncate shortens s to at most n runes, ending in "..." when cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
