package extract

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kelasih/aws-etl-global-footprint-network/pkg/client"
	"github.com/rs/zerolog"
)

// progressEvery controls how often batch progress is logged.
const progressEvery = 10

// Fetcher executes a single request with its own retry policy.
// *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req client.FetchRequest) client.FetchResult
}

// Sink persists a payload under an identifier and returns where it went.
type Sink interface {
	Write(ctx context.Context, id string, payload []byte) (string, error)
}

// existenceChecker is implemented by sinks that can report stored payloads.
type existenceChecker interface {
	Exists(id string) bool
	Path(id string) string
}

// Config holds scheduler configuration.
type Config struct {
	// MaxConcurrency is the number of requests allowed in flight.
	MaxConcurrency int

	// SkipExisting reports requests whose payload the sink already holds as
	// skipped instead of fetching them again.
	SkipExisting bool

	// OnResult, if set, is called once per terminal result. Calls happen
	// concurrently.
	OnResult func(Result)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 2,
		SkipExisting:   true,
	}
}

// Scheduler runs batches of requests.
type Scheduler struct {
	fetcher Fetcher
	sink    Sink
	config  Config
	budget  *Budget
	logger  zerolog.Logger
}

// New creates a scheduler.
func New(fetcher Fetcher, sink Sink, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	budget, err := NewBudget(cfg.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	if cfg.SkipExisting {
		if _, ok := sink.(existenceChecker); !ok {
			return nil, fmt.Errorf("sink %T cannot report existing payloads", sink)
		}
	}

	return &Scheduler{
		fetcher: fetcher,
		sink:    sink,
		config:  cfg,
		budget:  budget,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Budget returns the concurrency budget shared by every Run.
func (s *Scheduler) Budget() *Budget {
	return s.budget
}

// Run executes reqs and waits for all of them. At most MaxConcurrency
// requests are in flight across all concurrent Run calls. It never fails as a whole: each request ends as exactly one
// Result, and Report.Results[i] belongs to reqs[i].
//
// If ctx is cancelled while a request waits for a permit, that request and
// every request after it are reported as cancelled without a network call.
func (s *Scheduler) Run(ctx context.Context, reqs []client.FetchRequest) *Report {
	start := time.Now()
	report := &Report{Results: make([]Result, len(reqs))}
	if len(reqs) == 0 {
		return report
	}

	var inFlight highWater

	s.logger.Info().
		Int("requests", len(reqs)).
		Int("max_concurrency", s.budget.Size()).
		Msg("Starting extraction")

	p := &progress{total: len(reqs), logger: s.logger}
	finish := func(i int, res Result) {
		report.Results[i] = res
		schedulerResultsTotal.WithLabelValues(res.Outcome()).Inc()
		p.done()
		if s.config.OnResult != nil {
			s.config.OnResult(res)
		}
	}

	var wg sync.WaitGroup
	for i, req := range reqs {
		// Step 1: Skip payloads already on disk
		if s.config.SkipExisting {
			if checker := s.sink.(existenceChecker); checker.Exists(req.ID) {
				s.logger.Info().Str("id", req.ID).Msg("Output already exists - skipping")
				finish(i, Result{
					FetchResult: client.FetchResult{ID: req.ID},
					Path:        checker.Path(req.ID),
					Skipped:     true,
				})
				continue
			}
		}

		// Step 2: Wait for a permit
		waitStart := time.Now()
		if err := s.budget.Acquire(ctx); err != nil {
			s.logger.Warn().
				Err(err).
				Int("cancelled", len(reqs)-i).
				Msg("Extraction cancelled - remaining requests not started")
			for j := i; j < len(reqs); j++ {
				finish(j, cancelledResult(reqs[j].ID, err))
			}
			break
		}
		schedulerPermitWait.Observe(time.Since(waitStart).Seconds())

		// Step 3: Fetch and persist concurrently
		wg.Add(1)
		go func(i int, req client.FetchRequest) {
			defer wg.Done()
			finish(i, s.process(ctx, &inFlight, req))
		}(i, req)
	}

	wg.Wait()
	report.Duration = time.Since(start)
	report.Peak = inFlight.highest()

	summary := report.Summary()
	s.logger.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("calls", summary.Calls).
		Int("peak_inflight", report.Peak).
		Dur("duration", report.Duration).
		Msg("Extraction complete")

	return report
}

// process runs one request that already holds a permit.
func (s *Scheduler) process(ctx context.Context, inFlight *highWater, req client.FetchRequest) Result {
	res := Result{FetchResult: s.fetch(ctx, inFlight, req)}
	if !res.OK() {
		return res
	}

	// A payload that was paid for is kept even if the batch is being cancelled.
	path, err := s.sink.Write(context.WithoutCancel(ctx), req.ID, res.Body)
	if err != nil {
		s.logger.Error().Err(err).Str("id", req.ID).Msg("Failed to persist payload")
		res.Err = &client.FetchError{
			ID:         req.ID,
			Kind:       client.KindSink,
			StatusCode: res.StatusCode,
			Attempts:   res.Calls(),
			Err:        err,
		}
		return res
	}

	res.Path = path
	s.logger.Info().
		Str("id", req.ID).
		Str("path", path).
		Int("attempts", res.Calls()).
		Bool("cached", res.Cached).
		Msg("Payload saved")
	return res
}

// fetch holds the permit for exactly the retry sequence of req.
func (s *Scheduler) fetch(ctx context.Context, inFlight *highWater, req client.FetchRequest) client.FetchResult {
	schedulerInFlight.Inc()
	inFlight.inc()
	defer func() {
		inFlight.dec()
		schedulerInFlight.Dec()
		s.budget.Release()
	}()

	return s.fetcher.Fetch(ctx, req)
}

func cancelledResult(id string, err error) Result {
	return Result{FetchResult: client.FetchResult{
		ID: id,
		Err: &client.FetchError{
			ID:   id,
			Kind: client.KindCancelled,
			Err:  fmt.Errorf("%w: %v", client.ErrContextCancelled, err),
		},
	}}
}

// progress logs batch progress every progressEvery results.
type progress struct {
	mu       sync.Mutex
	total    int
	finished int
	logger   zerolog.Logger
}

func (p *progress) done() {
	p.mu.Lock()
	p.finished++
	finished := p.finished
	p.mu.Unlock()

	if finished%progressEvery == 0 && finished < p.total {
		p.logger.Info().
			Int("finished", finished).
			Int("total", p.total).
			Float64("progress_pct", float64(finished)/float64(p.total)*100).
			Msg("Extraction progress")
	}
}
