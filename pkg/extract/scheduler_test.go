package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kelasih/aws-etl-global-footprint-network/internal/testutil"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/client"
	"github.com/kelasih/aws-etl-global-footprint-network/pkg/sink"
	"github.com/rs/zerolog"
)

// fakeFetcher records calls and concurrency and delegates to fn.
type fakeFetcher struct {
	mu          sync.Mutex
	calls       map[string]int
	inFlight    int
	maxInFlight int
	fn          func(ctx context.Context, req client.FetchRequest) client.FetchResult
}

func newFakeFetcher(fn func(ctx context.Context, req client.FetchRequest) client.FetchResult) *fakeFetcher {
	if fn == nil {
		fn = okResult
	}
	return &fakeFetcher{calls: make(map[string]int), fn: fn}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req client.FetchRequest) client.FetchResult {
	f.mu.Lock()
	f.calls[req.ID]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	return f.fn(ctx, req)
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func okResult(_ context.Context, req client.FetchRequest) client.FetchResult {
	return client.FetchResult{
		ID:         req.ID,
		StatusCode: http.StatusOK,
		Body:       []byte(`{"id":"` + req.ID + `"}`),
		Attempts:   []client.Attempt{{Number: 1, Outcome: client.OutcomeSuccess, StatusCode: http.StatusOK}},
	}
}

// memSink stores payloads in memory.
type memSink struct {
	mu      sync.Mutex
	data    map[string][]byte
	failIDs map[string]bool
}

func newMemSink() *memSink {
	return &memSink{data: make(map[string][]byte), failIDs: make(map[string]bool)}
}

func (s *memSink) Write(_ context.Context, id string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs[id] {
		return "", errors.New("disk full")
	}
	s.data[id] = payload
	return "mem://" + id, nil
}

func (s *memSink) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[id]
	return ok
}

func (s *memSink) Path(id string) string { return "mem://" + id }

// writeOnlySink cannot report existing payloads.
type writeOnlySink struct{}

func (writeOnlySink) Write(context.Context, string, []byte) (string, error) { return "", nil }

func requests(n int) []client.FetchRequest {
	reqs := make([]client.FetchRequest, n)
	for i := range reqs {
		year := 2000 + i
		reqs[i] = client.NewFetchRequest(fmt.Sprintf("data_all_%d", year), fmt.Sprintf("/data/all/%d", year), nil)
	}
	return reqs
}

func newTestScheduler(t *testing.T, f Fetcher, s Sink, cfg Config) *Scheduler {
	t.Helper()
	sched, err := New(f, s, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return sched
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		fetcher Fetcher
		sink    Sink
		config  Config
		wantErr bool
	}{
		{"valid", newFakeFetcher(nil), newMemSink(), DefaultConfig(), false},
		{"nil fetcher", nil, newMemSink(), DefaultConfig(), true},
		{"nil sink", newFakeFetcher(nil), nil, DefaultConfig(), true},
		{"zero concurrency", newFakeFetcher(nil), newMemSink(), Config{MaxConcurrency: 0}, true},
		{"skip without existence check", newFakeFetcher(nil), writeOnlySink{}, Config{MaxConcurrency: 1, SkipExisting: true}, true},
		{"write-only sink without skip", newFakeFetcher(nil), writeOnlySink{}, Config{MaxConcurrency: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.fetcher, tt.sink, tt.config, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRun_EmptyInput(t *testing.T) {
	f := newFakeFetcher(nil)
	sched := newTestScheduler(t, f, newMemSink(), DefaultConfig())

	report := sched.Run(context.Background(), nil)

	if len(report.Results) != 0 {
		t.Errorf("Results = %d, want 0", len(report.Results))
	}
	if !report.OK() {
		t.Errorf("empty report should be OK")
	}
	if f.totalCalls() != 0 {
		t.Errorf("fetcher called %d times", f.totalCalls())
	}
}

func TestRun_FiveRequestsBudgetTwo(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	reqs := requests(5)
	for i, req := range reqs {
		mock.SetResponses(req.Path, testutil.MockResponse{
			StatusCode: http.StatusOK,
			Body:       testutil.FootprintRecordsJSON(2000 + i),
			Delay:      50 * time.Millisecond,
		})
	}

	cfg := client.DefaultConfig(mock.URL(), "test-key")
	cfg.Retry.MaxAttempts = 1
	apiClient, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	fileSink, err := sink.NewFileSink(sink.Config{Dir: t.TempDir(), Pretty: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}

	sched := newTestScheduler(t, apiClient, fileSink, Config{MaxConcurrency: 2})
	report := sched.Run(context.Background(), reqs)

	summary := report.Summary()
	if summary.Succeeded != 5 || summary.Failed != 0 {
		t.Errorf("Summary = %+v, want 5 succeeded, 0 failed", summary)
	}
	if got := mock.MaxInFlight(); got != 2 {
		t.Errorf("server saw %d concurrent requests, want exactly 2", got)
	}
	if report.Peak != 2 {
		t.Errorf("Peak = %d, want 2", report.Peak)
	}

	for i, res := range report.Results {
		if res.ID != reqs[i].ID {
			t.Errorf("Results[%d].ID = %s, want %s", i, res.ID, reqs[i].ID)
		}
		if want := filepath.Join(fileSink.Dir(), reqs[i].ID+".json"); res.Path != want {
			t.Errorf("Results[%d].Path = %s, want %s", i, res.Path, want)
		}
		if !fileSink.Exists(reqs[i].ID) {
			t.Errorf("output file for %s missing", reqs[i].ID)
		}
	}
}

func TestRun_NextRequestWaitsForPermit(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{})

	f := newFakeFetcher(func(ctx context.Context, req client.FetchRequest) client.FetchResult {
		started <- req.ID
		<-release
		return okResult(ctx, req)
	})
	sched := newTestScheduler(t, f, newMemSink(), Config{MaxConcurrency: 2})

	done := make(chan *Report)
	go func() { done <- sched.Run(context.Background(), requests(3)) }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("first two requests did not start")
		}
	}

	select {
	case id := <-started:
		t.Fatalf("%s started while the budget was exhausted", id)
	case <-time.After(50 * time.Millisecond):
	}

	release <- struct{}{}

	select {
	case id := <-started:
		if id != "data_all_2002" {
			t.Errorf("third request = %s, want data_all_2002", id)
		}
	case <-time.After(time.Second):
		t.Fatal("third request did not start after a permit was released")
	}

	close(release)
	report := <-done
	if !report.OK() {
		t.Errorf("report has failures: %+v", report.Summary())
	}
}

func TestRun_ConcurrentRunsShareBudget(t *testing.T) {
	fetcher := newFakeFetcher(func(ctx context.Context, req client.FetchRequest) client.FetchResult {
		time.Sleep(20 * time.Millisecond)
		return okResult(ctx, req)
	})
	sched := newTestScheduler(t, fetcher, newMemSink(), Config{MaxConcurrency: 1})

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = sched.Run(context.Background(), requests(3))
		}(i)
	}
	wg.Wait()

	if fetcher.maxInFlight != 1 {
		t.Errorf("max in-flight across runs = %d, want 1", fetcher.maxInFlight)
	}
	if got := sched.Budget().Peak(); got != 1 {
		t.Errorf("Budget().Peak() = %d, want 1", got)
	}
	if got := sched.Budget().InUse(); got != 0 {
		t.Errorf("Budget().InUse() = %d after both runs, want 0", got)
	}
	for i, report := range reports {
		if !report.OK() {
			t.Errorf("run %d: report not OK: %+v", i, report.Summary())
		}
		if report.Peak != 1 {
			t.Errorf("run %d: Peak = %d, want 1", i, report.Peak)
		}
	}
	if got := fetcher.totalCalls(); got != 6 {
		t.Errorf("calls = %d, want 6", got)
	}
}

func TestRun_ResultsFollowInputOrder(t *testing.T) {
	// Later requests finish first.
	f := newFakeFetcher(func(ctx context.Context, req client.FetchRequest) client.FetchResult {
		var year int
		fmt.Sscanf(req.ID, "data_all_%d", &year)
		time.Sleep(time.Duration(2010-year) * 5 * time.Millisecond)
		return okResult(ctx, req)
	})
	sched := newTestScheduler(t, f, newMemSink(), Config{MaxConcurrency: 10})

	reqs := requests(10)
	report := sched.Run(context.Background(), reqs)

	for i, res := range report.Results {
		if res.ID != reqs[i].ID {
			t.Errorf("Results[%d].ID = %s, want %s", i, res.ID, reqs[i].ID)
		}
	}
}

func TestRun_FailuresDoNotAbortBatch(t *testing.T) {
	f := newFakeFetcher(func(ctx context.Context, req client.FetchRequest) client.FetchResult {
		switch req.ID {
		case "data_all_2001":
			return client.FetchResult{ID: req.ID, Err: &client.FetchError{ID: req.ID, Kind: client.KindPermanent, Class: client.ErrorClassClient, StatusCode: 404, Attempts: 1}}
		case "data_all_2003":
			return client.FetchResult{ID: req.ID, Err: &client.FetchError{ID: req.ID, Kind: client.KindExhausted, Class: client.ErrorClassServer, StatusCode: 503, Attempts: 5}}
		}
		return okResult(ctx, req)
	})
	s := newMemSink()
	sched := newTestScheduler(t, f, s, Config{MaxConcurrency: 1})

	report := sched.Run(context.Background(), requests(5))
	summary := report.Summary()

	if summary.Succeeded != 3 || summary.Failed != 2 {
		t.Errorf("Summary = %+v, want 3 succeeded, 2 failed", summary)
	}
	if summary.ByKind[client.KindPermanent] != 1 || summary.ByKind[client.KindExhausted] != 1 {
		t.Errorf("ByKind = %v", summary.ByKind)
	}
	if len(summary.Failures) != 2 || summary.Failures[0].ID != "data_all_2001" {
		t.Errorf("Failures = %+v", summary.Failures)
	}
	if s.Exists("data_all_2001") || s.Exists("data_all_2003") {
		t.Errorf("failed requests must not be persisted")
	}
	if report.OK() {
		t.Errorf("OK() = true with failures")
	}
}

func TestRun_SinkFailureReportedDistinctly(t *testing.T) {
	s := newMemSink()
	s.failIDs["data_all_2001"] = true
	sched := newTestScheduler(t, newFakeFetcher(nil), s, Config{MaxConcurrency: 2})

	report := sched.Run(context.Background(), requests(3))

	res := report.Results[1]
	if res.Err == nil || res.Err.Kind != client.KindSink {
		t.Fatalf("Results[1].Err = %v, want sink failure", res.Err)
	}
	if res.Err.Attempts != 1 || res.Err.StatusCode != http.StatusOK {
		t.Errorf("sink failure should keep fetch details, got %+v", res.Err)
	}
	if res.Outcome() != "sink" {
		t.Errorf("Outcome() = %q, want sink", res.Outcome())
	}
	if report.Summary().Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", report.Summary().Succeeded)
	}
}

func TestRun_SkipExisting(t *testing.T) {
	s := newMemSink()
	s.data["data_all_2000"] = []byte(`{}`)
	s.data["data_all_2002"] = []byte(`{}`)

	f := newFakeFetcher(nil)
	sched := newTestScheduler(t, f, s, Config{MaxConcurrency: 2, SkipExisting: true})

	report := sched.Run(context.Background(), requests(4))
	summary := report.Summary()

	if summary.Skipped != 2 || summary.Succeeded != 2 {
		t.Errorf("Summary = %+v, want 2 skipped, 2 succeeded", summary)
	}
	if f.calls["data_all_2000"] != 0 || f.calls["data_all_2002"] != 0 {
		t.Errorf("existing payloads were fetched: %v", f.calls)
	}
	if !report.Results[0].Skipped || report.Results[0].Path != "mem://data_all_2000" {
		t.Errorf("Results[0] = %+v, want skipped with path", report.Results[0])
	}
	if report.Results[0].Outcome() != "skipped" {
		t.Errorf("Outcome() = %q, want skipped", report.Results[0].Outcome())
	}
}

func TestRun_ForceRefetch(t *testing.T) {
	s := newMemSink()
	s.data["data_all_2000"] = []byte(`{"old":true}`)

	f := newFakeFetcher(nil)
	sched := newTestScheduler(t, f, s, Config{MaxConcurrency: 1, SkipExisting: false})

	sched.Run(context.Background(), requests(1))

	if f.calls["data_all_2000"] != 1 {
		t.Errorf("calls = %d, want 1", f.calls["data_all_2000"])
	}
	if string(s.data["data_all_2000"]) != `{"id":"data_all_2000"}` {
		t.Errorf("payload was not overwritten: %s", s.data["data_all_2000"])
	}
}

func TestRun_CancelWhileWaitingForPermit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan struct{})
	f := newFakeFetcher(func(ctx context.Context, req client.FetchRequest) client.FetchResult {
		close(first)
		<-ctx.Done()
		return client.FetchResult{ID: req.ID, Err: &client.FetchError{ID: req.ID, Kind: client.KindCancelled, Err: client.ErrContextCancelled}}
	})
	sched := newTestScheduler(t, f, newMemSink(), Config{MaxConcurrency: 1})

	go func() {
		<-first
		cancel()
	}()

	report := sched.Run(ctx, requests(4))

	if f.totalCalls() != 1 {
		t.Errorf("fetcher called %d times, want 1", f.totalCalls())
	}
	for i, res := range report.Results {
		if res.Err == nil || res.Err.Kind != client.KindCancelled {
			t.Errorf("Results[%d].Err = %v, want cancelled", i, res.Err)
			continue
		}
		if !errors.Is(res.Err, client.ErrContextCancelled) {
			t.Errorf("Results[%d] should match ErrContextCancelled", i)
		}
	}
	if got := report.Summary().ByKind[client.KindCancelled]; got != 4 {
		t.Errorf("cancelled = %d, want 4", got)
	}
}

func TestRun_PermitReleasedBeforeSinkWrite(t *testing.T) {
	writing := make(chan struct{})
	unblock := make(chan struct{})
	s := &blockingSink{memSink: newMemSink(), first: writing, unblock: unblock}

	f := newFakeFetcher(nil)
	sched := newTestScheduler(t, f, s, Config{MaxConcurrency: 1})

	done := make(chan *Report)
	go func() { done <- sched.Run(context.Background(), requests(2)) }()

	<-writing
	// The first payload is still being written; the second fetch must not wait for it.
	deadline := time.After(time.Second)
	for f.totalCalls() < 2 {
		select {
		case <-deadline:
			t.Fatal("second request did not start while the first was being persisted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(unblock)

	if report := <-done; !report.OK() {
		t.Errorf("report has failures: %+v", report.Summary())
	}
}

// blockingSink blocks the first write until unblock is closed.
type blockingSink struct {
	*memSink
	once    sync.Once
	first   chan struct{}
	unblock chan struct{}
}

func (s *blockingSink) Write(ctx context.Context, id string, payload []byte) (string, error) {
	blocked := false
	s.once.Do(func() { blocked = true })
	if blocked {
		close(s.first)
		<-s.unblock
	}
	return s.memSink.Write(ctx, id, payload)
}

func TestRun_OnResultCalledOncePerRequest(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	s := newMemSink()
	s.data["data_all_2000"] = []byte(`{}`)
	cfg := Config{
		MaxConcurrency: 3,
		SkipExisting:   true,
		OnResult: func(r Result) {
			mu.Lock()
			seen[r.ID]++
			mu.Unlock()
		},
	}
	sched := newTestScheduler(t, newFakeFetcher(nil), s, cfg)

	sched.Run(context.Background(), requests(6))

	if len(seen) != 6 {
		t.Errorf("OnResult saw %d ids, want 6", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("OnResult called %d times for %s", n, id)
		}
	}
}

func TestRun_ServerScenarios(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	mock.SetResponses("/data/all/2000",
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewOKResponse(testutil.FootprintRecordsJSON(2000)),
	)
	mock.SetResponses("/data/all/2001", testutil.NewNotFoundResponse())

	cfg := client.DefaultConfig(mock.URL(), "test-key")
	cfg.Retry = client.RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	apiClient, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	s := newMemSink()
	sched := newTestScheduler(t, apiClient, s, Config{MaxConcurrency: 2})
	report := sched.Run(context.Background(), requests(2))

	retried := report.Results[0]
	if !retried.OK() || retried.Calls() != 4 {
		t.Errorf("retried request: ok = %v, calls = %d, want success after 4 calls", retried.OK(), retried.Calls())
	}
	backoffs := 0
	for _, a := range retried.Attempts {
		if a.Backoff > 0 {
			backoffs++
		}
	}
	if backoffs != 3 {
		t.Errorf("recorded backoffs = %d, want 3", backoffs)
	}

	missing := report.Results[1]
	if missing.Err == nil || missing.Err.Kind != client.KindPermanent || missing.Calls() != 1 {
		t.Errorf("404 request: err = %v, calls = %d, want permanent after 1 call", missing.Err, missing.Calls())
	}
	if mock.PathCount("/data/all/2001") != 1 {
		t.Errorf("404 path called %d times, want 1", mock.PathCount("/data/all/2001"))
	}
	if !s.Exists("data_all_2000") || s.Exists("data_all_2001") {
		t.Errorf("only the successful request should be persisted")
	}
}
