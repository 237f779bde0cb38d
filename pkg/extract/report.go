package extract

import (
	"time"

	"github.com/kelasih/aws-etl-global-footprint-network/pkg/client"
)

// Result is the terminal outcome of one scheduled request.
type Result struct {
	client.FetchResult

	// Path is where the payload was written (empty unless it was).
	Path string

	// Skipped is true when the sink already held the identifier.
	Skipped bool
}

// Outcome returns "succeeded", "skipped" or the failure kind.
func (r Result) Outcome() string {
	switch {
	case r.Err != nil:
		return string(r.Err.Kind)
	case r.Skipped:
		return "skipped"
	default:
		return "succeeded"
	}
}

// Report collects the results of one Run, in input order.
type Report struct {
	Results  []Result
	Duration time.Duration
	Peak     int
}

// Summary aggregates a report.
type Summary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Cached    int
	Calls     int
	ByKind    map[client.ErrorKind]int
	Failures  []Result
}

// Summary counts the report's results.
func (r *Report) Summary() Summary {
	s := Summary{
		Total:  len(r.Results),
		ByKind: make(map[client.ErrorKind]int),
	}

	for _, res := range r.Results {
		s.Calls += res.Calls()
		switch {
		case res.Err != nil:
			s.Failed++
			s.ByKind[res.Err.Kind]++
			s.Failures = append(s.Failures, res)
		case res.Skipped:
			s.Skipped++
		default:
			s.Succeeded++
			if res.Cached {
				s.Cached++
			}
		}
	}
	return s
}

// OK reports whether no request failed.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return false
		}
	}
	return true
}
