package loadgen

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"
)

// ScenarioStats aggregates the results of one scenario.
type ScenarioStats struct {
	Requests     int
	Failures     int
	TotalLatency time.Duration
	TotalTTFT    time.Duration
	TTFTSamples  int
	TotalGap     time.Duration
	GapSamples   int
	LastError    error
}

// MeanLatency is the mean wall time of successful requests.
func (s ScenarioStats) MeanLatency() time.Duration {
	return mean(s.TotalLatency, s.Requests-s.Failures)
}

// MeanTTFT is the mean time to the first response byte or chunk.
func (s ScenarioStats) MeanTTFT() time.Duration {
	return mean(s.TotalTTFT, s.TTFTSamples)
}

// MeanGap is the mean spacing between consecutive stream chunks.
func (s ScenarioStats) MeanGap() time.Duration {
	return mean(s.TotalGap, s.GapSamples)
}

func mean(total time.Duration, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Report is safe for concurrent add calls during a run.
type Report struct {
	mu        sync.Mutex
	Scenarios map[string]*ScenarioStats
	Elapsed   time.Duration
}

func newReport() *Report {
	return &Report{Scenarios: make(map[string]*ScenarioStats)}
}

func (r *Report) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.Scenarios[res.Scenario]
	if !ok {
		st = &ScenarioStats{}
		r.Scenarios[res.Scenario] = st
	}
	st.Requests++
	if res.Err != nil {
		st.Failures++
		st.LastError = res.Err
		return
	}
	st.TotalLatency += res.Latency
	if res.TTFT > 0 {
		st.TotalTTFT += res.TTFT
		st.TTFTSamples++
	}
	st.TotalGap += lo.Sum(res.Gaps)
	st.GapSamples += len(res.Gaps)
}

// Totals returns the request and failure counts across all scenarios.
func (r *Report) Totals() (requests, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.Scenarios {
		requests += st.Requests
		failures += st.Failures
	}
	return requests, failures
}

// Print writes a per-scenario summary table.
func (r *Report) Print(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := color.New(color.Bold)
	ok := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	names := lo.Keys(r.Scenarios)
	sort.Strings(names)

	header.Fprintf(w, "%-28s %8s %8s %12s %12s %12s\n", "scenario", "requests", "failures", "mean", "mean ttft", "mean gap")
	for _, name := range names {
		st := r.Scenarios[name]
		line := fmt.Sprintf("%-28s %8d %8d %12s %12s %12s\n", name, st.Requests, st.Failures,
			st.MeanLatency().Round(time.Millisecond),
			st.MeanTTFT().Round(time.Millisecond),
			st.MeanGap().Round(time.Millisecond))
		if st.Failures > 0 {
			bad.Fprint(w, line)
			bad.Fprintf(w, "  last error: %v\n", st.LastError)
			continue
		}
		ok.Fprint(w, line)
	}

	var requests, failures int
	for _, st := range r.Scenarios {
		requests += st.Requests
		failures += st.Failures
	}
	fmt.Fprintf(w, "\n%d requests, %d failures in %s\n", requests, failures, r.Elapsed.Round(time.Millisecond))
}
