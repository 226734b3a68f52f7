// Package loadgen drives a mixed chat workload against an emulator
// instance through the official OpenAI wire protocol.
package loadgen

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"

	"openai-emulator/internal/timing"
)

// Config controls a load run.
type Config struct {
	// BaseURL is the emulator root, e.g. http://127.0.0.1:3000.
	BaseURL  string
	Workers  int
	Duration time.Duration
	// Requests caps the total number of requests. Zero means no cap.
	Requests int
	ThinkMin time.Duration
	ThinkMax time.Duration
	Seed     uint64
}

// Result records one scenario execution.
type Result struct {
	Scenario string
	Latency  time.Duration
	TTFT     time.Duration
	Gaps     []time.Duration
	Chunks   int
	Err      error
}

type Runner struct {
	cfg        Config
	baseURL    string
	client     *openai.Client
	httpClient *http.Client
}

type headerKey struct{}

// withHeaders attaches extra request headers for headerTransport.
func withHeaders(ctx context.Context, h http.Header) context.Context {
	return context.WithValue(ctx, headerKey{}, h)
}

// headerTransport copies headers stored on the request context onto the
// outgoing request.
type headerTransport struct {
	base http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	h, ok := req.Context().Value(headerKey{}).(http.Header)
	if !ok || len(h) == 0 {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range h {
		req.Header[k] = v
	}
	return t.base.RoundTrip(req)
}

// New validates cfg and builds a Runner.
func New(cfg Config) (*Runner, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("workers must be positive")
	}
	if cfg.Duration <= 0 && cfg.Requests <= 0 {
		return nil, errors.New("either a duration or a request count is required")
	}
	if cfg.ThinkMax < cfg.ThinkMin {
		return nil, errors.New("think-max must not be below think-min")
	}

	httpClient := &http.Client{Transport: headerTransport{base: http.DefaultTransport}}

	oc := openai.DefaultConfig("emulator")
	oc.BaseURL = base + "/v1"
	oc.HTTPClient = httpClient

	return &Runner{
		cfg:        cfg,
		baseURL:    base,
		client:     openai.NewClientWithConfig(oc),
		httpClient: httpClient,
	}, nil
}

// Run executes the workload until the duration elapses, the request cap is
// reached or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) *Report {
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	report := newReport()
	var (
		wg     sync.WaitGroup
		issued atomic.Int64
	)

	totalWeight := lo.SumBy(scenarios, func(s scenario) int { return s.weight })
	start := time.Now()

	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(r.cfg.Seed, uint64(worker)))

			for ctx.Err() == nil {
				if r.cfg.Requests > 0 && issued.Add(1) > int64(r.cfg.Requests) {
					return
				}

				sc := chooseScenario(rng, totalWeight)
				res := sc.run(ctx, r, rng)
				if ctx.Err() != nil {
					// Interrupted by the end of the run, not a server failure.
					return
				}
				if res.Err != nil {
					slog.Debug("request failed", "scenario", res.Scenario, "error", res.Err)
				}
				report.add(res)

				if err := timing.Pause(ctx, r.think(rng)); err != nil {
					return
				}
			}
		}(w)
	}

	wg.Wait()
	report.Elapsed = time.Since(start)
	return report
}

func (r *Runner) think(rng *rand.Rand) time.Duration {
	span := r.cfg.ThinkMax - r.cfg.ThinkMin
	if span <= 0 {
		return r.cfg.ThinkMin
	}
	return r.cfg.ThinkMin + time.Duration(rng.Int64N(int64(span)+1))
}

func chooseScenario(rng *rand.Rand, totalWeight int) scenario {
	n := rng.IntN(totalWeight)
	for _, s := range scenarios {
		if n < s.weight {
			return s
		}
		n -= s.weight
	}
	return scenarios[len(scenarios)-1]
}
