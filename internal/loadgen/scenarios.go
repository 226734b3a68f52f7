package loadgen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
)

const (
	ScenarioNonStream = "chat_completion_non_stream"
	ScenarioStream    = "chat_completion_stream"
	ScenarioModels    = "models_endpoint"
	ScenarioHealth    = "health_check"
	ScenarioHighTTFT  = "timing_test_high_ttft"
)

type scenario struct {
	name   string
	weight int
	run    func(ctx context.Context, r *Runner, rng *rand.Rand) Result
}

var scenarios = []scenario{
	{name: ScenarioNonStream, weight: 3, run: runNonStream},
	{name: ScenarioStream, weight: 2, run: runStream},
	{name: ScenarioModels, weight: 1, run: runModels},
	{name: ScenarioHealth, weight: 1, run: runHealth},
	{name: ScenarioHighTTFT, weight: 1, run: runHighTTFT},
}

var sampleModels = []string{
	openai.GPT3Dot5Turbo,
	openai.GPT4,
	openai.GPT3Dot5Turbo16K,
}

var sampleConversations = [][]openai.ChatCompletionMessage{
	{{Role: openai.ChatMessageRoleUser, Content: "Hello, how are you?"}},
	{{Role: openai.ChatMessageRoleUser, Content: "Can you explain quantum computing?"}},
	{{Role: openai.ChatMessageRoleUser, Content: "Write a short story about a robot."}},
	{
		{Role: openai.ChatMessageRoleSystem, Content: "You are a helpful assistant."},
		{Role: openai.ChatMessageRoleUser, Content: "What is the meaning of life?"},
	},
}

// pacing is the set of headers sent with one chat request.
type pacing struct {
	ttftMS, itlMS, length int
}

func (p pacing) header() http.Header {
	h := http.Header{}
	h.Set("X-TTFT-MS", strconv.Itoa(p.ttftMS))
	h.Set("X-ITL-MS", strconv.Itoa(p.itlMS))
	h.Set("X-OUTPUT-LENGTH", strconv.Itoa(p.length))
	return h
}

// between returns a uniform int in [lo, hi].
func between(rng *rand.Rand, lo, hi int) int {
	return lo + rng.IntN(hi-lo+1)
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.IntN(len(items))]
}

func chatRequest(rng *rand.Rand, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     pick(rng, sampleModels),
		Messages:  pick(rng, sampleConversations),
		Stream:    stream,
		MaxTokens: between(rng, 10, 100),
	}
}

func runNonStream(ctx context.Context, r *Runner, rng *rand.Rand) Result {
	p := pacing{ttftMS: between(rng, 50, 200), itlMS: between(rng, 20, 100), length: between(rng, 10, 50)}
	return r.complete(ctx, ScenarioNonStream, chatRequest(rng, false), p)
}

func runHighTTFT(ctx context.Context, r *Runner, _ *rand.Rand) Result {
	req := openai.ChatCompletionRequest{
		Model:    openai.GPT3Dot5Turbo,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "Test message"}},
	}
	return r.complete(ctx, ScenarioHighTTFT, req, pacing{ttftMS: 500, itlMS: 25, length: 15})
}

func (r *Runner) complete(ctx context.Context, name string, req openai.ChatCompletionRequest, p pacing) Result {
	start := time.Now()
	resp, err := r.client.CreateChatCompletion(withHeaders(ctx, p.header()), req)
	res := Result{Scenario: name, Latency: time.Since(start)}
	switch {
	case err != nil:
		res.Err = err
	case len(resp.Choices) == 0:
		res.Err = errors.New("response has no choices")
	default:
		res.TTFT = res.Latency
	}
	return res
}

func runStream(ctx context.Context, r *Runner, rng *rand.Rand) (res Result) {
	p := pacing{ttftMS: between(rng, 100, 300), itlMS: between(rng, 30, 80), length: between(rng, 15, 40)}
	req := chatRequest(rng, true)

	res.Scenario = ScenarioStream
	start := time.Now()
	defer func() { res.Latency = time.Since(start) }()

	stream, err := r.client.CreateChatCompletionStream(withHeaders(ctx, p.header()), req)
	if err != nil {
		res.Err = err
		return res
	}
	defer stream.Close()

	var (
		chunks int
		last   time.Time
	)
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Err = fmt.Errorf("after %d chunks: %w", chunks, err)
			return res
		}

		now := time.Now()
		if chunks == 0 {
			res.TTFT = now.Sub(start)
		} else {
			res.Gaps = append(res.Gaps, now.Sub(last))
		}
		last = now
		chunks++
	}

	if chunks == 0 {
		res.Err = errors.New("no streaming chunks received")
	}
	res.Chunks = chunks
	return res
}

func runModels(ctx context.Context, r *Runner, _ *rand.Rand) Result {
	start := time.Now()
	list, err := r.client.ListModels(ctx)
	res := Result{Scenario: ScenarioModels, Latency: time.Since(start), Err: err}
	if err == nil && len(list.Models) == 0 {
		res.Err = errors.New("model listing is empty")
	}
	return res
}

func runHealth(ctx context.Context, r *Runner, _ *rand.Rand) Result {
	start := time.Now()
	res := Result{Scenario: ScenarioHealth}
	res.Err = r.checkHealth(ctx)
	res.Latency = time.Since(start)
	return res
}

func (r *Runner) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if body.Status != "healthy" {
		return fmt.Errorf("unhealthy status %q", body.Status)
	}
	return nil
}
