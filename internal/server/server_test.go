package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"

	"openai-emulator/internal/catalog"
	"openai-emulator/internal/config"
	"openai-emulator/internal/engine"
	"openai-emulator/internal/synth"
	"openai-emulator/internal/tokenizer"
	"openai-emulator/internal/translator"
)

const helloBody = `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Timing.FirstTokenMS = 0
	cfg.Timing.InterTokenMS = 0
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *tokenizer.Tokenizer) {
	t.Helper()
	tok := tokenizer.New(tokenizer.DefaultEncoding)
	eng := engine.New(synth.New(tok, synth.Seeded(7)))
	srv, err := New(cfg, eng, catalog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, tok
}

func postChat(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body translator.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Detail
}

func TestChatCompletionReportsExactUsage(t *testing.T) {
	srv, tok := newTestServer(t, testConfig())

	rec := postChat(t, srv.Handler(), helloBody, map[string]string{"X-OUTPUT-LENGTH": "5"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp translator.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Object != "chat.completion" || resp.Model != "gpt-4" || !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Message.Role != "assistant" || choice.FinishReason != "stop" {
		t.Fatalf("unexpected choice: %+v", choice)
	}
	if resp.Usage.CompletionTokens != 5 || tok.Count(choice.Message.Content) != 5 {
		t.Fatalf("completion tokens = %d, content count = %d, want 5",
			resp.Usage.CompletionTokens, tok.Count(choice.Message.Content))
	}
	// "user: Hi" is 8 characters.
	if resp.Usage.PromptTokens != 2 || resp.Usage.TotalTokens != 7 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletionStreamFraming(t *testing.T) {
	srv, tok := newTestServer(t, testConfig())

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"Hi"}]}`
	rec := postChat(t, srv.Handler(), body, map[string]string{"X-OUTPUT-LENGTH": "5"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" || rec.Header().Get("Connection") != "keep-alive" {
		t.Fatalf("missing stream headers: %v", rec.Header())
	}

	raw := rec.Body.String()
	if !strings.HasSuffix(raw, translator.DoneFrame) {
		t.Fatalf("stream does not end with sentinel: %q", raw)
	}
	frames := strings.Split(strings.TrimSuffix(raw, "\n\n"), "\n\n")
	// role, five deltas, final, sentinel
	if len(frames) != 8 {
		t.Fatalf("frames = %d, want 8: %q", len(frames), raw)
	}

	var (
		content strings.Builder
		ids     = map[string]bool{}
	)
	for i, frame := range frames[:len(frames)-1] {
		var chunk translator.ChatCompletionChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &chunk); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		ids[chunk.ID] = true
		delta := chunk.Choices[0].Delta
		switch {
		case i == 0:
			if delta.Role != "assistant" || chunk.Choices[0].FinishReason != nil {
				t.Fatalf("first frame is not the role frame: %s", frame)
			}
		case i == len(frames)-2:
			if fr := chunk.Choices[0].FinishReason; fr == nil || *fr != "stop" || delta.Content != nil {
				t.Fatalf("last frame is not the final frame: %s", frame)
			}
		default:
			if delta.Content == nil || *delta.Content == "" {
				t.Fatalf("delta frame %d has no content: %s", i, frame)
			}
			content.WriteString(*delta.Content)
		}
	}
	if len(ids) != 1 {
		t.Fatalf("chunks carry %d ids, want 1", len(ids))
	}
	if got := tok.Count(content.String()); got != 5 {
		t.Fatalf("streamed content has %d tokens, want 5", got)
	}
}

func TestChatCompletionRejectsBadInput(t *testing.T) {
	strict := testConfig()
	strict.Server.StrictModels = true
	strict.Server.MaxBodyBytes = 256

	cases := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
		detail  string
	}{
		{name: "negative length", body: helloBody, headers: map[string]string{"X-OUTPUT-LENGTH": "-1"}, status: http.StatusBadRequest, detail: "X-OUTPUT-LENGTH"},
		{name: "non numeric ttft", body: helloBody, headers: map[string]string{"X-TTFT-MS": "soon"}, status: http.StatusBadRequest, detail: "X-TTFT-MS"},
		{name: "negative itl", body: helloBody, headers: map[string]string{"X-ITL-MS": "-5"}, status: http.StatusBadRequest, detail: "X-ITL-MS"},
		{name: "malformed json", body: `{"model":`, status: http.StatusBadRequest, detail: "invalid JSON"},
		{name: "empty body", body: "", status: http.StatusBadRequest, detail: "required"},
		{name: "missing messages", body: `{"model":"gpt-4","messages":[]}`, status: http.StatusBadRequest, detail: "message"},
		{name: "bad role", body: `{"model":"gpt-4","messages":[{"role":"robot","content":"x"}]}`, status: http.StatusBadRequest, detail: "role"},
		{name: "trailing data", body: helloBody + helloBody, status: http.StatusBadRequest, detail: "invalid JSON"},
		{name: "unknown model", body: `{"model":"nope","messages":[{"role":"user","content":"x"}]}`, status: http.StatusBadRequest, detail: "unknown model"},
		{name: "oversized", body: `{"model":"gpt-4","messages":[{"role":"user","content":"` + strings.Repeat("a", 512) + `"}]}`, status: http.StatusRequestEntityTooLarge, detail: "exceeds"},
	}

	srv, _ := newTestServer(t, strict)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postChat(t, srv.Handler(), tc.body, tc.headers)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.status, rec.Body.String())
			}
			if detail := decodeDetail(t, rec); !strings.Contains(detail, tc.detail) {
				t.Fatalf("detail %q does not mention %q", detail, tc.detail)
			}
		})
	}
}

func TestUnknownModelAllowedByDefault(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	rec := postChat(t, srv.Handler(), `{"model":"my-local-model","messages":[{"role":"user","content":"x"}]}`,
		map[string]string{"X-OUTPUT-LENGTH": "3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRoutingErrorsUseDetailBody(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/v1/unknown", http.StatusNotFound},
		{http.MethodGet, "/v1/chat/completions", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.status {
			t.Fatalf("%s %s: status = %d, want %d", tc.method, tc.path, rec.Code, tc.status)
		}
		if decodeDetail(t, rec) == "" {
			t.Fatalf("%s %s: empty detail", tc.method, tc.path)
		}
	}
}

func TestModelsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	fixed := time.Unix(1700000000, 0)
	srv.now = func() time.Time { return fixed }

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("models status = %d", rec.Code)
	}
	var list translator.ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if list.Object != "list" || len(list.Data) != len(catalog.DefaultModelIDs) {
		t.Fatalf("unexpected listing: %+v", list)
	}
	if list.Data[0].Object != "model" || list.Data[0].Created != fixed.Unix() || list.Data[0].OwnedBy != "openai" {
		t.Fatalf("unexpected model entry: %+v", list.Data[0])
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"healthy","timestamp":1700000000}` {
		t.Fatalf("health body = %s", got)
	}
}

func TestChatCompletionWaitsForFirstToken(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	start := time.Now()
	rec := postChat(t, srv.Handler(), helloBody, map[string]string{
		"X-TTFT-MS":       "60",
		"X-ITL-MS":        "1000",
		"X-OUTPUT-LENGTH": "10",
	})
	elapsed := time.Since(start)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if elapsed < 60*time.Millisecond {
		t.Fatalf("responded after %v, before the first-token delay", elapsed)
	}
	if elapsed > time.Second {
		t.Fatalf("non-streaming response paid inter-token delays: %v", elapsed)
	}
}

// headerTransport adds pacing headers to every outgoing request.
type headerTransport struct {
	headers http.Header
}

func (h headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header[k] = v
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newOpenAIClient(baseURL string, headers map[string]string) *openai.Client {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = baseURL + "/v1"
	cfg.HTTPClient = &http.Client{Transport: headerTransport{headers: h}}
	return openai.NewClientWithConfig(cfg)
}

var helloMessages = []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "Hi"}}

func TestOpenAIClientCompatibility(t *testing.T) {
	srv, tok := newTestServer(t, testConfig())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := newOpenAIClient(ts.URL, map[string]string{"X-OUTPUT-LENGTH": "12"})
	ctx := context.Background()

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    openai.GPT4,
		Messages: helloMessages,
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if resp.Usage.CompletionTokens != 12 || tok.Count(resp.Choices[0].Message.Content) != 12 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if resp.Choices[0].FinishReason != openai.FinishReasonStop {
		t.Fatalf("finish reason = %q", resp.Choices[0].FinishReason)
	}

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    openai.GPT4,
		Messages: helloMessages,
	})
	if err != nil {
		t.Fatalf("CreateChatCompletionStream: %v", err)
	}
	defer stream.Close()

	var (
		content strings.Builder
		deltas  int
		finish  openai.FinishReason
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if c := chunk.Choices[0].Delta.Content; c != "" {
			deltas++
			content.WriteString(c)
		}
		if chunk.Choices[0].FinishReason != "" {
			finish = chunk.Choices[0].FinishReason
		}
	}
	if deltas != 12 || tok.Count(content.String()) != 12 {
		t.Fatalf("deltas = %d, tokens = %d, want 12", deltas, tok.Count(content.String()))
	}
	if finish != openai.FinishReasonStop {
		t.Fatalf("finish reason = %q", finish)
	}
}

func TestOpenAIClientSeesValidationError(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := newOpenAIClient(ts.URL, map[string]string{"X-OUTPUT-LENGTH": "-1"})
	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    openai.GPT4,
		Messages: helloMessages,
	})
	var reqErr *openai.RequestError
	var apiErr *openai.APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.HTTPStatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d", apiErr.HTTPStatusCode)
		}
	case errors.As(err, &reqErr):
		if reqErr.HTTPStatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d", reqErr.HTTPStatusCode)
		}
	default:
		t.Fatalf("expected HTTP 400 error, got %v", err)
	}
}

func TestStreamStopsWhenClientDisconnects(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	done := make(chan struct{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Handler().ServeHTTP(w, r)
		done <- struct{}{}
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"Hi"}]}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/v1/chat/completions", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-ITL-MS", "10000")
	req.Header.Set("X-OUTPUT-LENGTH", "50")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	// Read the role frame and the first delta, then hang up.
	buf := make([]byte, 1)
	var seen strings.Builder
	for strings.Count(seen.String(), "\n\n") < 2 {
		if _, err := resp.Body.Read(buf); err != nil {
			t.Fatalf("read stream: %v", err)
		}
		seen.Write(buf)
	}
	cancel()
	resp.Body.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("handler still running after client disconnect")
	}
}

func TestConcurrentStreamsDoNotSerialise(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	const streams = 100
	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"Hi"}]}`

	var wg sync.WaitGroup
	errs := make(chan error, streams)
	start := time.Now()
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/completions", strings.NewReader(body))
			if err != nil {
				errs <- err
				return
			}
			req.Header.Set("X-ITL-MS", fmt.Sprintf("%d", 20+i%10))
			req.Header.Set("X-OUTPUT-LENGTH", "5")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			if !strings.HasSuffix(string(raw), translator.DoneFrame) {
				errs <- fmt.Errorf("stream %d did not complete: %q", i, raw)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Serialised, 100 streams of four 20ms+ gaps would take over 8s.
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("concurrent streams took %v", elapsed)
	}
}
