package translator

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"openai-emulator/internal/models"
)

func TestChatCompletionRequestDefaults(t *testing.T) {
	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(`{"model":" gpt-4 ","messages":[{"role":"user","content":"Hi"}]}`), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if req.Model != "gpt-4" || req.Stream || req.MaxTokens != 100 || req.Temperature != 1.0 {
		t.Fatalf("unexpected defaults: %+v", req)
	}

	m := req.ToModel()
	if len(m.Messages) != 1 || m.Messages[0].Role != models.RoleUser || m.Messages[0].Text != "Hi" || m.Messages[0].Parts != nil {
		t.Fatalf("unexpected model request: %+v", m)
	}
}

func TestChatCompletionRequestMultimodal(t *testing.T) {
	body := `{
		"model": "gpt-4-vision-preview",
		"stream": true,
		"max_tokens": 10,
		"temperature": 0.2,
		"messages": [
			{"role": "system", "content": null},
			{"role": "user", "content": [
				{"type": "text", "text": "compare"},
				{"type": "image_url", "image_url": {"url": "https://example.com/1.jpg"}},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA", "detail": "high"}}
			]}
		]
	}`

	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !req.Stream || req.MaxTokens != 10 || req.Temperature != 0.2 {
		t.Fatalf("unexpected scalar fields: %+v", req)
	}

	m := req.ToModel()
	parts := m.Messages[1].Parts
	if len(parts) != 3 {
		t.Fatalf("got %d parts", len(parts))
	}
	if parts[0].Type != models.PartText || parts[0].Text != "compare" {
		t.Fatalf("part 0 = %+v", parts[0])
	}
	if parts[1].ImageURL == nil || parts[1].ImageURL.Detail != "auto" {
		t.Fatalf("part 1 detail should default to auto: %+v", parts[1].ImageURL)
	}
	if parts[2].ImageURL.Detail != "high" {
		t.Fatalf("part 2 detail = %q", parts[2].ImageURL.Detail)
	}
}

func TestChatCompletionRequestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, errEmptyModel},
		{"missing messages", `{"model":"gpt-4"}`, errEmptyMessages},
		{"bad role", `{"model":"gpt-4","messages":[{"role":"robot","content":"x"}]}`, errInvalidRole},
		{"bad part type", `{"model":"gpt-4","messages":[{"role":"user","content":[{"type":"audio"}]}]}`, errInvalidContent},
		{"bad detail", `{"model":"gpt-4","messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"u","detail":"ultra"}}]}]}`, errInvalidContent},
		{"image without url", `{"model":"gpt-4","messages":[{"role":"user","content":[{"type":"image_url"}]}]}`, errInvalidContent},
		{"numeric content", `{"model":"gpt-4","messages":[{"role":"user","content":42}]}`, errInvalidContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var req ChatCompletionRequest
			err := json.Unmarshal([]byte(tc.body), &req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFromCompletionShape(t *testing.T) {
	resp := FromCompletion(&models.Completion{
		ID:           "chatcmpl-abc12345",
		Created:      1700000000,
		Model:        "gpt-4",
		Content:      "Hello!",
		FinishReason: "stop",
		Usage:        models.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	})

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"id":"chatcmpl-abc12345","object":"chat.completion","created":1700000000,"model":"gpt-4",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}`
	if string(data) != want {
		t.Fatalf("got  %s\nwant %s", data, want)
	}
}

func TestChunkFrames(t *testing.T) {
	base := models.StreamChunk{ID: "chatcmpl-1", Created: 7, Model: "gpt-4"}

	role := base
	role.Kind = models.ChunkRoleOpen
	role.Role = models.RoleAssistant

	delta := base
	delta.Kind = models.ChunkDelta
	delta.Text = " world"

	final := base
	final.Kind = models.ChunkFinal
	final.FinishReason = "stop"

	var buf bytes.Buffer
	for _, c := range []models.StreamChunk{role, delta, final} {
		if err := WriteChunk(&buf, c); err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
	}
	if err := WriteDone(&buf); err != nil {
		t.Fatalf("WriteDone: %v", err)
	}

	prefix := `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":7,"model":"gpt-4","choices":[`
	want := prefix + `{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}` + "\n\n" +
		prefix + `{"index":0,"delta":{"content":" world"},"finish_reason":null}]}` + "\n\n" +
		prefix + `{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
		"data: [DONE]\n\n"
	if buf.String() != want {
		t.Fatalf("frames mismatch:\n%s\nwant:\n%s", buf.String(), want)
	}
	if !strings.HasSuffix(buf.String(), DoneFrame) {
		t.Fatalf("sentinel must be the last frame")
	}
}

func TestFromModels(t *testing.T) {
	resp := FromModels([]models.ModelDescriptor{{ID: "gpt-4", Created: 1, OwnedBy: "openai"}}, 99)
	if resp.Object != "list" || len(resp.Data) != 1 {
		t.Fatalf("unexpected listing: %+v", resp)
	}
	if got := resp.Data[0]; got.ID != "gpt-4" || got.Object != "model" || got.Created != 99 || got.OwnedBy != "openai" {
		t.Fatalf("unexpected entry: %+v", got)
	}
}
