package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"openai-emulator/internal/models"
	"openai-emulator/internal/synth"
	"openai-emulator/internal/timing"
	"openai-emulator/internal/tokenizer"
)

const (
	idPrefix         = "chatcmpl-"
	finishReasonStop = "stop"
)

// EmitFunc receives stream chunks in order. Returning an error aborts the
// stream without emitting anything further.
type EmitFunc func(models.StreamChunk) error

// Engine turns a request and its pacing into a completion. It keeps no
// per-request state, so one Engine serves any number of concurrent calls.
type Engine struct {
	synth *synth.Synthesizer
	tok   *tokenizer.Tokenizer
	now   func() time.Time
	newID func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for created timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides completion id generation.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// New constructs an Engine around a synthesizer.
func New(s *synth.Synthesizer, opts ...Option) *Engine {
	e := &Engine{
		synth: s,
		tok:   s.Tokenizer(),
		now:   time.Now,
		newID: NewCompletionID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewCompletionID returns an id of the form chatcmpl-xxxxxxxx.
func NewCompletionID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return idPrefix + hex[:8]
}

// Complete waits for the first-token delay once, then returns the whole
// message. The inter-token delay does not apply.
func (e *Engine) Complete(ctx context.Context, req models.CompletionRequest, params models.TimingParams) (*models.Completion, error) {
	if err := timing.Pause(ctx, params.FirstTokenDelay); err != nil {
		return nil, fmt.Errorf("await first token: %w", err)
	}

	content := e.synth.Synthesize(params.TargetOutputTokens)
	return &models.Completion{
		ID:           e.newID(),
		Created:      e.now().Unix(),
		Model:        req.Model,
		Content:      content,
		FinishReason: finishReasonStop,
		Usage:        e.Usage(req.Messages, content),
	}, nil
}

// Stream emits a role chunk, one delta per token (or word in estimating
// mode) and a final chunk. Cancellation is checked at every pause.
func (e *Engine) Stream(ctx context.Context, req models.CompletionRequest, params models.TimingParams, emit EmitFunc) error {
	s := stream{
		id:      e.newID(),
		created: e.now().Unix(),
		model:   req.Model,
		state:   stateInit,
	}

	s.state = stateAwaitFirstToken
	if err := timing.Pause(ctx, params.FirstTokenDelay); err != nil {
		return s.abort(err)
	}

	content := e.synth.Synthesize(params.TargetOutputTokens)

	s.state = stateRoleEmitted
	if err := emit(s.chunk(models.ChunkRoleOpen, "", "")); err != nil {
		return s.abort(err)
	}

	s.state = stateStreamingTokens
	for i, unit := range e.Units(content) {
		if i > 0 {
			if err := timing.Pause(ctx, params.InterTokenDelay); err != nil {
				return s.abort(err)
			}
		}
		if err := emit(s.chunk(models.ChunkDelta, unit, "")); err != nil {
			return s.abort(err)
		}
	}

	s.state = stateFinalized
	if err := emit(s.chunk(models.ChunkFinal, "", finishReasonStop)); err != nil {
		return s.abort(err)
	}

	s.state = stateClosed
	return nil
}

// Units splits content into emission units: decoded single tokens when the
// tokenizer is exact, otherwise whitespace separated words each followed by
// one space.
func (e *Engine) Units(content string) []string {
	if units, ok := e.tokenUnits(content); ok {
		return units
	}

	words := strings.Fields(content)
	units := make([]string, 0, len(words))
	for _, w := range words {
		units = append(units, w+" ")
	}
	return units
}

func (e *Engine) tokenUnits(content string) ([]string, bool) {
	ids, ok := e.tok.Encode(content)
	if !ok {
		return nil, false
	}
	units := make([]string, 0, len(ids))
	for _, id := range ids {
		text, ok := e.tok.Decode([]int{id})
		if !ok {
			return nil, false
		}
		units = append(units, text)
	}
	return units, true
}

// Usage computes token accounting. Prompt tokens are a cheap estimate;
// completion tokens are an exact count of the generated content.
func (e *Engine) Usage(messages []models.ChatMessage, content string) models.Usage {
	prompt := PromptTokens(messages)
	completion := e.tok.Count(content)
	return models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// PromptTokens estimates prompt size as a quarter of the serialized length.
func PromptTokens(messages []models.ChatMessage) int {
	return len(SerializeMessages(messages)) / 4
}

// SerializeMessages joins messages as "role: content" lines. Text parts are
// concatenated and image parts contribute their URL.
func SerializeMessages(messages []models.ChatMessage) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		if msg.Parts == nil {
			b.WriteString(msg.Text)
			continue
		}
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				b.WriteString(part.Text)
			case models.PartImageURL:
				if part.ImageURL != nil {
					b.WriteString(part.ImageURL.URL)
				}
			}
		}
	}
	return b.String()
}
