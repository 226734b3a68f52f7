package translator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"openai-emulator/internal/models"
)

const (
	defaultMaxTokens   = 100
	defaultTemperature = 1.0
	defaultImageDetail = "auto"
)

var (
	errEmptyModel     = errors.New("model must be provided")
	errEmptyMessages  = errors.New("at least one message is required")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
)

var allowedRoles = []models.Role{
	models.RoleSystem,
	models.RoleUser,
	models.RoleAssistant,
}

var allowedDetails = []string{"auto", "low", "high"}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   int
	Temperature float64
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string        `json:"model"`
		Messages    []ChatMessage `json:"messages"`
		Stream      *bool         `json:"stream"`
		MaxTokens   *int          `json:"max_tokens"`
		Temperature *float64      `json:"temperature"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = lo.FromPtr(raw.Stream)
	r.MaxTokens = lo.FromPtrOr(raw.MaxTokens, defaultMaxTokens)
	r.Temperature = lo.FromPtrOr(raw.Temperature, defaultTemperature)

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	return nil
}

// ToModel converts the wire request into the canonical request.
func (r ChatCompletionRequest) ToModel() models.CompletionRequest {
	return models.CompletionRequest{
		Model:       r.Model,
		Messages:    lo.Map(r.Messages, func(m ChatMessage, _ int) models.ChatMessage { return m.toModel() }),
		Stream:      r.Stream,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role  models.Role
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of array-form message content.
type ContentPart struct {
	Type     models.PartType
	Text     string
	ImageURL *ImageURL
}

// ImageURL references an attached image.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// UnmarshalJSON supports string, null and array-of-parts content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	role := models.Role(strings.TrimSpace(raw.Role))
	if !lo.Contains(allowedRoles, role) {
		return fmt.Errorf("%w: %q", errInvalidRole, raw.Role)
	}

	text, parts, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = role
	m.Text = text
	m.Parts = parts
	return nil
}

func (m ChatMessage) toModel() models.ChatMessage {
	out := models.ChatMessage{Role: m.Role, Text: m.Text}
	if m.Parts == nil {
		return out
	}
	out.Parts = make([]models.ContentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		part := models.ContentPart{Type: p.Type, Text: p.Text}
		if p.ImageURL != nil {
			part.ImageURL = &models.ImageRef{URL: p.ImageURL.URL, Detail: p.ImageURL.Detail}
		}
		out.Parts = append(out.Parts, part)
	}
	return out
}

func extractMessageContent(raw json.RawMessage) (string, []ContentPart, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}

	var segments []struct {
		Type     string    `json:"type"`
		Text     *string   `json:"text"`
		ImageURL *ImageURL `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return "", nil, fmt.Errorf("%w: content must be a string or an array of parts", errInvalidContent)
	}

	parts := make([]ContentPart, 0, len(segments))
	for i, segment := range segments {
		switch models.PartType(segment.Type) {
		case models.PartText:
			if segment.Text == nil {
				return "", nil, fmt.Errorf("%w: part %d: text part requires text", errInvalidContent, i)
			}
			parts = append(parts, ContentPart{Type: models.PartText, Text: *segment.Text})
		case models.PartImageURL:
			img, err := normaliseImage(segment.ImageURL)
			if err != nil {
				return "", nil, fmt.Errorf("%w: part %d: %v", errInvalidContent, i, err)
			}
			parts = append(parts, ContentPart{Type: models.PartImageURL, ImageURL: img})
		default:
			return "", nil, fmt.Errorf("%w: part %d: type %q not supported", errInvalidContent, i, segment.Type)
		}
	}
	return "", parts, nil
}

func normaliseImage(img *ImageURL) (*ImageURL, error) {
	if img == nil || strings.TrimSpace(img.URL) == "" {
		return nil, errors.New("image_url part requires a url")
	}
	out := *img
	if out.Detail == "" {
		out.Detail = defaultImageDetail
	}
	if !lo.Contains(allowedDetails, out.Detail) {
		return nil, fmt.Errorf("image detail %q must be one of %s", out.Detail, strings.Join(allowedDetails, ", "))
	}
	return &out, nil
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   OpenAIUsage  `json:"usage"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a completed response.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromCompletion constructs the OpenAI response shape from a completion.
func FromCompletion(c *models.Completion) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      c.ID,
		Object:  "chat.completion",
		Created: c.Created,
		Model:   c.Model,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ResponseMessage{
					Role:    string(models.RoleAssistant),
					Content: c.Content,
				},
				FinishReason: c.FinishReason,
			},
		},
		Usage: OpenAIUsage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
			TotalTokens:      c.Usage.TotalTokens,
		},
	}
}

// ChatCompletionChunk models one streamed chat.completion.chunk object.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta of a streamed chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is empty on the final chunk, carries the role on the first, and
// content on every other chunk.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// FromChunk converts an engine chunk into its wire form.
func FromChunk(c models.StreamChunk) ChatCompletionChunk {
	choice := ChunkChoice{Index: c.Index}
	switch c.Kind {
	case models.ChunkRoleOpen:
		choice.Delta = Delta{Role: string(c.Role), Content: lo.ToPtr("")}
	case models.ChunkDelta:
		choice.Delta = Delta{Content: lo.ToPtr(c.Text)}
	case models.ChunkFinal:
		choice.FinishReason = lo.ToPtr(c.FinishReason)
	}

	return ChatCompletionChunk{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: c.Created,
		Model:   c.Model,
		Choices: []ChunkChoice{choice},
	}
}

// ModelsResponse is the payload of GET /v1/models.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo describes one listed model.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// FromModels builds the model listing. created overrides each entry's
// timestamp when non-zero.
func FromModels(descriptors []models.ModelDescriptor, created int64) ModelsResponse {
	return ModelsResponse{
		Object: "list",
		Data: lo.Map(descriptors, func(d models.ModelDescriptor, _ int) ModelInfo {
			ts := d.Created
			if created != 0 {
				ts = created
			}
			return ModelInfo{ID: d.ID, Object: "model", Created: ts, OwnedBy: d.OwnedBy}
		}),
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
