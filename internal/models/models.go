package models

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType tags a ContentPart variant.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ContentPart is one element of a multi-part message. Image parts are
// accepted for compatibility and never interpreted.
type ContentPart struct {
	Type     PartType
	Text     string
	ImageURL *ImageRef
}

// ImageRef references an image attached to a message.
type ImageRef struct {
	URL    string
	Detail string
}

// ChatMessage represents a single conversational message. Exactly one of
// Text or Parts is meaningful; Parts is non-nil only for array content.
type ChatMessage struct {
	Role  Role
	Text  string
	Parts []ContentPart
}

// CompletionRequest is the canonical representation of a chat completion.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   int
	Temperature float64
}

// TimingParams controls pacing for one request.
type TimingParams struct {
	FirstTokenDelay    time.Duration
	InterTokenDelay    time.Duration
	TargetOutputTokens int
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the result of a non-streaming request.
type Completion struct {
	ID           string
	Created      int64
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
}

// ChunkKind tags a StreamChunk variant.
type ChunkKind int

const (
	ChunkRoleOpen ChunkKind = iota
	ChunkDelta
	ChunkFinal
)

// StreamChunk is one incremental unit of a streamed completion.
type StreamChunk struct {
	ID           string
	Created      int64
	Model        string
	Index        int
	Kind         ChunkKind
	Role         Role
	Text         string
	FinishReason string
}

// ModelDescriptor identifies a model exposed by the catalog.
type ModelDescriptor struct {
	ID      string
	Created int64
	OwnedBy string
}
