package engine

import (
	"fmt"
	"log/slog"

	"openai-emulator/internal/models"
)

type streamState int

const (
	stateInit streamState = iota
	stateAwaitFirstToken
	stateRoleEmitted
	stateStreamingTokens
	stateFinalized
	stateClosed
)

func (s streamState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateAwaitFirstToken:
		return "await_first_token"
	case stateRoleEmitted:
		return "role_emitted"
	case stateStreamingTokens:
		return "streaming_tokens"
	case stateFinalized:
		return "finalized"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// stream carries the identity shared by every chunk of one response.
type stream struct {
	id      string
	created int64
	model   string
	state   streamState
	sent    int
}

func (s *stream) chunk(kind models.ChunkKind, text, finishReason string) models.StreamChunk {
	s.sent++
	c := models.StreamChunk{
		ID:           s.id,
		Created:      s.created,
		Model:        s.model,
		Index:        0,
		Kind:         kind,
		Text:         text,
		FinishReason: finishReason,
	}
	if kind == models.ChunkRoleOpen {
		c.Role = models.RoleAssistant
	}
	return c
}

func (s *stream) abort(err error) error {
	slog.Debug("stream aborted",
		"id", s.id,
		"state", s.state.String(),
		"chunks", s.sent,
		"error", err,
	)
	return fmt.Errorf("stream %s aborted in %s: %w", s.id, s.state, err)
}
