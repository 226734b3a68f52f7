package translator

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"openai-emulator/internal/models"
)

// DoneFrame terminates every stream.
const DoneFrame = "data: [DONE]\n\n"

// WriteSSEData writes one "data: <json>\n\n" frame.
func WriteSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

// WriteChunk frames an engine chunk.
func WriteChunk(w io.Writer, c models.StreamChunk) error {
	return WriteSSEData(w, FromChunk(c))
}

// WriteDone writes the terminal sentinel frame.
func WriteDone(w io.Writer) error {
	if _, err := io.WriteString(w, DoneFrame); err != nil {
		return fmt.Errorf("write SSE sentinel: %w", err)
	}
	return nil
}
