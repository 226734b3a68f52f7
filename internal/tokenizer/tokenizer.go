package tokenizer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE used by the gpt-3.5/gpt-4 families.
const DefaultEncoding = "cl100k_base"

// Mode reports which counting strategy the adapter uses.
type Mode string

const (
	ModeExact     Mode = "exact"
	ModeEstimated Mode = "estimated"
)

// Encoder is the byte-pair encoder consumed by the adapter.
// *tiktoken.Tiktoken satisfies it.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

var loaderOnce sync.Once

// Tokenizer wraps an Encoder and degrades to a character estimate when the
// encoder is missing or fails. It holds no mutable state and is safe for
// concurrent use.
type Tokenizer struct {
	enc  Encoder
	name string
}

// New loads the named encoding from the embedded BPE tables. Load failures
// are logged and produce an estimating tokenizer rather than an error.
func New(encoding string) *Tokenizer {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})

	enc, err := loadEncoding(encoding)
	if err != nil {
		slog.Warn("tokenizer unavailable, falling back to character estimate",
			"encoding", encoding,
			"error", err,
		)
		return Fallback()
	}
	return WithEncoder(encoding, enc)
}

func loadEncoding(encoding string) (enc *tiktoken.Tiktoken, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("load encoding %q: %v", encoding, r)
		}
	}()

	enc, err = tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return enc, nil
}

// selfCheckText must survive an encode/decode round trip on any working
// encoder.
const selfCheckText = "hello world"

// WithEncoder builds an exact tokenizer around an arbitrary encoder. An
// encoder that cannot round-trip a short sample yields the estimating
// tokenizer, so Exact never reports a capability that is not there.
func WithEncoder(name string, enc Encoder) *Tokenizer {
	if enc == nil {
		return Fallback()
	}
	t := &Tokenizer{enc: enc, name: name}
	if err := t.selfCheck(); err != nil {
		slog.Warn("tokenizer failed self-check, falling back to character estimate",
			"encoding", name,
			"error", err,
		)
		return Fallback()
	}
	return t
}

func (t *Tokenizer) selfCheck() error {
	ids, ok := t.Encode(selfCheckText)
	if !ok || len(ids) == 0 {
		return errors.New("encode failed")
	}
	text, ok := t.Decode(ids)
	if !ok {
		return errors.New("decode failed")
	}
	if text != selfCheckText {
		return fmt.Errorf("round trip produced %q", text)
	}
	return nil
}

// Fallback returns a tokenizer that only estimates counts.
func Fallback() *Tokenizer {
	return &Tokenizer{name: "estimate"}
}

// Name returns the encoding name, or "estimate" for the fallback.
func (t *Tokenizer) Name() string {
	return t.name
}

// Exact reports whether token-level encode/decode is available.
func (t *Tokenizer) Exact() bool {
	return t.enc != nil
}

// Mode reports the capability as a loggable value.
func (t *Tokenizer) Mode() Mode {
	if t.Exact() {
		return ModeExact
	}
	return ModeEstimated
}

// Count returns the number of tokens in text, or len(text)/4 characters
// when exact counting is unavailable.
func (t *Tokenizer) Count(text string) int {
	ids, ok := t.Encode(text)
	if !ok {
		return Estimate(text)
	}
	return len(ids)
}

// Encode returns the token ids for text. ok is false when the adapter is in
// estimating mode or the encoder failed on this input.
func (t *Tokenizer) Encode(text string) (ids []int, ok bool) {
	if t.enc == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("tokenizer encode failed", "error", r)
			ids, ok = nil, false
		}
	}()
	return t.enc.Encode(text, nil, nil), true
}

// Decode converts token ids back to text. ok is false when the adapter is
// in estimating mode or the encoder failed on this input.
func (t *Tokenizer) Decode(ids []int) (text string, ok bool) {
	if t.enc == nil {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("tokenizer decode failed", "error", r)
			text, ok = "", false
		}
	}()
	return t.enc.Decode(ids), true
}

// Estimate is the character based approximation used in fallback mode.
func Estimate(text string) int {
	return utf8.RuneCountInString(text) / 4
}
