// Package tokenizertest provides deterministic encoders for tests.
package tokenizertest

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

var piece = regexp.MustCompile(`\s*[^\s.,!?:;'-]+|\s*[.,!?:;'-]`)

// WordEncoder treats every word, and every punctuation mark, together with
// its leading whitespace as a single token. Vocabulary is assigned lazily.
type WordEncoder struct {
	mu    sync.Mutex
	ids   map[string]int
	words []string
}

// NewWordEncoder returns an empty WordEncoder.
func NewWordEncoder() *WordEncoder {
	return &WordEncoder{ids: make(map[string]int)}
}

func (e *WordEncoder) Encode(text string, _ []string, _ []string) []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	pieces := piece.FindAllString(text, -1)
	out := make([]int, 0, len(pieces))
	for _, p := range pieces {
		id, ok := e.ids[p]
		if !ok {
			id = len(e.words)
			e.ids[p] = id
			e.words = append(e.words, p)
		}
		out = append(out, id)
	}
	return out
}

func (e *WordEncoder) Decode(tokens []int) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	for _, id := range tokens {
		if id >= 0 && id < len(e.words) {
			b.WriteString(e.words[id])
		}
	}
	return b.String()
}

// PanicEncoder fails on every call.
type PanicEncoder struct{}

func (PanicEncoder) Encode(string, []string, []string) []int {
	panic("encoder exploded")
}

func (PanicEncoder) Decode([]int) string {
	panic("encoder exploded")
}

// FlakyEncoder delegates to Inner for the first Healthy calls across Encode
// and Decode, then panics on every call.
type FlakyEncoder struct {
	Inner interface {
		Encode(string, []string, []string) []int
		Decode([]int) string
	}
	Healthy int64

	calls atomic.Int64
}

func (e *FlakyEncoder) Encode(text string, allowed, disallowed []string) []int {
	if e.calls.Add(1) > e.Healthy {
		panic("encoder exploded")
	}
	return e.Inner.Encode(text, allowed, disallowed)
}

func (e *FlakyEncoder) Decode(tokens []int) string {
	if e.calls.Add(1) > e.Healthy {
		panic("encoder exploded")
	}
	return e.Inner.Decode(tokens)
}
