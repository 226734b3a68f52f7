// Package synth produces filler text with a requested token length.
package synth

import (
	"math/rand/v2"
	"strings"
	"sync"
	"unicode/utf8"

	"openai-emulator/internal/tokenizer"
)

// wordsPerToken is the ratio used to truncate by words when exact
// token truncation is not available.
const wordsPerToken = 1.3

// maxSettleRounds bounds the correction pass that follows assembly.
const maxSettleRounds = 4

// PhraseSource picks indexes into the phrase pools.
type PhraseSource interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// Random returns a phrase source backed by the process-wide generator.
func Random() PhraseSource { return globalSource{} }

type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *lockedSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Seeded returns a reproducible phrase source safe for concurrent use.
func Seeded(seed uint64) PhraseSource {
	return &lockedSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Synthesizer builds response text whose token count matches a target.
type Synthesizer struct {
	tok *tokenizer.Tokenizer
	src PhraseSource
}

// New constructs a Synthesizer. A nil source selects Random.
func New(tok *tokenizer.Tokenizer, src PhraseSource) *Synthesizer {
	if src == nil {
		src = Random()
	}
	return &Synthesizer{tok: tok, src: src}
}

// Tokenizer returns the adapter used for measuring text.
func (s *Synthesizer) Tokenizer() *tokenizer.Tokenizer {
	return s.tok
}

// Synthesize returns text of exactly target tokens when the tokenizer is
// exact. When the base phrase alone is longer than target and token
// truncation is unavailable, the result is cut by words and its length is
// only approximate.
func (s *Synthesizer) Synthesize(target int) string {
	if target < 0 {
		target = 0
	}

	base := s.pick(baseResponses)
	m := newMeter(s.tok, base)
	tokens := m.tokens

	if tokens >= target {
		if out, ok := s.truncateTokens(base, target); ok {
			return out
		}
		return truncateWords(base, target)
	}

	var b strings.Builder
	b.WriteString(base)
	for tokens < target {
		addition := s.fragment()
		n := m.growth(addition)
		if tokens+n <= target {
			b.WriteString(addition)
			tokens = m.add(addition, n)
			continue
		}

		b.WriteString(s.partial(addition, target-tokens))
		break
	}

	// Fragments are measured on their own; settle re-measures the whole
	// text once to absorb merges across fragment boundaries.
	out := strings.TrimSpace(b.String())
	if s.tok.Exact() {
		out = s.settle(out, target)
	}
	return out
}

// meter keeps a running token count without re-measuring the whole text.
// Exact tokenizers are summed per fragment; estimates track runes so the
// total matches the estimate of the joined text.
type meter struct {
	tok    *tokenizer.Tokenizer
	exact  bool
	runes  int
	tokens int
}

func newMeter(tok *tokenizer.Tokenizer, base string) *meter {
	return &meter{
		tok:    tok,
		exact:  tok.Exact(),
		runes:  utf8.RuneCountInString(base),
		tokens: tok.Count(base),
	}
}

// growth reports how many tokens appending text would add.
func (m *meter) growth(text string) int {
	if m.exact {
		return m.tok.Count(text)
	}
	return (m.runes+utf8.RuneCountInString(text))/4 - m.tokens
}

// add records text whose growth was already measured as n.
func (m *meter) add(text string, n int) int {
	m.tokens += n
	m.runes += utf8.RuneCountInString(text)
	return m.tokens
}

func (s *Synthesizer) pick(pool []string) string {
	return pool[s.src.IntN(len(pool))]
}

func (s *Synthesizer) fragment() string {
	return " " + s.pick(connectors) + " " + s.pick(elaborations) + "."
}

func (s *Synthesizer) partial(addition string, remaining int) string {
	if remaining <= 0 {
		return ""
	}
	if out, ok := s.truncateTokens(addition, remaining); ok {
		return out
	}
	return filler
}

func (s *Synthesizer) truncateTokens(text string, n int) (string, bool) {
	ids, ok := s.tok.Encode(text)
	if !ok {
		return "", false
	}
	if n < len(ids) {
		ids = ids[:n]
	}
	return s.tok.Decode(ids)
}

// settle corrects the rare case where concatenated fragments merge across
// a boundary and the re-measured total drifts from the target.
func (s *Synthesizer) settle(text string, target int) string {
	for range maxSettleRounds {
		got := s.tok.Count(text)
		switch {
		case got == target:
			return text
		case got > target:
			if out, ok := s.truncateTokens(text, target); ok {
				text = strings.TrimSpace(out)
			}
		default:
			text += s.partial(s.fragment(), target-got)
		}
	}
	return text
}

func truncateWords(text string, target int) string {
	words := strings.Fields(text)
	n := max(1, int(float64(target)/wordsPerToken))
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[:n], " ")
}
