// Package tokenizer converts between raw text and the token id sequences
// the pipeline consumes and produces. The pipeline itself never tokenizes
// anything (spec.md §1 scope): that is this package's job, driven by
// internal/generator.
package tokenizer

import (
	"fmt"
	"strings"
)

// Tokenizer turns text into token ids and back. Unlike the teacher's
// GGUF-coupled vocabulary reader, this interface is decoupled from any
// particular model format: a pipeline's fragment metadata names a
// pad/bos/eos id, but never a vocabulary, so the vocabulary always comes
// from whatever Tokenizer implementation the caller wires in.
type Tokenizer interface {
	Tokenize(text string) ([]int, error)
	Detokenize(ids []int) (string, error)
}

// WhitespaceTokenizer is a minimal reference implementation: a fixed
// vocabulary of whitespace-separated tokens plus one unknown-token
// fallback id. It exists for tests and for callers with a genuinely
// trivial vocabulary; a production deployment wires in a real BPE/SentencePiece
// tokenizer behind the same interface.
type WhitespaceTokenizer struct {
	vocab  map[string]int
	tokens []string
	unkID  int
}

// NewWhitespaceTokenizer builds a tokenizer over a fixed, ordered
// vocabulary. unkID is returned by Tokenize for any word outside vocab and
// rendered as "<unk>" by Detokenize for any out-of-range id.
func NewWhitespaceTokenizer(vocab []string, unkID int) *WhitespaceTokenizer {
	t := &WhitespaceTokenizer{
		vocab:  make(map[string]int, len(vocab)),
		tokens: vocab,
		unkID:  unkID,
	}
	for i, w := range vocab {
		t.vocab[w] = i
	}
	return t
}

func (t *WhitespaceTokenizer) Tokenize(text string) ([]int, error) {
	words := strings.Fields(text)
	ids := make([]int, 0, len(words))
	for _, w := range words {
		if id, ok := t.vocab[w]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, t.unkID)
		}
	}
	return ids, nil
}

func (t *WhitespaceTokenizer) Detokenize(ids []int) (string, error) {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(t.tokens) {
			words = append(words, "<unk>")
			continue
		}
		words = append(words, t.tokens[id])
	}
	return strings.Join(words, " "), nil
}

// ErrUnavailable is for a Tokenizer implementation to return when no
// vocabulary could be loaded for a pipeline. internal/generator reports a
// missing tokenizer with its own ErrTokenizerUnavailable instead.
var ErrUnavailable = fmt.Errorf("tokenizer: no vocabulary available for this pipeline")
