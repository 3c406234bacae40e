package generator

import (
	"context"
	"testing"

	"github.com/23skdu/longbow-pipeline/internal/tokenizer"
)

func TestGenerateNoTokenizer(t *testing.T) {
	g := New(nil, nil)
	_, err := g.Generate(context.Background(), "hello", 1)
	if err != ErrTokenizerUnavailable {
		t.Fatalf("Generate with nil tokenizer = %v, want ErrTokenizerUnavailable", err)
	}
}

func TestGenerateChecksTokenizerBeforeCallingPipeline(t *testing.T) {
	// A nil pipeline would panic if Generate tried to call Predict before
	// noticing the missing tokenizer; this only proves the tokenizer-nil
	// guard runs first.
	g := New(nil, tokenizerOrNil(false))
	_, err := g.Generate(context.Background(), "hello", 1)
	if err != ErrTokenizerUnavailable {
		t.Fatalf("Generate = %v, want ErrTokenizerUnavailable", err)
	}
}

func tokenizerOrNil(present bool) tokenizer.Tokenizer {
	if !present {
		return nil
	}
	return tokenizer.NewWhitespaceTokenizer([]string{"hello"}, 0)
}
