// Package generator wraps a tokenizer and a pipeline into a single
// text-in, text-out streaming call. The pipeline package only ever sees
// token ids; encoding and decoding text — and reporting when no
// tokenizer is available — belongs here per spec.md §7.
package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-pipeline/internal/logger"
	"github.com/23skdu/longbow-pipeline/internal/metrics"
	"github.com/23skdu/longbow-pipeline/internal/pipeline"
	"github.com/23skdu/longbow-pipeline/internal/tokenizer"
)

// ErrTokenizerUnavailable is returned by Generate when no tokenizer was
// supplied to New — the TokenizerUnavailable member of spec.md §7's error
// taxonomy, surfaced here rather than by internal/pipeline since the
// pipeline never touches text.
var ErrTokenizerUnavailable = fmt.Errorf("generator: no tokenizer available")

// GeneratedEvent is one decoded increment of generated text, mirroring
// pipeline.StreamEvent but carrying text instead of a raw token id.
type GeneratedEvent struct {
	Token           string
	TokenID         int
	Text            string // cumulative decoded text so far
	LatencyMS       float64
	PromptLatencyMS *float64
	Err             error
}

// TextGenerator drives a Pipeline from and to plain text.
type TextGenerator struct {
	pipeline *pipeline.Pipeline
	tok      tokenizer.Tokenizer
}

// New wraps p with tok. tok may be nil; Generate then fails fast with
// ErrTokenizerUnavailable instead of calling into the pipeline at all.
func New(p *pipeline.Pipeline, tok tokenizer.Tokenizer) *TextGenerator {
	return &TextGenerator{pipeline: p, tok: tok}
}

// Generate encodes text, runs it through the pipeline, and decodes each
// emitted token incrementally, closing the returned channel after the
// pipeline's own stream closes (on success, cancellation, or failure).
func (g *TextGenerator) Generate(ctx context.Context, text string, maxNewTokens int) (<-chan GeneratedEvent, error) {
	if g.tok == nil {
		return nil, ErrTokenizerUnavailable
	}

	encodeStart := time.Now()
	promptIDs, err := g.tok.Tokenize(text)
	metrics.RecordTokenizerEncode(time.Since(encodeStart))
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}

	stream, err := g.pipeline.Predict(ctx, promptIDs, maxNewTokens)
	if err != nil {
		return nil, err
	}

	out := make(chan GeneratedEvent, 1)
	go func() {
		defer close(out)
		var ids []int
		for ev := range stream {
			if ev.Err != nil {
				out <- GeneratedEvent{Err: ev.Err}
				continue
			}

			ids = append(ids, ev.Prediction.NewToken)

			decodeStart := time.Now()
			piece, err := g.tok.Detokenize([]int{ev.Prediction.NewToken})
			fullText, fullErr := g.tok.Detokenize(ids)
			metrics.RecordTokenizerDecode(time.Since(decodeStart))
			if err != nil || fullErr != nil {
				logger.Log.Warn("generator: decode failed", "error", err)
				piece = ""
			}

			out <- GeneratedEvent{
				Token:           piece,
				TokenID:         ev.Prediction.NewToken,
				Text:            fullText,
				LatencyMS:       ev.Prediction.LatencyMS,
				PromptLatencyMS: ev.Prediction.PromptLatencyMS,
			}
		}
	}()
	return out, nil
}
