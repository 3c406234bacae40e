// Package pipelinecfg infers the scalar configuration facts the pipeline
// needs from a loaded fragment set: vocabulary size, per-step query length,
// total context length, and cache length.
package pipelinecfg

import (
	"fmt"

	"github.com/23skdu/longbow-pipeline/internal/fragment"
	"github.com/23skdu/longbow-pipeline/internal/model"
)

// Config is the set of scalar facts derived by probing the fragment set.
type Config struct {
	InputLength   int
	VocabSize     int
	CacheLength   int
	ContextLength int
}

// Validate checks the invariants this package's inference is supposed to
// guarantee; it exists mainly as a defensive check for configs built by
// hand in tests.
func (c Config) Validate() error {
	if c.InputLength <= 0 {
		return fmt.Errorf("invalid input_length: %d (must be positive)", c.InputLength)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.CacheLength <= 0 {
		return fmt.Errorf("invalid cache_length: %d (must be positive)", c.CacheLength)
	}
	if c.ContextLength != c.InputLength+c.CacheLength {
		return fmt.Errorf("context_length (%d) != input_length (%d) + cache_length (%d)", c.ContextLength, c.InputLength, c.CacheLength)
	}
	return nil
}

// Infer probes embeddings.input_ids, lmHead.logits and the first block's
// k_cache_0 to derive Config. It returns a plain error (translated by the
// caller into the public ShapeInconsistent taxonomy) if any declared
// dimension is missing, dynamic, or inconsistent across fragments.
func Infer(blocks []*fragment.Fragment, embeddings, lmHead *fragment.Fragment) (Config, error) {
	inputLength, err := staticLastDim(embeddings.Model.Inputs(), "input_ids")
	if err != nil {
		return Config{}, fmt.Errorf("embeddings fragment %q: %w", embeddings.ID, err)
	}

	vocabSize, err := staticLastDimAny(lmHead.Model.Outputs(), []string{"logits", "logits_0"})
	if err != nil {
		return Config{}, fmt.Errorf("lm_head fragment %q: %w", lmHead.ID, err)
	}

	if len(blocks) == 0 {
		return Config{}, fmt.Errorf("no block fragments to derive cache_length from")
	}
	first := blocks[0]
	cacheLength, err := staticLastDim(first.Model.Inputs(), fmt.Sprintf("k_cache_%d", first.LayerLo))
	if err != nil {
		return Config{}, fmt.Errorf("block fragment %q: %w", first.ID, err)
	}

	// Every block declaring a k_cache_i input for a layer it owns must
	// agree on cache_length.
	for _, b := range blocks {
		for i := b.LayerLo; i < b.LayerHi; i++ {
			dim, err := staticLastDim(b.Model.Inputs(), fmt.Sprintf("k_cache_%d", i))
			if err != nil {
				return Config{}, fmt.Errorf("block fragment %q layer %d: %w", b.ID, i, err)
			}
			if dim != cacheLength {
				return Config{}, fmt.Errorf("cache_length mismatch: fragment %q layer %d declares %d, expected %d", b.ID, i, dim, cacheLength)
			}
		}
	}

	return Config{
		InputLength:   inputLength,
		VocabSize:     vocabSize,
		CacheLength:   cacheLength,
		ContextLength: inputLength + cacheLength,
	}, nil
}

func staticLastDim(specs []model.Spec, name string) (int, error) {
	return staticLastDimAny(specs, []string{name})
}

func staticLastDimAny(specs []model.Spec, names []string) (int, error) {
	for _, name := range names {
		spec, ok := model.SelectSpec(specs, name)
		if !ok {
			continue
		}
		dim, err := spec.LastDim()
		if err != nil {
			return 0, err
		}
		if dim == model.DynamicDim {
			return 0, fmt.Errorf("tensor %q declares a dynamic last dimension, expected static", name)
		}
		if dim <= 0 {
			return 0, fmt.Errorf("tensor %q declares non-positive last dimension %d", name, dim)
		}
		return dim, nil
	}
	return 0, fmt.Errorf("none of %v declared among bindings", names)
}
