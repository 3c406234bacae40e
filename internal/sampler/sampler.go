// Package sampler turns a fragment's logits into one selected token id.
package sampler

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-pipeline/internal/fragment"
	"github.com/23skdu/longbow-pipeline/internal/model"
)

// State is opaque sampler-owned data threaded between sampling calls. The
// pipeline owns it by value and hands it to the sampler on every call; it
// exists so temperature/top-k/top-p policies can carry RNG state or
// running statistics without changing the pipeline's call shape.
type State struct {
	Data map[string]float32
}

// Sampler selects exactly one token id from a logits tensor.
type Sampler interface {
	Sample(ctx context.Context, logits []float32, state State) (tokenID int, next State, err error)
}

// ArgmaxSampler is the only local sampling policy: the highest-scoring
// logit wins. It never calls out to a fragment. pipeline.Load uses it only
// when passed through pipeline.WithSampler (its default is
// FragmentSampler), which makes it a deterministic baseline in tests of
// the round-trip and reproducibility properties.
//
// Temperature/top-k/top-p variants are a future extension point (see
// spec design notes) — do not implement them here.
type ArgmaxSampler struct{}

func (ArgmaxSampler) Sample(ctx context.Context, logits []float32, state State) (int, State, error) {
	if len(logits) == 0 {
		return 0, state, fmt.Errorf("sampler: empty logits")
	}
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best, state, nil
}

// FragmentSampler adapts the discovered logit-sampler fragment (which
// declares input "logits" and output "next_token") to the Sampler
// interface, so the pipeline always drives sampling through the same
// call shape whether the decision is made by a compiled fragment or by
// ArgmaxSampler locally.
type FragmentSampler struct {
	Fragment *fragment.Fragment
}

func (s FragmentSampler) Sample(ctx context.Context, logits []float32, state State) (int, State, error) {
	inputs := map[string]model.Tensor{
		"logits": model.Float32Tensor("logits", []int{len(logits)}, logits),
	}
	out, err := s.Fragment.Model.Predict(ctx, inputs)
	if err != nil {
		return 0, state, fmt.Errorf("logit sampler fragment %q: %w", s.Fragment.ID, err)
	}
	next, ok := out["next_token"]
	if !ok || len(next.Ints) == 0 {
		return 0, state, fmt.Errorf("logit sampler fragment %q: missing next_token output", s.Fragment.ID)
	}
	return int(next.Ints[0]), state, nil
}
