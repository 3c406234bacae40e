// Package demomodel is the model factory cmd/quarrelpipe wires in by
// default: a tiny, deterministic stand-in for a real compiled fragment.
// Each fragment entry is itself a JSON manifest file, in place of any
// real compiled-artifact format. It exists so the shipped binary can run
// a pipeline end to end without a real runtime for the opaque compiled
// fragment format (CoreML, GGUF, etc.), which is genuinely external to
// this module per spec.md §1 — a production deployment passes its own
// fragment.ModelFactory to pipeline.Load (via pipeline.WithModelFactory)
// in demomodel.Factory's place.
//
// The arithmetic itself is grounded on internal/pipeline's own test
// fixtures (fakeBlockModel/fakeCacheUpdaterModel/fakeLogitSamplerModel):
// hidden state is the input token id broadcast across the hidden width,
// and the final fragment's logits peak at the last position's hidden sum
// mod vocab size. It is not a neural network.
package demomodel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/23skdu/longbow-pipeline/internal/model"
)

// Kind selects which fragment role a manifest describes. Unlike
// fragment.Role, this is not inferred from declared bindings: a demo
// manifest states it directly, since there is no real compiled artifact
// to probe.
type Kind string

const (
	KindBlock        Kind = "block"
	KindCacheUpdater Kind = "cache_updater"
	KindLogitSampler Kind = "logit_sampler"
)

// manifest is the on-disk JSON shape of one demo fragment.
type manifest struct {
	Kind        Kind              `json:"kind"`
	Layer       int               `json:"layer"`
	IsFirst     bool              `json:"is_first"`
	IsLast      bool              `json:"is_last"`
	HiddenSize  int               `json:"hidden_size"`
	KVWidth     int               `json:"kv_width"`
	VocabSize   int               `json:"vocab_size"`
	CacheLength int               `json:"cache_length"`
	Metadata    map[string]string `json:"metadata"`
}

// Factory satisfies fragment.ModelFactory: path names a JSON manifest
// file describing one demo fragment's behavior.
func Factory(path string) (model.Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("demomodel: reading manifest %q: %w", path, err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("demomodel: parsing manifest %q: %w", path, err)
	}

	switch m.Kind {
	case KindCacheUpdater:
		return &cacheUpdaterModel{path: path, kvWidth: m.KVWidth}, nil
	case KindLogitSampler:
		return &logitSamplerModel{path: path}, nil
	case KindBlock, "":
		return &blockModel{path: path, m: m}, nil
	default:
		return nil, fmt.Errorf("demomodel: manifest %q: unknown kind %q", path, m.Kind)
	}
}

// blockModel simulates one transformer-block fragment: hidden values
// equal the input token id broadcast across hidden_size, and (if IsLast)
// logits peak at the last position's hidden-value sum mod vocab_size.
type blockModel struct {
	path string
	m    manifest
}

func (b *blockModel) Name() string { return b.path }

func (b *blockModel) Inputs() []model.Spec {
	specs := []model.Spec{}
	if b.m.IsFirst {
		specs = append(specs, model.Spec{Name: "input_ids", Shape: []int{model.DynamicDim}, Type: model.DTypeInt32})
	} else {
		specs = append(specs, model.Spec{Name: "hidden_in", Shape: []int{model.DynamicDim, b.m.HiddenSize}})
	}
	specs = append(specs,
		model.Spec{Name: fmt.Sprintf("k_cache_%d", b.m.Layer), Shape: []int{b.m.KVWidth, b.m.CacheLength}},
		model.Spec{Name: fmt.Sprintf("v_cache_%d", b.m.Layer), Shape: []int{b.m.KVWidth, b.m.CacheLength}},
	)
	return specs
}

func (b *blockModel) Outputs() []model.Spec {
	outs := []model.Spec{
		{Name: "hidden_out", Shape: []int{model.DynamicDim, b.m.HiddenSize}},
		{Name: fmt.Sprintf("k_new_%d", b.m.Layer), Shape: []int{b.m.KVWidth, model.DynamicDim}},
		{Name: fmt.Sprintf("v_new_%d", b.m.Layer), Shape: []int{b.m.KVWidth, model.DynamicDim}},
	}
	if b.m.IsLast {
		outs = append(outs, model.Spec{Name: "logits", Shape: []int{b.m.VocabSize}})
	}
	return outs
}

func (b *blockModel) Load(ctx context.Context) error { return nil }
func (b *blockModel) Unload() error                  { return nil }

func (b *blockModel) Metadata() map[string]string { return b.m.Metadata }

func (b *blockModel) Predict(ctx context.Context, in map[string]model.Tensor) (map[string]model.Tensor, error) {
	hiddenSize := b.m.HiddenSize
	var hidden []float32
	var numPos int
	if b.m.IsFirst {
		ids := in["input_ids"].Ints
		numPos = len(ids)
		hidden = make([]float32, numPos*hiddenSize)
		for p, id := range ids {
			for j := 0; j < hiddenSize; j++ {
				hidden[p*hiddenSize+j] = float32(id)
			}
		}
	} else {
		hidden = in["hidden_in"].Floats
		numPos = len(hidden) / hiddenSize
	}

	kvWidth := b.m.KVWidth
	kNew := make([]float32, numPos*kvWidth)
	vNew := make([]float32, numPos*kvWidth)
	for p := 0; p < numPos; p++ {
		v := hidden[p*hiddenSize]
		for j := 0; j < kvWidth; j++ {
			kNew[p*kvWidth+j] = v
			vNew[p*kvWidth+j] = v
		}
	}

	out := map[string]model.Tensor{
		"hidden_out":                      model.Float32Tensor("hidden_out", []int{numPos, hiddenSize}, hidden),
		fmt.Sprintf("k_new_%d", b.m.Layer): model.Float32Tensor("k_new", []int{kvWidth, numPos}, kNew),
		fmt.Sprintf("v_new_%d", b.m.Layer): model.Float32Tensor("v_new", []int{kvWidth, numPos}, vNew),
	}

	if b.m.IsLast {
		vocabSize := b.m.VocabSize
		last := hidden[(numPos-1)*hiddenSize : numPos*hiddenSize]
		sum := 0
		for _, v := range last {
			sum += int(v)
		}
		target := ((sum % vocabSize) + vocabSize) % vocabSize
		logits := make([]float32, vocabSize)
		for i := range logits {
			d := i - target
			if d < 0 {
				d = -d
			}
			logits[i] = -float32(d)
		}
		out["logits"] = model.Float32Tensor("logits", []int{vocabSize}, logits)
	}
	return out, nil
}

// cacheUpdaterModel copies newly produced K/V slices into the shared
// cache buffers at the position named by cache_offset.
type cacheUpdaterModel struct {
	path    string
	kvWidth int
}

func (c *cacheUpdaterModel) Name() string           { return c.path }
func (c *cacheUpdaterModel) Inputs() []model.Spec   { return nil }
func (c *cacheUpdaterModel) Outputs() []model.Spec  { return nil }
func (c *cacheUpdaterModel) Load(ctx context.Context) error { return nil }
func (c *cacheUpdaterModel) Unload() error                  { return nil }

func (c *cacheUpdaterModel) Predict(ctx context.Context, in map[string]model.Tensor) (map[string]model.Tensor, error) {
	kCache := in["k_cache"].Floats
	vCache := in["v_cache"].Floats
	kNew := in["k_new"].Floats
	vNew := in["v_new"].Floats
	if len(kNew) == 0 {
		return nil, nil
	}
	offset := int(in["cache_offset"].Ints[0])
	numPos := len(kNew) / c.kvWidth
	for p := 0; p < numPos; p++ {
		lo := (offset + p) * c.kvWidth
		copy(kCache[lo:lo+c.kvWidth], kNew[p*c.kvWidth:(p+1)*c.kvWidth])
		copy(vCache[lo:lo+c.kvWidth], vNew[p*c.kvWidth:(p+1)*c.kvWidth])
	}
	return nil, nil
}

// logitSamplerModel picks the highest-scoring logit, mirroring
// sampler.ArgmaxSampler but through the fragment Predict call shape so
// the default FragmentSampler path is exercised too.
type logitSamplerModel struct {
	path string
}

func (l *logitSamplerModel) Name() string { return l.path }
func (l *logitSamplerModel) Inputs() []model.Spec {
	return []model.Spec{{Name: "logits", Shape: []int{model.DynamicDim}}}
}
func (l *logitSamplerModel) Outputs() []model.Spec {
	return []model.Spec{{Name: "next_token", Shape: []int{1}, Type: model.DTypeInt32}}
}
func (l *logitSamplerModel) Load(ctx context.Context) error { return nil }
func (l *logitSamplerModel) Unload() error                  { return nil }

func (l *logitSamplerModel) Predict(ctx context.Context, in map[string]model.Tensor) (map[string]model.Tensor, error) {
	logits := in["logits"].Floats
	if len(logits) == 0 {
		return nil, fmt.Errorf("demomodel: logit sampler called with empty logits")
	}
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return map[string]model.Tensor{
		"next_token": model.Int32Tensor("next_token", []int{1}, []int32{int32(best)}),
	}, nil
}
