package pipelinecfg

import (
	"context"
	"testing"

	"github.com/23skdu/longbow-pipeline/internal/fragment"
	"github.com/23skdu/longbow-pipeline/internal/model"
)

type stubModel struct {
	inputs  []model.Spec
	outputs []model.Spec
}

func (f *stubModel) Name() string         { return "fake" }
func (f *stubModel) Inputs() []model.Spec { return f.inputs }
func (f *stubModel) Outputs() []model.Spec {
	return f.outputs
}
func (f *stubModel) Load(ctx context.Context) error { return nil }
func (f *stubModel) Unload() error                  { return nil }
func (f *stubModel) Predict(ctx context.Context, in map[string]model.Tensor) (map[string]model.Tensor, error) {
	return nil, nil
}

func TestInferHappyPath(t *testing.T) {
	embeddings := &fragment.Fragment{
		ID: "M_chunk_01of02", LayerLo: 0, LayerHi: 1,
		Model: &stubModel{
			inputs: []model.Spec{
				{Name: "input_ids", Shape: []int{64}},
				{Name: "k_cache_0", Shape: []int{64, 960}},
			},
		},
	}
	lmHead := &fragment.Fragment{
		ID: "M_chunk_02of02", LayerLo: 1, LayerHi: 2,
		Model: &stubModel{
			inputs: []model.Spec{
				{Name: "k_cache_1", Shape: []int{64, 960}},
			},
			outputs: []model.Spec{
				{Name: "logits", Shape: []int{64, 32000}},
			},
		},
	}
	blocks := []*fragment.Fragment{embeddings, lmHead}

	cfg, err := Infer(blocks, embeddings, lmHead)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if cfg.InputLength != 64 || cfg.VocabSize != 32000 || cfg.CacheLength != 960 || cfg.ContextLength != 1024 {
		t.Fatalf("got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestInferCacheLengthMismatch(t *testing.T) {
	embeddings := &fragment.Fragment{
		ID: "M_chunk_01of02", LayerLo: 0, LayerHi: 1,
		Model: &stubModel{
			inputs: []model.Spec{
				{Name: "input_ids", Shape: []int{64}},
				{Name: "k_cache_0", Shape: []int{64, 960}},
			},
		},
	}
	lmHead := &fragment.Fragment{
		ID: "M_chunk_02of02", LayerLo: 1, LayerHi: 2,
		Model: &stubModel{
			inputs: []model.Spec{
				{Name: "k_cache_1", Shape: []int{64, 512}},
			},
			outputs: []model.Spec{
				{Name: "logits", Shape: []int{64, 32000}},
			},
		},
	}
	blocks := []*fragment.Fragment{embeddings, lmHead}

	_, err := Infer(blocks, embeddings, lmHead)
	if err == nil {
		t.Fatal("expected cache_length mismatch error, got nil")
	}
}
