package fragment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-pipeline/internal/model"
)

type fakeModel struct {
	name    string
	inputs  []model.Spec
	outputs []model.Spec
}

func (f *fakeModel) Name() string          { return f.name }
func (f *fakeModel) Inputs() []model.Spec  { return f.inputs }
func (f *fakeModel) Outputs() []model.Spec { return f.outputs }
func (f *fakeModel) Load(ctx context.Context) error { return nil }
func (f *fakeModel) Unload() error                  { return nil }
func (f *fakeModel) Predict(ctx context.Context, in map[string]model.Tensor) (map[string]model.Tensor, error) {
	return nil, nil
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func twoChunkFactory(path string) (model.Model, error) {
	name := filepath.Base(path)
	switch {
	case contains(name, "cache"):
		return &fakeModel{name: name, inputs: []model.Spec{
			{Name: "k_cache", Shape: []int{960, 64}},
			{Name: "v_cache", Shape: []int{960, 64}},
			{Name: "k_new", Shape: []int{-1, 64}},
			{Name: "v_new", Shape: []int{-1, 64}},
			{Name: "cache_offset", Shape: []int{1}},
		}}, nil
	case contains(name, "logit"):
		return &fakeModel{name: name,
			inputs:  []model.Spec{{Name: "logits", Shape: []int{32000}}},
			outputs: []model.Spec{{Name: "next_token", Shape: []int{1}}},
		}, nil
	case contains(name, "01of02"):
		return &fakeModel{name: name,
			inputs: []model.Spec{
				{Name: "input_ids", Shape: []int{64}},
				{Name: "k_cache_0", Shape: []int{960, 64}},
				{Name: "v_cache_0", Shape: []int{960, 64}},
			},
			outputs: []model.Spec{
				{Name: "hidden_out", Shape: []int{64, 512}},
				{Name: "k_new_0", Shape: []int{64, 64}},
				{Name: "v_new_0", Shape: []int{64, 64}},
			},
		}, nil
	case contains(name, "02of02"):
		return &fakeModel{name: name,
			inputs: []model.Spec{
				{Name: "hidden_in", Shape: []int{64, 512}},
				{Name: "k_cache_1", Shape: []int{960, 64}},
				{Name: "v_cache_1", Shape: []int{960, 64}},
			},
			outputs: []model.Spec{
				{Name: "logits", Shape: []int{64, 32000}},
				{Name: "k_new_1", Shape: []int{64, 64}},
				{Name: "v_new_1", Shape: []int{64, 64}},
			},
		}, nil
	default:
		return nil, nil
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestDiscoverHappyPath(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "M_chunk_01of02.mlmodelc")
	touch(t, dir, "M_chunk_02of02.mlmodelc")
	touch(t, dir, "cache-processor.mlmodelc")
	touch(t, dir, "logit-processor.mlmodelc")

	blocks, cacheUpdater, logitSampler, err := Discover(dir, "M", twoChunkFactory)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("want 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Role != RoleEmbeddings {
		t.Errorf("blocks[0].Role = %v, want RoleEmbeddings", blocks[0].Role)
	}
	if blocks[1].Role != RoleLMHead {
		t.Errorf("blocks[1].Role = %v, want RoleLMHead", blocks[1].Role)
	}
	if blocks[0].LayerLo != 0 || blocks[0].LayerHi != 1 {
		t.Errorf("blocks[0] layer range = [%d,%d), want [0,1)", blocks[0].LayerLo, blocks[0].LayerHi)
	}
	if blocks[1].LayerLo != 1 || blocks[1].LayerHi != 2 {
		t.Errorf("blocks[1] layer range = [%d,%d), want [1,2)", blocks[1].LayerLo, blocks[1].LayerHi)
	}
	if cacheUpdater == nil || cacheUpdater.Role != RoleCacheUpdater {
		t.Errorf("cacheUpdater role = %v, want RoleCacheUpdater", cacheUpdater)
	}
	if logitSampler == nil || logitSampler.Role != RoleLogitSampler {
		t.Errorf("logitSampler role = %v, want RoleLogitSampler", logitSampler)
	}
}

func TestLoadAllReachesReady(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "M_chunk_01of02.mlmodelc")
	touch(t, dir, "M_chunk_02of02.mlmodelc")
	touch(t, dir, "cache-processor.mlmodelc")
	touch(t, dir, "logit-processor.mlmodelc")

	blocks, cacheUpdater, logitSampler, err := Discover(dir, "M", twoChunkFactory)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	var statuses []string
	err = LoadAll(context.Background(), blocks, cacheUpdater, logitSampler, func(status string, frac float64) {
		statuses = append(statuses, status)
	})
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(statuses) == 0 || statuses[len(statuses)-1] != "ready" {
		t.Fatalf("last progress status = %q, want %q", statuses[len(statuses)-1], "ready")
	}
}

func TestDiscoverNaturalSort(t *testing.T) {
	names := []string{"M_chunk_10of10.ext", "M_chunk_2of10.ext", "M_chunk_1of10.ext"}
	sortNatural(names)
	want := []string{"M_chunk_1of10.ext", "M_chunk_2of10.ext", "M_chunk_10of10.ext"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("sortNatural = %v, want %v", names, want)
		}
	}
}

func TestDiscoverMissingLogitFragment(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "M_chunk_01of02.mlmodelc")
	touch(t, dir, "M_chunk_02of02.mlmodelc")
	touch(t, dir, "cache-processor.mlmodelc")

	_, _, _, err := Discover(dir, "M", twoChunkFactory)
	if err == nil {
		t.Fatal("expected an error for missing logit-sampler fragment, got nil")
	}
}

func TestDiscoverNonContiguousLayers(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "M_chunk_02of02.mlmodelc")
	touch(t, dir, "cache-processor.mlmodelc")
	touch(t, dir, "logit-processor.mlmodelc")

	_, _, _, err := Discover(dir, "M", twoChunkFactory)
	if err == nil {
		t.Fatal("expected an error for a layer range that does not start at 0, got nil")
	}
}
