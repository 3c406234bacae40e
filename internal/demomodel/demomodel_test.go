package demomodel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-pipeline/internal/model"
)

func writeManifest(t *testing.T, dir, name string, m manifest) string {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFactoryDispatchesOnKind(t *testing.T) {
	dir := t.TempDir()

	blockPath := writeManifest(t, dir, "block.json", manifest{Kind: KindBlock, IsFirst: true, HiddenSize: 4, KVWidth: 2, VocabSize: 8})
	m, err := Factory(blockPath)
	if err != nil {
		t.Fatalf("Factory(block): %v", err)
	}
	if _, ok := m.(*blockModel); !ok {
		t.Fatalf("Factory(block) = %T, want *blockModel", m)
	}

	cachePath := writeManifest(t, dir, "cache.json", manifest{Kind: KindCacheUpdater, KVWidth: 2})
	m, err = Factory(cachePath)
	if err != nil {
		t.Fatalf("Factory(cache): %v", err)
	}
	if _, ok := m.(*cacheUpdaterModel); !ok {
		t.Fatalf("Factory(cache) = %T, want *cacheUpdaterModel", m)
	}

	logitPath := writeManifest(t, dir, "logit.json", manifest{Kind: KindLogitSampler})
	m, err = Factory(logitPath)
	if err != nil {
		t.Fatalf("Factory(logit): %v", err)
	}
	if _, ok := m.(*logitSamplerModel); !ok {
		t.Fatalf("Factory(logit) = %T, want *logitSamplerModel", m)
	}
}

func TestFactoryUnknownKind(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "bogus.json", manifest{Kind: "nonsense"})
	if _, err := Factory(path); err == nil {
		t.Fatal("expected an error for an unknown manifest kind, got nil")
	}
}

func TestFactoryMissingFile(t *testing.T) {
	if _, err := Factory(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing manifest file, got nil")
	}
}

func TestFactoryInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Factory(path); err == nil {
		t.Fatal("expected an error for invalid JSON, got nil")
	}
}

func TestBlockModelFirstBroadcastsTokenID(t *testing.T) {
	b := &blockModel{m: manifest{IsFirst: true, HiddenSize: 3, KVWidth: 2, Layer: 0}}
	in := map[string]model.Tensor{
		"input_ids": model.Int32Tensor("input_ids", []int{2}, []int32{5, 7}),
	}
	out, err := b.Predict(context.Background(), in)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	hidden := out["hidden_out"].Floats
	want := []float32{5, 5, 5, 7, 7, 7}
	if len(hidden) != len(want) {
		t.Fatalf("hidden_out len = %d, want %d", len(hidden), len(want))
	}
	for i := range want {
		if hidden[i] != want[i] {
			t.Fatalf("hidden_out[%d] = %v, want %v", i, hidden[i], want[i])
		}
	}
	kNew := out["k_new_0"].Floats
	if len(kNew) != 4 {
		t.Fatalf("k_new_0 len = %d, want 4", len(kNew))
	}
}

func TestBlockModelNonFirstPassesThroughHidden(t *testing.T) {
	b := &blockModel{m: manifest{IsFirst: false, HiddenSize: 2, KVWidth: 1, Layer: 1}}
	in := map[string]model.Tensor{
		"hidden_in": model.Float32Tensor("hidden_in", []int{2, 2}, []float32{1, 2, 3, 4}),
	}
	out, err := b.Predict(context.Background(), in)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	hidden := out["hidden_out"].Floats
	want := []float32{1, 2, 3, 4}
	for i := range want {
		if hidden[i] != want[i] {
			t.Fatalf("hidden_out[%d] = %v, want %v", i, hidden[i], want[i])
		}
	}
}

func TestBlockModelLastProducesLogitsPeakAtTarget(t *testing.T) {
	b := &blockModel{m: manifest{IsFirst: true, IsLast: true, HiddenSize: 2, KVWidth: 1, VocabSize: 10, Layer: 0}}
	in := map[string]model.Tensor{
		"input_ids": model.Int32Tensor("input_ids", []int{1}, []int32{3}),
	}
	out, err := b.Predict(context.Background(), in)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	logits, ok := out["logits"]
	if !ok {
		t.Fatal("expected a logits output for the last block fragment")
	}
	// hidden sum = 3+3 = 6, vocab size 10 -> target = 6
	want := 6
	best := 0
	for i, v := range logits.Floats {
		if v > logits.Floats[best] {
			best = i
		}
	}
	if best != want {
		t.Fatalf("argmax(logits) = %d, want %d", best, want)
	}
}

func TestCacheUpdaterCopiesAtOffset(t *testing.T) {
	c := &cacheUpdaterModel{kvWidth: 2}
	kCache := make([]float32, 8)
	vCache := make([]float32, 8)
	in := map[string]model.Tensor{
		"k_cache":      model.Float32Tensor("k_cache", []int{2, 4}, kCache),
		"v_cache":      model.Float32Tensor("v_cache", []int{2, 4}, vCache),
		"k_new":        model.Float32Tensor("k_new", []int{2, 1}, []float32{9, 9}),
		"v_new":        model.Float32Tensor("v_new", []int{2, 1}, []float32{8, 8}),
		"cache_offset": model.Int32Tensor("cache_offset", []int{1}, []int32{2}),
	}
	if _, err := c.Predict(context.Background(), in); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	gotK := in["k_cache"].Floats
	want := []float32{0, 0, 0, 0, 9, 9, 0, 0}
	for i := range want {
		if gotK[i] != want[i] {
			t.Fatalf("k_cache[%d] = %v, want %v", i, gotK[i], want[i])
		}
	}
}

func TestCacheUpdaterEmptyKNewIsNoop(t *testing.T) {
	c := &cacheUpdaterModel{kvWidth: 2}
	in := map[string]model.Tensor{
		"k_cache":      model.Float32Tensor("k_cache", []int{2, 0}, nil),
		"v_cache":      model.Float32Tensor("v_cache", []int{2, 0}, nil),
		"k_new":        model.Float32Tensor("k_new", []int{2, 0}, nil),
		"v_new":        model.Float32Tensor("v_new", []int{2, 0}, nil),
		"cache_offset": model.Int32Tensor("cache_offset", []int{1}, []int32{0}),
	}
	out, err := c.Predict(context.Background(), in)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if out != nil {
		t.Fatalf("Predict on empty k_new = %v, want nil", out)
	}
}

func TestLogitSamplerArgmax(t *testing.T) {
	l := &logitSamplerModel{}
	in := map[string]model.Tensor{
		"logits": model.Float32Tensor("logits", []int{4}, []float32{0.1, 3.2, -1, 2.9}),
	}
	out, err := l.Predict(context.Background(), in)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	got := out["next_token"].Ints[0]
	if got != 1 {
		t.Fatalf("next_token = %d, want 1", got)
	}
}

func TestLogitSamplerEmptyLogitsErrors(t *testing.T) {
	l := &logitSamplerModel{}
	in := map[string]model.Tensor{
		"logits": model.Float32Tensor("logits", []int{0}, nil),
	}
	if _, err := l.Predict(context.Background(), in); err == nil {
		t.Fatal("expected an error for empty logits, got nil")
	}
}
