package sampler

import (
	"context"
	"testing"
)

func TestArgmaxSamplerPicksMax(t *testing.T) {
	s := ArgmaxSampler{}
	id, _, err := s.Sample(context.Background(), []float32{0.1, 5.0, -2.0, 4.9}, State{})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if id != 1 {
		t.Fatalf("Sample() = %d, want 1", id)
	}
}

func TestArgmaxSamplerEmptyLogits(t *testing.T) {
	s := ArgmaxSampler{}
	if _, _, err := s.Sample(context.Background(), nil, State{}); err == nil {
		t.Fatal("expected an error for empty logits, got nil")
	}
}

func TestArgmaxSamplerDeterministic(t *testing.T) {
	s := ArgmaxSampler{}
	logits := []float32{1, 2, 3, 2, 1}
	id1, _, _ := s.Sample(context.Background(), logits, State{})
	id2, _, _ := s.Sample(context.Background(), logits, State{})
	if id1 != id2 {
		t.Fatalf("argmax sampling is not deterministic: %d != %d", id1, id2)
	}
}
