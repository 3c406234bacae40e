// Package model defines the opaque compiled-fragment abstraction the
// pipeline drives. A Model is never interpreted by this package or its
// callers beyond the declared shapes below; the actual forward-pass math
// lives entirely outside this module.
package model

import (
	"context"
	"fmt"
)

// DType is the element type of a Tensor.
type DType int

const (
	DTypeFloat32 DType = iota
	DTypeInt32
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeInt32:
		return "int32"
	default:
		return "unknown"
	}
}

// DynamicDim is the sentinel used in a declared Shape for a dimension the
// fragment does not fix at compile time.
const DynamicDim = -1

// Spec is the declared name/shape/dtype of one fragment input or output
// binding, as read from a fragment's manifest.
type Spec struct {
	Name  string
	Shape []int
	Type  DType
}

// LastDim returns the last entry of Shape, or an error if Shape is empty.
func (s Spec) LastDim() (int, error) {
	if len(s.Shape) == 0 {
		return 0, fmt.Errorf("tensor %q: declared shape is empty", s.Name)
	}
	return s.Shape[len(s.Shape)-1], nil
}

// Tensor is a named, shaped, typed value passed between the pipeline and a
// fragment's Predict call. Exactly one of Floats/Ints is populated,
// matching Type.
type Tensor struct {
	Name   string
	Shape  []int
	Type   DType
	Floats []float32
	Ints   []int32
}

// Int32Tensor builds a Tensor of DTypeInt32.
func Int32Tensor(name string, shape []int, values []int32) Tensor {
	return Tensor{Name: name, Shape: shape, Type: DTypeInt32, Ints: values}
}

// Float32Tensor builds a Tensor of DTypeFloat32.
func Float32Tensor(name string, shape []int, values []float32) Tensor {
	return Tensor{Name: name, Shape: shape, Type: DTypeFloat32, Floats: values}
}

// Model is a thin wrapper around one compiled network artifact on disk.
// The pipeline treats it as opaque: it never inspects weights, only the
// declared input/output bindings and the predict contract.
type Model interface {
	// Name is a short identifier, usually the fragment's filename.
	Name() string

	// Inputs declares every input binding this model accepts.
	Inputs() []Spec

	// Outputs declares every output binding this model produces.
	Outputs() []Spec

	// Load instantiates the underlying artifact. Load is idempotent and
	// must be safe to call once before the first Predict.
	Load(ctx context.Context) error

	// Unload releases any resources acquired by Load.
	Unload() error

	// Predict runs one forward pass. Buffers referenced by outputs that
	// alias an input tensor (e.g. in-place cache writes) are mutated in
	// place; the returned map still contains an entry for every declared
	// output for callers that prefer to read the return value.
	Predict(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error)
}

// MetadataProvider is an optional capability a Model implementation may
// additionally satisfy to expose manifest-level key/value metadata (e.g.
// a per-model pad_token_id or eos_token_id) that isn't part of the
// input/output binding contract. The loader copies this into
// Fragment.Metadata at discovery time if present.
type MetadataProvider interface {
	Metadata() map[string]string
}

// SelectSpec finds the named spec in a Spec slice.
func SelectSpec(specs []Spec, name string) (Spec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}
