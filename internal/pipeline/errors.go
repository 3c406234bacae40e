package pipeline

import (
	"errors"
	"fmt"
)

// ManifestMalformedError wraps a fragment-discovery failure: no block
// files matched, the cache or logit fragment is missing, or blocks do not
// tile a contiguous layer range.
type ManifestMalformedError struct {
	Cause error
}

func (e *ManifestMalformedError) Error() string {
	return fmt.Sprintf("manifest malformed: %v", e.Cause)
}

func (e *ManifestMalformedError) Unwrap() error { return e.Cause }

// ShapeInconsistentError wraps a pipelinecfg inference failure: a
// declared dimension is missing, non-static, or inconsistent across
// fragments touching the same tensor.
type ShapeInconsistentError struct {
	Cause error
}

func (e *ShapeInconsistentError) Error() string {
	return fmt.Sprintf("shape inconsistent: %v", e.Cause)
}

func (e *ShapeInconsistentError) Unwrap() error { return e.Cause }

// LoadFailedError wraps an individual fragment instantiation failure.
type LoadFailedError struct {
	FragmentID string
	Cause      error
}

func (e *LoadFailedError) Error() string {
	return fmt.Sprintf("load failed for fragment %q: %v", e.FragmentID, e.Cause)
}

func (e *LoadFailedError) Unwrap() error { return e.Cause }

// InferenceFailedError wraps a fragment predict-call failure during an
// active stream. It terminates the stream and moves the pipeline to
// StateFailed.
type InferenceFailedError struct {
	FragmentID string
	Cause      error
}

func (e *InferenceFailedError) Error() string {
	return fmt.Sprintf("inference failed in fragment %q: %v", e.FragmentID, e.Cause)
}

func (e *InferenceFailedError) Unwrap() error { return e.Cause }

// ErrContextOverflow is the terminal event emitted when the cache cursor
// would exceed cache_length, the cache's row count. Already-emitted tokens
// remain valid.
var ErrContextOverflow = errors.New("context overflow: cache cursor would exceed cache_length")

// ErrCancelled is the terminal event emitted when the consumer cancels
// the token stream. The pipeline is left in StateCancelled, not Failed;
// it still requires Reset before another Predict.
var ErrCancelled = errors.New("predict cancelled")

// ErrAlreadyActive is returned by Predict when a stream is already in
// flight; the pipeline serializes all predict calls (spec.md §5).
var ErrAlreadyActive = errors.New("pipeline: a predict call is already active")

// ErrNotIdle is returned by Predict when the pipeline is Failed, Cancelled
// or Done and has not been Reset.
var ErrNotIdle = errors.New("pipeline: not idle, call Reset before predict")
