// Package kvcache implements the striped key/value attention cache and its
// asynchronous update protocol: one key and one value buffer per layer,
// written in place by a cache-updater fragment while the pipeline has
// already moved on to the next fragment in the same step.
package kvcache

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-pipeline/internal/fragment"
	"github.com/23skdu/longbow-pipeline/internal/metrics"
	"github.com/23skdu/longbow-pipeline/internal/model"
)

// ErrOverflow is returned when an advance would push the cache cursor past
// cache_length. The pipeline package translates this into the public
// ContextOverflow error.
var ErrOverflow = fmt.Errorf("kv cache: advance would exceed cache_length")

// Cache owns the L key and L value buffers for one decode session, plus
// the shared cache cursor t. Buffers are plain Go slices rather than
// page-locked accelerator memory: the fragment is an opaque external
// collaborator in this module, so "shared by reference" here means the
// block fragment and the cache updater are handed the same backing slice,
// guaranteeing the updater's in-place write is visible without a copy or
// publish barrier.
type Cache struct {
	Layers      int
	CacheLength int
	KVWidth     int

	k [][]float32
	v [][]float32
	t int
}

// New allocates a Cache sized exactly for cacheLength; there is no
// eviction policy, writes past cacheLength fail with ErrOverflow.
func New(layers, cacheLength, kvWidth int) *Cache {
	c := &Cache{Layers: layers, CacheLength: cacheLength, KVWidth: kvWidth}
	c.k = make([][]float32, layers)
	c.v = make([][]float32, layers)
	for i := range c.k {
		c.k[i] = make([]float32, cacheLength*kvWidth)
		c.v[i] = make([]float32, cacheLength*kvWidth)
	}
	return c
}

// Cursor returns the current cache cursor t.
func (c *Cache) Cursor() int { return c.t }

// KeyBuffer returns the full key buffer for layer i, to be handed to a
// block fragment's k_cache_i input and the cache updater's k_cache input.
func (c *Cache) KeyBuffer(layer int) []float32 { return c.k[layer] }

// ValueBuffer returns the full value buffer for layer i.
func (c *Cache) ValueBuffer(layer int) []float32 { return c.v[layer] }

// Reset clears every buffer to zero and sets t back to 0.
func (c *Cache) Reset() {
	for i := range c.k {
		for j := range c.k[i] {
			c.k[i][j] = 0
		}
		for j := range c.v[i] {
			c.v[i][j] = 0
		}
	}
	c.t = 0
	metrics.RecordCacheCursor(0)
}

// Advance moves the cache cursor forward by step positions, failing with
// ErrOverflow if that would exceed CacheLength, the buffer's physical
// row count. context_length (input_length + cache_length) is the
// pipeline-level budget spec.md's error taxonomy names, but the cache
// itself can never hold more than cache_length populated rows — this is
// the hard physical bound enforced here regardless of how much of
// context_length's headroom the caller believes remains.
func (c *Cache) Advance(step int) error {
	if c.t+step > c.CacheLength {
		return ErrOverflow
	}
	c.t += step
	metrics.RecordCacheCursor(c.t)
	return nil
}

// Updater dispatches the cache-updater fragment's predict call
// asynchronously, per layer, and lets the pipeline await all outstanding
// calls at the step boundary. Grounded on the ollamarunner
// ComputeWithNotify goroutine-and-channel idiom: issue, proceed, collect.
type Updater struct {
	fragment *fragment.Fragment
}

// NewUpdater wraps the discovered cache-updater fragment.
func NewUpdater(f *fragment.Fragment) *Updater {
	return &Updater{fragment: f}
}

// UpdateAsync issues one cache-updater predict call on a goroutine and
// returns immediately with a channel that receives the call's error (nil
// on success) once it completes. Idempotent on an empty kNew/vNew slice:
// the updater fragment is not invoked and the channel receives nil, so
// the cache contents are left unchanged.
func (u *Updater) UpdateAsync(ctx context.Context, layer int, cache *Cache, kNew, vNew []float32, offset int) <-chan error {
	done := make(chan error, 1)
	go func() {
		start := time.Now()
		defer func() { metrics.RecordCacheUpdate(time.Since(start)) }()

		if len(kNew) == 0 && len(vNew) == 0 {
			done <- nil
			return
		}

		inputs := map[string]model.Tensor{
			"k_cache":      model.Float32Tensor("k_cache", []int{cache.KVWidth, cache.CacheLength}, cache.KeyBuffer(layer)),
			"v_cache":      model.Float32Tensor("v_cache", []int{cache.KVWidth, cache.CacheLength}, cache.ValueBuffer(layer)),
			"k_new":        model.Float32Tensor("k_new", []int{cache.KVWidth, len(kNew) / cache.KVWidth}, kNew),
			"v_new":        model.Float32Tensor("v_new", []int{cache.KVWidth, len(vNew) / cache.KVWidth}, vNew),
			"cache_offset": model.Int32Tensor("cache_offset", []int{1}, []int32{int32(offset)}),
		}
		if _, err := u.fragment.Model.Predict(ctx, inputs); err != nil {
			done <- fmt.Errorf("cache updater layer %d: %w", layer, err)
			return
		}
		done <- nil
	}()
	return done
}

// AwaitAll drains every channel in chans, returning the first error
// observed (if any) after all have completed. All channels are always
// drained so no goroutine is left blocked even when an earlier channel
// already reported failure.
func AwaitAll(chans []<-chan error) error {
	var first error
	for _, ch := range chans {
		if err := <-ch; err != nil && first == nil {
			first = err
		}
	}
	return first
}
