// Package pipeline is the orchestrator described in spec.md §2 item 5: it
// owns the ordered fragment list, the K/V cache, the cache updater, the
// logit sampler, and the derived configuration, and exposes a lazy token
// stream given a prompt and a max-new-tokens budget.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/23skdu/longbow-pipeline/internal/fragment"
	"github.com/23skdu/longbow-pipeline/internal/kvcache"
	"github.com/23skdu/longbow-pipeline/internal/logger"
	"github.com/23skdu/longbow-pipeline/internal/metrics"
	"github.com/23skdu/longbow-pipeline/internal/model"
	"github.com/23skdu/longbow-pipeline/internal/pipelinecfg"
	"github.com/23skdu/longbow-pipeline/internal/sampler"
)

// Pipeline owns every fragment, the K/V cache, and the cache cursor for
// the duration of one decode session.
type Pipeline struct {
	blocks     []*fragment.Fragment
	embeddings *fragment.Fragment
	lmHead     *fragment.Fragment
	cacheFrag  *fragment.Fragment
	logitFrag  *fragment.Fragment

	cfg     pipelinecfg.Config
	cache   *kvcache.Cache
	updater *kvcache.Updater
	samp    sampler.Sampler

	padTokenID int
	bosTokenID int
	eosTokenID int // -1 disables the end-of-sequence check

	mu           sync.Mutex
	state        State
	allTokens    []int
	samplerState sampler.State
}

// Option customizes Load. Most callers only need WithModelFactory; tests
// commonly also supply WithSampler to pin a deterministic policy.
type Option func(*loadOptions)

type loadOptions struct {
	factory fragment.ModelFactory
	samp    sampler.Sampler
}

// WithModelFactory supplies the concrete loader for the target runtime's
// compiled-model format. There is no default: the compiled artifact is an
// opaque external collaborator (spec.md §1), so production callers must
// wire in their own factory (e.g. a CoreML or GGUF loader); tests wire in
// a fake.
func WithModelFactory(f fragment.ModelFactory) Option {
	return func(o *loadOptions) { o.factory = f }
}

// WithSampler overrides the default sampler (FragmentSampler wrapping the
// discovered logit-sampler fragment) — chiefly useful in tests that want
// ArgmaxSampler without a fragment round trip.
func WithSampler(s sampler.Sampler) Option {
	return func(o *loadOptions) { o.samp = s }
}

// Load discovers, instantiates, and configures every fragment in dir,
// then allocates the K/V cache. onProgress receives a monotone [0,1]
// fraction with a short status string per stage, matching the fragment
// loader's own progress protocol.
func Load(ctx context.Context, dir, prefix string, onProgress func(status string, frac float64), opts ...Option) (*Pipeline, error) {
	lo := loadOptions{}
	for _, opt := range opts {
		opt(&lo)
	}
	if lo.factory == nil {
		return nil, &LoadFailedError{FragmentID: "<factory>", Cause: fmt.Errorf("no model factory registered; call Load with pipeline.WithModelFactory")}
	}

	report := func(status string, frac float64) {
		if onProgress != nil {
			onProgress(status, frac)
		}
		logger.Log.Debug("pipeline load progress", "status", status, "fraction", frac)
	}

	report("discovering fragments", 0.0)
	blocks, cacheFrag, logitFrag, err := fragment.Discover(dir, prefix, lo.factory)
	if err != nil {
		return nil, &ManifestMalformedError{Cause: err}
	}

	if err := fragment.LoadAll(ctx, blocks, cacheFrag, logitFrag, func(status string, frac float64) {
		report(status, 0.1+0.6*frac)
	}); err != nil {
		return nil, &LoadFailedError{FragmentID: "<fragment set>", Cause: err}
	}

	embeddings, lmHead, err := roleEndpoints(blocks)
	if err != nil {
		return nil, &ManifestMalformedError{Cause: err}
	}

	report("inferring configuration", 0.75)
	cfg, err := pipelinecfg.Infer(blocks, embeddings, lmHead)
	if err != nil {
		return nil, &ShapeInconsistentError{Cause: err}
	}

	kvWidthK, err := kvWidthOf(embeddings, embeddings.LayerLo)
	if err != nil {
		return nil, &ShapeInconsistentError{Cause: err}
	}

	report("allocating cache", 0.9)
	layers := lmHead.LayerHi
	cache := kvcache.New(layers, cfg.CacheLength, kvWidthK)

	samp := lo.samp
	if samp == nil {
		samp = sampler.FragmentSampler{Fragment: logitFrag}
	}

	p := &Pipeline{
		blocks:     blocks,
		embeddings: embeddings,
		lmHead:     lmHead,
		cacheFrag:  cacheFrag,
		logitFrag:  logitFrag,
		cfg:        cfg,
		cache:      cache,
		updater:    kvcache.NewUpdater(cacheFrag),
		samp:       samp,
		padTokenID: metaInt(embeddings.Metadata, "pad_token_id", 0),
		bosTokenID: metaInt(embeddings.Metadata, "bos_token_id", 0),
		eosTokenID: metaInt(embeddings.Metadata, "eos_token_id", -1),
		state:      StateIdle,
	}

	report("ready", 1.0)
	return p, nil
}

// roleEndpoints finds the embeddings- and LM-head-bearing fragments by
// their declared bindings directly, rather than solely by Fragment.Role:
// a single-fragment model declares both input_ids and logits on the same
// fragment, and Role there settles on RoleLMHead (the authoritative
// override per spec.md §4.1), so Embeddings lookup must not depend on
// Role alone.
func roleEndpoints(blocks []*fragment.Fragment) (embeddings, lmHead *fragment.Fragment, err error) {
	for _, b := range blocks {
		if _, ok := model.SelectSpec(b.Model.Inputs(), "input_ids"); ok {
			embeddings = b
		}
		if _, ok := model.SelectSpec(b.Model.Outputs(), "logits"); ok {
			lmHead = b
		} else if _, ok := model.SelectSpec(b.Model.Outputs(), "logits_0"); ok {
			lmHead = b
		}
	}
	if embeddings == nil {
		return nil, nil, fmt.Errorf("no fragment declared an input_ids input (embeddings role)")
	}
	if lmHead == nil {
		return nil, nil, fmt.Errorf("no fragment declared a logits output (lm_head role)")
	}
	return embeddings, lmHead, nil
}

// kvWidthOf derives the per-position kv width (head_dim * n_kv_heads) from
// a k_cache_i input's declared shape. Per spec.md §4.2 the *last*
// dimension of that shape is cache_length (the operational definition
// used to infer Config.CacheLength); kv width is therefore the leading
// dimension.
func kvWidthOf(f *fragment.Fragment, layer int) (int, error) {
	spec, ok := model.SelectSpec(f.Model.Inputs(), fmt.Sprintf("k_cache_%d", layer))
	if !ok || len(spec.Shape) == 0 {
		return 0, fmt.Errorf("fragment %q: no k_cache_%d input to derive kv width from", f.ID, layer)
	}
	return spec.Shape[0], nil
}

func metaInt(meta map[string]string, key string, def int) int {
	v, ok := meta[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Config returns the inferred pipeline configuration.
func (p *Pipeline) Config() pipelinecfg.Config { return p.cfg }

// CacheOccupancy returns the number of cache rows currently populated
// (the cache cursor t), for health/status reporting.
func (p *Pipeline) CacheOccupancy() int { return p.cache.Cursor() }

// State returns the current state-machine state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reset clears the K/V cache to zero, resets t, and transitions
// Failed|Cancelled|Done -> Idle.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePrefill || p.state == StateGenerate {
		return fmt.Errorf("pipeline: cannot reset while a predict call is active")
	}
	p.cache.Reset()
	p.allTokens = nil
	p.samplerState = sampler.State{}
	p.state = StateIdle
	return nil
}

// Predict runs the prefill phase over promptIDs followed by up to
// maxNewTokens generation steps, streaming one StreamEvent per emitted
// token. The returned channel is closed after a terminal event (success,
// ContextOverflow, InferenceFailed, or Cancelled).
func (p *Pipeline) Predict(ctx context.Context, promptIDs []int, maxNewTokens int) (<-chan StreamEvent, error) {
	p.mu.Lock()
	switch p.state {
	case StatePrefill, StateGenerate:
		p.mu.Unlock()
		return nil, ErrAlreadyActive
	case StateFailed, StateCancelled, StateDone:
		p.mu.Unlock()
		return nil, ErrNotIdle
	}
	p.state = StatePrefill
	p.allTokens = append([]int{}, promptIDs...)
	p.samplerState = sampler.State{}
	p.mu.Unlock()

	out := make(chan StreamEvent, 1)
	go p.run(ctx, promptIDs, maxNewTokens, out)
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, promptIDs []int, maxNewTokens int, out chan<- StreamEvent) {
	defer close(out)

	if maxNewTokens == 0 {
		// No sampler call at all: an empty max_new_tokens budget means
		// the stream is empty, per spec.md §8.
		p.setState(StateDone)
		return
	}

	lastToken, promptLatencyMS, err := p.prefill(ctx, promptIDs, out)
	if err != nil {
		// prefill has already emitted the terminal event and set the
		// state for cancellation and context overflow.
		if err != ErrCancelled && err != ErrContextOverflow {
			p.fail(out, err)
		}
		return
	}

	p.setState(StateGenerate)
	emitted := 0
	if promptLatencyMS != nil {
		emitted = 1 // the first token was already emitted by prefill
	}

	for emitted < maxNewTokens {
		if cancelled(ctx) {
			p.setState(StateCancelled)
			out <- StreamEvent{Err: ErrCancelled}
			metrics.RecordCancelled()
			return
		}

		if p.cache.Cursor()+1 > p.cfg.CacheLength {
			out <- StreamEvent{Err: ErrContextOverflow}
			metrics.RecordContextOverflow()
			p.setState(StateFailed)
			return
		}

		stepStart := time.Now()
		logits, chans, err := p.runChain(ctx, []int32{int32(lastToken)}, p.cache.Cursor())
		if err != nil {
			p.fail(out, err)
			return
		}

		tokenID, newState, err := p.samp.Sample(ctx, logits, p.samplerState)
		if err != nil {
			p.fail(out, &InferenceFailedError{FragmentID: p.logitFrag.ID, Cause: err})
			return
		}
		p.samplerState = newState

		if err := kvcache.AwaitAll(chans); err != nil {
			p.fail(out, &InferenceFailedError{FragmentID: p.cacheFrag.ID, Cause: err})
			return
		}

		if err := p.cache.Advance(1); err != nil {
			out <- StreamEvent{Err: ErrContextOverflow}
			metrics.RecordContextOverflow()
			p.setState(StateFailed)
			return
		}

		p.mu.Lock()
		p.allTokens = append(p.allTokens, tokenID)
		allTokens := append([]int{}, p.allTokens...)
		p.mu.Unlock()

		latency := time.Since(stepStart)
		metrics.RecordStep("generate", latency)
		metrics.RecordToken()

		emitted++
		lastToken = tokenID
		out <- StreamEvent{Prediction: Prediction{
			NewToken:  tokenID,
			AllTokens: allTokens,
			LatencyMS: float64(latency.Microseconds()) / 1000.0,
		}}

		if p.eosTokenID >= 0 && tokenID == p.eosTokenID {
			// "emit then close": the simultaneous EOS/budget tie-break
			// from spec.md §9 applies identically when EOS lands before
			// the budget is exhausted.
			break
		}
	}
	p.setState(StateDone)
}

// prefill partitions promptIDs into input_length chunks, runs the block
// chain (without the sampler) for every intermediate chunk, and invokes
// the sampler after the final chunk to produce the first emitted token.
// It returns the first token id and the recorded prompt latency (0 and
// nil when it returns an error).
func (p *Pipeline) prefill(ctx context.Context, promptIDs []int, out chan<- StreamEvent) (firstToken int, promptLatencyMS *float64, err error) {
	prefillStart := time.Now()
	chunkLen := p.cfg.InputLength
	if len(promptIDs) == 0 {
		// Empty prompt (spec.md §8 boundary case): drive one real token,
		// the model's declared BOS id, through prefill rather than a
		// fully padded no-op pass, so the cache genuinely starts
		// populated and max_new_tokens tokens follow it.
		promptIDs = []int{p.bosTokenID}
	}
	pos := 0
	n := len(promptIDs)

	var logits []float32
	for {
		if cancelled(ctx) {
			p.setState(StateCancelled)
			out <- StreamEvent{Err: ErrCancelled}
			metrics.RecordCancelled()
			return 0, nil, ErrCancelled
		}

		end := pos + chunkLen
		isFinal := end >= n
		if isFinal {
			end = n
		}
		actualLen := end - pos

		padded := make([]int32, chunkLen)
		for i := 0; i < actualLen; i++ {
			padded[i] = int32(promptIDs[pos+i])
		}
		for i := actualLen; i < chunkLen; i++ {
			padded[i] = int32(p.padTokenID)
		}

		start := time.Now()
		offset := p.cache.Cursor()
		var chainErr error
		logits, _, chainErr = p.runChainAwaited(ctx, padded, offset)
		if chainErr != nil {
			return 0, nil, chainErr
		}

		if err := p.cache.Advance(actualLen); err != nil {
			out <- StreamEvent{Err: ErrContextOverflow}
			metrics.RecordContextOverflow()
			p.setState(StateFailed)
			return 0, nil, ErrContextOverflow
		}
		metrics.RecordStep("prefill", time.Since(start))

		pos = end
		if isFinal {
			break
		}
	}

	tokenID, newState, err := p.samp.Sample(ctx, logits, p.samplerState)
	if err != nil {
		return 0, nil, &InferenceFailedError{FragmentID: p.logitFrag.ID, Cause: err}
	}
	p.samplerState = newState

	p.mu.Lock()
	p.allTokens = append(p.allTokens, tokenID)
	allTokens := append([]int{}, p.allTokens...)
	p.mu.Unlock()

	pl := new(float64)
	*pl = float64(time.Since(prefillStart).Microseconds()) / 1000.0
	metrics.RecordToken()

	out <- StreamEvent{Prediction: Prediction{
		NewToken:        tokenID,
		AllTokens:       allTokens,
		LatencyMS:       *pl,
		PromptLatencyMS: pl,
	}}

	return tokenID, pl, nil
}

// runChainAwaited runs the full fragment chain and awaits all per-layer
// cache updates before returning, used by prefill where every chunk must
// be fully committed before the next chunk (or the final sampler call)
// begins.
func (p *Pipeline) runChainAwaited(ctx context.Context, tokenIDs []int32, offset int) ([]float32, []<-chan error, error) {
	logits, chans, err := p.runChain(ctx, tokenIDs, offset)
	if err != nil {
		return nil, nil, err
	}
	if err := kvcache.AwaitAll(chans); err != nil {
		return nil, nil, &InferenceFailedError{FragmentID: p.cacheFrag.ID, Cause: err}
	}
	return logits, nil, nil
}

// runChain runs every block fragment in order, threading hidden state
// (or input_ids on the first fragment) and issuing an async cache-updater
// call per layer as soon as that layer's new K/V slice is available. The
// returned channels are not yet awaited; the caller decides when to await
// them relative to the next step (spec.md §4.4).
func (p *Pipeline) runChain(ctx context.Context, tokenIDs []int32, offset int) (logits []float32, chans []<-chan error, err error) {
	var hidden model.Tensor
	for i, b := range p.blocks {
		inputs := map[string]model.Tensor{}
		if i == 0 {
			inputs["input_ids"] = model.Int32Tensor("input_ids", []int{len(tokenIDs)}, tokenIDs)
		} else {
			inputs["hidden_in"] = hidden
		}
		for layer := b.LayerLo; layer < b.LayerHi; layer++ {
			inputs[fmt.Sprintf("k_cache_%d", layer)] = model.Float32Tensor(fmt.Sprintf("k_cache_%d", layer), []int{p.cache.KVWidth, p.cfg.CacheLength}, p.cache.KeyBuffer(layer))
			inputs[fmt.Sprintf("v_cache_%d", layer)] = model.Float32Tensor(fmt.Sprintf("v_cache_%d", layer), []int{p.cache.KVWidth, p.cfg.CacheLength}, p.cache.ValueBuffer(layer))
		}
		inputs["cache_offset"] = model.Int32Tensor("cache_offset", []int{1}, []int32{int32(offset)})

		out, predictErr := b.Model.Predict(ctx, inputs)
		if predictErr != nil {
			metrics.RecordInferenceFailed(b.ID)
			return nil, chans, &InferenceFailedError{FragmentID: b.ID, Cause: predictErr}
		}

		for layer := b.LayerLo; layer < b.LayerHi; layer++ {
			kNew := out[fmt.Sprintf("k_new_%d", layer)].Floats
			vNew := out[fmt.Sprintf("v_new_%d", layer)].Floats
			ch := p.updater.UpdateAsync(ctx, layer, p.cache, kNew, vNew, offset)
			chans = append(chans, ch)
		}

		if l, ok := out["logits"]; ok {
			logits = l.Floats
		} else if l, ok := out["logits_0"]; ok {
			logits = l.Floats
		}
		if h, ok := out["hidden_out"]; ok {
			hidden = h
		}
	}
	return logits, chans, nil
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) fail(out chan<- StreamEvent, err error) {
	p.setState(StateFailed)
	out <- StreamEvent{Err: err}
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
