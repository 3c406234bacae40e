// Package fragment discovers and loads the compiled model fragments that
// make up one pipeline directory: the embeddings/block-chunk/LM-head chain,
// the cache-updater, and the logit-sampler.
package fragment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/longbow-pipeline/internal/metrics"
	"github.com/23skdu/longbow-pipeline/internal/model"
)

// Role is a closed enum populated exclusively by the loader. Downstream
// code dispatches on Role, never on a fragment's filename.
type Role int

const (
	RoleBlockChunk Role = iota
	RoleEmbeddings
	RoleLMHead
	RoleCacheUpdater
	RoleLogitSampler
)

func (r Role) String() string {
	switch r {
	case RoleEmbeddings:
		return "embeddings"
	case RoleLMHead:
		return "lm_head"
	case RoleCacheUpdater:
		return "cache_updater"
	case RoleLogitSampler:
		return "logit_sampler"
	default:
		return "block_chunk"
	}
}

// Fragment is one compiled artifact plus its assigned role and, for block
// chunks, the layer range it realizes.
type Fragment struct {
	ID         string
	Role       Role
	Path       string
	LayerLo    int // inclusive, block chunks only
	LayerHi    int // exclusive, block chunks only
	Metadata   map[string]string
	Model      model.Model
}

// ModelFactory instantiates a model.Model for one on-disk compiled
// artifact. Production code supplies the real loader for the target
// runtime; tests supply a fake.
type ModelFactory func(path string) (model.Model, error)

var chunkSuffix = regexp.MustCompile(`(?i)_chunk_(\d+)of(\d+)\.`)

// Discover scans dir for compiled-model entries, optionally filtered by
// prefix, and assembles the ordered block-chunk list plus the cache
// updater and logit sampler fragments. It does not Load the underlying
// models; call LoadAll on the returned set to load them.
//
// Returns a plain error (not a pipeline-level typed error) describing why
// discovery failed; callers translate it into the public error taxonomy.
func Discover(dir, prefix string, factory ModelFactory) (blocks []*Fragment, cacheUpdater, logitSampler *Fragment, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading pipeline directory %q: %w", dir, err)
	}

	var cacheCandidates, logitCandidates, blockCandidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if prefix != "" && !strings.HasPrefix(name, prefix) && !strings.Contains(strings.ToLower(name), "cache") && !strings.Contains(strings.ToLower(name), "logit") {
			continue
		}
		lower := strings.ToLower(name)
		switch {
		case strings.Contains(lower, "cache"):
			cacheCandidates = append(cacheCandidates, name)
		case strings.Contains(lower, "logit"):
			logitCandidates = append(logitCandidates, name)
		default:
			if chunkSuffix.MatchString(name) {
				blockCandidates = append(blockCandidates, name)
			}
		}
	}

	if len(blockCandidates) == 0 {
		return nil, nil, nil, fmt.Errorf("no block-chunk fragments found in %q matching prefix %q", dir, prefix)
	}
	if len(cacheCandidates) == 0 {
		return nil, nil, nil, fmt.Errorf("no cache-updater fragment found in %q (expected a *cache* entry)", dir)
	}
	if len(logitCandidates) == 0 {
		return nil, nil, nil, fmt.Errorf("no logit-sampler fragment found in %q (expected a *logit* entry)", dir)
	}

	sort.Strings(cacheCandidates)
	sort.Strings(logitCandidates)
	sortNatural(blockCandidates)

	cacheUpdater, err = build(dir, cacheCandidates[0], RoleCacheUpdater, factory)
	if err != nil {
		return nil, nil, nil, err
	}
	logitSampler, err = build(dir, logitCandidates[0], RoleLogitSampler, factory)
	if err != nil {
		return nil, nil, nil, err
	}

	layerCursor := 0
	for i, name := range blockCandidates {
		f, err := build(dir, name, RoleBlockChunk, factory)
		if err != nil {
			return nil, nil, nil, err
		}
		lo, hi, err := layerRangeOf(f)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("fragment %q: %w", name, err)
		}
		if lo != layerCursor {
			return nil, nil, nil, fmt.Errorf("block fragments do not tile a contiguous layer range: %q declares [%d,%d), expected start %d", name, lo, hi, layerCursor)
		}
		f.LayerLo, f.LayerHi = lo, hi
		layerCursor = hi

		if i == 0 {
			f.Role = RoleEmbeddings
		}
		if i == len(blockCandidates)-1 {
			if f.Role == RoleEmbeddings {
				// single-fragment model: both roles apply, keep Embeddings
				// as the discovery heuristic but confirm LM head by
				// declared output below.
			} else {
				f.Role = RoleLMHead
			}
		}
		// Authoritative role confirmation from declared bindings, per the
		// discovery-heuristic-vs-declared-contract rule: an input_ids
		// input always marks embeddings; a logits/logits_0 output always
		// marks the LM head, regardless of position.
		if _, ok := model.SelectSpec(f.Model.Inputs(), "input_ids"); ok {
			f.Role = RoleEmbeddings
		}
		if _, ok := model.SelectSpec(f.Model.Outputs(), "logits"); ok {
			f.Role = RoleLMHead
		} else if _, ok := model.SelectSpec(f.Model.Outputs(), "logits_0"); ok {
			f.Role = RoleLMHead
		}

		blocks = append(blocks, f)
	}

	return blocks, cacheUpdater, logitSampler, nil
}

func build(dir, name string, role Role, factory ModelFactory) (*Fragment, error) {
	path := filepath.Join(dir, name)
	m, err := factory(path)
	if err != nil {
		return nil, fmt.Errorf("instantiating fragment %q: %w", name, err)
	}
	meta := map[string]string{}
	if mp, ok := m.(model.MetadataProvider); ok {
		for k, v := range mp.Metadata() {
			meta[k] = v
		}
	}
	return &Fragment{
		ID:       name,
		Role:     role,
		Path:     path,
		Metadata: meta,
		Model:    m,
	}, nil
}

// layerRangeOf derives the [lo, hi) layer range a block fragment realizes
// from its declared k_cache_i/v_cache_i input names.
func layerRangeOf(f *Fragment) (lo, hi int, err error) {
	layerInput := regexp.MustCompile(`^k_cache_(\d+)$`)
	var layers []int
	for _, in := range f.Model.Inputs() {
		if m := layerInput.FindStringSubmatch(in.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			layers = append(layers, n)
		}
	}
	if len(layers) == 0 {
		return 0, 0, fmt.Errorf("no k_cache_i inputs declared; cannot derive layer range")
	}
	sort.Ints(layers)
	for i := 1; i < len(layers); i++ {
		if layers[i] != layers[i-1]+1 {
			return 0, 0, fmt.Errorf("declared layer indices are not contiguous: %v", layers)
		}
	}
	return layers[0], layers[len(layers)-1] + 1, nil
}

// LoadAll instantiates every fragment in order, reporting a monotone
// progress fraction and short status through onProgress.
func LoadAll(ctx context.Context, blocks []*Fragment, cacheUpdater, logitSampler *Fragment, onProgress func(status string, frac float64)) error {
	all := append(append([]*Fragment{}, blocks...), cacheUpdater, logitSampler)
	total := len(all)
	for i, f := range all {
		if onProgress != nil {
			onProgress(fmt.Sprintf("loading %s (%s)", f.ID, f.Role), float64(i)/float64(total))
		}
		start := time.Now()
		err := f.Model.Load(ctx)
		metrics.RecordFragmentLoad(f.Role.String(), time.Since(start))
		if err != nil {
			return fmt.Errorf("loading fragment %q: %w", f.ID, err)
		}
	}
	if onProgress != nil {
		onProgress("ready", 1.0)
	}
	return nil
}

// sortNatural sorts filenames by the numeric value of their _chunk_NNofMM
// suffix rather than lexicographically, so "…_chunk_2of10" sorts before
// "…_chunk_10of10".
func sortNatural(names []string) {
	key := func(s string) int {
		m := chunkSuffix.FindStringSubmatch(s)
		if m == nil {
			return 0
		}
		n, _ := strconv.Atoi(m[1])
		return n
	}
	sort.Slice(names, func(i, j int) bool {
		ki, kj := key(names[i]), key(names[j])
		if ki != kj {
			return ki < kj
		}
		return names[i] < names[j]
	})
}
