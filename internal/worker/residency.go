// Package worker implements the per-process side of the gateway: a
// Residency tracks which generators are loaded in this process's memory
// (§4.2), and Serve drives the ipc wire protocol for a worker process
// spawned by the dispatcher's Pool.
package worker

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/llamagate/gateway/internal/backend"
	"github.com/llamagate/gateway/internal/cache"
	"github.com/llamagate/gateway/internal/generation"
	"github.com/llamagate/gateway/internal/registry"
)

// resident is one loaded generator plus the metadata the LRU needs.
type resident struct {
	modelID   string
	generator *generation.Generator
	embedding bool
	elem      *list.Element
}

// Residency is a single worker process's LRU of resident generators
// (§4.2): bounded capacity (1 in the baseline configuration), evicting
// the oldest embedding generator first and, when none is resident, the
// oldest generator of any kind, so the common chat-completion path
// never gets starved out by a one-off embedding call.
type Residency struct {
	capacity int
	order    *list.List // *resident, front = most recently used
	byModel  map[string]*resident

	cacheDir string
	logger   *slog.Logger

	evictionCount    int
	recycleThreshold int

	// OnEvict, if set, is called once per evicted generator (e.g. to
	// increment a Prometheus counter). Optional.
	OnEvict func()
}

// NewResidency builds a Residency bounded at capacity resident generators.
// recycleThreshold of 0 disables process recycling (§9, SPEC_FULL.md
// supplemented feature #4).
func NewResidency(capacity int, cacheDir string, recycleThreshold int, logger *slog.Logger) *Residency {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Residency{
		capacity:         capacity,
		order:            list.New(),
		byModel:          map[string]*resident{},
		cacheDir:         cacheDir,
		logger:           logger,
		recycleThreshold: recycleThreshold,
	}
}

// Ensure loads d's model if it is not already resident, evicting per the
// LRU policy if the residency is at capacity, and returns its Generator.
// The load timeout (§4.2, the "model-load-timeout" knob) is checked once
// backend.Load returns: a load that finished past the deadline is closed,
// is not made resident, and is reported as context.DeadlineExceeded.
// backend.Load itself is not interrupted when the deadline passes.
func (r *Residency) Ensure(ctx context.Context, d *registry.ModelDescriptor, loadTimeout time.Duration) (*generation.Generator, error) {
	if res, ok := r.byModel[d.ID]; ok {
		r.order.MoveToFront(res.elem)
		return res.generator, nil
	}

	for len(r.byModel) >= r.capacity {
		victim := r.pickEvictionVictim()
		if victim == nil {
			break
		}
		r.evict(victim)
	}

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	b, err := backend.Load(d)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", d.ID, err)
	}
	if loadCtx.Err() != nil {
		b.Close()
		return nil, fmt.Errorf("load model %s: %w", d.ID, context.DeadlineExceeded)
	}

	store, err := cache.New(d, r.cacheDir)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("build prefix cache for %s: %w", d.ID, err)
	}

	gen := generation.NewGenerator(d.ID, b, store, r.logger)
	res := &resident{modelID: d.ID, generator: gen, embedding: d.Params.EmbeddingEnabled}
	res.elem = r.order.PushFront(res)
	r.byModel[d.ID] = res

	return gen, nil
}

// pickEvictionVictim returns the resident to evict next: the oldest
// embedding generator if any are resident, else the oldest generator of
// any kind (§4.2, SPEC_FULL.md's elaboration of the baseline eviction
// rule).
func (r *Residency) pickEvictionVictim() *resident {
	for e := r.order.Back(); e != nil; e = e.Prev() {
		res := e.Value.(*resident)
		if res.embedding {
			return res
		}
	}
	if e := r.order.Back(); e != nil {
		return e.Value.(*resident)
	}
	return nil
}

// Evict drops modelID's generator, if resident, closing its backend. The
// next request for that model goes through Ensure's fresh-load path
// rather than being handed a generator left in an unknown state after a
// backend failure (§7: "a failed generator must be evicted from the
// worker's LRU so the next request retries a fresh load").
func (r *Residency) Evict(modelID string) {
	if res, ok := r.byModel[modelID]; ok {
		r.evict(res)
	}
}

func (r *Residency) evict(res *resident) {
	r.order.Remove(res.elem)
	delete(r.byModel, res.modelID)
	if err := res.generator.Backend.Close(); err != nil {
		r.logger.Warn("error closing evicted backend", "model", res.modelID, "error", err)
	}
	r.evictionCount++
	if r.OnEvict != nil {
		r.OnEvict()
	}
}

// ShouldRecycle reports whether this process's eviction count has reached
// its configured threshold (§9, SPEC_FULL.md supplemented feature #4). A
// threshold of 0 makes it always false. Nothing in the module calls it:
// the worker process is not killed or respawned when it reports true.
func (r *Residency) ShouldRecycle() bool {
	return r.recycleThreshold > 0 && r.evictionCount >= r.recycleThreshold
}

// Get returns the generator already resident for a model id, if any,
// without triggering a load.
func (r *Residency) Get(modelID string) (*generation.Generator, bool) {
	res, ok := r.byModel[modelID]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(res.elem)
	return res.generator, true
}

// residentModelIDs lists currently resident model ids, most recently used
// first.
func (r *Residency) residentModelIDs() []string {
	ids := make([]string, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*resident).modelID)
	}
	return ids
}

// Close releases every resident backend, e.g. during worker shutdown.
func (r *Residency) Close() error {
	var firstErr error
	for e := r.order.Front(); e != nil; e = e.Next() {
		res := e.Value.(*resident)
		if err := res.generator.Backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
