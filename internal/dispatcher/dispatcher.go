// Package dispatcher implements the worker-selection and lifecycle layer
// that sits between the HTTP surface and the worker pool (§4.1, §5): which
// of the W workers a request should run on, the per-worker semaphore that
// bounds concurrent jobs, model affinity, and cooperative disconnect
// detection.
package dispatcher

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/llamagate/gateway/internal/gwerr"
)

// slot is the dispatcher's metadata view of one worker process: its
// handle, a counting semaphore of capacity S, and the model id it is
// currently affined to (retained across releases so a later request for
// the same model prefers this worker — §4.1 rank -2). H is typically
// *worker.Handle in production and a lightweight fake in tests; the
// dispatcher never calls a method on it, it only hands it back in a Lease.
//
// sem is a golang.org/x/sync/semaphore.Weighted rather than a hand-rolled
// chan struct{}; held tracks the current permit count alongside it, since
// Weighted itself exposes no way to read back how many of its N units are
// outstanding and rank needs that count to score slots.
type slot[H any] struct {
	handle   H
	sem      *semaphore.Weighted
	capacity int64
	held     atomic.Int64
	mu       sync.Mutex
	affinity string
}

func newSlot[H any](h H, semaphores int) *slot[H] {
	return &slot[H]{handle: h, sem: semaphore.NewWeighted(int64(semaphores)), capacity: int64(semaphores)}
}

func (s *slot[H]) available() int {
	return int(s.capacity - s.held.Load())
}

// Dispatcher owns the fixed worker slots and runs the §4.1 selection
// algorithm for every incoming request.
type Dispatcher[H any] struct {
	mu    sync.Mutex
	slots []*slot[H]

	disconnectPoll time.Duration
}

// New builds a Dispatcher over the given worker handles, each allowed up
// to maxSemaphores concurrent jobs.
func New[H any](handles []H, maxSemaphores int, disconnectPoll time.Duration) *Dispatcher[H] {
	slots := make([]*slot[H], len(handles))
	for i, h := range handles {
		slots[i] = newSlot(h, maxSemaphores)
	}
	return &Dispatcher[H]{slots: slots, disconnectPoll: disconnectPoll}
}

// Lease is an acquired worker slot. Callers must call Release exactly
// once when the job finishes, regardless of outcome (success, backend
// failure, or client disconnect) — §5's "release on every exit path".
type Lease[H any] struct {
	Handle H

	s    *slot[H]
	once sync.Once
}

// Release returns the slot's permit. The worker's model affinity is
// retained (§4.1: "affinity is retained across release") so a later
// request for the same model is preferred to this worker again.
func (l *Lease[H]) Release() {
	l.once.Do(func() {
		l.s.sem.Release(1)
		l.s.held.Add(-1)
	})
}

// rank scores a slot for a requested model (§4.1):
//
//   - -2 if the slot is already affined to modelID (reuse, no reload).
//   - -1 if the slot has no affinity yet, or is currently fully idle.
//   - otherwise S - available: a busier worker running a DIFFERENT model
//     is penalized more than a lightly loaded one, so load spreads across
//     idle/same-model workers before spilling onto a busy, wrong-model one.
func rank[H any](s *slot[H], modelID string) int {
	s.mu.Lock()
	affinity := s.affinity
	s.mu.Unlock()

	if affinity == modelID {
		return -2
	}
	avail := s.available()
	if affinity == "" || int64(avail) == s.capacity {
		return -1
	}
	return int(s.capacity) - avail
}

// Acquire selects the best worker slot for modelID per the §4.1 rank
// function among the workers with a free permit, acquires one of its
// semaphore permits without waiting (gwerr.ErrNoAvailableWorker when no
// worker has a free permit), and re-checks the caller's context for
// cancellation immediately after acquisition (a client that has already
// disconnected should not keep a worker slot it will never use).
func (d *Dispatcher[H]) Acquire(ctx context.Context, modelID string) (*Lease[H], error) {
	d.mu.Lock()
	candidates := make([]*slot[H], 0, len(d.slots))
	for _, s := range d.slots {
		if s.available() > 0 {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		d.mu.Unlock()
		return nil, gwerr.ErrNoAvailableWorker
	}

	best := candidates[0]
	bestRank := rank(best, modelID)
	ties := []*slot[H]{best}
	for _, s := range candidates[1:] {
		r := rank(s, modelID)
		switch {
		case r < bestRank:
			bestRank = r
			best = s
			ties = []*slot[H]{s}
		case r == bestRank:
			ties = append(ties, s)
		}
	}
	if len(ties) > 1 {
		best = ties[rand.IntN(len(ties))]
	}

	best.sem.TryAcquire(1) // guaranteed to succeed: best.available() > 0 was just observed
	best.held.Add(1)
	best.mu.Lock()
	best.affinity = modelID
	best.mu.Unlock()
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		lease := &Lease[H]{Handle: best.handle, s: best}
		lease.Release()
		return nil, errors.Join(gwerr.ErrClientCancelled, err)
	}

	return &Lease[H]{Handle: best.handle, s: best}, nil
}

// WatchDisconnect polls isAlive every d.disconnectPoll until ctx is done
// or isAlive reports false, at which point it calls onDisconnect exactly
// once (§5: "disconnection check every 1s ... set the interrupt flag,
// cancel the producer task, close the SSE channel").
func (d *Dispatcher[H]) WatchDisconnect(ctx context.Context, isAlive func() bool, onDisconnect func()) {
	interval := d.disconnectPoll
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !isAlive() {
				onDisconnect()
				return
			}
		}
	}
}
