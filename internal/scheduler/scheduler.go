// Package scheduler implements the engine's job-slot admission control and
// the per-builder future that guarantees at-most-once execution.
//
// The job pool is a counting semaphore with capacity equal to the
// configured number of jobs, using golang.org/x/sync/semaphore --- a
// sibling package of golang.org/x/sync/errgroup, which the teacher already
// depends on in both internal/build and internal/batch. RunJob acquires one
// slot around the externally observable work, dispatches it to a goroutine,
// and blocks the calling coroutine until the result is ready, mirroring
// "_run_job" in spec.md §4.7.
//
// The Future/FutureMap pair realizes "ensure at most one coroutine per
// builder" from spec.md §4.6: the first caller to ask for a given builder's
// future becomes the owning coroutine and runs the real work; later callers
// simply await the same future, the way internal/batch's scheduler fans
// completions back out over a shared done channel.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent externally-observable work to a fixed number of
// job slots.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a Pool with capacity jobs. jobs must be >= 1.
func NewPool(jobs int) *Pool {
	if jobs < 1 {
		jobs = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(jobs))}
}

// RunJob acquires a job slot, runs f on a worker goroutine, and returns its
// result once the goroutine completes. If ctx is canceled before a slot is
// acquired or before f completes, RunJob returns ctx.Err() without waiting
// for f (f's own goroutine still runs to completion in the background, the
// way spec.md §4.5 requires: "Builders already executing their job are not
// forcibly killed").
func (p *Pool) RunJob(ctx context.Context, f func() (bool, error)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer p.sem.Release(1)
		ok, err := f()
		done <- result{ok, err}
	}()

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Future is a one-shot, concurrency-safe completion signal: exactly one
// Resolve call has effect, and any number of Wait callers observe the same
// outcome.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future with err. Only the first call has any
// effect; subsequent calls are no-ops, which is what lets a builder's
// owning coroutine be the sole writer even under concurrent access.
func (f *Future) Resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future is resolved or ctx is canceled, whichever
// comes first.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FutureMap hands out exactly one Future per key, reporting to the first
// caller for a given key that it is responsible for doing the real work.
type FutureMap struct {
	mu sync.Mutex
	m  map[string]*Future
}

// NewFutureMap returns an empty FutureMap.
func NewFutureMap() *FutureMap {
	return &FutureMap{m: make(map[string]*Future)}
}

// GetOrCreate returns the future for key, creating one if this is the first
// call for that key. created is true exactly once per key, for whichever
// goroutine wins the race to create it; that goroutine is the owning
// coroutine responsible for eventually calling Resolve.
func (fm *FutureMap) GetOrCreate(key string) (future *Future, created bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if f, ok := fm.m[key]; ok {
		return f, false
	}
	f := NewFuture()
	fm.m[key] = f
	return f, true
}
