package driver

import (
	"context"
	"log"
	"sync"

	"golang.org/x/xerrors"

	"github.com/infinitio/drake/internal/depgraph"
	"github.com/infinitio/drake/internal/oracle"
	"github.com/infinitio/drake/internal/scheduler"
	"github.com/infinitio/drake/internal/store"
)

// Driver orchestrates one build session's traversal: resolving producers,
// fanning out over sources, consulting the oracle, invoking execute, and
// persisting results. It does not itself gate access to job slots ---
// BuilderBase.RunJob does that directly against the session's scheduler
// pool, so a builder's own nested RunJob call can never deadlock against a
// slot the driver is holding on its behalf (see DESIGN.md).
type Driver struct {
	db                *store.DB
	opts              oracle.Options
	adjustMtimeFuture bool
	logger            *log.Logger

	graph   *depgraph.Graph
	futures *scheduler.FutureMap

	regMu            sync.Mutex
	pendingConsumers map[string][]Builder // source path -> builders registered before that path had a producer

	mu       sync.Mutex
	failed   bool
	firstErr error
}

// New returns a Driver backed by db for persistence. opts controls the
// oracle's mtime fast-path; adjustMtimeFuture enables the post-rebuild
// mtime bump of spec.md §4.4. logger may be nil. Hashing itself is never
// the driver's concern: every Target closes over whatever Hasher the root
// package wired into it.
func New(db *store.DB, opts oracle.Options, adjustMtimeFuture bool, logger *log.Logger) *Driver {
	return &Driver{
		db:                db,
		opts:              opts,
		adjustMtimeFuture: adjustMtimeFuture,
		logger:            logger,
		graph:             depgraph.New(),
		futures:           scheduler.NewFutureMap(),
		pendingConsumers:  make(map[string][]Builder),
	}
}

// RegisterBuilder wires b's dependency edges into the graph and rejects the
// registration if doing so introduces a cycle. Called once, synchronously,
// when a builder is constructed (spec.md §3: "builder declares on
// construction its static sources and targets").
//
// A cycle can only be completed by the builder that is declared *last*
// among the two endpoints: if A lists an not-yet-produced path as a
// source, A is recorded as a pending consumer of that path rather than
// dropped, so that when the builder which eventually produces that path
// registers, the A->producer edge is added retroactively and the cycle
// becomes visible regardless of declaration order.
func (d *Driver) RegisterBuilder(b Builder) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	for _, src := range b.StaticSources() {
		if p, ok := src.Producer(); ok {
			d.graph.AddEdge(b.Key(), p.Key())
		} else {
			d.pendingConsumers[src.Path()] = append(d.pendingConsumers[src.Path()], b)
		}
	}
	for _, tgt := range b.StaticTargets() {
		for _, consumer := range d.pendingConsumers[tgt.Path()] {
			d.graph.AddEdge(consumer.Key(), b.Key())
		}
		delete(d.pendingConsumers, tgt.Path())
	}

	if names, found := d.graph.DetectCycle(); found {
		return &CycleError{Builders: names}
	}
	return nil
}

// Failed reports the session's sticky failure flag and the first error
// that set it, if any.
func (d *Driver) Failed() (error, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed {
		return d.firstErr, true
	}
	return nil, false
}

func (d *Driver) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.failed {
		d.failed = true
		d.firstErr = err
	}
}

func (d *Driver) sessionError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed {
		return d.firstErr
	}
	return nil
}

// Build drives t to completion: if t has no producer, it must already
// exist; otherwise t's producer (and transitively, everything it depends
// on) is built.
func (d *Driver) Build(ctx context.Context, t Target) error {
	producer, ok := t.Producer()
	if !ok {
		if t.Exists() {
			return nil
		}
		return &MissingSourceError{Path: t.Path()}
	}
	return d.buildBuilder(ctx, producer)
}

// buildBuilder ensures at most one coroutine runs b's build: the first
// caller for a given key becomes the owning goroutine and resolves the
// shared future; later callers simply await it (spec.md §4.6 step 2,
// testable property 2).
func (d *Driver) buildBuilder(ctx context.Context, b Builder) error {
	future, created := d.futures.GetOrCreate(b.Key())
	if !created {
		return future.Wait(ctx)
	}
	err := d.runBuilder(ctx, b)
	future.Resolve(err)
	return err
}

// runBuilder is step 1-6 of spec.md §4.6, executed by the single owning
// goroutine for b.
func (d *Driver) runBuilder(ctx context.Context, b Builder) error {
	// The sticky failure flag is only consulted here, at the entry point
	// of a *newly created* future: a coroutine already in flight when the
	// flag flips continues to completion (spec.md §4.5), it is never
	// interrupted mid-way by this check.
	if err := d.sessionError(); err != nil {
		return err
	}

	for _, src := range b.StaticSources() {
		if _, ok := src.Producer(); !ok && !src.Exists() {
			err := &MissingSourceError{Path: src.Path()}
			d.fail(err)
			return err
		}
	}

	if err := d.awaitAll(ctx, b.StaticSources()); err != nil {
		d.fail(err)
		return err
	}

	if err := b.PrepareDependencies(ctx); err != nil {
		failErr := &BuilderFailedError{Key: b.Key(), Cause: err}
		d.fail(failErr)
		return failErr
	}
	if err := d.awaitAll(ctx, flatten(b.DynamicSources())); err != nil {
		d.fail(err)
		return err
	}

	fresh, reason, err := d.decide(b)
	if err != nil {
		return xerrors.Errorf("driver: deciding freshness of %q: %w", b.Key(), err)
	}
	if fresh {
		d.logf("%s is up to date (%s)", b.Key(), reason)
		return nil
	}
	d.logf("%s is stale: %s", b.Key(), reason)

	ok, err := b.Execute(ctx)
	if err != nil || !ok {
		failErr := &BuilderFailedError{Key: b.Key(), Cause: err}
		d.fail(failErr)
		return failErr
	}

	// execute() may have declared dynamic sources not known at the
	// PrepareDependencies step above; schedule and await their producers
	// too before this builder is allowed to report success (spec.md
	// §4.6's dynamic dep re-run rule).
	if err := d.awaitAll(ctx, flatten(b.DynamicSources())); err != nil {
		d.fail(err)
		return err
	}

	if err := d.persist(b); err != nil {
		return xerrors.Errorf("driver: persisting record for %q: %w", b.Key(), err)
	}
	return nil
}

// awaitAll builds every source in srcs that has a producer, concurrently,
// and waits for all of them regardless of whether one fails --- a plain
// sync.WaitGroup rather than errgroup, since errgroup's shared-cancellation
// context would make an unrelated, still-running sibling's wait return
// early the moment any one of them fails (see DESIGN.md). It returns the
// first error observed, if any.
func (d *Driver) awaitAll(ctx context.Context, srcs []Target) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(srcs))

	for _, s := range srcs {
		producer, ok := s.Producer()
		if !ok {
			continue
		}
		wg.Add(1)
		go func(p Builder) {
			defer wg.Done()
			errs <- d.buildBuilder(ctx, p)
		}(producer)
	}
	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func flatten(byKind map[string][]Target) []Target {
	var all []Target
	for _, ts := range byKind {
		all = append(all, ts...)
	}
	return all
}

func (d *Driver) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf("drake: "+format, args...)
	}
}
