package driver

import (
	"fmt"

	"github.com/infinitio/drake/internal/oracle"
	"github.com/infinitio/drake/internal/store"
)

// decide checks every one of b's targets against its own persisted record.
// Records are stored one per target path (spec.md §4.3); a builder with
// several targets is fresh only when every one of its target records
// independently verifies fresh against the builder's current sources and
// signature, which are identical across all of a builder's target records
// since they are produced atomically by the same execute() call.
func (d *Driver) decide(b Builder) (fresh bool, reason string, err error) {
	sig, err := b.Signature()
	if err != nil {
		return false, "", fmt.Errorf("computing signature: %w", err)
	}

	staticSnaps := sourceSnapshots(b.StaticSources())
	dynamicSnaps := make(map[string][]oracle.SourceSnapshot)
	for kind, ts := range b.DynamicSources() {
		dynamicSnaps[kind] = sourceSnapshots(ts)
	}

	for _, tgt := range b.StaticTargets() {
		rec, ok, gerr := d.db.Get(tgt.Path())
		if gerr != nil {
			return false, "", gerr
		}
		if !ok {
			return false, fmt.Sprintf("no prior record for target %q", tgt.Path()), nil
		}
		decision, derr := oracle.Decide(rec, sig, []oracle.TargetSnapshot{targetSnapshot(tgt)}, staticSnaps, dynamicSnaps, d.opts)
		if derr != nil {
			return false, "", derr
		}
		if !decision.Fresh {
			return false, decision.Reason, nil
		}
	}
	return true, "up to date", nil
}

// persist writes one build record per target, capturing the full observed
// dependency set of the successful execution: the union of whatever
// PrepareDependencies reconstructed and whatever execute() added via
// add_dynsrc, since both write into the same dynamic-source snapshot
// (spec.md §4.6's persist-the-union rule).
func (d *Driver) persist(b Builder) error {
	sig, err := b.Signature()
	if err != nil {
		return fmt.Errorf("computing signature: %w", err)
	}

	staticSources := b.StaticSources()
	staticSnaps := sourceSnapshots(staticSources)
	staticHashes := make(map[string]string, len(staticSources))
	staticMtimes := make(map[string]int64, len(staticSources))

	var newestSourceMtime int64
	var haveMtime bool

	for i, src := range staticSources {
		h, err := staticSnaps[i].Hash()
		if err != nil {
			return fmt.Errorf("hashing static source %q: %w", src.Path(), err)
		}
		staticHashes[src.Path()] = h
		if staticSnaps[i].MtimeKnown {
			staticMtimes[src.Path()] = staticSnaps[i].Mtime
			if !haveMtime || staticSnaps[i].Mtime > newestSourceMtime {
				newestSourceMtime = staticSnaps[i].Mtime
				haveMtime = true
			}
		}
	}

	dynamicDeps := make(map[string][]store.DynamicDep)
	for kind, ts := range b.DynamicSources() {
		deps := make([]store.DynamicDep, 0, len(ts))
		for _, t := range ts {
			h, err := t.Hash()
			if err != nil {
				return fmt.Errorf("hashing dynamic source %q: %w", t.Path(), err)
			}
			mtime, known := t.Mtime()
			dep := store.DynamicDep{Path: t.Path(), Hash: h, Mtime: mtime, MtimeKnown: known}
			if payload, ok := t.(DepPayload); ok {
				dep.Type, dep.Data = payload.DepPayload()
			}
			deps = append(deps, dep)
			if known && (!haveMtime || mtime > newestSourceMtime) {
				newestSourceMtime = mtime
				haveMtime = true
			}
		}
		dynamicDeps[kind] = deps
	}

	for _, tgt := range b.StaticTargets() {
		h, err := tgt.Hash()
		if err != nil {
			return fmt.Errorf("hashing target %q: %w", tgt.Path(), err)
		}
		rec := &store.Record{
			Signature:    sig,
			TargetHash:   h,
			StaticHashes: staticHashes,
			StaticMtimes: staticMtimes,
			DynamicDeps:  dynamicDeps,
		}
		if err := d.db.Put(tgt.Path(), rec); err != nil {
			return err
		}
		if d.adjustMtimeFuture && haveMtime {
			if adj, ok := tgt.(MtimeAdjuster); ok {
				want := newestSourceMtime + 1
				if cur, known := tgt.Mtime(); !known || cur < want {
					if err := adj.AdjustMtime(want); err != nil {
						return fmt.Errorf("adjusting mtime of %q: %w", tgt.Path(), err)
					}
				}
			}
		}
	}
	return nil
}

// sourceSnapshots converts Targets into the oracle's lazy-hash snapshot
// type. Targets already close over whatever Hasher the root package wired
// into them, so this is a pure adaptation, not a second hashing path.
func sourceSnapshots(targets []Target) []oracle.SourceSnapshot {
	snaps := make([]oracle.SourceSnapshot, len(targets))
	for i, t := range targets {
		t := t
		mtime, known := t.Mtime()
		snaps[i] = oracle.SourceSnapshot{
			Path:       t.Path(),
			Mtime:      mtime,
			MtimeKnown: known,
			Hash:       t.Hash,
		}
	}
	return snaps
}

func targetSnapshot(t Target) oracle.TargetSnapshot {
	return oracle.TargetSnapshot{
		Path:   t.Path(),
		Exists: t.Exists(),
		Hash:   t.Hash,
	}
}
