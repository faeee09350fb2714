// Package oracle implements the staleness decision of spec.md §4.4: given a
// target's persisted build record and the current state of everything it
// was built from, decide whether the target is still fresh or must be
// rebuilt.
//
// Hashing is expensive (it reads file contents), so every source is
// described by a SourceSnapshot carrying its current mtime plus a lazy Hash
// closure. When the persisted mtime for a source is unchanged from the last
// build, Decide never invokes Hash for that source --- the mtime fast path
// required by testable property 5. internal/fingerprint.Hasher is built the
// same way, memoizing by mtime so that repeated Decide calls across the
// same build session never rehash an unchanged file.
package oracle

import (
	"fmt"

	"github.com/infinitio/drake/internal/store"
)

// SourceSnapshot describes one source (static or dynamic) as it currently
// exists on disk, without eagerly computing its content hash.
type SourceSnapshot struct {
	Path       string
	Mtime      int64
	MtimeKnown bool
	Hash       func() (string, error)
}

// TargetSnapshot describes one output target as it currently exists on
// disk.
type TargetSnapshot struct {
	Path   string
	Exists bool
	Hash   func() (string, error)
}

// Options tunes the staleness check.
type Options struct {
	// UseMtime enables the mtime fast path: a source whose mtime matches the
	// persisted value is considered unchanged without hashing it. When
	// false, every source is always hashed, which is how DRAKE_MTIME=0 is
	// wired in the root package.
	UseMtime bool
}

// Decision reports the staleness verdict and a short human-readable reason,
// useful for -v logging in the style of distri's build command.
type Decision struct {
	Fresh  bool
	Reason string
}

func stale(format string, args ...interface{}) (Decision, error) {
	return Decision{Fresh: false, Reason: fmt.Sprintf(format, args...)}, nil
}

// Decide applies spec.md §4.4's four freshness conditions in order: the
// record must exist, the producer's signature must be unchanged, every
// target must exist and match its recorded hash, and every static and
// dynamic source must match its recorded hash. rec is nil when no prior
// record exists (unconditionally stale).
func Decide(rec *store.Record, signature string, targets []TargetSnapshot, staticSources []SourceSnapshot, dynamicSources map[string][]SourceSnapshot, opts Options) (Decision, error) {
	if rec == nil {
		return stale("no prior build record")
	}
	if rec.Signature != signature {
		return stale("producer signature changed")
	}

	for _, tgt := range targets {
		if !tgt.Exists {
			return stale("target %q is missing", tgt.Path)
		}
		h, err := tgt.Hash()
		if err != nil {
			return Decision{}, fmt.Errorf("oracle: hashing target %q: %w", tgt.Path, err)
		}
		if h != rec.TargetHash {
			return stale("target %q content changed", tgt.Path)
		}
	}

	if d, err, matched := decideSources(staticSources, rec.StaticHashes, rec.StaticMtimes, opts); !matched {
		return d, err
	}

	for kind, snapshots := range dynamicSources {
		persisted := rec.DynamicDeps[kind]
		if len(persisted) != len(snapshots) {
			return stale("dynamic dependency set for kind %q changed size", kind)
		}
		hashes := make(map[string]string, len(persisted))
		mtimes := make(map[string]int64, len(persisted))
		known := make(map[string]bool, len(persisted))
		for _, d := range persisted {
			hashes[d.Path] = d.Hash
			mtimes[d.Path] = d.Mtime
			known[d.Path] = d.MtimeKnown
		}
		for _, snap := range snapshots {
			wantHash, ok := hashes[snap.Path]
			if !ok {
				return stale("dynamic dependency %q (kind %q) is new", snap.Path, kind)
			}
			if opts.UseMtime && known[snap.Path] && snap.MtimeKnown && snap.Mtime == mtimes[snap.Path] {
				continue
			}
			h, err := snap.Hash()
			if err != nil {
				return Decision{}, fmt.Errorf("oracle: hashing dynamic dependency %q: %w", snap.Path, err)
			}
			if h != wantHash {
				return stale("dynamic dependency %q (kind %q) content changed", snap.Path, kind)
			}
		}
	}
	if len(dynamicSources) == 0 && len(rec.DynamicDeps) != 0 {
		return stale("dynamic dependencies were dropped")
	}

	return Decision{Fresh: true, Reason: "up to date"}, nil
}

func decideSources(sources []SourceSnapshot, hashes map[string]string, mtimes map[string]int64, opts Options) (Decision, error, bool) {
	if len(sources) != len(hashes) {
		d, err := stale("static source set changed")
		return d, err, false
	}
	for _, snap := range sources {
		wantHash, ok := hashes[snap.Path]
		if !ok {
			d, err := stale("static source %q is new", snap.Path)
			return d, err, false
		}
		if opts.UseMtime && snap.MtimeKnown && snap.Mtime == mtimes[snap.Path] {
			continue
		}
		h, err := snap.Hash()
		if err != nil {
			return Decision{}, fmt.Errorf("oracle: hashing static source %q: %w", snap.Path, err), false
		}
		if h != wantHash {
			d, serr := stale("static source %q content changed", snap.Path)
			return d, serr, false
		}
	}
	return Decision{}, nil, true
}
