// Package driver implements the build orchestration of spec.md §4.6: given
// a target, resolve its producer, recursively build that producer's
// sources, consult the staleness oracle, execute if stale, and persist the
// result.
//
// The package defines its own narrow Target/Builder interfaces rather than
// importing the root drake package, the same dependency-inversion the
// teacher's internal/batch uses against internal/build (batch.Ctx.Build
// only knows about a *build.Pkg's public surface, never the other way
// around): the root package's Node and BuilderBase satisfy these
// interfaces through small adapter types, so internal/driver never imports
// drake and no import cycle can form.
package driver

import "context"

// Target is everything the driver needs to know about one node in the
// build graph.
type Target interface {
	// Path is the node's canonical path, also the build database key.
	Path() string
	// Exists reports whether the target's artifact is currently present
	// (a file on disk, or a virtual value that has been computed).
	Exists() bool
	// Mtime returns the target's current modification time, when one is
	// meaningful (virtual nodes report known=false).
	Mtime() (unixSeconds int64, known bool)
	// Hash returns the target's current content digest.
	Hash() (string, error)
	// Producer returns the builder that produces this target, if any.
	Producer() (Builder, bool)
}

// MtimeAdjuster is optionally implemented by a Target whose mtime can be
// advanced. The driver uses it to implement adjust-mtime-future (spec.md
// §4.4): after a successful rebuild, push a target's mtime past its
// newest source so the mtime fast-path stays monotone across clock skew.
type MtimeAdjuster interface {
	AdjustMtime(newUnixSeconds int64) error
}

// DepPayload is optionally implemented by a Target registered as a dynamic
// dependency. It supplies the (type, data) pair the dynamic-deps protocol
// persists so that a later session's dependency-kind handler can
// reconstruct the same node (spec.md §4.8).
type DepPayload interface {
	DepPayload() (typ string, data []byte)
}

// Builder is the driver's view of one builder instance.
type Builder interface {
	// Key uniquely identifies this builder within a session; it is used
	// both as the depgraph node name and the per-builder future key.
	Key() string
	StaticSources() []Target
	StaticTargets() []Target
	// Signature is a stable hash of the builder's identity and
	// configuration (spec.md §4.7 hash()).
	Signature() (string, error)
	// PrepareDependencies runs the builder's dependencies() hook: default
	// reconstruction of persisted dynamic sources, then any
	// builder-supplied override.
	PrepareDependencies(ctx context.Context) error
	// DynamicSources returns the current snapshot of dynamic sources,
	// grouped by dependency-kind. Called both before the staleness check
	// and again after Execute, since execute() may call add_dynsrc.
	DynamicSources() map[string][]Target
	// Execute performs the transformation. A false return (with nil
	// error) and a non-nil error both count as failure.
	Execute(ctx context.Context) (bool, error)
}
