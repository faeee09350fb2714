package drake

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/infinitio/drake/internal/dynsrc"
	"github.com/infinitio/drake/internal/fingerprint"
)

// Builder is a transformation that produces a set of target nodes from a
// set of source nodes. Concrete builders embed *BuilderBase and implement
// Execute; DependenciesHook and HashHook are optional capabilities a
// builder may also implement (spec.md §9's capability-set guidance).
type Builder interface {
	// Execute performs the transformation and reports success. An error
	// return is treated the same as (false, nil): both count as failure.
	Execute(ctx context.Context) (bool, error)
}

// DependenciesHook is implemented by a builder that needs to populate
// dynamic sources from something other than (or in addition to) the
// default persisted-record reconstruction BuilderBase already performs.
type DependenciesHook interface {
	Dependencies(ctx context.Context) error
}

// HashHook is implemented by a builder with a non-default notion of its
// own signature. The default, used when a builder does not implement
// HashHook, folds the builder's concrete type and its caller-supplied
// configuration string into one digest (see BuilderBase.defaultHash).
type HashHook interface {
	Hash() (string, error)
}

type dynEntry struct {
	node Node
	typ  string
	data []byte
}

// BuilderBase is the struct concrete builders embed, the way the teacher's
// build.Ctx is the struct a build kind's handler embeds and calls back
// into. A builder is constructed with its complete static source and
// target lists; NewBuilder assigns it as producer of each target and
// registers it with the session's driver, so producer-uniqueness and
// cycle checks happen at construction (spec.md §8 testable property 1).
type BuilderBase struct {
	session *Session
	self    Builder
	key     string

	sources []Node
	targets []Node
	config  string

	dynMu   sync.Mutex
	dynamic map[string][]dynEntry
}

// NewBuilder constructs a BuilderBase producing targets from sources. self
// must be the concrete builder embedding this BuilderBase (the same
// "pass yourself in" idiom build.Ctx requires of its callers), so that the
// driver can invoke the concrete Execute/Dependencies/Hash implementations
// through the embedded base. config is an opaque string folded into the
// default signature; pass a stable encoding of whatever configuration
// distinguishes this builder instance (flags, toolchain version, and so
// on).
func NewBuilder(session *Session, sources, targets []Node, self Builder, config string) (*BuilderBase, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("drake: builder %T declares no targets", self)
	}

	b := &BuilderBase{
		session: session,
		self:    self,
		sources: sources,
		targets: targets,
		config:  config,
		dynamic: make(map[string][]dynEntry),
	}
	b.key = builderKey(targets)

	for _, t := range targets {
		ni, ok := t.(nodeInternal)
		if !ok {
			return nil, fmt.Errorf("drake: target %q is not a node constructed by this session", t.Path())
		}
		if err := ni.setProducer(b); err != nil {
			return nil, translateErr(err)
		}
	}

	if err := session.driver.RegisterBuilder(builderAdapter{b}); err != nil {
		return nil, translateErr(err)
	}
	return b, nil
}

func builderKey(targets []Node) string {
	paths := make([]string, len(targets))
	for i, t := range targets {
		paths[i] = t.Path()
	}
	sort.Strings(paths)
	return strings.Join(paths, "\x00")
}

// RunJob runs f on the session's bounded worker pool, acquiring a job slot
// for the duration of f and releasing it when f returns (spec.md §4.7
// _run_job). Call this from Execute around externally observable work
// (process spawn, disk I/O); pure graph logic should not go through
// RunJob, since it never needs a slot.
func (b *BuilderBase) RunJob(ctx context.Context, f func() (bool, error)) (bool, error) {
	return b.session.pool.RunJob(ctx, f)
}

// AddDynsrc registers node as a dynamic source discovered during
// Dependencies or Execute, under the named dependency-kind. typ and data
// are the opaque reconstruction payload persisted alongside the
// dependency so that a handler registered for kind can recreate the same
// node in a future session (spec.md §4.8); pass empty values when the
// node needs no such payload (its kind's handler can reconstruct purely
// from the path).
//
// A second call naming the same (kind, node path) replaces the first
// rather than adding a duplicate: prepareDependencies always reconstructs
// a builder's previously persisted dynamic sources before running its
// DependenciesHook (spec.md §4.7's dependencies() "populate dynamic
// sources from persisted state"), and a hook that re-declares the same
// dependency it just saw reconstructed must not double its count in the
// persisted record.
func (b *BuilderBase) AddDynsrc(kind string, node Node, typ string, data []byte) {
	b.dynMu.Lock()
	defer b.dynMu.Unlock()
	entries := b.dynamic[kind]
	for i, e := range entries {
		if e.node.Path() == node.Path() {
			entries[i] = dynEntry{node: node, typ: typ, data: data}
			return
		}
	}
	b.dynamic[kind] = append(entries, dynEntry{node: node, typ: typ, data: data})
}

// RegisterDepsHandler registers, for this session, the handler that
// reconstructs a dependency-kind's nodes from persisted (path, type, data)
// tuples (spec.md §4.8). Registration is idempotent per kind id.
func (b *BuilderBase) RegisterDepsHandler(kind string, handler func(caller Builder, path, typ string, data []byte) (Node, error)) {
	b.session.dyn.Register(kind, func(caller interface{}, dep dynsrc.RawDep) (interface{}, error) {
		cb, _ := caller.(Builder)
		return handler(cb, dep.Path, dep.Type, dep.Data)
	})
}

func (b *BuilderBase) signature() (string, error) {
	if hh, ok := b.self.(HashHook); ok {
		return hh.Hash()
	}
	return b.defaultHash()
}

// defaultHash folds the concrete builder's type identity and its
// caller-supplied configuration into one digest, the way build.Ctx.Digest
// folds a build kind's identity and resolved configuration together.
func (b *BuilderBase) defaultHash() (string, error) {
	payload := struct {
		Type   string
		Config string
	}{
		Type:   reflect.TypeOf(b.self).String(),
		Config: b.config,
	}
	return fingerprint.HashValue(payload)
}

// prepareDependencies is the dependencies() hook of spec.md §4.7: it first
// reconstructs whatever dynamic sources were persisted from the last
// successful build of this builder's targets, then runs the concrete
// builder's own DependenciesHook, if it implements one.
func (b *BuilderBase) prepareDependencies(ctx context.Context) error {
	if err := b.reconstructPersisted(); err != nil {
		return err
	}
	if hook, ok := b.self.(DependenciesHook); ok {
		return hook.Dependencies(ctx)
	}
	return nil
}

func (b *BuilderBase) reconstructPersisted() error {
	rec, ok, err := b.session.db.Get(b.targets[0].Path())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for kind, deps := range rec.DynamicDeps {
		for _, dep := range deps {
			v, err := b.session.dyn.Reconstruct(b.self, dynsrc.RawDep{
				Kind: kind,
				Path: dep.Path,
				Type: dep.Type,
				Data: dep.Data,
			})
			if err != nil {
				return fmt.Errorf("drake: reconstructing dynamic dependency %q (kind %q): %w", dep.Path, kind, err)
			}
			node, ok := v.(Node)
			if !ok {
				return fmt.Errorf("drake: dependency-kind %q handler returned %T, want drake.Node", kind, v)
			}
			b.AddDynsrc(kind, node, dep.Type, dep.Data)
		}
	}
	return nil
}

func (b *BuilderBase) dynamicByKind() map[string][]dynEntry {
	b.dynMu.Lock()
	defer b.dynMu.Unlock()
	out := make(map[string][]dynEntry, len(b.dynamic))
	for kind, entries := range b.dynamic {
		out[kind] = append([]dynEntry(nil), entries...)
	}
	return out
}
