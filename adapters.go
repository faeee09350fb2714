package drake

import (
	"context"

	"github.com/infinitio/drake/internal/driver"
)

// targetAdapter lets a Node satisfy internal/driver.Target, so the driver
// never needs to import the root package (see the dependency-inversion
// note in internal/driver/types.go).
type targetAdapter struct {
	node Node
}

func (a targetAdapter) Path() string { return a.node.Path() }
func (a targetAdapter) Exists() bool { return a.node.(nodeInternal).exists() }
func (a targetAdapter) Hash() (string, error) {
	return a.node.(nodeInternal).hash()
}
func (a targetAdapter) Mtime() (int64, bool) {
	return a.node.(nodeInternal).mtime()
}
func (a targetAdapter) Producer() (driver.Builder, bool) {
	p := a.node.(nodeInternal).producer()
	if p == nil {
		return nil, false
	}
	return builderAdapter{p}, true
}

// AdjustMtime satisfies driver.MtimeAdjuster. It is a no-op for nodes that
// don't carry a meaningful mtime (VirtualNode); FileNode implements the
// real file-timestamp bump.
func (a targetAdapter) AdjustMtime(newUnixSeconds int64) error {
	adj, ok := a.node.(interface{ AdjustMtime(int64) error })
	if !ok {
		return nil
	}
	return adj.AdjustMtime(newUnixSeconds)
}

// dynTargetAdapter additionally carries the (type, data) reconstruction
// payload of a dynamic dependency, satisfying driver.DepPayload.
type dynTargetAdapter struct {
	targetAdapter
	typ  string
	data []byte
}

func (a dynTargetAdapter) DepPayload() (string, []byte) { return a.typ, a.data }

// builderAdapter lets a *BuilderBase satisfy internal/driver.Builder.
type builderAdapter struct {
	b *BuilderBase
}

func (a builderAdapter) Key() string { return a.b.key }

func (a builderAdapter) StaticSources() []driver.Target { return toTargets(a.b.sources) }
func (a builderAdapter) StaticTargets() []driver.Target { return toTargets(a.b.targets) }

func (a builderAdapter) Signature() (string, error) { return a.b.signature() }

func (a builderAdapter) PrepareDependencies(ctx context.Context) error {
	return a.b.prepareDependencies(ctx)
}

func (a builderAdapter) DynamicSources() map[string][]driver.Target {
	byKind := a.b.dynamicByKind()
	out := make(map[string][]driver.Target, len(byKind))
	for kind, entries := range byKind {
		ts := make([]driver.Target, len(entries))
		for i, e := range entries {
			ts[i] = dynTargetAdapter{targetAdapter{node: e.node}, e.typ, e.data}
		}
		out[kind] = ts
	}
	return out
}

func (a builderAdapter) Execute(ctx context.Context) (bool, error) {
	return a.b.self.Execute(ctx)
}

func toTargets(nodes []Node) []driver.Target {
	ts := make([]driver.Target, len(nodes))
	for i, n := range nodes {
		ts[i] = targetAdapter{node: n}
	}
	return ts
}
