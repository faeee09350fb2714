package drake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/infinitio/drake/internal/fingerprint"
	"github.com/infinitio/drake/internal/registry"
)

// Node is a uniquely named artifact participating in the build graph. The
// interface is sealed (the unexported node method) so that every Node in a
// session is one the engine itself constructed and can introspect; see
// FileNode and VirtualNode.
type Node interface {
	// Path is the node's canonical path within the session.
	Path() string
	// DependencyAdd records that this node's freshness also depends on
	// other, independent of any builder relationship.
	DependencyAdd(other Node)
	// Build drives this node to completion, building its producer (and,
	// transitively, everything that producer depends on) if one exists.
	Build(ctx context.Context) error

	node()
}

// nodeInternal is the engine's private view of a Node, used by the
// targetAdapter that bridges into internal/driver. Because Node is sealed,
// a type assertion to nodeInternal inside this package can never fail for
// a value that satisfies Node.
type nodeInternal interface {
	Node
	exists() bool
	mtime() (unixSeconds int64, known bool)
	hash() (string, error)
	producer() *BuilderBase
	setProducer(b *BuilderBase) error
}

type nodeBase struct {
	session *Session
	path    string
	self    nodeInternal

	mu   sync.Mutex
	deps []Node
	prod *BuilderBase
}

func (n *nodeBase) Path() string { return n.path }
func (n *nodeBase) node()        {}

func (n *nodeBase) DependencyAdd(other Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deps = append(n.deps, other)
}

func (n *nodeBase) producer() *BuilderBase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.prod
}

// setProducer assigns b as the node's producer. Producer assignment is
// permanent for the lifetime of the session (spec.md §3): a second,
// different builder claiming the same target is rejected.
func (n *nodeBase) setProducer(b *BuilderBase) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.prod != nil && n.prod != b {
		return &DuplicateProducer{Path: n.path}
	}
	n.prod = b
	return nil
}

func (n *nodeBase) Build(ctx context.Context) error {
	n.mu.Lock()
	deps := append([]Node(nil), n.deps...)
	n.mu.Unlock()

	for _, d := range deps {
		if err := d.Build(ctx); err != nil {
			return err
		}
	}
	return translateErr(n.session.driver.Build(ctx, targetAdapter{node: n.self}))
}

func (n *nodeBase) absPath() string {
	return filepath.Join(n.session.root, filepath.FromSlash(n.path))
}

// FileNode is a node backed by a file on disk, identified by a canonical
// path relative to the session root.
type FileNode struct{ nodeBase }

// FileNode looks up or creates the file node at path. Constructing a node
// with an existing canonical path returns the existing object (spec.md
// §4.2); a prior virtual node at the same path is a *NodeTypeConflict.
func (s *Session) FileNode(path string) (*FileNode, error) {
	canon, err := s.registry.Canonicalize(path)
	if err != nil {
		return nil, err
	}
	fn := &FileNode{}
	fn.nodeBase = nodeBase{session: s, path: canon, self: fn}

	v, created, err := s.registry.Intern(canon, registry.FileKind, fn)
	if err != nil {
		return nil, translateErr(err)
	}
	if !created {
		existing, ok := v.(*FileNode)
		if !ok {
			return nil, &NodeTypeConflict{Path: canon}
		}
		return existing, nil
	}
	return fn, nil
}

// Touch declares a leaf file node with no producer: a pre-existing source.
// It never fails even when the path does not yet exist on disk ---
// non-existence is diagnosed lazily, as a *MissingSource, the first time
// the node (or something depending on it) is built.
func (s *Session) Touch(path string) (*FileNode, error) {
	return s.FileNode(path)
}

func (f *FileNode) exists() bool {
	_, err := os.Stat(f.absPath())
	return err == nil
}

func (f *FileNode) mtime() (int64, bool) {
	info, err := os.Stat(f.absPath())
	if err != nil {
		return 0, false
	}
	return info.ModTime().Unix(), true
}

func (f *FileNode) hash() (string, error) {
	mtime, known := f.mtime()
	if !known {
		return "", fmt.Errorf("drake: hashing %q: %w", f.path, os.ErrNotExist)
	}
	return f.session.hasher.HashFile(f.absPath(), mtime)
}

// AdjustMtime sets the file's modification time, used by the driver to
// implement adjust-mtime-future.
func (f *FileNode) AdjustMtime(newUnixSeconds int64) error {
	t := time.Unix(newUnixSeconds, 0)
	return os.Chtimes(f.absPath(), t, t)
}

// VirtualNode is a node whose content is an in-memory value computed by
// its producing builder, identified by a symbolic path rather than a file.
type VirtualNode struct {
	nodeBase

	vmu      sync.Mutex
	value    interface{}
	computed bool
}

// VirtualNode looks up or creates the virtual node at path.
func (s *Session) VirtualNode(path string) (*VirtualNode, error) {
	canon, err := s.registry.Canonicalize(path)
	if err != nil {
		return nil, err
	}
	vn := &VirtualNode{}
	vn.nodeBase = nodeBase{session: s, path: canon, self: vn}

	v, created, err := s.registry.Intern(canon, registry.VirtualKind, vn)
	if err != nil {
		return nil, translateErr(err)
	}
	if !created {
		existing, ok := v.(*VirtualNode)
		if !ok {
			return nil, &NodeTypeConflict{Path: canon}
		}
		return existing, nil
	}
	return vn, nil
}

// Set stores value as the node's current content. Builders call this from
// Execute to publish their result; value must be encoding/json-marshalable
// so that its hash is stable across sessions (spec.md §9 Open Question 2).
func (v *VirtualNode) Set(value interface{}) {
	v.vmu.Lock()
	defer v.vmu.Unlock()
	v.value = value
	v.computed = true
}

// Value returns the node's current content, if it has been Set.
func (v *VirtualNode) Value() (interface{}, bool) {
	v.vmu.Lock()
	defer v.vmu.Unlock()
	return v.value, v.computed
}

func (v *VirtualNode) exists() bool {
	v.vmu.Lock()
	defer v.vmu.Unlock()
	return v.computed
}

func (v *VirtualNode) mtime() (int64, bool) { return 0, false }

func (v *VirtualNode) hash() (string, error) {
	v.vmu.Lock()
	value, ok := v.value, v.computed
	v.vmu.Unlock()
	if !ok {
		return "", fmt.Errorf("drake: virtual node %q has no value yet", v.path)
	}
	return fingerprint.HashValue(value)
}
