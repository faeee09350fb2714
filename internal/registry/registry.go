// Package registry interns nodes by canonical path within one session, the
// way internal/env resolves paths relative to the distri root in the
// teacher repo, generalized into a reusable canonicalizer plus an interning
// map.
package registry

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Kind distinguishes the node variants that can be interned under a path.
type Kind int

const (
	// FileKind identifies a node backed by a file on disk.
	FileKind Kind = iota
	// VirtualKind identifies a node whose content is an in-memory value.
	VirtualKind
)

func (k Kind) String() string {
	switch k {
	case FileKind:
		return "file"
	case VirtualKind:
		return "virtual"
	default:
		return "unknown"
	}
}

// ConflictError reports that a canonical path was re-declared with a
// different node kind than the one it was first interned under.
type ConflictError struct {
	Path string
	Have Kind
	Want Kind
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("node %q already exists as %v, cannot redeclare as %v", e.Path, e.Have, e.Want)
}

type entry struct {
	kind  Kind
	value interface{}
}

// Registry canonicalizes paths relative to a session root and interns one
// node value per canonical path.
type Registry struct {
	root        string
	allowEscape bool

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Registry rooted at root. When allowEscape is false,
// canonicalizing a path that resolves outside root is an error.
func New(root string, allowEscape bool) *Registry {
	return &Registry{
		root:        filepath.Clean(root),
		allowEscape: allowEscape,
		entries:     make(map[string]*entry),
	}
}

// Canonicalize resolves p relative to the registry's root, cleans it, and
// returns a slash-separated path relative to the root. It rejects paths
// that escape the root unless the registry was constructed with
// allowEscape.
func (r *Registry) Canonicalize(p string) (string, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.root, p)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return "", fmt.Errorf("registry: %q is not relative to root %q: %w", p, r.root, err)
	}
	rel = filepath.ToSlash(rel)
	if !r.allowEscape && (rel == ".." || strings.HasPrefix(rel, "../")) {
		return "", fmt.Errorf("registry: path %q escapes session root %q", p, r.root)
	}
	return rel, nil
}

// Lookup returns the value previously interned under canonical path, and
// its kind, if any.
func (r *Registry) Lookup(canonical string) (value interface{}, kind Kind, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[canonical]
	if !ok {
		return nil, 0, false
	}
	return e.value, e.kind, true
}

// Intern returns the existing value for canonical if one was already
// stored, along with created=false. Otherwise it stores value under kind
// and returns (value, true). A kind mismatch against an existing entry is
// reported as a *ConflictError.
func (r *Registry) Intern(canonical string, kind Kind, value interface{}) (interface{}, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[canonical]; ok {
		if e.kind != kind {
			return nil, false, &ConflictError{Path: canonical, Have: e.kind, Want: kind}
		}
		return e.value, false, nil
	}
	r.entries[canonical] = &entry{kind: kind, value: value}
	return value, true, nil
}

// Root returns the session root the registry canonicalizes paths against.
func (r *Registry) Root() string { return r.root }
