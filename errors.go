package drake

import (
	"context"
	"errors"

	"golang.org/x/xerrors"

	"github.com/infinitio/drake/internal/driver"
	"github.com/infinitio/drake/internal/registry"
)

// BuilderFailed reports that a builder's Execute returned failure, or
// raised an error, during a build.
type BuilderFailed struct {
	BuilderKey string
	Cause      error
}

func (e *BuilderFailed) Error() string {
	if e.Cause == nil {
		return xerrors.Errorf("drake: builder %q failed", e.BuilderKey).Error()
	}
	return xerrors.Errorf("drake: builder %q failed: %w", e.BuilderKey, e.Cause).Error()
}

func (e *BuilderFailed) Unwrap() error { return e.Cause }

// MissingSource reports that a referenced node has no producer builder and
// does not exist on disk.
type MissingSource struct {
	Path string
}

func (e *MissingSource) Error() string {
	return xerrors.Errorf("drake: %q has no producer and does not exist", e.Path).Error()
}

// NodeTypeConflict reports that a path was declared both as a file node and
// a virtual node within the same session.
type NodeTypeConflict struct {
	Path string
}

func (e *NodeTypeConflict) Error() string {
	return xerrors.Errorf("drake: %q already exists with a different node type", e.Path).Error()
}

// DuplicateProducer reports that two distinct builders both declared the
// same path as a target (spec.md §8 testable property 1: producer
// uniqueness), caught at builder construction time.
type DuplicateProducer struct {
	Path string
}

func (e *DuplicateProducer) Error() string {
	return xerrors.Errorf("drake: %q already has a producer builder", e.Path).Error()
}

// CycleDetected reports that the builder graph contains a dependency
// cycle.
type CycleDetected struct {
	Builders []string
}

func (e *CycleDetected) Error() string {
	return xerrors.Errorf("drake: dependency cycle among builders %v", e.Builders).Error()
}

// DatabaseSchemaMismatch describes an on-disk build database with an
// incompatible schema version. The build database recovers from a mismatch
// on its own, by discarding its records and logging the event through the
// session's Logger; no engine call returns this error.
type DatabaseSchemaMismatch struct {
	Cause error
}

func (e *DatabaseSchemaMismatch) Error() string {
	return xerrors.Errorf("drake: build database schema mismatch, discarded: %w", e.Cause).Error()
}

func (e *DatabaseSchemaMismatch) Unwrap() error { return e.Cause }

// Interrupted reports that the session's context was canceled, typically
// by InterruptibleContext observing SIGINT or SIGTERM.
type Interrupted struct{}

func (e *Interrupted) Error() string { return "drake: build interrupted" }

// translateErr maps internal driver/registry error values onto the public
// error taxonomy of spec.md §7, so callers never need to import
// internal/driver to use errors.As against it.
func translateErr(err error) error {
	if err == nil {
		return nil
	}

	var missing *driver.MissingSourceError
	if errors.As(err, &missing) {
		return &MissingSource{Path: missing.Path}
	}
	var cycle *driver.CycleError
	if errors.As(err, &cycle) {
		return &CycleDetected{Builders: cycle.Builders}
	}
	var failed *driver.BuilderFailedError
	if errors.As(err, &failed) {
		return &BuilderFailed{BuilderKey: failed.Key, Cause: failed.Cause}
	}
	var conflict *registry.ConflictError
	if errors.As(err, &conflict) {
		return &NodeTypeConflict{Path: conflict.Path}
	}
	if errors.Is(err, context.Canceled) {
		return &Interrupted{}
	}
	return err
}
