package driver

import "golang.org/x/xerrors"

// MissingSourceError reports that a referenced node has no producer and
// does not exist on disk (spec.md §7).
type MissingSourceError struct {
	Path string
}

func (e *MissingSourceError) Error() string {
	return xerrors.Errorf("missing source: %q has no producer and does not exist", e.Path).Error()
}

// CycleError reports a dependency cycle discovered in the builder graph.
type CycleError struct {
	Builders []string
}

func (e *CycleError) Error() string {
	return xerrors.Errorf("cycle detected among builders %v", e.Builders).Error()
}

// BuilderFailedError reports that a builder's execute returned failure or
// raised an error. Cause is nil when execute simply returned false.
type BuilderFailedError struct {
	Key   string
	Cause error
}

func (e *BuilderFailedError) Error() string {
	if e.Cause == nil {
		return xerrors.Errorf("builder %q failed", e.Key).Error()
	}
	return xerrors.Errorf("builder %q failed: %w", e.Key, e.Cause).Error()
}

func (e *BuilderFailedError) Unwrap() error { return e.Cause }
