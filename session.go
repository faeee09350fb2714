// Package drake is a build engine: users compose Node and Builder objects
// into a graph, then call Node.Build to execute only the work that is
// out-of-date, in parallel, respecting dependencies discovered both
// statically at construction and dynamically during execution.
package drake

import (
	"log"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/infinitio/drake/internal/driver"
	"github.com/infinitio/drake/internal/dynsrc"
	"github.com/infinitio/drake/internal/fingerprint"
	"github.com/infinitio/drake/internal/oracle"
	"github.com/infinitio/drake/internal/registry"
	"github.com/infinitio/drake/internal/scheduler"
	"github.com/infinitio/drake/internal/store"
)

// Options configures a Session. It is a plain struct populated by the
// caller, the same shape as the teacher's build.Ctx: there is no
// flag-parsing front end here, since a configuration front end is
// explicitly out of scope.
type Options struct {
	// Jobs bounds concurrent externally observable work. Defaults to 1.
	Jobs int
	// DisableMtime turns off the mtime fast-path, forcing every source to
	// be content-hashed on every build. The DRAKE_MTIME=0 environment
	// variable has the same effect and is checked in addition to this
	// field.
	DisableMtime bool
	// AdjustMtimeFuture, after a successful rebuild, advances a target's
	// mtime past its newest source's, keeping the mtime fast-path
	// monotone across clock skew.
	AdjustMtimeFuture bool
	// WorkingDir is the session root that node paths are canonicalized
	// against. Defaults to the current directory.
	WorkingDir string
	// AllowEscape permits node paths that resolve outside WorkingDir.
	AllowEscape bool
	// Logger receives progress and diagnostic messages. A nil Logger
	// disables logging.
	Logger *log.Logger
}

// Session is one top-level build invocation: it owns the node registry,
// the dependency-kind registry, the build database, the job pool, and the
// driver that ties them together.
type Session struct {
	root   string
	logger *log.Logger

	registry *registry.Registry
	dyn      *dynsrc.Registry
	db       *store.DB
	hasher   *fingerprint.Hasher
	pool     *scheduler.Pool
	driver   *driver.Driver
}

// NewSession opens (creating if necessary) the build database under
// opts.WorkingDir and returns a ready-to-use Session.
func NewSession(opts Options) (*Session, error) {
	if opts.WorkingDir == "" {
		opts.WorkingDir = "."
	}
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	root, err := filepath.Abs(opts.WorkingDir)
	if err != nil {
		return nil, xerrors.Errorf("drake: resolving working directory %q: %w", opts.WorkingDir, err)
	}

	useMtime := !opts.DisableMtime
	if os.Getenv("DRAKE_MTIME") == "0" {
		useMtime = false
	}

	db, err := store.Open(root, opts.Logger)
	if err != nil {
		return nil, xerrors.Errorf("drake: opening build database: %w", err)
	}

	s := &Session{
		root:     root,
		logger:   opts.Logger,
		registry: registry.New(root, opts.AllowEscape),
		dyn:      dynsrc.NewRegistry(),
		db:       db,
		hasher:   fingerprint.New(),
		pool:     scheduler.NewPool(opts.Jobs),
	}
	s.driver = driver.New(db, oracle.Options{UseMtime: useMtime}, opts.AdjustMtimeFuture, opts.Logger)
	return s, nil
}

// Close releases resources held by the session. The current build database
// implementation performs its own per-call open/close around every record
// read and write, so there is nothing to flush here today; Close exists so
// callers have one lifecycle hook to call regardless, the same role
// distri's command-level cleanup plays without a shared atexit hook inside
// the library itself.
func (s *Session) Close() error {
	return nil
}

// Root returns the session's working directory, the absolute path that
// node paths are canonicalized against.
func (s *Session) Root() string { return s.root }
