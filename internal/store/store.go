// Package store persists the per-target build record across sessions: the
// hash of every static and dynamic source as of the last successful build,
// the producer's signature, and the target's own content hash. Records are
// written atomically (write-to-temp, rename) via github.com/google/renameio,
// the same primitive cmd/distri uses for its package metadata files, and
// encoded as YAML rather than the teacher's textproto, since reproducing
// distri's generated protobuf types would require running protoc (see
// DESIGN.md).
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
)

// schemaVersion is bumped whenever the Record encoding changes in an
// incompatible way. A mismatch discards the whole database rather than
// attempting a migration.
const schemaVersion = 1

// DynamicDep is one dynamic-dependency-kind entry as last observed: enough
// to both check staleness (Hash, Mtime) and to reconstruct the node that
// produced it (Type, Data), per the dependency-kind handler contract.
type DynamicDep struct {
	Path       string `yaml:"path"`
	Hash       string `yaml:"hash,omitempty"`
	Mtime      int64  `yaml:"mtime,omitempty"`
	MtimeKnown bool   `yaml:"mtime_known,omitempty"`
	Type       string `yaml:"type,omitempty"`
	Data       []byte `yaml:"data,omitempty"`
}

// Record is the persisted state of one target as of its last successful
// build.
type Record struct {
	Signature    string                  `yaml:"signature"`
	TargetHash   string                  `yaml:"target_hash"`
	StaticHashes map[string]string       `yaml:"static_hashes,omitempty"`
	StaticMtimes map[string]int64        `yaml:"static_mtimes,omitempty"`
	DynamicDeps  map[string][]DynamicDep `yaml:"dynamic_deps,omitempty"`
}

// DB is the on-disk build database rooted under <root>/.drake.
type DB struct {
	mu  sync.RWMutex
	dir string
}

// Open opens (creating if necessary) the build database under root. If the
// persisted schema marker does not match schemaVersion, or does not parse
// as an integer, the whole database is discarded and a fresh one is started
// --- equivalent to a clean build, never a crash. A marker that exists but
// cannot be read is reported as an error. logger may be nil.
func Open(root string, logger *log.Logger) (*DB, error) {
	dir := filepath.Join(root, ".drake")
	if err := os.MkdirAll(filepath.Join(dir, "records"), 0o755); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	db := &DB{dir: dir}
	if err := db.checkSchema(logger); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) checkSchema(logger *log.Logger) error {
	marker := filepath.Join(db.dir, "schema")
	b, err := os.ReadFile(marker)
	if err != nil {
		if os.IsNotExist(err) {
			return db.resetSchema()
		}
		return fmt.Errorf("store: reading schema marker: %w", err)
	}
	v, perr := strconv.Atoi(strings.TrimSpace(string(b)))
	if perr != nil || v != schemaVersion {
		if logger != nil {
			logger.Printf("drake: build database schema mismatch (got %q, want %d), discarding", strings.TrimSpace(string(b)), schemaVersion)
		}
		return db.discardAndReset()
	}
	return nil
}

func (db *DB) discardAndReset() error {
	if err := os.RemoveAll(filepath.Join(db.dir, "records")); err != nil {
		return fmt.Errorf("store: discarding stale records: %w", err)
	}
	return db.resetSchema()
}

func (db *DB) resetSchema() error {
	if err := os.MkdirAll(filepath.Join(db.dir, "records"), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(db.dir, "schema"), []byte(strconv.Itoa(schemaVersion)), 0o644)
}

func recordFilename(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:]) + ".yaml"
}

// Get returns the persisted record for target, if any. Multiple goroutines
// may call Get concurrently.
func (db *DB) Get(target string) (*Record, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	b, err := os.ReadFile(filepath.Join(db.dir, "records", recordFilename(target)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: reading record for %q: %w", target, err)
	}
	var rec Record
	if err := yaml.Unmarshal(b, &rec); err != nil {
		// A corrupt individual record is treated the same as "no record":
		// the target is simply stale and will be rebuilt.
		return nil, false, nil
	}
	return &rec, true, nil
}

// Put atomically persists rec as the build record for target. Writes are
// serialized against each other and against concurrent Get calls.
func (db *DB) Put(target string, rec *Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	b, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshaling record for %q: %w", target, err)
	}
	if err := renameio.WriteFile(filepath.Join(db.dir, "records", recordFilename(target)), b, 0o644); err != nil {
		return fmt.Errorf("store: writing record for %q: %w", target, err)
	}
	return nil
}
