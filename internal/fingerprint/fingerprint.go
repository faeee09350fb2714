// Package fingerprint computes the content digests the staleness oracle
// compares against persisted build records: a sha256 of a file's bytes, or
// an fnv128a digest of an arbitrary in-memory value surfaced by a virtual
// node. File digests are memoized per (path, mtime) for the lifetime of one
// Hasher so that repeated queries against an unchanged file are free within
// a session, mirroring build.Ctx.Hash in the teacher repo.
package fingerprint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"
)

// Hasher caches file digests keyed by (path, mtime) within one session.
type Hasher struct {
	mu    sync.Mutex
	cache map[cacheKey]string
}

type cacheKey struct {
	path  string
	mtime int64
}

// New returns a Hasher with an empty memoization cache.
func New() *Hasher {
	return &Hasher{cache: make(map[cacheKey]string)}
}

// HashFile returns the sha256 digest of the file at path, formatted as a
// lowercase hex string. mtimeUnix is the file's current modification time
// (seconds since epoch); it is used only to key the memoization cache, so
// an unchanged (path, mtime) pair never re-reads the file within a session.
func (h *Hasher) HashFile(path string, mtimeUnix int64) (string, error) {
	key := cacheKey{path: path, mtime: mtimeUnix}

	h.mu.Lock()
	if d, ok := h.cache[key]; ok {
		h.mu.Unlock()
		return d, nil
	}
	h.mu.Unlock()

	digest, err := hashFileContents(path)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.cache[key] = digest
	h.mu.Unlock()

	return digest, nil
}

func hashFileContents(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hh := sha256.New()
	if _, err := io.Copy(hh, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hh.Sum(nil)), nil
}

// HashValue returns a deterministic digest of an arbitrary Go value, for use
// by virtual nodes whose content is an in-memory value rather than a file.
// The value must be encoding/json-marshalable; JSON's lexicographic map-key
// ordering is what makes the digest stable across process restarts.
func HashValue(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: value is not JSON-marshalable: %w", err)
	}
	hh := fnv.New128a()
	hh.Write(b)
	return fmt.Sprintf("%032x", hh.Sum(nil)), nil
}
