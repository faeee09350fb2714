package driver

import (
	"testing"

	"github.com/infinitio/drake/internal/store"
)

func newMemDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return db
}
