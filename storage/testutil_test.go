package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustCreateIdentity(t *testing.T, store *Store, name string) int64 {
	t.Helper()

	id, err := store.CreateIdentity(name)
	if err != nil {
		t.Fatalf("create identity %q: %v", name, err)
	}
	return id
}
