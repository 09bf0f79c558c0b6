package testsupport

import (
	"context"
	"fmt"
	"testing"

	"snapsync/internal/config"
	"snapsync/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewAsset inserts a pending asset for tests using the provided store.
func NewAsset(t testing.TB, st *store.Store, name string) *store.Asset {
	t.Helper()

	asset, err := st.Insert(context.Background(), store.NewAsset{
		PayloadPath: fmt.Sprintf("/spool/%s.jpg", name),
		ContentType: "image/jpeg",
		SizeBytes:   2048,
	})
	if err != nil {
		t.Fatalf("store.Insert: %v", err)
	}
	return asset
}
