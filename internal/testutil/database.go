package testutil

import (
	"context"
	"testing"

	"bpa-go/internal/bpa"
	"bpa-go/internal/database"
)

// NewTestStore creates a new in-memory SQLite store with schema applied.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLStore {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	store := database.NewSQLStore(sqlDB, database.SQLiteDialect, bpa.NewNopLogger())
	if err := store.EnsureSchema(context.Background()); err != nil {
		store.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
