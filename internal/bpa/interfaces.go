package bpa

import (
	"context"
	"io"

	"bpa-go/internal/model"
)

// Fetcher retrieves raw documents from the remote document index.
// It returns an error only when the index itself cannot be resolved
// (wrapping model.ErrIndexUnavailable); per-document problems are returned as failures.
// Document order is unspecified.
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.RawDocument, []Failure, error)
}

// Exporter persists digested documents.
//
// Export bootstraps the schema, truncates both tables first when clear is set,
// then writes each document in its own transaction. A failed document is rolled
// back and reported in the result; only schema bootstrap (model.ErrSchema) or a
// failed clear aborts the call.
type Exporter interface {
	Export(ctx context.Context, docs []*model.DigestedDocument, clear bool) (*ExportResult, error)
}

// Archive stores raw document bytes keyed by their file digest.
type Archive interface {
	// Name identifies the archive in logs.
	Name() string

	// Put stores size bytes read from r under digest.
	// Storing the same digest twice is a no-op.
	Put(ctx context.Context, digest string, r io.Reader, size int64) error

	// Get writes the bytes stored under digest to w.
	Get(ctx context.Context, digest string, w io.Writer) error

	// Has reports whether digest is already stored.
	Has(ctx context.Context, digest string) (bool, error)

	// ValidateSetup verifies the archive is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
