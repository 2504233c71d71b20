package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"bpa-go/internal/bpa"
)

// MemoryArchive is an in-memory implementation of bpa.Archive, useful for tests
// and dry runs. Safe for concurrent use.
type MemoryArchive struct {
	name    string
	content map[string][]byte // digest -> raw document
	mu      sync.RWMutex
}

// NewMemoryArchive creates a new in-memory archive with the given name.
func NewMemoryArchive(name string) *MemoryArchive {
	return &MemoryArchive{
		name:    name,
		content: make(map[string][]byte),
	}
}

// Name returns the configured archive name.
func (m *MemoryArchive) Name() string { return m.name }

// Put stores content under digest. Storing the same digest again is a no-op.
func (m *MemoryArchive) Put(_ context.Context, digest string, r io.Reader, size int64) error {
	data, err := readExact(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.content[digest]; !ok {
		m.content[digest] = data
	}
	return nil
}

// Get writes the content stored under digest to w.
func (m *MemoryArchive) Get(_ context.Context, digest string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.content[digest]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// Has reports whether digest is stored.
func (m *MemoryArchive) Has(_ context.Context, digest string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.content[digest]
	return ok, nil
}

// Len returns the number of stored documents.
func (m *MemoryArchive) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.content)
}

// ValidateSetup always succeeds for the in-memory archive.
func (m *MemoryArchive) ValidateSetup(context.Context) error {
	return nil
}

// Compile-time check that MemoryArchive implements bpa.Archive
var _ bpa.Archive = (*MemoryArchive)(nil)
