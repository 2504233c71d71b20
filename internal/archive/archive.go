// Package archive keeps a copy of every raw document keyed by its file digest,
// so stored rows can always be traced back to the exact bytes they came from.
package archive

import (
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned by Get for a digest that was never stored.
var ErrNotFound = errors.New("not found in archive")

// readExact reads all of r and fails unless it yields exactly size bytes.
func readExact(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}
