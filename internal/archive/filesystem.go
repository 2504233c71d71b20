package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"bpa-go/internal/bpa"
)

// FileSystemArchive stores documents as files named by digest, fanned out by
// the first two hex characters:
//
//	<root>/
//	  ab/
//	    ab12...   (raw document, named by SHA-256)
type FileSystemArchive struct {
	name string
	root string
}

// NewFileSystemArchive creates a new filesystem archive rooted at the given path.
func NewFileSystemArchive(name, root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &FileSystemArchive{name: name, root: root}, nil
}

// Name returns the configured archive name.
func (a *FileSystemArchive) Name() string { return a.name }

// Put stores content under digest. Storing the same digest again is a no-op.
func (a *FileSystemArchive) Put(_ context.Context, digest string, r io.Reader, size int64) error {
	destPath, err := a.path(digest)
	if err != nil {
		return err
	}

	if _, err := os.Stat(destPath); err == nil {
		// Drain the reader so a short or long body is still reported.
		_, err := readExact(r, size)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}
	return writeFile(destPath, r, size)
}

// Get writes the content stored under digest to w.
func (a *FileSystemArchive) Get(_ context.Context, digest string, w io.Writer) error {
	srcPath, err := a.path(digest)
	if err != nil {
		return err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

// Has reports whether digest is stored.
func (a *FileSystemArchive) Has(_ context.Context, digest string) (bool, error) {
	p, err := a.path(digest)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", digest, err)
	}
	return true, nil
}

// ValidateSetup verifies that the archive root is an accessible, writable directory.
func (a *FileSystemArchive) ValidateSetup(context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}

	probe, err := os.CreateTemp(a.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func (a *FileSystemArchive) path(digest string) (string, error) {
	if len(digest) < 3 || filepath.Base(digest) != digest {
		return "", fmt.Errorf("invalid digest: %q", digest)
	}
	return filepath.Join(a.root, digest[:2], digest), nil
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Temp file in the same directory so the rename stays on one filesystem.
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemArchive implements bpa.Archive
var _ bpa.Archive = (*FileSystemArchive)(nil)
