package fetch

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"bpa-go/internal/bpa"
	"bpa-go/internal/model"
)

// IndexPath is where the index lives relative to the base URL.
const IndexPath = "index/index.json"

// indexTimeLayouts are the accepted forms of a file's last_modified value.
var indexTimeLayouts = []string{"2006-01-02 15:04", "2006-01-02 15:04:05"}

// Index is the remote JSON manifest: a tree of directories, each with files.
type Index struct {
	IndexCreated string           `json:"index_created"`
	Path         string           `json:"path"`
	Directories  []IndexDirectory `json:"directories"`
	Files        []IndexFile      `json:"files"`
}

// IndexDirectory is one node of the directory tree. Path is the last segment only.
type IndexDirectory struct {
	Path        string           `json:"path"`
	Directories []IndexDirectory `json:"directories"`
	Files       []IndexFile      `json:"files"`
}

// IndexFile is one file in the tree. Path is the file name only.
type IndexFile struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
}

// DecodeIndex reads an Index from r.
func DecodeIndex(r io.Reader) (*Index, error) {
	var idx Index
	if err := json.NewDecoder(r).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	return &idx, nil
}

// Filter selects index entries.
type Filter struct {
	Directories []string  // keep paths under one of these prefixes
	MinModified time.Time // keep entries modified at or after this instant; zero keeps all
	MaxFiles    int       // keep only the newest N; 0 keeps all
}

// Entries flattens the tree into full relative paths and applies f.
// Entries whose last_modified does not parse are dropped and logged.
// The result is ordered newest first, ties broken by path.
func (idx *Index) Entries(f Filter, logger bpa.Logger) []model.IndexEntry {
	prefixes := make([]string, 0, len(f.Directories))
	for _, d := range f.Directories {
		if d = strings.Trim(d, "/"); d != "" {
			prefixes = append(prefixes, d+"/")
		}
	}

	var out []model.IndexEntry
	visit := func(dir string, files []IndexFile) {
		for _, file := range files {
			full := path.Join(dir, file.Path)
			if !hasAnyPrefix(full, prefixes) {
				continue
			}
			modified, err := parseIndexTime(file.LastModified)
			if err != nil {
				logger.Warn("dropping index entry", "path", full, "last_modified", file.LastModified, "error", err)
				continue
			}
			if !f.MinModified.IsZero() && modified.Before(f.MinModified) {
				continue
			}
			out = append(out, model.IndexEntry{Path: full, LastModified: modified, Size: file.Size})
		}
	}

	visit("", idx.Files)
	var walk func(parent string, dirs []IndexDirectory)
	walk = func(parent string, dirs []IndexDirectory) {
		for _, d := range dirs {
			dir := path.Join(parent, d.Path)
			visit(dir, d.Files)
			walk(dir, d.Directories)
		}
	}
	walk("", idx.Directories)

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.After(out[j].LastModified)
		}
		return out[i].Path < out[j].Path
	})
	if f.MaxFiles > 0 && len(out) > f.MaxFiles {
		out = out[:f.MaxFiles]
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func parseIndexTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range indexTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
