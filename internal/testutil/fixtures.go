package testutil

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// Fingerprints used across fixtures.
const (
	FingerprintA = "005fd4d7decbb250055b861579e6fdc79ad17bee"
	FingerprintB = "01ea4fb2da2086e71e7ca84c683fcadd2aa9036b"
	FingerprintC = "0ABCDEF0123456789ABCDEF0123456789ABCDEF0"
)

// SampleDocument is a well-formed document with three assignments.
const SampleDocument = "bridge-pool-assignment 2022-04-09 00:29:37\n" +
	FingerprintA + " email transport=obfs4 ip=4 blocklist=ru\n" +
	FingerprintB + " https distributed=true state=functional bandwidth=high ratio=1.5\n" +
	FingerprintC + " unallocated\n"

// SampleDocumentLines are the entry lines of SampleDocument in order.
var SampleDocumentLines = []string{
	FingerprintA + " email transport=obfs4 ip=4 blocklist=ru",
	FingerprintB + " https distributed=true state=functional bandwidth=high ratio=1.5",
	FingerprintC + " unallocated",
}

// Document builds a document published at t with one line per fingerprint,
// each assigned to method.
func Document(t time.Time, method string, fingerprints ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "bridge-pool-assignment %s\n", t.UTC().Format("2006-01-02 15:04:05"))
	for _, fp := range fingerprints {
		fmt.Fprintf(&b, "%s %s\n", fp, method)
	}
	return b.String()
}

// Fingerprint returns a deterministic 40-character hex fingerprint for n.
func Fingerprint(n int) string {
	return fmt.Sprintf("%040X", n)
}

// IndexBuilder assembles an index.json tree for fetch tests.
type IndexBuilder struct {
	root *indexNode
}

type indexNode struct {
	Path        string       `json:"path"`
	Directories []*indexNode `json:"directories,omitempty"`
	Files       []indexFile  `json:"files,omitempty"`
}

type indexFile struct {
	Path         string `json:"path"`
	Size         int    `json:"size"`
	LastModified string `json:"last_modified"`
}

// NewIndexBuilder creates an empty index rooted at "https://collector.example".
func NewIndexBuilder() *IndexBuilder {
	return &IndexBuilder{root: &indexNode{Path: "https://collector.example"}}
}

// AddFile adds a file at the slash-separated relative path.
func (b *IndexBuilder) AddFile(rel string, modified time.Time, size int) *IndexBuilder {
	return b.AddRawFile(rel, modified.UTC().Format("2006-01-02 15:04"), size)
}

// AddRawFile adds a file with a verbatim last_modified value.
func (b *IndexBuilder) AddRawFile(rel, lastModified string, size int) *IndexBuilder {
	dir, name := path.Split(strings.Trim(rel, "/"))
	node := b.root
	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		if seg == "" {
			continue
		}
		node = node.child(seg)
	}
	node.Files = append(node.Files, indexFile{Path: name, Size: size, LastModified: lastModified})
	return b
}

// JSON renders the index.
func (b *IndexBuilder) JSON() []byte {
	out, err := json.Marshal(struct {
		IndexCreated string `json:"index_created"`
		*indexNode
	}{
		IndexCreated: "2022-04-09 01:00",
		indexNode:    b.root,
	})
	if err != nil {
		panic(err)
	}
	return out
}

func (n *indexNode) child(name string) *indexNode {
	for _, d := range n.Directories {
		if d.Path == name {
			return d
		}
	}
	d := &indexNode{Path: name}
	n.Directories = append(n.Directories, d)
	return d
}
