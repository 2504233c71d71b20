package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"bpa-go/internal/bpa"
	"bpa-go/internal/model"
	"bpa-go/internal/testutil"
)

const dir = "recent/bridge-pool-assignments"

var published = time.Date(2022, 4, 9, 0, 29, 0, 0, time.UTC)

func newCollector(t *testing.T, client HTTPClient, opts Options) *Collector {
	t.Helper()
	if opts.BaseURL == "" {
		opts.BaseURL = "https://collector.example"
	}
	if opts.Directories == nil {
		opts.Directories = []string{dir}
	}
	c, err := NewCollector(client, opts, bpa.NewNopLogger())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c
}

// serveDocuments registers n documents and an index listing them.
func serveDocuments(client *testutil.FakeHTTPClient, n int) []string {
	b := testutil.NewIndexBuilder()
	paths := make([]string, 0, n)
	for i := range n {
		p := fmt.Sprintf("%s/doc-%02d", dir, i)
		body := testutil.Document(published, "email", testutil.Fingerprint(i))
		b.AddFile(p, published.Add(time.Duration(i)*time.Minute), len(body))
		client.Serve(p, []byte(body))
		paths = append(paths, p)
	}
	client.Serve(IndexPath, b.JSON())
	return paths
}

func docPaths(docs []model.RawDocument) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Path)
	}
	sort.Strings(out)
	return out
}

func TestNewCollector_Validation(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	tests := []struct {
		name string
		opts Options
	}{
		{"relative base", Options{BaseURL: "collector.example", Directories: []string{dir}}},
		{"no directories", Options{BaseURL: "https://collector.example"}},
		{"unparsable base", Options{BaseURL: "https://exa mple.com/%zz", Directories: []string{dir}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCollector(client, tt.opts, bpa.NewNopLogger()); err == nil {
				t.Error("NewCollector() expected error")
			}
		})
	}
}

func TestCollector_FetchAll(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	paths := serveDocuments(client, 5)

	c := newCollector(t, client, Options{})
	docs, failures, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(failures) != 0 {
		t.Errorf("failures = %v, want none", failures)
	}
	if got := docPaths(docs); !reflect.DeepEqual(got, paths) {
		t.Errorf("fetched %v, want %v", got, paths)
	}

	for _, d := range docs {
		if len(d.Content) == 0 {
			t.Errorf("%s: empty content", d.Path)
		}
		if d.LastModified.IsZero() {
			t.Errorf("%s: zero LastModified", d.Path)
		}
	}
	if got := client.UserAgents(); !reflect.DeepEqual(got, []string{userAgent}) {
		t.Errorf("User-Agents = %v, want [%s]", got, userAgent)
	}
}

func TestCollector_BoundedConcurrency(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	client.Delay = 20 * time.Millisecond
	serveDocuments(client, 10)

	c := newCollector(t, client, Options{MaxConcurrency: 2})
	docs, failures, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(failures) != 0 || len(docs) != 10 {
		t.Errorf("got %d docs and %d failures, want 10 and 0", len(docs), len(failures))
	}
	if n := client.MaxInFlight(); n > 2 {
		t.Errorf("max in flight = %d, want at most 2", n)
	}
}

func TestCollector_UsesConcurrency(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	client.Delay = 50 * time.Millisecond
	serveDocuments(client, 8)

	c := newCollector(t, client, Options{MaxConcurrency: 4})
	if _, _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n := client.MaxInFlight(); n < 2 || n > 4 {
		t.Errorf("max in flight = %d, want between 2 and 4", n)
	}
}

func TestCollector_PerDocumentFailures(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	paths := serveDocuments(client, 4)
	client.Respond(paths[0], testutil.FakeResponse{Status: http.StatusInternalServerError})
	client.Respond(paths[1], testutil.FakeResponse{Err: testutil.ErrConnectionRefused})
	client.Serve(paths[2], nil)

	c := newCollector(t, client, Options{})
	docs, failures, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if got := docPaths(docs); !reflect.DeepEqual(got, []string{paths[3]}) {
		t.Errorf("fetched %v, want [%s]", got, paths[3])
	}
	if len(failures) != 3 {
		t.Fatalf("got %d failures, want 3", len(failures))
	}
	for _, f := range failures {
		if !errors.Is(f.Err, model.ErrFetchFailed) {
			t.Errorf("%s: error = %v, want ErrFetchFailed", f.Identifier, f.Err)
		}
		if f.Kind() != "fetch_failed" {
			t.Errorf("%s: Kind() = %q, want fetch_failed", f.Identifier, f.Kind())
		}
	}
}

func TestCollector_IndexUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*testutil.FakeHTTPClient)
	}{
		{"missing", func(*testutil.FakeHTTPClient) {}},
		{"server error", func(c *testutil.FakeHTTPClient) {
			c.Respond(IndexPath, testutil.FakeResponse{Status: http.StatusBadGateway})
		}},
		{"transport error", func(c *testutil.FakeHTTPClient) {
			c.Respond(IndexPath, testutil.FakeResponse{Err: testutil.ErrConnectionRefused})
		}},
		{"not json", func(c *testutil.FakeHTTPClient) {
			c.Serve(IndexPath, []byte("<html>"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutil.NewFakeHTTPClient()
			tt.setup(client)

			c := newCollector(t, client, Options{})
			docs, failures, err := c.Fetch(context.Background())
			if !errors.Is(err, model.ErrIndexUnavailable) {
				t.Fatalf("Fetch() error = %v, want ErrIndexUnavailable", err)
			}
			if docs != nil || failures != nil {
				t.Errorf("Fetch() = %v, %v; want nil results", docs, failures)
			}
		})
	}
}

func TestCollector_MaxFilesKeepsNewest(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	paths := serveDocuments(client, 6)

	c := newCollector(t, client, Options{MaxFiles: 2})
	docs, _, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got, want := docPaths(docs), []string{paths[4], paths[5]}; !reflect.DeepEqual(got, want) {
		t.Errorf("fetched %v, want %v", got, want)
	}
	if n := client.RequestCount(paths[0]); n != 0 {
		t.Errorf("oldest document requested %d times, want 0", n)
	}
}

func TestCollector_CancelledContext(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	paths := serveDocuments(client, 3)

	c := newCollector(t, client, Options{MaxConcurrency: 1})
	entries, err := c.Index(context.Background())
	if err != nil {
		t.Fatalf("Index() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	docs, failures := c.FetchEntries(ctx, entries)
	if len(docs) != 0 {
		t.Errorf("got %d docs after cancel, want 0", len(docs))
	}
	if len(failures) != len(paths) {
		t.Fatalf("got %d failures, want %d", len(failures), len(paths))
	}
	for _, f := range failures {
		if !errors.Is(f.Err, model.ErrFetchFailed) {
			t.Errorf("%s: error = %v, want ErrFetchFailed", f.Identifier, f.Err)
		}
	}
}

func TestCollector_RateLimit(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	serveDocuments(client, 3)

	// 20/s with a burst of one: three documents need at least 100ms
	c := newCollector(t, client, Options{RateLimit: 20, MaxConcurrency: 3})

	start := time.Now()
	docs, failures, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(failures) != 0 || len(docs) != 3 {
		t.Errorf("got %d docs and %d failures, want 3 and 0", len(docs), len(failures))
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Fetch() took %s, want at least 90ms", elapsed)
	}
}

func TestCollector_HTTPServer(t *testing.T) {
	body := testutil.SampleDocument
	index := testutil.NewIndexBuilder().
		AddFile(dir+"/2022-04-09-00-29-37", published, len(body)).
		JSON()

	mux := http.NewServeMux()
	mux.HandleFunc("/collector/index/index.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(index)
	})
	mux.HandleFunc("/collector/"+dir+"/2022-04-09-00-29-37", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.UserAgent(), "bpa-go") {
			http.Error(w, "bad agent", http.StatusForbidden)
			return
		}
		w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPClient(ClientConfig{Timeout: 5 * time.Second, MaxConnsPerHost: 4})
	c := newCollector(t, client, Options{BaseURL: srv.URL + "/collector", RequestTimeout: 5 * time.Second})

	docs, failures, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(failures) != 0 {
		t.Errorf("failures = %v, want none", failures)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}
	if string(docs[0].Content) != body {
		t.Errorf("content = %q, want %q", docs[0].Content, body)
	}
	if !docs[0].LastModified.Equal(published) {
		t.Errorf("LastModified = %v, want %v", docs[0].LastModified, published)
	}
}

func TestCollector_RequestTimeout(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	paths := serveDocuments(client, 1)
	client.Delay = 200 * time.Millisecond

	c := newCollector(t, client, Options{RequestTimeout: 20 * time.Millisecond})
	entries := []model.IndexEntry{{Path: paths[0], LastModified: published}}
	docs, failures := c.FetchEntries(context.Background(), entries)
	if len(docs) != 0 {
		t.Errorf("got %d docs, want 0", len(docs))
	}
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(failures))
	}
	if !errors.Is(failures[0].Err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", failures[0].Err)
	}
}
