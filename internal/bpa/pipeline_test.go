package bpa_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"bpa-go/internal/archive"
	"bpa-go/internal/bpa"
	"bpa-go/internal/database"
	"bpa-go/internal/fetch"
	"bpa-go/internal/model"
	"bpa-go/internal/testutil"
)

const dir = "recent/bridge-pool-assignments"

var modified = time.Date(2022, 4, 9, 0, 30, 0, 0, time.UTC)

// remote holds the documents served by a fake CollecTor.
type remote struct {
	client *testutil.FakeHTTPClient
	index  *testutil.IndexBuilder
}

func newRemote() *remote {
	return &remote{client: testutil.NewFakeHTTPClient(), index: testutil.NewIndexBuilder()}
}

// add lists name in the index and serves body for it.
func (r *remote) add(name, body string) string {
	p := dir + "/" + name
	r.index.AddFile(p, modified, len(body))
	r.client.Serve(p, []byte(body))
	return p
}

// addBroken lists name in the index and answers it with status.
func (r *remote) addBroken(name string, status int) string {
	p := dir + "/" + name
	r.index.AddFile(p, modified, 0)
	r.client.Respond(p, testutil.FakeResponse{Status: status})
	return p
}

func (r *remote) publish() {
	r.client.Serve(fetch.IndexPath, r.index.JSON())
}

func newFetcher(t *testing.T, client fetch.HTTPClient, concurrency int) *fetch.Collector {
	t.Helper()
	c, err := fetch.NewCollector(client, fetch.Options{
		BaseURL:        "https://collector.example",
		Directories:    []string{dir},
		MaxConcurrency: concurrency,
	}, bpa.NewNopLogger())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c
}

func newPipeline(fetcher bpa.Fetcher, exporter bpa.Exporter, arch bpa.Archive) *bpa.Pipeline {
	return bpa.NewPipeline(fetcher, exporter, arch, bpa.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
}

func failureKinds(s *bpa.Summary) map[string]string {
	out := make(map[string]string, len(s.Failures))
	for _, f := range s.Failures {
		out[f.Identifier] = f.Kind()
	}
	return out
}

func TestPipeline_Run(t *testing.T) {
	r := newRemote()
	good := r.add("2022-04-09-00-29-37", testutil.SampleDocument)
	headerless := r.add("2022-04-09-00-59-37", testutil.FingerprintA+" email\n")
	malformed := r.add("2022-04-09-01-29-37", "bridge-pool-assignment 2022-04-09T01:29:37\n")
	broken := r.addBroken("2022-04-09-01-59-37", http.StatusInternalServerError)
	r.publish()

	store := testutil.NewTestStore(t)
	arch := archive.NewMemoryArchive("test")
	p := newPipeline(newFetcher(t, r.client, 4), store, arch)

	summary, err := p.Run(context.Background(), bpa.RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", summary.RunID)
	}
	if summary.FilesFetched != 3 {
		t.Errorf("FilesFetched = %d, want 3", summary.FilesFetched)
	}
	if summary.FilesParsed != 1 {
		t.Errorf("FilesParsed = %d, want 1", summary.FilesParsed)
	}
	if summary.FilesExported != 1 || summary.RecordsExported != 3 {
		t.Errorf("exported files=%d records=%d, want 1 and 3", summary.FilesExported, summary.RecordsExported)
	}
	if summary.ArchivedFiles != 1 || arch.Len() != 1 {
		t.Errorf("archived %d (archive holds %d), want 1", summary.ArchivedFiles, arch.Len())
	}

	wantKinds := map[string]string{
		headerless: "header_missing",
		malformed:  "header_malformed",
		broken:     "fetch_failed",
	}
	gotKinds := failureKinds(summary)
	if len(gotKinds) != len(wantKinds) {
		t.Fatalf("failures = %v, want %v", gotKinds, wantKinds)
	}
	for id, kind := range wantKinds {
		if gotKinds[id] != kind {
			t.Errorf("failure for %s = %q, want %q", id, gotKinds[id], kind)
		}
	}
	if _, failed := gotKinds[good]; failed {
		t.Errorf("good document %s reported as failed", good)
	}

	rows, err := store.FileAssignments(context.Background(), testutil.SHA256Hex([]byte(testutil.SampleDocument)))
	if err != nil {
		t.Fatalf("FileAssignments() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("stored %d rows, want 3", len(rows))
	}
	for _, row := range rows {
		if !row.Published.Equal(testutil.FixedClock().Now()) {
			t.Errorf("row %s published = %v, want header time", row.Fingerprint, row.Published)
		}
	}
}

func TestPipeline_Run_RecordDigests(t *testing.T) {
	r := newRemote()
	r.add("doc", testutil.SampleDocument)
	r.publish()

	store := testutil.NewTestStore(t)
	if _, err := newPipeline(newFetcher(t, r.client, 1), store, nil).Run(context.Background(), bpa.RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	fileDigest := testutil.SHA256Hex([]byte(testutil.SampleDocument))
	rows, err := store.FileAssignments(context.Background(), fileDigest)
	if err != nil {
		t.Fatalf("FileAssignments() error = %v", err)
	}

	want := make(map[string]string, len(testutil.SampleDocumentLines))
	for _, line := range testutil.SampleDocumentLines {
		want[line[:40]] = testutil.RecordDigestHex([]byte(testutil.SampleDocument), []byte(line))
	}
	for _, row := range rows {
		if row.FileDigest != fileDigest {
			t.Errorf("row %s file digest = %s, want %s", row.Fingerprint, row.FileDigest, fileDigest)
		}
		if row.Digest != want[row.Fingerprint] {
			t.Errorf("row %s digest = %s, want %s", row.Fingerprint, row.Digest, want[row.Fingerprint])
		}
	}
}

func TestPipeline_Run_Idempotent(t *testing.T) {
	r := newRemote()
	r.add("a", testutil.Document(modified, "email", testutil.Fingerprint(1), testutil.Fingerprint(2)))
	r.add("b", testutil.Document(modified.Add(time.Hour), "https", testutil.Fingerprint(1)))
	r.publish()

	store := testutil.NewTestStore(t)
	p := newPipeline(newFetcher(t, r.client, 2), store, nil)
	ctx := context.Background()

	first, err := p.Run(ctx, bpa.RunOptions{})
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if first.FilesExported != 2 || first.RecordsExported != 3 {
		t.Fatalf("first run exported files=%d records=%d, want 2 and 3", first.FilesExported, first.RecordsExported)
	}

	second, err := p.Run(ctx, bpa.RunOptions{})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.RunID != "run-2" {
		t.Errorf("second RunID = %q, want run-2", second.RunID)
	}
	if second.FilesExported != 0 || second.RecordsExported != 0 {
		t.Errorf("second run exported files=%d records=%d, want 0 and 0", second.FilesExported, second.RecordsExported)
	}
	if second.FilesCommitted != 2 {
		t.Errorf("second run committed %d documents, want 2", second.FilesCommitted)
	}
	if len(second.Failures) != 0 {
		t.Errorf("second run failures = %v, want none", second.Failures)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Files != 2 || counts.Assignments != 3 {
		t.Errorf("Counts() = %+v, want 2 files and 3 assignments", counts)
	}
}

func TestPipeline_Run_Clear(t *testing.T) {
	r := newRemote()
	r.add("a", testutil.SampleDocument)
	r.publish()

	store := testutil.NewTestStore(t)
	p := newPipeline(newFetcher(t, r.client, 1), store, nil)
	ctx := context.Background()

	if _, err := p.Run(ctx, bpa.RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	summary, err := p.Run(ctx, bpa.RunOptions{Clear: true})
	if err != nil {
		t.Fatalf("Run() with clear error = %v", err)
	}
	if summary.FilesExported != 1 || summary.RecordsExported != 3 {
		t.Errorf("after clear exported files=%d records=%d, want 1 and 3", summary.FilesExported, summary.RecordsExported)
	}
}

func TestPipeline_Run_LineWarnings(t *testing.T) {
	body := testutil.SampleDocument +
		"xyz email\n" +
		testutil.Fingerprint(9) + "\n" +
		testutil.Fingerprint(10) + " moat ratio=fast\n"

	r := newRemote()
	r.add("doc", body)
	r.publish()

	store := testutil.NewTestStore(t)
	summary, err := newPipeline(newFetcher(t, r.client, 1), store, nil).Run(context.Background(), bpa.RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Two lines are dropped; the bad ratio is ignored but its line is kept.
	if summary.LineWarnings != 3 {
		t.Errorf("LineWarnings = %d, want 3", summary.LineWarnings)
	}
	if summary.RecordsExported != 4 {
		t.Errorf("RecordsExported = %d, want 4", summary.RecordsExported)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("Failures = %v, want none", summary.Failures)
	}
}

func TestPipeline_Run_BoundedConcurrency(t *testing.T) {
	r := newRemote()
	for i := range 12 {
		r.add(fmt.Sprintf("doc-%02d", i), testutil.Document(modified, "email", testutil.Fingerprint(i)))
	}
	r.publish()
	r.client.Delay = 10 * time.Millisecond

	store := testutil.NewTestStore(t)
	summary, err := newPipeline(newFetcher(t, r.client, 3), store, nil).Run(context.Background(), bpa.RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := r.client.MaxInFlight(); got > 3 {
		t.Errorf("MaxInFlight = %d, want at most 3", got)
	}
	if summary.FilesExported != 12 || summary.RecordsExported != 12 {
		t.Errorf("exported files=%d records=%d, want 12 and 12", summary.FilesExported, summary.RecordsExported)
	}
}

func TestPipeline_Run_IndexUnavailable(t *testing.T) {
	client := testutil.NewFakeHTTPClient()
	client.Respond(fetch.IndexPath, testutil.FakeResponse{Err: testutil.ErrConnectionRefused})

	store := testutil.NewTestStore(t)
	summary, err := newPipeline(newFetcher(t, client, 1), store, nil).Run(context.Background(), bpa.RunOptions{})
	if !errors.Is(err, model.ErrIndexUnavailable) {
		t.Fatalf("Run() error = %v, want ErrIndexUnavailable", err)
	}
	if summary == nil {
		t.Fatal("Run() returned nil summary")
	}
	if summary.FilesFetched != 0 {
		t.Errorf("FilesFetched = %d, want 0", summary.FilesFetched)
	}
}

// schemaFailingExporter fails the way an unreachable destination does.
type schemaFailingExporter struct{}

func (schemaFailingExporter) Export(context.Context, []*model.DigestedDocument, bool) (*bpa.ExportResult, error) {
	return nil, fmt.Errorf("%w: connection refused", model.ErrSchema)
}

func TestPipeline_Run_SchemaError(t *testing.T) {
	r := newRemote()
	r.add("doc", testutil.SampleDocument)
	r.publish()

	summary, err := newPipeline(newFetcher(t, r.client, 1), schemaFailingExporter{}, nil).Run(context.Background(), bpa.RunOptions{})
	if !errors.Is(err, model.ErrSchema) {
		t.Fatalf("Run() error = %v, want ErrSchema", err)
	}
	if summary.FilesParsed != 1 {
		t.Errorf("FilesParsed = %d, want 1", summary.FilesParsed)
	}
}

// failingArchive rejects every write.
type failingArchive struct {
	*archive.MemoryArchive
}

func (*failingArchive) Put(context.Context, string, io.Reader, int64) error {
	return errors.New("disk full")
}

func TestPipeline_Run_ArchiveFailureDoesNotBlockExport(t *testing.T) {
	r := newRemote()
	r.add("doc", testutil.SampleDocument)
	r.publish()

	store := testutil.NewTestStore(t)
	arch := &failingArchive{MemoryArchive: archive.NewMemoryArchive("broken")}
	summary, err := newPipeline(newFetcher(t, r.client, 1), store, arch).Run(context.Background(), bpa.RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.ArchivedFiles != 0 {
		t.Errorf("ArchivedFiles = %d, want 0", summary.ArchivedFiles)
	}
	if summary.RecordsExported != 3 {
		t.Errorf("RecordsExported = %d, want 3", summary.RecordsExported)
	}
}

func TestPipeline_Run_ExportFailureIsolated(t *testing.T) {
	r := newRemote()
	r.add("a", testutil.Document(modified, "email", testutil.Fingerprint(1)))
	r.add("b", testutil.Document(modified, "https", testutil.Fingerprint(2)))
	r.publish()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	store := database.NewSQLStore(sqlDB, database.SQLiteDialect, bpa.NewNopLogger())
	defer store.Close()
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	// Reject rows for fingerprint 2 only.
	trigger := fmt.Sprintf(`CREATE TRIGGER reject_b BEFORE INSERT ON bridge_pool_assignment
		WHEN NEW.fingerprint = '%s' BEGIN SELECT RAISE(ABORT, 'rejected'); END`, testutil.Fingerprint(2))
	if _, err := sqlDB.Exec(trigger); err != nil {
		t.Fatalf("creating trigger: %v", err)
	}

	summary, err := newPipeline(newFetcher(t, r.client, 2), store, nil).Run(context.Background(), bpa.RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.FilesExported != 1 || summary.RecordsExported != 1 {
		t.Errorf("exported files=%d records=%d, want 1 and 1", summary.FilesExported, summary.RecordsExported)
	}
	kinds := failureKinds(summary)
	if kinds[dir+"/b"] != "transaction_error" {
		t.Errorf("failures = %v, want transaction_error for %s/b", kinds, dir)
	}

	counts, err := store.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Files != 1 {
		t.Errorf("Counts().Files = %d, want 1 (failed document rolled back)", counts.Files)
	}
}
