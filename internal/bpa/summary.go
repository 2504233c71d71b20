package bpa

import (
	"fmt"
	"time"

	"bpa-go/internal/model"
)

// Failure records one skipped unit of work: a document path or file digest
// and the error that caused it to be skipped.
type Failure struct {
	Identifier string
	Err        error
}

// Kind returns the failure class, e.g. "fetch_failed".
func (f Failure) Kind() string {
	return model.FailureKind(f.Err)
}

func (f Failure) String() string {
	return fmt.Sprintf("%s\t%s\t%v", f.Identifier, f.Kind(), f.Err)
}

// ExportCounts are rows actually inserted. Rows that already existed are not counted.
type ExportCounts struct {
	Files       int64
	Assignments int64
}

// Add accumulates other into c.
func (c *ExportCounts) Add(other ExportCounts) {
	c.Files += other.Files
	c.Assignments += other.Assignments
}

// ExportResult summarizes one Export call.
type ExportResult struct {
	ExportCounts
	Documents int // documents committed, including ones that were already present
	Failures  []Failure
}

// Summary is what a pipeline run reports back to its caller.
type Summary struct {
	RunID           string
	StartedAt       time.Time
	FinishedAt      time.Time
	FilesFetched    int
	FilesParsed     int
	FilesCommitted  int
	FilesExported   int64 // new file rows
	RecordsExported int64 // new assignment rows
	RecordsParsed   int
	LineWarnings    int
	ArchivedFiles   int
	Failures        []Failure
}

// Duration returns how long the run took.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// FailuresByKind counts failures per kind.
func (s *Summary) FailuresByKind() map[string]int {
	out := make(map[string]int)
	for _, f := range s.Failures {
		out[f.Kind()]++
	}
	return out
}
