package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jszwec/csvutil"

	"bpa-go/internal/bpa"
	"bpa-go/internal/model"
	"bpa-go/internal/parse"
)

// ParsedFile is a local document after parsing and digesting.
type ParsedFile struct {
	Document *model.DigestedDocument
	Warnings []parse.Warning
}

// ParseFile reads a document from disk and digests it the same way a run
// would. The file's modification time stands in for the index timestamp.
func ParseFile(path string) (*ParsedFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return parseDocument(model.RawDocument{
		Path:         filepath.Base(path),
		LastModified: info.ModTime().UTC(),
		Content:      content,
	})
}

// ErrNoArchive is returned by ParseArchived when no archive is configured.
var ErrNoArchive = errors.New("no archive configured")

// ParseArchived reads a document back from the archive by its file digest and
// parses it. The content must still hash to fileDigest.
func (a *BPAApp) ParseArchived(ctx context.Context, fileDigest string) (*ParsedFile, error) {
	if a.archive == nil {
		a.op.Fail(ErrNoArchive)
		return nil, ErrNoArchive
	}

	var buf bytes.Buffer
	if err := a.archive.Get(ctx, fileDigest, &buf); err != nil {
		a.op.Fail(err)
		return nil, fmt.Errorf("reading %s from archive %s: %w", fileDigest, a.archive.Name(), err)
	}

	pf, err := parseDocument(model.RawDocument{Path: fileDigest, Content: buf.Bytes()})
	if err != nil {
		a.op.Fail(err)
		return pf, err
	}
	if got := pf.Document.File.Digest; got != fileDigest {
		err := fmt.Errorf("archived document %s hashes to %s", fileDigest, got)
		a.op.Fail(err)
		return nil, err
	}
	return pf, nil
}

func parseDocument(doc model.RawDocument) (*ParsedFile, error) {
	set, warnings, err := parse.Parse(doc)
	if err != nil {
		return &ParsedFile{Warnings: warnings}, err
	}
	return &ParsedFile{Document: bpa.Address(doc, set), Warnings: warnings}, nil
}

// csvRow is the CSV form of one assignment row. Absent optional values are empty.
type csvRow struct {
	Digest             string `csv:"digest"`
	Published          string `csv:"published"`
	Fingerprint        string `csv:"fingerprint"`
	DistributionMethod string `csv:"distribution_method"`
	Transport          string `csv:"transport"`
	IP                 string `csv:"ip"`
	Blocklist          string `csv:"blocklist"`
	FileDigest         string `csv:"file_digest"`
	Distributed        bool   `csv:"distributed"`
	State              string `csv:"state"`
	Bandwidth          string `csv:"bandwidth"`
	Ratio              string `csv:"ratio"`
}

func toCSVRow(r model.AssignmentRow) csvRow {
	row := csvRow{
		Digest:             r.Digest,
		Published:          r.Published.UTC().Format(parse.TimestampLayout),
		Fingerprint:        r.Fingerprint,
		DistributionMethod: r.DistributionMethod,
		Transport:          deref(r.Transport),
		IP:                 deref(r.IP),
		Blocklist:          deref(r.Blocklist),
		FileDigest:         r.FileDigest,
		Distributed:        r.Distributed,
		State:              deref(r.State),
		Bandwidth:          deref(r.Bandwidth),
	}
	if r.Ratio != nil {
		row.Ratio = strconv.FormatFloat(float64(*r.Ratio), 'g', -1, 32)
	}
	return row
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CSVWriter encodes assignment rows from any number of documents as one CSV
// stream with a single header line.
type CSVWriter struct {
	cw   *csv.Writer
	enc  *csvutil.Encoder
	rows int
}

// NewCSVWriter returns a CSVWriter writing to w. Call Close to flush.
func NewCSVWriter(w io.Writer) *CSVWriter {
	cw := csv.NewWriter(w)
	return &CSVWriter{cw: cw, enc: csvutil.NewEncoder(cw)}
}

// Write appends rows. The header is written before the first row.
func (c *CSVWriter) Write(rows []model.AssignmentRow) error {
	for _, r := range rows {
		if err := c.enc.Encode(toCSVRow(r)); err != nil {
			return fmt.Errorf("writing csv row %s: %w", r.Digest, err)
		}
		c.rows++
	}
	return nil
}

// Close writes the header if no row was written, then flushes.
func (c *CSVWriter) Close() error {
	if c.rows == 0 {
		if err := c.enc.EncodeHeader(csvRow{}); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
	}
	c.cw.Flush()
	if err := c.cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

// WriteCSV writes rows to w with a header line.
func WriteCSV(w io.Writer, rows []model.AssignmentRow) error {
	c := NewCSVWriter(w)
	if err := c.Write(rows); err != nil {
		return err
	}
	return c.Close()
}
