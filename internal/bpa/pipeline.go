package bpa

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"bpa-go/internal/model"
	"bpa-go/internal/parse"
)

// Pipeline sequences fetch, parse, digest and export for every document.
// A failure scoped to one document is recorded in the Summary and never stops
// sibling documents.
type Pipeline struct {
	fetcher  Fetcher
	exporter Exporter
	archive  Archive // optional
	logger   Logger
	clock    Clock
	idgen    IDGenerator
}

// NewPipeline creates a Pipeline. archive may be nil.
func NewPipeline(fetcher Fetcher, exporter Exporter, archive Archive, logger Logger, clock Clock, idgen IDGenerator) *Pipeline {
	return &Pipeline{
		fetcher:  fetcher,
		exporter: exporter,
		archive:  archive,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
	}
}

// RunOptions are per-run switches.
type RunOptions struct {
	// Clear truncates both destination tables before inserting. Irreversible.
	Clear bool
}

// Run executes one pass over the remote index.
// The returned error is non-nil only for run-wide failures (index unavailable,
// schema bootstrap, clear); the Summary is returned alongside it with whatever
// was counted before the failure.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	summary := &Summary{
		RunID:     p.idgen.New(),
		StartedAt: p.clock.Now(),
	}
	defer func() { summary.FinishedAt = p.clock.Now() }()

	p.logger.Info("run started", "run_id", summary.RunID, "clear", opts.Clear)

	docs, failures, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return summary, fmt.Errorf("fetching documents: %w", err)
	}
	summary.FilesFetched = len(docs)
	summary.Failures = append(summary.Failures, failures...)
	p.logger.Info("documents fetched", "fetched", len(docs), "failed", len(failures))

	// Retrieval order is arbitrary; sort so logs and exports are reproducible.
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })

	digested := make([]*model.DigestedDocument, 0, len(docs))
	for _, doc := range docs {
		d, ok := p.prepare(ctx, doc, summary)
		if ok {
			digested = append(digested, d)
		}
	}
	p.logger.Info("documents parsed", "parsed", summary.FilesParsed, "records", summary.RecordsParsed, "line_warnings", summary.LineWarnings)

	result, err := p.exporter.Export(ctx, digested, opts.Clear)
	if result != nil {
		summary.FilesCommitted = result.Documents
		summary.FilesExported = result.Files
		summary.RecordsExported = result.Assignments
		summary.Failures = append(summary.Failures, result.Failures...)
	}
	if err != nil {
		return summary, fmt.Errorf("exporting documents: %w", err)
	}

	p.logger.Info("run finished",
		"run_id", summary.RunID,
		"files_fetched", summary.FilesFetched,
		"files_parsed", summary.FilesParsed,
		"files_exported", summary.FilesExported,
		"records_exported", summary.RecordsExported,
		"failures", len(summary.Failures),
	)
	return summary, nil
}

// prepare parses and digests one document and archives its bytes.
// It reports false when the document must be skipped.
func (p *Pipeline) prepare(ctx context.Context, doc model.RawDocument, summary *Summary) (*model.DigestedDocument, bool) {
	set, warnings, err := parse.Parse(doc)
	for _, w := range warnings {
		p.logger.Warn("skipped line", "path", doc.Path, "line", w.Line, "reason", w.Reason)
	}
	summary.LineWarnings += len(warnings)
	if err != nil {
		p.logger.Error("parse failed", "path", doc.Path, "error", err)
		summary.Failures = append(summary.Failures, Failure{Identifier: doc.Path, Err: err})
		return nil, false
	}
	summary.FilesParsed++
	summary.RecordsParsed += set.Entries.Len()

	d := Address(doc, set)

	if p.archive != nil {
		if err := p.archiveDocument(ctx, d); err != nil {
			// The archive is a side copy; the export still proceeds.
			p.logger.Warn("archiving failed", "path", doc.Path, "digest", d.File.Digest, "error", err)
		} else {
			summary.ArchivedFiles++
		}
	}

	p.logger.Debug("document prepared", "path", doc.Path, "digest", d.File.Digest, "entries", len(d.Rows))
	return d, true
}

func (p *Pipeline) archiveDocument(ctx context.Context, d *model.DigestedDocument) error {
	exists, err := p.archive.Has(ctx, d.File.Digest)
	if err != nil {
		return fmt.Errorf("checking archive: %w", err)
	}
	if exists {
		return nil
	}
	content := d.Document.Content
	if err := p.archive.Put(ctx, d.File.Digest, bytes.NewReader(content), int64(len(content))); err != nil {
		return fmt.Errorf("storing in archive: %w", err)
	}
	return nil
}
