package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"bpa-go/internal/archive"
	"bpa-go/internal/bpa"
	"bpa-go/internal/config"
	"bpa-go/internal/database"
	"bpa-go/internal/database/migrations"
	"bpa-go/internal/fetch"
	"bpa-go/internal/model"
)

// BPAApp is the application layer between the CLI and the pipeline.
// It constructs all dependencies from config, exposes high-level operations,
// and releases the database and log file on Close.
type BPAApp struct {
	cfg       *config.Config
	store     *database.SQLStore
	archive   bpa.Archive
	collector *fetch.Collector
	pipeline  *bpa.Pipeline
	logger    bpa.Logger
	clock     bpa.Clock
	op        *Operation
	logFile   *os.File
}

// NewBPAApp creates a fully wired BPAApp from the given config.
// command identifies the CLI command being run (e.g. "run", "schema up");
// parameters is a free-form description logged with it.
// The caller must call Close when done.
func NewBPAApp(ctx context.Context, cfg *config.Config, command, parameters string) (*BPAApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runID := bpa.UUIDGenerator{}.New()
	clock := bpa.RealClock{}

	l, logFile, err := newLogger(cfg.LogDir, runID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	a := &BPAApp{
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
		op:      NewOperation(runID, command, parameters, clock.Now()),
		logFile: logFile,
	}
	if err := a.wire(ctx, runID); err != nil {
		a.closeResources()
		return nil, err
	}

	logger.Info("operation started", "command", command, "parameters", parameters, "database", cfg.Database.Type)
	return a, nil
}

// wire builds the store, archive, collector and pipeline.
func (a *BPAApp) wire(ctx context.Context, runID string) error {
	store, err := database.NewStoreFromConfig(a.cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.store = store

	arch, err := archive.NewArchiveFromConfig(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	if arch != nil {
		if err := arch.ValidateSetup(ctx); err != nil {
			return fmt.Errorf("validating archive: %w", err)
		}
		a.archive = arch
		a.logger.Info("archive ready", "name", arch.Name(), "type", a.cfg.Archive.Type)
	}

	opts, err := collectorOptions(a.cfg)
	if err != nil {
		return err
	}
	client := fetch.NewHTTPClient(fetch.ClientConfig{
		Timeout:         opts.RequestTimeout,
		MaxConnsPerHost: opts.MaxConcurrency,
	})
	collector, err := fetch.NewCollector(client, opts, a.logger)
	if err != nil {
		return fmt.Errorf("creating collector: %w", err)
	}
	a.collector = collector

	a.pipeline = bpa.NewPipeline(collector, store, a.archive, a.logger, a.clock, fixedID(runID))
	return nil
}

// collectorOptions maps the retrieval settings of cfg onto fetch.Options.
func collectorOptions(cfg *config.Config) (fetch.Options, error) {
	minModified, err := cfg.MinModified()
	if err != nil {
		return fetch.Options{}, err
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return fetch.Options{}, err
	}
	return fetch.Options{
		BaseURL:        cfg.BaseURL,
		Directories:    cfg.Dirs,
		MinModified:    minModified,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxFiles:       cfg.MaxFiles,
		RequestTimeout: timeout,
		RateLimit:      cfg.RateLimit,
	}, nil
}

// fixedID makes the pipeline reuse the run ID already stamped on every log line.
type fixedID string

func (f fixedID) New() string { return string(f) }

// RunID returns the identifier shared by this invocation's log lines and summary.
func (a *BPAApp) RunID() string {
	return a.op.RunID
}

// Run fetches, parses and exports every document selected by the config.
// When the config sets clear, both tables are emptied first.
func (a *BPAApp) Run(ctx context.Context) (*bpa.Summary, error) {
	summary, err := a.pipeline.Run(ctx, bpa.RunOptions{Clear: a.cfg.Clear})
	a.op.Fail(err)
	return summary, err
}

// Index resolves the remote index and returns the entries a run would fetch.
func (a *BPAApp) Index(ctx context.Context) ([]model.IndexEntry, error) {
	entries, err := a.collector.Index(ctx)
	a.op.Fail(err)
	return entries, err
}

// SchemaUp creates or migrates the destination tables.
func (a *BPAApp) SchemaUp(ctx context.Context) error {
	err := a.store.EnsureSchema(ctx)
	a.op.Fail(err)
	return err
}

// SchemaStatus reports the destination schema version.
func (a *BPAApp) SchemaStatus() (migrations.Status, error) {
	status, err := a.store.SchemaStatus()
	a.op.Fail(err)
	return status, err
}

// requireSchema fails unless the destination schema is current. A database
// that was never migrated yields an error wrapping migrations.ErrNoVersion.
func (a *BPAApp) requireSchema() error {
	if err := a.store.CheckSchema(); err != nil {
		a.op.Fail(err)
		return fmt.Errorf("checking schema: %w", err)
	}
	return nil
}

// Counts returns the number of stored files and assignments.
func (a *BPAApp) Counts(ctx context.Context) (bpa.ExportCounts, error) {
	if err := a.requireSchema(); err != nil {
		return bpa.ExportCounts{}, err
	}
	c, err := a.store.Counts(ctx)
	a.op.Fail(err)
	return c, err
}

// Latest returns the most recent assignment of a bridge, or nil when it was never seen.
func (a *BPAApp) Latest(ctx context.Context, fingerprint string) (*model.AssignmentRow, error) {
	if err := a.requireSchema(); err != nil {
		return nil, err
	}
	row, err := a.store.LatestAssignment(ctx, fingerprint)
	a.op.Fail(err)
	return row, err
}

// Show returns the stored assignments of one file, ordered by fingerprint.
// An unknown file digest yields no rows.
func (a *BPAApp) Show(ctx context.Context, fileDigest string) ([]model.AssignmentRow, error) {
	if err := a.requireSchema(); err != nil {
		return nil, err
	}
	rows, err := a.store.FileAssignments(ctx, fileDigest)
	a.op.Fail(err)
	return rows, err
}

// Close logs the operation outcome and releases the database and log file.
func (a *BPAApp) Close() error {
	a.op.Finish(a.clock.Now())
	a.op.log(a.logger)
	return a.closeResources()
}

func (a *BPAApp) closeResources() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing log file: %w", err))
		}
	}
	return errors.Join(errs...)
}
