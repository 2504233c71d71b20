package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bpa-go/internal/bpa"
	"bpa-go/internal/database/migrations"
	"bpa-go/internal/model"
)

// SQLStore persists digested documents into the two bridge pool assignment
// tables. Every write relies on the digest primary keys: re-exporting a
// document is a no-op, never an error.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  bpa.Logger
}

// NewSQLStore wraps an open connection pool. The store takes ownership of db.
func NewSQLStore(db *sql.DB, dialect Dialect, logger bpa.Logger) *SQLStore {
	if logger == nil {
		logger = bpa.NewNopLogger()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}
}

// Dialect returns the SQL dialect the store speaks.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// EnsureSchema creates both tables and their indexes if absent.
// Errors wrap model.ErrSchema, except a done ctx whose error is returned as is.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := migrations.MigrateUp(s.db, s.dialect.flavor); err != nil {
		return fmt.Errorf("%w: %w", model.ErrSchema, err)
	}
	return nil
}

// CheckSchema returns nil when the schema is at the latest version.
// A database that was never migrated yields migrations.ErrNoVersion.
func (s *SQLStore) CheckSchema() error {
	return migrations.CheckDBMigrationStatus(s.db, s.dialect.flavor)
}

// SchemaStatus reports the schema version relative to the embedded migrations.
func (s *SQLStore) SchemaStatus() (migrations.Status, error) {
	return migrations.GetStatus(s.db, s.dialect.flavor)
}

// Clear removes every row from both tables in one transaction.
func (s *SQLStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range s.dialect.clearStmt {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clearing tables: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing clear: %w", err)
	}
	return nil
}

// ExportDocument writes one document's file row and then its assignment rows,
// BatchSize rows per statement, in a single transaction. The returned counts
// are rows actually inserted; they are zero unless the transaction committed.
// Errors wrap model.ErrTransaction and leave nothing of the document behind.
func (s *SQLStore) ExportDocument(ctx context.Context, d *model.DigestedDocument) (bpa.ExportCounts, error) {
	var counts bpa.ExportCounts

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bpa.ExportCounts{}, fmt.Errorf("%w: starting transaction: %w", model.ErrTransaction, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.dialect.insertFileSQL(), d.File.Digest, d.File.Published.UTC(), d.File.Header)
	if err != nil {
		return bpa.ExportCounts{}, fmt.Errorf("%w: inserting file %s: %w", model.ErrTransaction, d.File.Digest, err)
	}
	counts.Files, err = res.RowsAffected()
	if err != nil {
		return bpa.ExportCounts{}, fmt.Errorf("%w: reading rows affected: %w", model.ErrTransaction, err)
	}

	for start := 0; start < len(d.Rows); start += BatchSize {
		batch := d.Rows[start:min(start+BatchSize, len(d.Rows))]

		args := make([]any, 0, len(batch)*len(assignmentColumns))
		for _, r := range batch {
			args = append(args,
				r.Digest,
				r.Published.UTC(),
				r.Fingerprint,
				r.DistributionMethod,
				nullString(r.Transport),
				nullString(r.IP),
				nullString(r.Blocklist),
				r.FileDigest,
				r.Distributed,
				nullString(r.State),
				nullString(r.Bandwidth),
				nullFloat(r.Ratio),
			)
		}

		res, err := tx.ExecContext(ctx, s.dialect.insertAssignmentsSQL(len(batch)), args...)
		if err != nil {
			return bpa.ExportCounts{}, fmt.Errorf("%w: inserting assignments %d-%d: %w", model.ErrTransaction, start, start+len(batch)-1, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return bpa.ExportCounts{}, fmt.Errorf("%w: reading rows affected: %w", model.ErrTransaction, err)
		}
		counts.Assignments += n
	}

	if err := tx.Commit(); err != nil {
		return bpa.ExportCounts{}, fmt.Errorf("%w: committing: %w", model.ErrTransaction, err)
	}
	return counts, nil
}

// Export implements bpa.Exporter. Schema bootstrap and clear failures abort the
// call, as does ctx being done between documents; a failed document is rolled
// back, recorded and skipped.
func (s *SQLStore) Export(ctx context.Context, docs []*model.DigestedDocument, clear bool) (*bpa.ExportResult, error) {
	result := &bpa.ExportResult{}

	if err := s.EnsureSchema(ctx); err != nil {
		return result, err
	}

	if clear {
		if err := s.Clear(ctx); err != nil {
			return result, err
		}
		s.logger.Warn("cleared destination tables", "dialect", s.dialect.name)
	}

	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		counts, err := s.ExportDocument(ctx, d)
		if err != nil {
			s.logger.Error("export failed", "path", d.Document.Path, "digest", d.File.Digest, "error", err)
			result.Failures = append(result.Failures, bpa.Failure{Identifier: d.Document.Path, Err: err})
			continue
		}
		result.Documents++
		result.Add(counts)
		s.logger.Debug("document exported",
			"path", d.Document.Path,
			"digest", d.File.Digest,
			"new_files", counts.Files,
			"new_assignments", counts.Assignments,
			"assignments", len(d.Rows),
		)
	}

	s.logger.Info("export complete",
		"documents", result.Documents,
		"new_files", result.Files,
		"new_assignments", result.Assignments,
		"failed", len(result.Failures),
	)
	return result, nil
}

// Counts returns the number of rows in each table.
func (s *SQLStore) Counts(ctx context.Context) (bpa.ExportCounts, error) {
	var c bpa.ExportCounts
	if err := s.db.QueryRowContext(ctx, s.dialect.countSQL(fileTable)).Scan(&c.Files); err != nil {
		return bpa.ExportCounts{}, fmt.Errorf("counting files: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, s.dialect.countSQL(assignmentTable)).Scan(&c.Assignments); err != nil {
		return bpa.ExportCounts{}, fmt.Errorf("counting assignments: %w", err)
	}
	return c, nil
}

// FileAssignments returns the stored rows of one file, ordered by fingerprint.
func (s *SQLStore) FileAssignments(ctx context.Context, fileDigest string) ([]model.AssignmentRow, error) {
	query := s.dialect.selectAssignmentsSQL("file_digest", "fingerprint", 0)
	rows, err := s.db.QueryContext(ctx, query, fileDigest)
	if err != nil {
		return nil, fmt.Errorf("querying assignments of %s: %w", fileDigest, err)
	}
	defer rows.Close()

	var out []model.AssignmentRow
	for rows.Next() {
		r, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assignments: %w", err)
	}
	return out, nil
}

// LatestAssignment returns the most recently published row for a bridge,
// or nil if the fingerprint is unknown.
func (s *SQLStore) LatestAssignment(ctx context.Context, fingerprint string) (*model.AssignmentRow, error) {
	query := s.dialect.selectAssignmentsSQL("fingerprint", "published DESC", 1)
	row := s.db.QueryRowContext(ctx, query, fingerprint)
	r, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAssignment(sc scanner) (model.AssignmentRow, error) {
	var (
		r                                       model.AssignmentRow
		transport, ip, blocklist, state, bwidth sql.NullString
		ratio                                   sql.NullFloat64
	)
	err := sc.Scan(
		&r.Digest, &r.Published, &r.Fingerprint, &r.DistributionMethod,
		&transport, &ip, &blocklist, &r.FileDigest, &r.Distributed,
		&state, &bwidth, &ratio,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scanning assignment: %w", err)
	}
	r.Published = r.Published.UTC()
	r.Transport = stringPtr(transport)
	r.IP = stringPtr(ip)
	r.Blocklist = stringPtr(blocklist)
	r.State = stringPtr(state)
	r.Bandwidth = stringPtr(bwidth)
	if ratio.Valid {
		v := float32(ratio.Float64)
		r.Ratio = &v
	}
	return r, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float32) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(*f), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// Compile-time check that SQLStore implements bpa.Exporter
var _ bpa.Exporter = (*SQLStore)(nil)
