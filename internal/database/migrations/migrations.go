package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*/*.sql
var migrationFiles embed.FS

// Flavor selects the migration set and the golang-migrate database driver.
type Flavor string

const (
	SQLite   Flavor = "sqlite"
	Postgres Flavor = "postgres"
	MySQL    Flavor = "mysql"
)

// ErrNoVersion is returned by CheckDBMigrationStatus for a database that has never been migrated.
var ErrNoVersion = errors.New("database has no schema version (needs migration)")

// Status describes the schema version of a database relative to the embedded migrations.
type Status struct {
	Version uint // 0 when never migrated
	Latest  uint
	Dirty   bool
}

// UpToDate reports whether the database is exactly at the latest version and clean.
func (s Status) UpToDate() bool {
	return !s.Dirty && s.Version == s.Latest
}

func (s Status) String() string {
	switch {
	case s.Version == 0:
		return fmt.Sprintf("not migrated (latest %d)", s.Latest)
	case s.Dirty:
		return fmt.Sprintf("dirty at version %d (latest %d)", s.Version, s.Latest)
	case s.Version < s.Latest:
		return fmt.Sprintf("version %d, %d behind latest %d", s.Version, s.Latest-s.Version, s.Latest)
	case s.Version > s.Latest:
		return fmt.Sprintf("version %d is ahead of binary version %d", s.Version, s.Latest)
	default:
		return fmt.Sprintf("up to date at version %d", s.Version)
	}
}

// GetStatus reads the schema version of db without changing it.
func GetStatus(db *sql.DB, flavor Flavor) (Status, error) {
	m, err := newMigrate(db, flavor)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Closing m would close db; the caller owns it.

	latest, err := LatestVersion(flavor)
	if err != nil {
		return Status{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return Status{Latest: latest}, nil
		}
		return Status{}, fmt.Errorf("failed to get database version: %w", err)
	}
	return Status{Version: version, Latest: latest, Dirty: dirty}, nil
}

// CheckDBMigrationStatus verifies that the database schema is up-to-date.
// Returns nil if the database is at the latest version.
// Returns an error describing any version mismatch or migration issues.
func CheckDBMigrationStatus(db *sql.DB, flavor Flavor) error {
	st, err := GetStatus(db, flavor)
	if err != nil {
		return err
	}

	switch {
	case st.Version == 0 && !st.Dirty:
		return ErrNoVersion
	case st.Dirty:
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", st.Version)
	case st.Version < st.Latest:
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			st.Version, st.Latest, st.Latest-st.Version)
	case st.Version > st.Latest:
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			st.Version, st.Latest)
	}
	return nil
}

// MigrateUp runs all pending migrations to bring database to latest version.
// Running it against an up-to-date database is a no-op.
func MigrateUp(db *sql.DB, flavor Flavor) error {
	m, err := newMigrate(db, flavor)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Closing m would close db; the caller owns it.

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// LatestVersion returns the highest migration version embedded for flavor.
func LatestVersion(flavor Flavor) (uint, error) {
	src, err := newSource(flavor)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	latest, err := getLatestVersion(src)
	if err != nil {
		return 0, fmt.Errorf("failed to determine latest version: %w", err)
	}
	return latest, nil
}

func newSource(flavor Flavor) (source.Driver, error) {
	switch flavor {
	case SQLite, Postgres, MySQL:
	default:
		return nil, fmt.Errorf("unknown migration flavor: %q", flavor)
	}
	src, err := iofs.New(migrationFiles, "files/"+string(flavor))
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}
	return src, nil
}

// newMigrate creates a new migrate instance for the given database.
func newMigrate(db *sql.DB, flavor Flavor) (*migrate.Migrate, error) {
	sourceDriver, err := newSource(flavor)
	if err != nil {
		return nil, err
	}

	var dbDriver database.Driver
	switch flavor {
	case SQLite:
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	case Postgres:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{})
	case MySQL:
		dbDriver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	}
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(flavor), dbDriver)
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// getLatestVersion returns the highest version number available in the source.
func getLatestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}

	// Next returns an error once there are no more migrations.
	latestVersion := version
	for {
		nextVersion, err := src.Next(latestVersion)
		if err != nil {
			break
		}
		latestVersion = nextVersion
	}

	return latestVersion, nil
}
