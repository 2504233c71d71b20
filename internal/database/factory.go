package database

import (
	"fmt"
	"os"
	"path/filepath"

	"bpa-go/internal/bpa"
	"bpa-go/internal/config"
)

// SQLiteFileName is the database file created under data_dir.
const SQLiteFileName = "bpa.db"

// NewStoreFromConfig opens the store selected by the database config type.
func NewStoreFromConfig(cfg config.DatabaseConfig, logger bpa.Logger) (*SQLStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		db, err := OpenConnection(filepath.Join(cfg.DataDir, SQLiteFileName))
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, SQLiteDialect, logger), nil
	case "memory":
		db, err := OpenConnection(":memory:")
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, SQLiteDialect, logger), nil
	case "postgres":
		db, err := OpenPostgres(cfg.PostgresDSN())
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, PostgresDialect, logger), nil
	case "mysql":
		db, err := OpenMySQL(MySQLDSN(cfg))
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, MySQLDialect, logger), nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
