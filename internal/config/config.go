package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by NewConfig.
const (
	DefaultBaseURL        = "https://collector.torproject.org"
	DefaultDirectory      = "recent/bridge-pool-assignments"
	DefaultMaxConcurrency = 50
	DefaultRequestTimeout = "30s"
	DefaultLogLevel       = "info"
)

// Config represents the main configuration for bpa.
type Config struct {
	BaseDir  string `toml:"base_dir"`
	LogDir   string `toml:"log_dir"`
	LogLevel string `toml:"log_level"` // debug, info, warn (or warning) or error

	BaseURL         string   `toml:"base_url"`
	Dirs            []string `toml:"dirs"`
	MinLastModified string   `toml:"min_last_modified,omitempty"` // RFC3339; empty keeps everything
	MaxConcurrency  int      `toml:"max_concurrency"`
	RequestTimeout  string   `toml:"request_timeout"` // Go duration string
	RateLimit       float64  `toml:"rate_limit"`      // requests per second; 0 is unlimited
	MaxFiles        int      `toml:"max_files"`       // newest N entries; 0 is unlimited
	Clear           bool     `toml:"clear"`           // truncate both tables before exporting

	Database DatabaseConfig `toml:"database"`
	Archive  ArchiveConfig  `toml:"archive"`
}

// DatabaseConfig represents configuration for the destination store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite", "memory", "postgres" or "mysql"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite

	// Postgres accepts a full DSN; otherwise the discrete fields below are used.
	DSN string `toml:"dsn,omitempty"`

	// Network fields (type=postgres or type=mysql)
	Host     string `toml:"host,omitempty"`
	Port     int    `toml:"port,omitempty"`
	User     string `toml:"user,omitempty"`
	Password string `toml:"password,omitempty"`
	DBName   string `toml:"dbname,omitempty"`
	SSLMode  string `toml:"sslmode,omitempty"` // postgres only
}

// ArchiveConfig represents configuration for the raw document archive.
// An empty Type disables archiving.
type ArchiveConfig struct {
	Type string `toml:"type"` // "", "memory", "filesystem" or "s3"
	Name string `toml:"name,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"` // for S3-compatible stores
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// NewConfig creates a Config rooted at baseDir with every default filled in.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:        baseDir,
		LogDir:         filepath.Join(baseDir, "log"),
		LogLevel:       DefaultLogLevel,
		BaseURL:        DefaultBaseURL,
		Dirs:           []string{DefaultDirectory},
		MaxConcurrency: DefaultMaxConcurrency,
		RequestTimeout: DefaultRequestTimeout,
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
	}
}

// MinModified parses MinLastModified. The zero time means no cutoff.
func (c *Config) MinModified() (time.Time, error) {
	if c.MinLastModified == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.MinLastModified)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing min_last_modified: %w", err)
	}
	return t.UTC(), nil
}

// Timeout parses RequestTimeout. Empty means zero, letting the client default apply.
func (c *Config) Timeout() (time.Duration, error) {
	if c.RequestTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing request_timeout: %w", err)
	}
	return d, nil
}

// ParseLogLevel maps a log_level value to a slog.Level, ignoring case.
// Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log_level: %q", s)
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if len(c.Dirs) == 0 {
		errs = append(errs, errors.New("at least one entry in dirs is required"))
	}
	for _, d := range c.Dirs {
		if strings.Trim(d, "/ ") == "" {
			errs = append(errs, errors.New("dirs contains an empty directory"))
			break
		}
	}
	if c.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency))
	}
	if c.MaxFiles < 0 {
		errs = append(errs, fmt.Errorf("max_files must not be negative, got %d", c.MaxFiles))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %g", c.RateLimit))
	}
	if _, err := c.MinModified(); err != nil {
		errs = append(errs, err)
	}
	if d, err := c.Timeout(); err != nil {
		errs = append(errs, err)
	} else if d < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative, got %s", d))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate checks the fields required by the selected database type.
func (d DatabaseConfig) Validate() error {
	switch d.Type {
	case "memory":
		return nil
	case "sqlite":
		if d.DataDir == "" {
			return errors.New("database: data_dir required for sqlite database")
		}
	case "postgres":
		if d.DSN == "" && (d.Host == "" || d.DBName == "") {
			return errors.New("database: postgres requires dsn or host and dbname")
		}
	case "mysql":
		if d.Host == "" || d.DBName == "" {
			return errors.New("database: mysql requires host and dbname")
		}
	default:
		return fmt.Errorf("database: unknown database type: %q", d.Type)
	}
	return nil
}

// PostgresDSN returns DSN if set, otherwise a lib/pq key/value connection string
// built from the discrete fields.
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	parts := []string{"host=" + quoteDSNValue(d.Host)}
	if d.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", d.Port))
	}
	if d.User != "" {
		parts = append(parts, "user="+quoteDSNValue(d.User))
	}
	if d.Password != "" {
		parts = append(parts, "password="+quoteDSNValue(d.Password))
	}
	parts = append(parts, "dbname="+quoteDSNValue(d.DBName))
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	parts = append(parts, "sslmode="+sslmode)
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Validate checks the fields required by the selected archive type.
func (a ArchiveConfig) Validate() error {
	switch a.Type {
	case "", "memory":
		return nil
	case "filesystem":
		if a.FSRoot == "" {
			return errors.New("archive: filesystem archive requires fs_root to be set")
		}
	case "s3":
		if a.S3Bucket == "" {
			return errors.New("archive: s3 archive requires s3_bucket to be set")
		}
		if (a.S3AccessKeyID == "") != (a.S3SecretAccessKey == "") {
			return errors.New("archive: s3_access_key_id and s3_secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("archive: unknown archive type: %q", a.Type)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Keys the document omits keep
// their NewConfig defaults; log_dir and the sqlite data_dir default to
// subdirectories of the decoded base_dir.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := NewConfig("")
	cfg.LogDir = ""
	cfg.Database.DataDir = ""
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.BaseDir != "" {
		if cfg.LogDir == "" {
			cfg.LogDir = filepath.Join(cfg.BaseDir, "log")
		}
		if cfg.Database.Type == "sqlite" && cfg.Database.DataDir == "" {
			cfg.Database.DataDir = filepath.Join(cfg.BaseDir, "db")
		}
	}
	return cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path, creating parent directories.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// May hold database and S3 credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
