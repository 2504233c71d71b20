package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"bpa-go/internal/config"
)

// Environment variables that override values from the config file.
const (
	EnvBaseURL        = "BASE_URL"
	EnvDirs           = "DIRS"
	EnvDBParams       = "DB_PARAMS"
	EnvMaxConcurrency = "MAX_CONCURRENCY"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - BPA_CONFIG_PATH: config file location (default: ~/.config/bpa.toml)
//   - BPA_HOME: base directory for bpa data (default: ~/.local/share/bpa)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking BPA_CONFIG_PATH env var first,
// then falling back to the default ~/.config/bpa.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("BPA_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "bpa.toml"), nil
}

// getBaseDir returns the base directory for bpa data, checking BPA_HOME env var first,
// then falling back to the XDG default ~/.local/share/bpa.
func getBaseDir() (string, error) {
	if path := os.Getenv("BPA_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "bpa"), nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Variables that are already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnvOverrides replaces config values with the ones set in the environment.
// DB_PARAMS is a Postgres DSN and switches the database to postgres.
func ApplyEnvOverrides(cfg *config.Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		cfg.BaseURL = v
	}

	if v := os.Getenv(EnvDirs); strings.TrimSpace(v) != "" {
		var dirs []string
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				dirs = append(dirs, d)
			}
		}
		cfg.Dirs = dirs
	}

	if v := strings.TrimSpace(os.Getenv(EnvDBParams)); v != "" {
		cfg.Database = config.DatabaseConfig{Type: "postgres", DSN: v}
	}

	if v := strings.TrimSpace(os.Getenv(EnvMaxConcurrency)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvMaxConcurrency, err)
		}
		cfg.MaxConcurrency = n
	}

	return nil
}
