package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"bpa-go/internal/app"
	"bpa-go/internal/bpa"
	"bpa-go/internal/config"
	"bpa-go/internal/database/migrations"
	"bpa-go/internal/model"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when it does not
// exist, then applies .env and environment overrides.
func loadConfig() (*config.Config, string, error) {
	if err := app.LoadDotEnv(".env"); err != nil {
		return nil, "", err
	}

	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	path := defaults["config_path"]

	cfg, err := config.ReadFromFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.NewConfig(defaults["base_dir"])
	case err != nil:
		return nil, "", fmt.Errorf("reading config: %w", err)
	}

	if err := app.ApplyEnvOverrides(cfg); err != nil {
		return nil, "", fmt.Errorf("applying environment: %w", err)
	}
	return cfg, path, nil
}

// newApp creates a BPAApp from cfg. The caller must defer app.Close().
func newApp(ctx context.Context, cfg *config.Config, command, parameters string) (*app.BPAApp, error) {
	a, err := app.NewBPAApp(ctx, cfg, command, parameters)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "bpa",
	Short:        "Bridge pool assignment importer",
	SilenceUsage: true,
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch, parse and export bridge pool assignments",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}

		params := fmt.Sprintf("dirs=%s clear=%t", strings.Join(cfg.Dirs, ","), cfg.Clear)
		a, err := newApp(cmd.Context(), cfg, "run", params)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.Run(cmd.Context())
		if summary != nil {
			printSummary(summary)
		}
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
		return nil
	},
}

// applyRunFlags overrides config values with the flags set on cmd.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("clear") {
		cfg.Clear, _ = flags.GetBool("clear")
	}
	if flags.Changed("dir") {
		cfg.Dirs, _ = flags.GetStringSlice("dir")
	}
	if flags.Changed("since") {
		since, _ := flags.GetString("since")
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			return fmt.Errorf("--since must be RFC3339: %w", err)
		}
		cfg.MinLastModified = since
	}
	if flags.Changed("concurrency") {
		cfg.MaxConcurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("max-files") {
		cfg.MaxFiles, _ = flags.GetInt("max-files")
	}
	return nil
}

func printSummary(s *bpa.Summary) {
	fmt.Printf("Run %s finished in %s\n", s.RunID, s.Duration().Truncate(time.Millisecond))
	fmt.Printf("  files fetched:    %d\n", s.FilesFetched)
	fmt.Printf("  files parsed:     %d\n", s.FilesParsed)
	fmt.Printf("  files exported:   %d\n", s.FilesExported)
	fmt.Printf("  records parsed:   %d\n", s.RecordsParsed)
	fmt.Printf("  records exported: %d\n", s.RecordsExported)
	fmt.Printf("  skipped lines:    %d\n", s.LineWarnings)
	if s.ArchivedFiles > 0 {
		fmt.Printf("  files archived:   %d\n", s.ArchivedFiles)
	}

	if len(s.Failures) == 0 {
		return
	}
	byKind := s.FailuresByKind()
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Printf("  failures:         %d\n", len(s.Failures))
	for _, k := range kinds {
		fmt.Printf("    %-18s %d\n", k, byKind[k])
	}
	for _, f := range s.Failures {
		fmt.Printf("  %s\n", f)
	}
}

// fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "List the index entries a run would fetch",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, "fetch", strings.Join(cfg.Dirs, ","))
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Index(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No matching documents.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %8d  %s\n", e.LastModified.Format("2006-01-02 15:04"), e.Size, e.Path)
		}
		return nil
	},
}

// parse command
var parseCmd = &cobra.Command{
	Use:   "parse FILE...",
	Short: "Parse local or archived documents without exporting them",
	Long: `Parse local documents without exporting them.

With --archived, each argument is a file digest read back from the configured archive.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if format != "summary" && format != "csv" {
			return fmt.Errorf("unknown format %q (want summary or csv)", format)
		}
		archived, _ := cmd.Flags().GetBool("archived")

		parseOne := func(arg string) (*app.ParsedFile, error) { return app.ParseFile(arg) }
		if archived {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, "parse", strings.Join(args, ","))
			if err != nil {
				return err
			}
			defer a.Close()
			parseOne = func(arg string) (*app.ParsedFile, error) { return a.ParseArchived(cmd.Context(), arg) }
		}

		out := app.NewCSVWriter(os.Stdout)
		var failed int
		for _, arg := range args {
			pf, err := parseOne(arg)
			if pf != nil {
				for _, w := range pf.Warnings {
					fmt.Fprintf(os.Stderr, "%s: %s\n", arg, w)
				}
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", arg, err)
				failed++
				continue
			}

			d := pf.Document
			switch format {
			case "csv":
				if err := out.Write(d.Rows); err != nil {
					return err
				}
			default:
				fmt.Printf("%s  %s  published=%s  entries=%d  warnings=%d\n",
					d.File.Digest[:12],
					arg,
					d.File.Published.Format("2006-01-02 15:04:05"),
					len(d.Rows),
					len(pf.Warnings),
				)
			}
		}
		if format == "csv" {
			if err := out.Close(); err != nil {
				return err
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d document(s) failed to parse", failed, len(args))
		}
		return nil
	},
}

// schema command
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the destination schema",
}

var schemaUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create or migrate the destination tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, "schema up", cfg.Database.Type)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SchemaUp(cmd.Context()); err != nil {
			return err
		}
		status, err := a.SchemaStatus()
		if err != nil {
			return err
		}
		fmt.Printf("Schema %s\n", status)
		return nil
	},
}

var schemaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the destination schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, "schema status", cfg.Database.Type)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.SchemaStatus()
		if err != nil {
			return err
		}
		fmt.Printf("Database: %s\n", cfg.Database.Type)
		fmt.Printf("Schema:   %s\n", status)
		if status.UpToDate() {
			counts, err := a.Counts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Files:       %d\n", counts.Files)
			fmt.Printf("Assignments: %d\n", counts.Assignments)
		}
		return nil
	},
}

// latest command
var latestCmd = &cobra.Command{
	Use:   "latest FINGERPRINT",
	Short: "Show the most recent assignment of a bridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, "latest", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		row, err := a.Latest(cmd.Context(), args[0])
		if err != nil {
			return schemaHint(err)
		}
		if row == nil {
			fmt.Println("No assignment recorded.")
			return nil
		}
		return app.WriteCSV(os.Stdout, []model.AssignmentRow{*row})
	},
}

// show command
var showCmd = &cobra.Command{
	Use:   "show FILE_DIGEST",
	Short: "Print the stored assignments of one document as CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, "show", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		rows, err := a.Show(cmd.Context(), args[0])
		if err != nil {
			return schemaHint(err)
		}
		if len(rows) == 0 {
			fmt.Println("No assignments stored for that file digest.")
			return nil
		}
		return app.WriteCSV(os.Stdout, rows)
	},
}

// schemaHint points at `bpa schema up` when the tables were never created.
func schemaHint(err error) error {
	if errors.Is(err, migrations.ErrNoVersion) {
		return fmt.Errorf("%w; run `bpa schema up` or `bpa run` first", err)
	}
	return err
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Printf("Database: %s (%s)\n", cfg.Database.Type, cfg.Database.DataDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s (with environment overrides):\n\n", path)
		fmt.Printf("Base URL:        %s\n", cfg.BaseURL)
		fmt.Printf("Dirs:            %s\n", strings.Join(cfg.Dirs, ", "))
		fmt.Printf("Since:           %s\n", cfg.MinLastModified)
		fmt.Printf("Max Concurrency: %d\n", cfg.MaxConcurrency)
		fmt.Printf("Request Timeout: %s\n", cfg.RequestTimeout)
		fmt.Printf("Rate Limit:      %g/s\n", cfg.RateLimit)
		fmt.Printf("Max Files:       %d\n", cfg.MaxFiles)
		fmt.Printf("Clear:           %t\n", cfg.Clear)
		fmt.Printf("Base Dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:         %s\n", cfg.LogDir)
		fmt.Printf("Log Level:       %s\n", cfg.LogLevel)
		fmt.Printf("Database:        %s\n", cfg.Database.Type)
		if cfg.Archive.Type != "" {
			fmt.Printf("Archive:         %s\n", cfg.Archive.Type)
		}

		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nProblems:\n%v\n", err)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, fetchCmd} {
		c.Flags().StringSlice("dir", nil, "Index directory to import (repeatable)")
		c.Flags().String("since", "", "Only documents modified at or after this RFC3339 time")
		c.Flags().Int("concurrency", 0, "Maximum documents fetched in parallel")
		c.Flags().Int("max-files", 0, "Only the newest N documents")
	}
	runCmd.Flags().Bool("clear", false, "Delete all stored assignments before exporting")
	parseCmd.Flags().StringP("format", "f", "summary", "Output format: summary or csv")
	parseCmd.Flags().Bool("archived", false, "Treat arguments as file digests in the configured archive")

	// schema subcommands
	schemaCmd.AddCommand(schemaUpCmd)
	schemaCmd.AddCommand(schemaStatusCmd)

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// root commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(latestCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(configCmd)
}
