package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBpaHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-123",
			level:   slog.LevelInfo,
			message: "index resolved",
			want:    "2024-06-15T14:30:45Z\tINFO\trun-123\tindex resolved\n",
		},
		{
			name:    "warn level",
			runID:   "run-456",
			level:   slog.LevelWarn,
			message: "skipped line",
			want:    "2024-06-15T14:30:45Z\tWARN\trun-456\tskipped line\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-789",
			level:   slog.LevelInfo,
			message: "fetched",
			attrs:   []slog.Attr{slog.String("path", "recent/bridge-pool-assignments/2022-04-09-00-29-37"), slog.Int("bytes", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\trun-789\tfetched\tpath=recent/bridge-pool-assignments/2022-04-09-00-29-37\tbytes=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newHandler(&buf, tt.runID, slog.LevelDebug)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestBpaHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(&buf, "run-1", nil)

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "fetch")}).(*bpaHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "fetched", 0)
	r.AddAttrs(slog.String("key", "abc"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=fetch") {
		t.Errorf("expected pre-set attr component=fetch, got: %q", got)
	}
	if !strings.Contains(got, "key=abc") {
		t.Errorf("expected record attr key=abc, got: %q", got)
	}
}

func TestBpaHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(&buf, "run-1", nil)
	h.attrs = []slog.Attr{slog.String("a", "1")}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*bpaHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestBpaHandler_Enabled(t *testing.T) {
	tests := []struct {
		name  string
		min   slog.Leveler
		level slog.Level
		want  bool
	}{
		{name: "nil level enables debug", min: nil, level: slog.LevelDebug, want: true},
		{name: "info drops debug", min: slog.LevelInfo, level: slog.LevelDebug, want: false},
		{name: "info keeps info", min: slog.LevelInfo, level: slog.LevelInfo, want: true},
		{name: "warn drops info", min: slog.LevelWarn, level: slog.LevelInfo, want: false},
		{name: "warn keeps error", min: slog.LevelWarn, level: slog.LevelError, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(&bytes.Buffer{}, "run-1", tt.min)
			if got := h.Enabled(context.Background(), tt.level); got != tt.want {
				t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestBpaHandler_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "run-1", slog.LevelInfo))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("fetched", "worker", i)
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, line := range lines {
		if fields := strings.Split(line, "\t"); len(fields) != 5 {
			t.Errorf("line %q has %d fields, want 5", line, len(fields))
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, f, err := newLogger(dir, "test-run", "warning")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Info("dropped")
	logger.Warn("kept", "path", "x")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if strings.Contains(got, "dropped") {
		t.Errorf("info line written at warn level: %q", got)
	}
	if !strings.Contains(got, "\tWARN\ttest-run\tkept\tpath=x") {
		t.Errorf("warn line missing: %q", got)
	}
}

func TestNewLogger_BadLevel(t *testing.T) {
	if _, _, err := newLogger(t.TempDir(), "test-run", "loud"); err == nil {
		t.Fatal("newLogger() expected error for unknown level")
	}
}
