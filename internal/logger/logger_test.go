package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestFileWriter_Defaults(t *testing.T) {
	if w := (Config{}).FileWriter(); w != nil {
		t.Fatalf("expected nil writer without a path")
	}
	w := Config{File: FileConfig{Path: filepath.Join(t.TempDir(), "x.log")}}.FileWriter()
	defer closeIf(w)
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestFileWriter_Overrides(t *testing.T) {
	cfg := Config{File: FileConfig{Path: filepath.Join(t.TempDir(), "y.log"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	w := cfg.FileWriter()
	defer closeIf(w)
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNewSlogger_JSONLevelAndNoTime(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}
	log, closer := cfg.newSlogger(&buf)
	defer closeIf(closer)

	log.Info("hidden")
	log.With(slog.String("worker", "stats")).Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "shown" || rec["worker"] != "stats" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["time"]; ok {
		t.Fatalf("time should be dropped when timestamps are off")
	}
}

func TestNewSlogger_ColorKeptOnDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, Color: true}}
	log, _ := cfg.newSlogger(&buf)
	log.With(slog.String("k", "v")).Error("boom")
	out := buf.String()
	if !strings.Contains(out, "[31mERROR") || !strings.Contains(out, "k=v") {
		t.Fatalf("missing colour or attr: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped: %q", out)
	}
}

func TestNewSlogger_FileGetsPlainCopy(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "pegstudy.log")
	cfg := Config{Slog: SlogConfig{Color: true, TimeStamps: true}, File: FileConfig{Path: path}}
	log, closer := cfg.newSlogger(&buf)
	log.Info("hello", slog.Int("n", 1))
	closeIf(closer)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(b), "msg=hello n=1") || strings.Contains(string(b), "[32m") {
		t.Fatalf("unexpected file content %q", b)
	}
	if !strings.Contains(buf.String(), "[32mINFO") {
		t.Fatalf("console should be coloured: %q", buf.String())
	}
}

func TestValidate(t *testing.T) {
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("zero config should be valid: %v", err)
	}
	if err := (Config{Slog: SlogConfig{Level: "loud"}}).Validate(); err == nil {
		t.Fatalf("expected level error")
	}
	if err := (Config{Slog: SlogConfig{Format: "xml"}}).Validate(); err == nil {
		t.Fatalf("expected format error")
	}
}
