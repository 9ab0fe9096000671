package writer

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLayoutPaths(t *testing.T) {
	dir := t.TempDir()
	layout, err := NewLayout(dir, testLogger())
	if err != nil {
		t.Fatalf("NewLayout() error = %v", err)
	}

	if info, err := os.Stat(layout.ArchiveDir()); err != nil || !info.IsDir() {
		t.Fatalf("archive dir not created: %v", err)
	}

	at := time.Date(2026, 10, 19, 10, 15, 0, 123456000, time.UTC)
	got := layout.ArchivePath(CheckpointFile, at)
	want := filepath.Join(dir, "archive", "checkpoint_20261019T101500.123456.jsonl")
	if got != want {
		t.Errorf("ArchivePath() = %q, want %q", got, want)
	}
	if err := ValidateArchiveName(filepath.Base(got)); err != nil {
		t.Errorf("archive names must pass validation: %v", err)
	}

	stage, err := layout.Stage("day1")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if stage.CheckpointPath() != filepath.Join(dir, "day1", CheckpointFile) {
		t.Errorf("unexpected stage checkpoint path %q", stage.CheckpointPath())
	}
}

func TestBackupConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "demo.yaml")
	if err := os.WriteFile(cfgPath, []byte("generation: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	layout, err := NewLayout(filepath.Join(dir, "out"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := layout.BackupConfig(cfgPath); err != nil {
		t.Fatalf("BackupConfig() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out", "config.yaml.bak"))
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(data) != "generation: {}\n" {
		t.Errorf("unexpected backup content %q", data)
	}
}

func TestRunLogger(t *testing.T) {
	var console, runLog bytes.Buffer
	logger := NewRunLogger(&console, &runLog, slog.LevelInfo)

	logger.With("component", "orchestrator").Info("Record completed", "record_index", 3)
	logger.Debug("Turn generated", "turn", 1)

	if !strings.Contains(console.String(), "record_index=3") {
		t.Errorf("console output missing attribute: %q", console.String())
	}
	if strings.Contains(console.String(), "Turn generated") {
		t.Errorf("console should not show debug records: %q", console.String())
	}

	lines := strings.Split(strings.TrimSpace(runLog.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("run log has %d entries, want 2: %q", len(lines), runLog.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("run log entry is not JSON: %v", err)
	}
	if entry["component"] != "orchestrator" || entry["msg"] != "Record completed" {
		t.Errorf("unexpected run log entry %v", entry)
	}
}
