package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	BaselineFile   = "baseline.json"
	ComparatorFile = "comparator.json"
	CheckpointFile = "checkpoint.jsonl"
	LogFile        = "run.log"
	CursorFile     = ".cursor"
	ArchiveDirName = "archive"
)

// Layout names every artifact a run keeps under its output directory
type Layout struct {
	dir    string
	logger *slog.Logger
}

// NewLayout creates the output and archive directories if needed
func NewLayout(outputDir string, logger *slog.Logger) (*Layout, error) {
	dir := filepath.Clean(outputDir)
	if err := os.MkdirAll(filepath.Join(dir, ArchiveDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Layout{dir: dir, logger: logger}, nil
}

// Stage returns the layout of a scenario stage nested under this one
func (l *Layout) Stage(name string) (*Layout, error) {
	return NewLayout(filepath.Join(l.dir, name), l.logger)
}

// Dir returns the output directory
func (l *Layout) Dir() string {
	return l.dir
}

// BaselinePath returns the path of the clean corpus
func (l *Layout) BaselinePath() string {
	return filepath.Join(l.dir, BaselineFile)
}

// ComparatorPath returns the path of the defect-injected corpus
func (l *Layout) ComparatorPath() string {
	return filepath.Join(l.dir, ComparatorFile)
}

// CheckpointPath returns the path of the active checkpoint log
func (l *Layout) CheckpointPath() string {
	return filepath.Join(l.dir, CheckpointFile)
}

// LogPath returns the path of the JSON run log
func (l *Layout) LogPath() string {
	return filepath.Join(l.dir, LogFile)
}

// CursorPath returns the path of the scenario stage cursor
func (l *Layout) CursorPath() string {
	return filepath.Join(l.dir, CursorFile)
}

// ArchiveDir returns the directory archived logs and outputs are moved to
func (l *Layout) ArchiveDir() string {
	return filepath.Join(l.dir, ArchiveDirName)
}

// ArchivePath returns a timestamped archive destination for an artifact,
// e.g. checkpoint.jsonl becomes archive/checkpoint_20261019T101500.123456.jsonl
func (l *Layout) ArchivePath(file string, at time.Time) string {
	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)
	return filepath.Join(l.ArchiveDir(), fmt.Sprintf("%s_%s%s", base, ArchiveStamp(at), ext))
}

const archiveStampLayout = "20060102T150405.000000"

// ArchiveStamp formats the timestamp used in archive file names
func ArchiveStamp(t time.Time) string {
	return t.UTC().Format(archiveStampLayout)
}

// GetConfigBackupPath returns the full path to the config backup
func (l *Layout) GetConfigBackupPath(configPath string) string {
	return filepath.Join(l.dir, "config"+filepath.Ext(configPath)+".bak")
}

// BackupConfig copies the config file next to the outputs it produced
func (l *Layout) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := l.GetConfigBackupPath(configPath)
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	l.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
