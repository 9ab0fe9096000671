package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/lamim/convoforge/internal/writer"
	"github.com/lamim/convoforge/pkg/models"
)

var (
	// ErrCorruptLine marks a log line that could not be decoded. Such lines
	// are counted and skipped, never fatal.
	ErrCorruptLine = errors.New("corrupt checkpoint line")

	// ErrLocked means another process is running against the same output
	ErrLocked = errors.New("checkpoint log is locked by another run")
)

// Store is the append-only checkpoint log of one output directory
type Store struct {
	layout *writer.Layout
	files  *writer.FileWriter
	logger *slog.Logger
	lock   *flock.Flock
	runID  string
	now    func() time.Time
}

// NewStore creates a store for the log under layout
func NewStore(layout *writer.Layout, files *writer.FileWriter, logger *slog.Logger) *Store {
	return &Store{
		layout: layout,
		files:  files,
		logger: logger,
		lock:   flock.New(layout.CheckpointPath() + ".lock"),
		now:    time.Now,
	}
}

// Signature identifies a job by its output target
func Signature(outputDir string) string {
	abs, err := filepath.Abs(outputDir)
	if err != nil {
		abs = filepath.Clean(outputDir)
	}
	hash := sha256.Sum256([]byte(abs))
	return fmt.Sprintf("%x", hash[:8])
}

// Path returns the active log path
func (s *Store) Path() string {
	return s.layout.CheckpointPath()
}

// RunID returns the id written by the last BeginRun
func (s *Store) RunID() string {
	return s.runID
}

// Lock takes the advisory lock that keeps two runs off the same log
func (s *Store) Lock() error {
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock checkpoint log: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, s.Path())
	}
	return nil
}

// Unlock releases the advisory lock
func (s *Store) Unlock() error {
	return s.lock.Unlock()
}

// Load rebuilds progress from the active log. It returns nil when there is no log.
func (s *Store) Load() (*models.CheckpointState, error) {
	state, err := ReadState(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if state.CorruptLines > 0 {
		s.logger.Warn("Skipped corrupt checkpoint lines",
			"path", state.Path,
			"corrupt_lines", state.CorruptLines)
	}
	s.logger.Info("Checkpoint loaded",
		"runs", state.Runs,
		"completed", len(state.Completed),
		"failed", len(state.Failed),
		"resume_index", state.ResumeIndex)

	return state, nil
}

// ReadState scans a checkpoint log, active or archived
func ReadState(path string) (*models.CheckpointState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	state := &models.CheckpointState{
		Path:      path,
		Completed: make(map[int]bool),
		Failed:    make(map[int]string),
	}

	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if entry, err := decodeEntry(line); err != nil {
				state.CorruptLines++
			} else {
				apply(state, entry)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read checkpoint log: %w", readErr)
		}
	}

	state.ResumeIndex = 0
	for state.Done(state.ResumeIndex) {
		state.ResumeIndex++
	}
	return state, nil
}

func decodeEntry(line []byte) (models.CheckpointEntry, error) {
	var entry models.CheckpointEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return entry, fmt.Errorf("%w: %w", ErrCorruptLine, err)
	}
	switch entry.Kind {
	case models.EntryRun:
	case models.EntryRecord:
		if entry.Index < 0 {
			return entry, fmt.Errorf("%w: negative record index", ErrCorruptLine)
		}
	default:
		return entry, fmt.Errorf("%w: unknown kind %q", ErrCorruptLine, entry.Kind)
	}
	return entry, nil
}

func apply(state *models.CheckpointState, entry models.CheckpointEntry) {
	if entry.Timestamp.After(state.LastUpdated) {
		state.LastUpdated = entry.Timestamp
	}

	if entry.Kind == models.EntryRun {
		state.Runs++
		state.Signature = entry.Signature
		state.ConfigHash = entry.ConfigHash
		state.Target = entry.Target
		return
	}

	switch entry.Status {
	case models.StatusCompleted:
		// Both outputs must be confirmed; anything less is regenerated
		if entry.BaselineWritten && entry.ComparatorWritten {
			state.Completed[entry.Index] = true
			delete(state.Failed, entry.Index)
		}
	case models.StatusFailed:
		if !state.Completed[entry.Index] {
			state.Failed[entry.Index] = entry.Error
		}
	}
}

// BeginRun appends the header line for a new invocation
func (s *Store) BeginRun(ctx context.Context, signature string, job models.GenerationJob) error {
	if err := s.repairTail(ctx); err != nil {
		return err
	}

	s.runID = uuid.New().String()
	return s.Append(ctx, models.CheckpointEntry{
		Kind:       models.EntryRun,
		RunID:      s.runID,
		Signature:  signature,
		ConfigHash: job.ConfigHash,
		Target:     job.TargetRecords,
	})
}

// Append writes one entry to the end of the log
func (s *Store) Append(ctx context.Context, entry models.CheckpointEntry) error {
	if entry.RunID == "" {
		entry.RunID = s.runID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint entry: %w", err)
	}
	return s.files.AppendLine(ctx, s.Path(), data)
}

// MarkCompleted records that both outputs of index are durably written
func (s *Store) MarkCompleted(ctx context.Context, index, attempts, labels int) error {
	return s.Append(ctx, models.CheckpointEntry{
		Kind:              models.EntryRecord,
		Index:             index,
		Status:            models.StatusCompleted,
		BaselineWritten:   true,
		ComparatorWritten: true,
		Labels:            labels,
		Attempts:          attempts,
	})
}

// MarkFailed records that index exhausted its generation budget
func (s *Store) MarkFailed(ctx context.Context, index, attempts int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.Append(ctx, models.CheckpointEntry{
		Kind:     models.EntryRecord,
		Index:    index,
		Status:   models.StatusFailed,
		Attempts: attempts,
		Error:    msg,
	})
}

// repairTail terminates a trailing partial line left by a crash so the next
// entry starts on its own line.
func (s *Store) repairTail(ctx context.Context) error {
	f, err := os.Open(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return fmt.Errorf("failed to read checkpoint log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	s.logger.Warn("Checkpoint log ends mid-line, terminating it", "path", s.Path())
	return s.files.AppendLine(ctx, s.Path(), nil)
}

// Archive moves the active log into the archive directory. Nothing is deleted.
func (s *Store) Archive(ctx context.Context) (string, error) {
	if _, err := os.Stat(s.Path()); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}

	dst := s.layout.ArchivePath(writer.CheckpointFile, s.now())
	if err := s.files.Move(ctx, s.Path(), dst); err != nil {
		return "", fmt.Errorf("failed to archive checkpoint log: %w", err)
	}
	s.logger.Info("Archived checkpoint log", "to", dst)
	return dst, nil
}

// ListArchives returns archived log paths, oldest first
func (s *Store) ListArchives() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.layout.ArchiveDir(), "checkpoint_*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
