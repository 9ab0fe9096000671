package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lamim/convoforge/internal/util"
	"github.com/lamim/convoforge/internal/writer"
	"github.com/lamim/convoforge/pkg/models"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	layout, err := writer.NewLayout(dir, logger)
	if err != nil {
		t.Fatalf("NewLayout() error = %v", err)
	}
	files := writer.NewFileWriter(util.Backoff{MaxAttempts: 2, Sleep: util.NoSleep}, logger)
	return NewStore(layout, files, logger)
}

func testJob(target int) models.GenerationJob {
	return models.GenerationJob{TargetRecords: target, ConfigHash: "abc123"}
}

func TestLoad_NoLog(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state, got %+v", state)
	}
}

func TestAppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	ctx := context.Background()
	sig := Signature(dir)

	if err := store.BeginRun(ctx, sig, testJob(5)); err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}
	for _, idx := range []int{0, 1, 2} {
		if err := store.MarkCompleted(ctx, idx, 1, 0); err != nil {
			t.Fatalf("MarkCompleted(%d) error = %v", idx, err)
		}
	}

	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.ResumeIndex != 3 {
		t.Errorf("ResumeIndex = %d, want 3", state.ResumeIndex)
	}
	if state.Signature != sig || state.ConfigHash != "abc123" || state.Target != 5 {
		t.Errorf("run header not applied: %+v", state)
	}
	if state.Runs != 1 {
		t.Errorf("Runs = %d, want 1", state.Runs)
	}
	if state.HighestContiguous() != 2 {
		t.Errorf("HighestContiguous() = %d, want 2", state.HighestContiguous())
	}
}

func TestLoad_GapSetsResumePoint(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	ctx := context.Background()

	_ = store.BeginRun(ctx, Signature(dir), testJob(10))
	for _, idx := range []int{0, 1, 2, 3, 5, 6} {
		_ = store.MarkCompleted(ctx, idx, 1, 0)
	}

	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.ResumeIndex != 4 {
		t.Errorf("ResumeIndex = %d, want 4", state.ResumeIndex)
	}
	if !state.Done(5) || state.Done(4) {
		t.Errorf("unexpected done set %v", state.Completed)
	}
}

func TestLoad_FailedIndicesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	ctx := context.Background()

	_ = store.BeginRun(ctx, Signature(dir), testJob(4))
	_ = store.MarkCompleted(ctx, 0, 1, 0)
	_ = store.MarkFailed(ctx, 1, 3, errors.New("generation timed out"))
	_ = store.MarkCompleted(ctx, 2, 1, 2)

	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.ResumeIndex != 3 {
		t.Errorf("ResumeIndex = %d, want 3", state.ResumeIndex)
	}
	if state.Failed[1] != "generation timed out" {
		t.Errorf("Failed[1] = %q", state.Failed[1])
	}
	if GetCompletedCount(state) != 2 {
		t.Errorf("completed = %d, want 2", GetCompletedCount(state))
	}
}

func TestLoad_CorruptTrailingLineRegeneratesOneRecord(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	ctx := context.Background()

	_ = store.BeginRun(ctx, Signature(dir), testJob(5))
	_ = store.MarkCompleted(ctx, 0, 1, 0)
	_ = store.MarkCompleted(ctx, 1, 1, 0)

	// Simulate a crash halfway through writing the entry for index 2
	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"kind":"record","record_index":2,"status":"compl`)
	_ = f.Close()

	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.CorruptLines != 1 {
		t.Errorf("CorruptLines = %d, want 1", state.CorruptLines)
	}
	if state.ResumeIndex != 2 {
		t.Errorf("ResumeIndex = %d, want 2", state.ResumeIndex)
	}

	// The next run must start on a fresh line
	if err := store.BeginRun(ctx, Signature(dir), testJob(5)); err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}
	_ = store.MarkCompleted(ctx, 2, 1, 0)

	state, err = store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.CorruptLines != 1 || state.ResumeIndex != 3 || state.Runs != 2 {
		t.Errorf("unexpected state after repair: corrupt=%d resume=%d runs=%d",
			state.CorruptLines, state.ResumeIndex, state.Runs)
	}
}

func TestLoad_IncompleteWriteFlagsNotCompleted(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	ctx := context.Background()

	_ = store.BeginRun(ctx, Signature(dir), testJob(3))
	_ = store.Append(ctx, models.CheckpointEntry{
		Kind:            models.EntryRecord,
		Index:           0,
		Status:          models.StatusCompleted,
		BaselineWritten: true,
	})

	state, _ := store.Load()
	if state.Done(0) {
		t.Error("a record without a confirmed comparator must not count as completed")
	}
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	store.now = func() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	if dst, err := store.Archive(ctx); err != nil || dst != "" {
		t.Fatalf("Archive() with no log = %q, %v", dst, err)
	}

	_ = store.BeginRun(ctx, Signature(dir), testJob(1))
	dst, err := store.Archive(ctx)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.HasSuffix(dst, "checkpoint_20261019T080000.000000.jsonl") {
		t.Errorf("unexpected archive path %q", dst)
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Error("active log should be gone after archive")
	}

	archives, err := store.ListArchives()
	if err != nil || len(archives) != 1 || archives[0] != dst {
		t.Fatalf("ListArchives() = %v, %v", archives, err)
	}

	archived, err := ReadState(dst)
	if err != nil || archived.Runs != 1 {
		t.Fatalf("archived log unreadable: %+v, %v", archived, err)
	}
}

func TestLock(t *testing.T) {
	dir := t.TempDir()
	first := newTestStore(t, dir)
	second := newTestStore(t, dir)

	if err := first.Lock(); err != nil {
		t.Fatalf("first Lock() error = %v", err)
	}
	if err := second.Lock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock() = %v, want ErrLocked", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := second.Lock(); err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	_ = second.Unlock()
}
