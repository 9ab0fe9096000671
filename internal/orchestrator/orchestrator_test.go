package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lamim/convoforge/internal/api"
	"github.com/lamim/convoforge/internal/checkpoint"
	"github.com/lamim/convoforge/internal/injector"
	"github.com/lamim/convoforge/internal/util"
	"github.com/lamim/convoforge/internal/writer"
	"github.com/lamim/convoforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFiles() *writer.FileWriter {
	return writer.NewFileWriter(util.Backoff{MaxAttempts: 3, Sleep: util.NoSleep}, testLogger())
}

// fakeSource returns canned conversations. failAt makes an index fail on
// every attempt; onCall runs before each attempt.
type fakeSource struct {
	mu     sync.Mutex
	calls  []int
	failAt map[int]error
	onCall func(index int)
}

func (s *fakeSource) Baseline(ctx context.Context, index int) (models.Record, error) {
	s.mu.Lock()
	s.calls = append(s.calls, index)
	hook := s.onCall
	s.mu.Unlock()

	if hook != nil {
		hook(index)
	}
	if err := ctx.Err(); err != nil {
		return models.Record{}, err
	}
	if err, ok := s.failAt[index]; ok {
		return models.Record{}, err
	}
	return models.Record{
		Index:     index,
		SessionID: fmt.Sprintf("session-%d", index),
		Persona:   "it_helpdesk",
		Topic:     "laptop",
		Turns: []models.Turn{
			{Role: models.SpeakerUser, Text: "My laptop will not boot."},
			{Role: models.SpeakerAssistant, Text: "Hold the power button for 10 seconds."},
		},
		Source:      models.SourceSynthetic,
		GeneratedAt: time.Date(2026, 10, 19, 9, 0, index, 0, time.UTC),
		Status:      models.StatusCompleted,
	}, nil
}

func (s *fakeSource) called() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.calls...)
}

// cancelAt cancels the run the first time index is requested
func cancelAt(index int, cancel context.CancelFunc) func(int) {
	var once sync.Once
	return func(i int) {
		if i == index {
			once.Do(cancel)
		}
	}
}

func testJob(dir string, rates models.Rates) models.GenerationJob {
	return models.GenerationJob{
		TargetRecords:  5,
		TurnsPerRecord: 2,
		Rates:          rates,
		Persona:        models.PersonaProfile{Name: "it_helpdesk"},
		OutputDir:      dir,
		Seed:           7,
		ConfigHash:     "job-hash",
	}
}

// newTestOrchestrator opens the store and corpus from disk, as a fresh
// process would.
func newTestOrchestrator(t *testing.T, job models.GenerationJob, src Source, decide ResumeDecider) *Orchestrator {
	t.Helper()
	logger := testLogger()
	layout, err := writer.NewLayout(job.OutputDir, logger)
	require.NoError(t, err)
	files := testFiles()
	corpus, err := writer.OpenCorpus(files, layout, logger)
	require.NoError(t, err)

	return New(job, Deps{
		Source:   src,
		Injector: injector.New(job.Rates, job.Seed, logger),
		Store:    checkpoint.NewStore(layout, files, logger),
		Corpus:   corpus,
		Layout:   layout,
		Retry:    util.Backoff{MaxAttempts: 2, Sleep: util.NoSleep},
		Decide:   decide,
	}, logger)
}

func readCorpus(t *testing.T, path string) []models.Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []models.Record
	require.NoError(t, json.Unmarshal(data, &records))
	return records
}

func TestRun_ZeroRatesProducesIdenticalCorpora(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})
	orch := newTestOrchestrator(t, job, &fakeSource{}, nil)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, summary.Completed)
	require.Zero(t, summary.Failed)
	require.False(t, summary.Interrupted)

	baseline, err := os.ReadFile(filepath.Join(dir, writer.BaselineFile))
	require.NoError(t, err)
	comparator, err := os.ReadFile(filepath.Join(dir, writer.ComparatorFile))
	require.NoError(t, err)
	require.True(t, bytes.Equal(baseline, comparator), "corpora differ with zero rates")

	records := readCorpus(t, filepath.Join(dir, writer.BaselineFile))
	require.Len(t, records, 5)
	for i, r := range records {
		require.Equal(t, i, r.Index)
	}

	// A finished run archives its log
	_, err = os.Stat(filepath.Join(dir, writer.CheckpointFile))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Equal(t, filepath.Join(dir, writer.ArchiveDirName), filepath.Dir(summary.CheckpointPath))
}

func TestRun_FullPIIRateLabelsEveryRecord(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{models.DefectPII: 1})
	orch := newTestOrchestrator(t, job, &fakeSource{}, nil)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, summary.LabelCounts[models.DefectPII])

	baseline := readCorpus(t, filepath.Join(dir, writer.BaselineFile))
	comparator := readCorpus(t, filepath.Join(dir, writer.ComparatorFile))
	require.Len(t, comparator, 5)
	for i, rec := range comparator {
		require.Len(t, rec.Labels, 1)
		label := rec.Labels[0]
		require.Equal(t, models.DefectPII, label.Category)
		require.Empty(t, baseline[i].Labels)

		orig := baseline[i].Turns[label.TurnIndex].Text
		got := rec.Turns[label.TurnIndex].Text
		require.Equal(t, orig[:label.Start]+label.Injected+orig[label.Start+len(label.Original):], got)
	}
}

func TestRun_InterruptAndResume(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &fakeSource{onCall: cancelAt(3, cancel)}
	summary, err := newTestOrchestrator(t, job, first, nil).Run(ctx)
	require.NoError(t, err)
	require.True(t, summary.Interrupted)
	require.Equal(t, 3, summary.Completed)

	state, err := checkpoint.ReadState(filepath.Join(dir, writer.CheckpointFile))
	require.NoError(t, err)
	require.Equal(t, 3, state.ResumeIndex)

	second := &fakeSource{}
	summary, err = newTestOrchestrator(t, job, second, nil).Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Resumed)
	require.Equal(t, 3, summary.ResumedFrom)
	require.Equal(t, 3, summary.PriorCompleted)
	require.Equal(t, 5, summary.TotalCompleted())
	require.Equal(t, []int{3, 4}, second.called())
	require.Len(t, readCorpus(t, filepath.Join(dir, writer.ComparatorFile)), 5)
}

func TestRun_FailedIndexIsSkippedLater(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &fakeSource{
		failAt: map[int]error{2: errors.New("malformed output")},
		onCall: cancelAt(3, cancel),
	}
	summary, err := newTestOrchestrator(t, job, first, nil).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Completed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, []int{2}, summary.FailedIndices)
	require.Equal(t, []int{0, 1, 2, 2, 3}, first.called())

	second := &fakeSource{}
	summary, err = newTestOrchestrator(t, job, second, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 2, summary.Completed)
	require.Equal(t, []int{3, 4}, second.called())

	records := readCorpus(t, filepath.Join(dir, writer.BaselineFile))
	require.Len(t, records, 4)
}

func TestRun_FirstRecordUnavailableIsFatal(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})
	down := &api.APIError{Message: "connection refused"}
	src := &fakeSource{failAt: map[int]error{0: down}}

	_, err := newTestOrchestrator(t, job, src, nil).Run(context.Background())
	require.ErrorIs(t, err, ErrModelUnavailable)
	require.True(t, api.IsUnavailable(err))

	state, err := checkpoint.ReadState(filepath.Join(dir, writer.CheckpointFile))
	require.NoError(t, err)
	require.Empty(t, state.Failed, "index 0 must stay pending")
}

func TestRun_FirstRecordHTTPTimeoutIsContained(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})
	slow := &api.APIError{Message: "Client.Timeout exceeded", Timeout: true}
	src := &fakeSource{failAt: map[int]error{0: slow}}

	summary, err := newTestOrchestrator(t, job, src, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, summary.Completed)
	require.Equal(t, []int{0}, summary.FailedIndices)
}

func TestRun_LaterUnavailableIsContained(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})
	src := &fakeSource{failAt: map[int]error{1: &api.APIError{Message: "connection reset"}}}

	summary, err := newTestOrchestrator(t, job, src, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, summary.Completed)
	require.Equal(t, []int{1}, summary.FailedIndices)
}

func TestRun_CorruptTailRegeneratesLastRecord(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := newTestOrchestrator(t, job, &fakeSource{onCall: cancelAt(3, cancel)}, nil).Run(ctx)
	require.NoError(t, err)

	// Simulate a crash halfway through the completion entry of record 2
	logPath := filepath.Join(dir, writer.CheckpointFile)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(logPath, data[:len(data)-12], 0644))

	state, err := checkpoint.ReadState(logPath)
	require.NoError(t, err)
	require.Equal(t, 1, state.CorruptLines)
	require.Equal(t, 2, state.ResumeIndex)

	second := &fakeSource{}
	summary, err := newTestOrchestrator(t, job, second, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4}, second.called())
	require.Equal(t, 5, summary.TotalCompleted())
	require.Len(t, readCorpus(t, filepath.Join(dir, writer.BaselineFile)), 5)
}

func TestRun_ResumeDeclinedArchivesEverything(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := newTestOrchestrator(t, job, &fakeSource{onCall: cancelAt(3, cancel)}, nil).Run(ctx)
	require.NoError(t, err)

	var asked *models.CheckpointState
	decline := func(s *models.CheckpointState) (bool, error) {
		asked = s
		return false, nil
	}
	second := &fakeSource{}
	summary, err := newTestOrchestrator(t, job, second, decline).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, asked)
	require.Equal(t, 3, asked.ResumeIndex)
	require.False(t, summary.Resumed)
	require.Equal(t, []int{0, 1, 2, 3, 4}, second.called())

	logs, err := filepath.Glob(filepath.Join(dir, writer.ArchiveDirName, "checkpoint_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, logs, 2, "declined log plus the finished run's log")
	outputs, err := filepath.Glob(filepath.Join(dir, writer.ArchiveDirName, "baseline_*.json"))
	require.NoError(t, err)
	require.Len(t, outputs, 1)
}

func TestRun_ChangedConfigStartsOver(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := newTestOrchestrator(t, job, &fakeSource{onCall: cancelAt(2, cancel)}, nil).Run(ctx)
	require.NoError(t, err)

	job.ConfigHash = "other-hash"
	second := &fakeSource{}
	summary, err := newTestOrchestrator(t, job, second, nil).Run(context.Background())
	require.NoError(t, err)
	require.False(t, summary.Resumed)
	require.Equal(t, []int{0, 1, 2, 3, 4}, second.called())
}

func TestRun_LockedByAnotherRun(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{})

	layout, err := writer.NewLayout(dir, testLogger())
	require.NoError(t, err)
	holder := checkpoint.NewStore(layout, testFiles(), testLogger())
	require.NoError(t, holder.Lock())
	defer func() { _ = holder.Unlock() }()

	src := &fakeSource{}
	_, err = newTestOrchestrator(t, job, src, nil).Run(context.Background())
	require.ErrorIs(t, err, checkpoint.ErrLocked)
	require.Empty(t, src.called())
}

func TestRun_ExtractedSourceCapsTarget(t *testing.T) {
	dir := t.TempDir()
	job := testJob(dir, models.Rates{models.DefectPII: 1})
	job.UseRealData = true

	recs := []models.Record{
		{Source: models.SourceAzure, Turns: []models.Turn{
			{Role: models.SpeakerUser, Text: "hi"},
			{Role: models.SpeakerAssistant, Text: "Hello, how can I help?"},
		}},
		{Source: models.SourceAzure, Turns: []models.Turn{
			{Role: models.SpeakerUser, Text: "reset my password"},
			{Role: models.SpeakerAssistant, Text: "Done."},
		}},
	}
	summary, err := newTestOrchestrator(t, job, NewExtractedSource(recs), nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Completed)
	require.Empty(t, summary.LabelCounts, "real records are not injected unless enabled")

	baseline, err := os.ReadFile(filepath.Join(dir, writer.BaselineFile))
	require.NoError(t, err)
	comparator, err := os.ReadFile(filepath.Join(dir, writer.ComparatorFile))
	require.NoError(t, err)
	require.Equal(t, string(baseline), string(comparator))
}
