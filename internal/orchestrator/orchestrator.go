// Package orchestrator sequences record generation across a job, pairing
// each baseline with its comparator and checkpointing every finalized index.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lamim/convoforge/internal/checkpoint"
	"github.com/lamim/convoforge/internal/metrics"
	"github.com/lamim/convoforge/internal/util"
	"github.com/lamim/convoforge/internal/writer"
	"github.com/lamim/convoforge/pkg/models"
)

// ErrModelUnavailable is fatal: the model never answered for the first record
// of an invocation, so every later record would fail the same way.
var ErrModelUnavailable = errors.New("model unavailable for first record")

// Source produces the baseline record for an index
type Source interface {
	Baseline(ctx context.Context, index int) (models.Record, error)
}

// Injector derives a comparator from a baseline
type Injector interface {
	Inject(ctx context.Context, baseline models.Record) (models.Record, error)
}

// ResumeDecider is asked whether to continue an interrupted run. Returning
// false archives the existing log and outputs and starts over.
type ResumeDecider func(state *models.CheckpointState) (bool, error)

// AlwaysResume is the non-interactive default
func AlwaysResume(*models.CheckpointState) (bool, error) {
	return true, nil
}

// Deps are the collaborators a run needs. Store and Corpus must point at the
// job's output directory.
type Deps struct {
	Source   Source
	Injector Injector
	Store    *checkpoint.Store
	Corpus   writer.PairWriter
	Layout   *writer.Layout
	Retry    util.Backoff      // Per-index generation attempts
	Decide   ResumeDecider     // Nil means AlwaysResume
	Metrics  *metrics.Collector // Optional
	Progress io.Writer         // Nil hides the progress bar
}

// Orchestrator manages one generation job
type Orchestrator struct {
	job       models.GenerationJob
	signature string
	deps      Deps
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a new orchestrator
func New(job models.GenerationJob, deps Deps, logger *slog.Logger) *Orchestrator {
	if deps.Decide == nil {
		deps.Decide = AlwaysResume
	}
	return &Orchestrator{
		job:       job,
		signature: checkpoint.Signature(job.OutputDir),
		deps:      deps,
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
	}
}

// Run executes the job from its resume point to the target. Per-record
// failures are contained; only lock contention, checkpoint setup errors and
// first-record model unavailability are returned as errors. The summary is
// valid even when an error is returned.
func (o *Orchestrator) Run(ctx context.Context) (models.RunSummary, error) {
	summary := models.RunSummary{
		Target:         o.job.TargetRecords,
		StartTime:      o.now(),
		BaselinePath:   o.deps.Layout.BaselinePath(),
		ComparatorPath: o.deps.Layout.ComparatorPath(),
		CheckpointPath: o.deps.Store.Path(),
	}

	if err := o.deps.Store.Lock(); err != nil {
		return summary, err
	}
	defer func() {
		if err := o.deps.Store.Unlock(); err != nil {
			o.logger.Warn("Failed to release checkpoint lock", "error", err)
		}
	}()

	state, err := o.prepare(ctx)
	if err != nil {
		return summary.Finish(o.now()), err
	}
	if err := o.deps.Store.BeginRun(ctx, o.signature, o.job); err != nil {
		return summary.Finish(o.now()), fmt.Errorf("failed to start checkpoint run: %w", err)
	}

	summary.RunID = o.deps.Store.RunID()
	summary.ResumedFrom = state.ResumeIndex
	summary.Resumed = state.Runs > 0
	summary.PriorCompleted = len(state.Completed)
	if o.deps.Metrics != nil {
		o.deps.Metrics.SetResumeIndex(state.ResumeIndex)
	}

	target := o.target()
	o.logger.Info("Starting generation run",
		"run_id", summary.RunID,
		"target", target,
		"resume_from", summary.ResumedFrom,
		"already_completed", summary.PriorCompleted,
		"turns_per_record", o.job.TurnsPerRecord,
		"seed", o.job.Seed)

	summary, err = o.generate(ctx, state, target, summary)
	summary = summary.Finish(o.now())
	if err != nil {
		return summary, err
	}

	if !summary.Interrupted && len(checkpoint.PendingIndices(state, target)) == 0 {
		archived, err := o.deps.Store.Archive(ctx)
		if err != nil {
			o.logger.Warn("Run finished but checkpoint log could not be archived", "error", err)
		} else if archived != "" {
			summary.CheckpointPath = archived
		}
	}

	o.logSummary(summary)
	return summary, nil
}

// target caps the job target at the number of records a bounded source has
func (o *Orchestrator) target() int {
	target := o.job.TargetRecords
	if b, ok := o.deps.Source.(interface{ Len() int }); ok && b.Len() < target {
		o.logger.Warn("Source has fewer records than the target",
			"available", b.Len(),
			"target", target)
		target = b.Len()
	}
	return target
}

// prepare loads the checkpoint log, decides between resume and a fresh start,
// and brings the corpora in line with what the log confirms.
func (o *Orchestrator) prepare(ctx context.Context) (*models.CheckpointState, error) {
	state, err := o.deps.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	verdict, reason := checkpoint.Assess(state, o.signature, o.job)
	switch verdict {
	case checkpoint.VerdictFresh:
		if o.deps.Corpus.Len() > 0 {
			o.logger.Warn("Existing outputs have no checkpoint log, archiving them")
			if err := o.deps.Corpus.Archive(ctx, o.now()); err != nil {
				return nil, err
			}
		}
		return emptyState(), nil

	case checkpoint.VerdictStale, checkpoint.VerdictFinished:
		o.logger.Warn("Not resuming existing checkpoint", "verdict", verdict, "reason", reason)
		if err := o.archiveAll(ctx); err != nil {
			return nil, err
		}
		return emptyState(), nil
	}

	resume, err := o.deps.Decide(state)
	if err != nil {
		return nil, fmt.Errorf("resume decision failed: %w", err)
	}
	if !resume {
		o.logger.Info("Resume declined, starting over", "resume_index", state.ResumeIndex)
		if err := o.archiveAll(ctx); err != nil {
			return nil, err
		}
		return emptyState(), nil
	}

	// Records written after the last confirmed checkpoint are regenerated
	if err := o.deps.Corpus.Prune(ctx, func(idx int) bool { return state.Completed[idx] }); err != nil {
		return nil, fmt.Errorf("failed to prune unconfirmed records: %w", err)
	}
	for idx := range state.Completed {
		if !o.deps.Corpus.Has(idx) {
			o.logger.Warn("Checkpointed record missing from outputs, regenerating", "record_index", idx)
			state.Forget(idx)
		}
	}

	o.logger.Info("Resuming run", "reason", reason, "resume_index", state.ResumeIndex)
	return state, nil
}

// archiveAll moves the log and both corpora aside. Nothing is deleted.
func (o *Orchestrator) archiveAll(ctx context.Context) error {
	if _, err := o.deps.Store.Archive(ctx); err != nil {
		return err
	}
	return o.deps.Corpus.Archive(ctx, o.now())
}

func emptyState() *models.CheckpointState {
	return &models.CheckpointState{
		Completed: make(map[int]bool),
		Failed:    make(map[int]string),
	}
}

func (o *Orchestrator) logSummary(s models.RunSummary) {
	o.logger.Info("Generation run finished",
		"run_id", s.RunID,
		"completed", s.Completed,
		"total_completed", s.TotalCompleted(),
		"failed", s.Failed,
		"skipped", s.Skipped,
		"interrupted", s.Interrupted,
		"label_counts", s.LabelCounts,
		"duration", s.Elapsed)

	if s.Failed > 0 {
		o.logger.Warn("Generation completed with failures",
			"failed_indices", s.FailedIndices)
	}
	if o.deps.Metrics != nil {
		o.logger.Info("Metrics", "summary", o.deps.Metrics.GetMetricsSummary())
	}
}

// Reset archives the job's checkpoint log and outputs so the next run starts
// at index 0
func (o *Orchestrator) Reset(ctx context.Context) error {
	if err := o.deps.Store.Lock(); err != nil {
		return err
	}
	defer func() { _ = o.deps.Store.Unlock() }()
	return o.archiveAll(ctx)
}
