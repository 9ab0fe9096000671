package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/convoforge/internal/api"
	"github.com/lamim/convoforge/pkg/models"
)

// generate walks every index below target in order. Records are produced one
// at a time; the model is a single shared resource and conversations must not
// interleave. state is updated as indices are finalized.
func (o *Orchestrator) generate(
	ctx context.Context,
	state *models.CheckpointState,
	target int,
	summary models.RunSummary,
) (models.RunSummary, error) {
	bar := o.newProgressBar(target)
	defer func() { _ = bar.Finish() }()

	attempted := 0
	for idx := 0; idx < target; idx++ {
		if state.Completed[idx] {
			_ = bar.Add(1)
			continue
		}
		if _, failed := state.Failed[idx]; failed {
			o.logger.Debug("Skipping index that failed in an earlier run", "record_index", idx)
			summary = summary.WithSkipped()
			if o.deps.Metrics != nil {
				o.deps.Metrics.RecordSkipped()
			}
			_ = bar.Add(1)
			continue
		}
		if ctx.Err() != nil {
			return summary.WithInterrupted(), nil
		}

		first := attempted == 0
		attempted++

		var err error
		summary, err = o.processIndex(ctx, idx, first, state, summary)
		if err != nil {
			return summary, err
		}
		if summary.Interrupted {
			return summary, nil
		}
		_ = bar.Add(1)
	}
	return summary, nil
}

// processIndex generates, injects, writes and checkpoints one record
func (o *Orchestrator) processIndex(
	ctx context.Context,
	idx int,
	first bool,
	state *models.CheckpointState,
	summary models.RunSummary,
) (models.RunSummary, error) {
	logger := o.logger.With("record_index", idx)
	start := time.Now()

	var baseline models.Record
	attempts, err := o.deps.Retry.Retry(ctx,
		func(attempt int) error {
			rec, err := o.deps.Source.Baseline(ctx, idx)
			if err != nil {
				logger.Warn("Generation attempt failed", "attempt", attempt, "error", err)
				return err
			}
			baseline = rec
			return nil
		},
		nil,
		func(attempt int, delay time.Duration, err error) {
			logger.Info("Retrying record", "attempt", attempt, "delay", delay)
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("Interrupted, record will be regenerated on restart")
			return summary.WithInterrupted(), nil
		}
		if first && api.IsUnavailable(err) {
			return summary, fmt.Errorf("%w (record %d): %w", ErrModelUnavailable, idx, err)
		}
		return o.fail(ctx, idx, attempts, err, state, summary), nil
	}

	baseline.Index = idx
	comparator := baseline.Clone()
	if baseline.Source != models.SourceAzure || o.job.InjectRealData {
		comparator, err = o.deps.Injector.Inject(ctx, baseline)
		if err != nil {
			if ctx.Err() != nil {
				return summary.WithInterrupted(), nil
			}
			return o.fail(ctx, idx, attempts, err, state, summary), nil
		}
	}

	if err := o.deps.Corpus.Put(ctx, models.ConversationPair{Baseline: baseline, Comparator: comparator}); err != nil {
		if ctx.Err() != nil {
			return summary.WithInterrupted(), nil
		}
		return o.fail(ctx, idx, attempts, fmt.Errorf("failed to write record: %w", err), state, summary), nil
	}

	// The pair is durable; only now may the index be checkpointed
	if err := o.deps.Store.MarkCompleted(ctx, idx, attempts, len(comparator.Labels)); err != nil {
		if ctx.Err() != nil {
			return summary.WithInterrupted(), nil
		}
		return o.fail(ctx, idx, attempts, fmt.Errorf("failed to checkpoint record: %w", err), state, summary), nil
	}

	state.Completed[idx] = true
	elapsed := time.Since(start)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordCompleted(comparator.Labels, elapsed)
	}
	logger.Info("Record completed",
		"attempts", attempts,
		"turns", len(baseline.Turns),
		"labels", len(comparator.Labels),
		"duration", elapsed)

	return summary.WithCompleted(comparator.Labels), nil
}

// fail marks idx failed so later invocations skip it. The record is removed
// from the corpora in case a partial write reached them.
func (o *Orchestrator) fail(
	ctx context.Context,
	idx, attempts int,
	cause error,
	state *models.CheckpointState,
	summary models.RunSummary,
) models.RunSummary {
	logger := o.logger.With("record_index", idx)
	logger.Error("Record failed", "attempts", attempts, "error", cause)

	if o.deps.Corpus.Has(idx) {
		if err := o.deps.Corpus.Remove(ctx, idx); err != nil {
			logger.Error("Failed to remove partial record", "error", err)
		}
	}
	if err := o.deps.Store.MarkFailed(ctx, idx, attempts, cause); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("Failed to checkpoint failure, index will be retried next run", "error", err)
		}
	} else {
		state.Failed[idx] = cause.Error()
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordFailed()
	}
	return summary.WithFailed(idx)
}

func (o *Orchestrator) newProgressBar(total int) *progressbar.ProgressBar {
	if o.deps.Progress == nil {
		return progressbar.DefaultSilent(int64(total))
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(o.deps.Progress),
		progressbar.OptionSetDescription("Generating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}
