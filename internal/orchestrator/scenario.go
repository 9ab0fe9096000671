package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/lamim/convoforge/internal/writer"
	"github.com/lamim/convoforge/pkg/models"
)

// Stage is one named job of a scenario sequence
type Stage struct {
	Name string
	Job  models.GenerationJob
}

// StageBuilder assembles the orchestrator that runs a stage. The job's output
// directory is the stage's own subdirectory.
type StageBuilder func(stage Stage) (*Orchestrator, error)

type stageCursor struct {
	Stage     string    `json:"stage"`
	Position  int       `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScenarioRunner runs stages in order and remembers the active one in a
// cursor file so an interrupted sequence picks up at the right stage.
type ScenarioRunner struct {
	root   *writer.Layout
	files  *writer.FileWriter
	stages []Stage
	build  StageBuilder
	decide ResumeDecider
	logger *slog.Logger
	now    func() time.Time
}

// NewScenarioRunner creates a runner. decide is consulted once, with the
// checkpoint state of the stage the cursor points at.
func NewScenarioRunner(
	root *writer.Layout,
	files *writer.FileWriter,
	stages []Stage,
	build StageBuilder,
	decide ResumeDecider,
	logger *slog.Logger,
) *ScenarioRunner {
	if decide == nil {
		decide = AlwaysResume
	}
	return &ScenarioRunner{
		root:   root,
		files:  files,
		stages: stages,
		build:  build,
		decide: decide,
		logger: logger.With("component", "scenario"),
		now:    time.Now,
	}
}

// Run executes the remaining stages. It stops early, keeping the cursor, when
// a stage is interrupted or fails fatally.
func (r *ScenarioRunner) Run(ctx context.Context) ([]models.RunSummary, error) {
	start, err := r.startPosition(ctx)
	if err != nil {
		return nil, err
	}

	var summaries []models.RunSummary
	for pos := start; pos < len(r.stages); pos++ {
		stage := r.stages[pos]
		if err := r.writeCursor(ctx, stage.Name, pos); err != nil {
			return summaries, err
		}

		orch, err := r.build(stage)
		if err != nil {
			return summaries, fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		r.logger.Info("Starting stage", "stage", stage.Name, "position", pos+1, "of", len(r.stages))
		summary, err := orch.Run(ctx)
		summaries = append(summaries, summary)
		if err != nil {
			return summaries, fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		if summary.Interrupted {
			r.logger.Info("Scenario interrupted", "stage", stage.Name)
			return summaries, nil
		}
	}

	if err := os.Remove(r.root.CursorPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("Failed to remove stage cursor", "error", err)
	}
	r.logger.Info("Scenario complete", "stages", len(r.stages))
	return summaries, nil
}

// startPosition reads the cursor and asks whether to continue from it. A
// declined resume resets every stage up to and including the cursor.
func (r *ScenarioRunner) startPosition(ctx context.Context) (int, error) {
	cur, err := r.readCursor()
	if err != nil {
		r.logger.Warn("Ignoring unreadable stage cursor", "error", err)
		return 0, r.resetStages(ctx, len(r.stages))
	}
	if cur == nil {
		return 0, nil
	}

	pos := -1
	for i, s := range r.stages {
		if s.Name == cur.Stage {
			pos = i
			break
		}
	}
	if pos < 0 {
		r.logger.Warn("Stage cursor names an unknown stage, restarting", "stage", cur.Stage)
		return 0, r.resetStages(ctx, len(r.stages))
	}

	orch, err := r.build(r.stages[pos])
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", cur.Stage, err)
	}
	state, err := orch.deps.Store.Load()
	if err != nil {
		return 0, err
	}
	if state == nil {
		state = emptyState()
		state.Path = orch.deps.Store.Path()
	}

	resume, err := r.decide(state)
	if err != nil {
		return 0, fmt.Errorf("resume decision failed: %w", err)
	}
	if resume {
		r.logger.Info("Resuming scenario", "stage", cur.Stage, "position", pos+1)
		return pos, nil
	}
	return 0, r.resetStages(ctx, pos+1)
}

func (r *ScenarioRunner) resetStages(ctx context.Context, upTo int) error {
	for _, stage := range r.stages[:upTo] {
		orch, err := r.build(stage)
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		if err := orch.Reset(ctx); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
	}
	return nil
}

func (r *ScenarioRunner) readCursor() (*stageCursor, error) {
	data, err := os.ReadFile(r.root.CursorPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cur stageCursor
	if err := json.Unmarshal(data, &cur); err != nil {
		return nil, fmt.Errorf("failed to parse stage cursor: %w", err)
	}
	return &cur, nil
}

func (r *ScenarioRunner) writeCursor(ctx context.Context, stage string, pos int) error {
	data, err := json.Marshal(stageCursor{Stage: stage, Position: pos, UpdatedAt: r.now().UTC()})
	if err != nil {
		return err
	}
	return r.files.WriteAtomic(ctx, r.root.CursorPath(), data)
}
