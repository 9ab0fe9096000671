package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lamim/convoforge/internal/checkpoint"
	"github.com/lamim/convoforge/internal/config"
	"github.com/lamim/convoforge/internal/util"
	"github.com/lamim/convoforge/internal/writer"
	"github.com/lamim/convoforge/pkg/models"
)

// checkpointTarget resolves the layout and job the checkpoint commands act on
func checkpointTarget() (*writer.Layout, models.GenerationJob, *writer.FileWriter, error) {
	if envFile != "" {
		_ = loadEnvFile(envFile)
	}
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, models.GenerationJob{}, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	dir := cfg.Generation.OutputDir
	rates := cfg.Rates
	if stageName != "" {
		found := false
		for _, sc := range cfg.Scenarios {
			if sc.Name == stageName {
				found = true
				if sc.Rates != nil {
					rates = *sc.Rates
				}
			}
		}
		if !found {
			return nil, models.GenerationJob{}, nil, fmt.Errorf("stage %q is not configured", stageName)
		}
		dir = filepath.Join(dir, stageName)
	}

	layout, err := writer.NewLayout(dir, logger)
	if err != nil {
		return nil, models.GenerationJob{}, nil, err
	}
	attempts, base, ceiling := cfg.WriteRetryPolicy()
	files := writer.NewFileWriter(util.Backoff{MaxAttempts: attempts, BaseDelay: base, MaxDelay: ceiling}, logger)
	return layout, cfg.Job(rates, dir), files, nil
}

// listCheckpoints shows the active log and every archived log
func listCheckpoints(cmd *cobra.Command, args []string) error {
	layout, _, files, err := checkpointTarget()
	if err != nil {
		return err
	}
	store := checkpoint.NewStore(layout, files, slog.Default())

	fmt.Printf("%-45s %-10s %-10s %-8s %s\n", "LOG", "COMPLETED", "FAILED", "RESUME", "UPDATED")
	fmt.Println(strings.Repeat("-", 95))

	if state, err := checkpoint.ReadState(store.Path()); err == nil {
		printStateRow("active ("+writer.CheckpointFile+")", state)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	archives, err := store.ListArchives()
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	for _, path := range archives {
		state, err := checkpoint.ReadState(path)
		if err != nil {
			fmt.Printf("%-45s unreadable: %v\n", filepath.Base(path), err)
			continue
		}
		printStateRow(filepath.Base(path), state)
	}

	if len(archives) == 0 {
		fmt.Println("No archived checkpoint logs.")
	}
	return nil
}

func printStateRow(name string, state *models.CheckpointState) {
	updated := "-"
	if !state.LastUpdated.IsZero() {
		updated = state.LastUpdated.Local().Format("2006-01-02 15:04:05")
	}
	fmt.Printf("%-45s %-10d %-10d %-8d %s\n",
		name, len(state.Completed), len(state.Failed), state.ResumeIndex, updated)
}

// inspectCheckpoint displays detailed information about one log
func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	layout, job, _, err := checkpointTarget()
	if err != nil {
		return err
	}

	path := layout.CheckpointPath()
	if len(args) == 1 {
		// Archive names come from the command line and must stay inside the archive dir
		if path, err = layout.ResolveArchive(args[0]); err != nil {
			return fmt.Errorf("invalid archive: %w", err)
		}
	}

	state, err := checkpoint.ReadState(path)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("No checkpoint log at %s\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	fmt.Printf("Checkpoint: %s\n", path)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Runs:                %d\n", state.Runs)
	fmt.Printf("Target:              %d\n", state.Target)
	fmt.Printf("Config Hash:         %s\n", state.ConfigHash)
	fmt.Printf("Signature:           %s\n", state.Signature)
	if !state.LastUpdated.IsZero() {
		fmt.Printf("Last Updated:        %s\n", state.LastUpdated.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Completed:         %d / %d (%.1f%%)\n",
		checkpoint.GetCompletedCount(state), state.Target, state.ProgressPercentage())
	fmt.Printf("  Failed:            %d\n", len(state.Failed))
	fmt.Printf("  Resume Index:      %d\n", state.ResumeIndex)
	fmt.Printf("  Corrupt Lines:     %d\n", state.CorruptLines)
	fmt.Println()

	if len(args) == 0 {
		verdict, reason := checkpoint.Assess(state, checkpoint.Signature(job.OutputDir), job)
		fmt.Printf("Against current config: %s (%s)\n", verdict, reason)
	}
	return nil
}

// archiveCheckpoint moves the active log aside
func archiveCheckpoint(cmd *cobra.Command, args []string) error {
	layout, _, files, err := checkpointTarget()
	if err != nil {
		return err
	}
	store := checkpoint.NewStore(layout, files, slog.Default())

	if err := store.Lock(); err != nil {
		return err
	}
	defer func() { _ = store.Unlock() }()

	dst, err := store.Archive(context.Background())
	if err != nil {
		return err
	}
	if dst == "" {
		fmt.Println("No active checkpoint log to archive.")
		return nil
	}
	fmt.Printf("Archived checkpoint log to %s\n", dst)
	return nil
}
