package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lamim/convoforge/internal/orchestrator"
	"github.com/lamim/convoforge/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool
	assumeYes  bool
	restart    bool
	stageName  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "convoforge",
		Short: "ConvoForge - Paired Conversation Corpus Generator",
		Long: `ConvoForge generates synthetic assistant conversations with a local
text-generation model and writes two aligned corpora: a clean baseline and a
comparator with labeled PII, toxicity, hallucination and sentiment defects.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file (.toml, .yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Generate the baseline and comparator corpora",
		Long: `Generate records up to generation.target_records. An interrupted run
resumes from its checkpoint log; records already confirmed are never
regenerated.`,
		RunE: runGeneration,
	}
	runCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Resume without prompting")
	runCmd.Flags().BoolVar(&restart, "restart", false, "Archive existing outputs and start from record 0")

	scenarioCmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run the configured scenario stages in order",
		Long: `Run every [[scenarios]] stage as its own job under <output_dir>/<stage>.
A stage cursor lets an interrupted sequence continue at the right stage.`,
		RunE: runScenario,
	}
	scenarioCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Resume without prompting")
	scenarioCmd.Flags().BoolVar(&restart, "restart", false, "Archive every stage and start from the first")

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage checkpoint logs",
		Long:  "Inspect and archive the checkpoint logs that make runs resumable",
	}
	checkpointCmd.PersistentFlags().StringVar(&stageName, "stage", "", "Scenario stage to operate on")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the active and archived checkpoint logs",
		Args:  cobra.NoArgs,
		RunE:  listCheckpoints,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect [archive-name]",
		Short: "Inspect a checkpoint log",
		Long:  "Display progress of the active log, or of an archived log named as listed by 'checkpoint list'",
		Args:  cobra.MaximumNArgs(1),
		RunE:  inspectCheckpoint,
	}

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive the active checkpoint log",
		Long:  "Move the active log into the archive directory so the next run starts fresh",
		Args:  cobra.NoArgs,
		RunE:  archiveCheckpoint,
	}

	checkpointCmd.AddCommand(listCmd)
	checkpointCmd.AddCommand(inspectCmd)
	checkpointCmd.AddCommand(archiveCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scenarioCmd)
	rootCmd.AddCommand(checkpointCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGeneration(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Info("ConvoForge starting",
		"version", Version,
		"config", configPath,
		"output_dir", s.layout.Dir())
	s.probe(ctx)

	job := s.cfg.Job(s.cfg.Rates, s.cfg.Generation.OutputDir)
	var summary models.RunSummary
	err = s.withMetrics(ctx, func(ctx context.Context) error {
		src, err := s.source(ctx, job)
		if err != nil {
			return err
		}
		orch, err := s.newOrchestrator(s.layout, job, src, s.decider())
		if err != nil {
			return err
		}
		summary, err = orch.Run(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrModelUnavailable) {
			s.logger.Error("Model did not answer for the first record, aborting", "error", err)
		}
		return fmt.Errorf("generation failed: %w", err)
	}

	return s.finish([]models.RunSummary{summary})
}

func runScenario(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	if len(s.cfg.Scenarios) == 0 {
		return fmt.Errorf("no [[scenarios]] configured in %s", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Info("ConvoForge scenario starting",
		"version", Version,
		"config", configPath,
		"stages", len(s.cfg.Scenarios))
	s.probe(ctx)

	stages := make([]orchestrator.Stage, 0, len(s.cfg.Scenarios))
	for _, sc := range s.cfg.Scenarios {
		rates := s.cfg.Rates
		if sc.Rates != nil {
			rates = *sc.Rates
		}
		job := s.cfg.Job(rates, filepath.Join(s.cfg.Generation.OutputDir, sc.Name))
		stages = append(stages, orchestrator.Stage{Name: sc.Name, Job: job})
	}

	var summaries []models.RunSummary
	err = s.withMetrics(ctx, func(ctx context.Context) error {
		sources := make(map[string]orchestrator.Source, len(stages))
		for _, st := range stages {
			src, err := s.source(ctx, st.Job)
			if err != nil {
				return err
			}
			sources[st.Name] = src
		}

		build := func(st orchestrator.Stage) (*orchestrator.Orchestrator, error) {
			layout, err := s.layout.Stage(st.Name)
			if err != nil {
				return nil, err
			}
			// The runner already asked at the cursor stage
			return s.newOrchestrator(layout, st.Job, sources[st.Name], orchestrator.AlwaysResume)
		}

		runner := orchestrator.NewScenarioRunner(s.layout, s.files, stages, build, s.decider(), s.logger)
		summaries, err = runner.Run(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("scenario failed: %w", err)
	}

	return s.finish(summaries)
}
