package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/lamim/convoforge/internal/api"
	"github.com/lamim/convoforge/internal/checkpoint"
	"github.com/lamim/convoforge/internal/config"
	"github.com/lamim/convoforge/internal/extract"
	"github.com/lamim/convoforge/internal/generator"
	"github.com/lamim/convoforge/internal/injector"
	"github.com/lamim/convoforge/internal/metrics"
	"github.com/lamim/convoforge/internal/orchestrator"
	"github.com/lamim/convoforge/internal/util"
	"github.com/lamim/convoforge/internal/writer"
	"github.com/lamim/convoforge/pkg/models"
)

// session holds everything a generating command wires together
type session struct {
	cfg     *config.Config
	secrets *config.Secrets
	layout  *writer.Layout
	logger  *slog.Logger
	logFile *os.File
	files   *writer.FileWriter
	metrics *metrics.Collector
	client  *api.Client

	extracted []models.Record // Fetched once per invocation in real-data mode
}

func openSession() (*session, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	layout, err := writer.NewLayout(cfg.Generation.OutputDir, slog.Default())
	if err != nil {
		return nil, err
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger, logFile, err := writer.SetupLogger(layout, logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	if err := layout.BackupConfig(configPath); err != nil {
		logger.Warn("Config backup failed", "error", err)
	}

	collector := metrics.NewCollector(logger)

	attempts, base, ceiling := cfg.WriteRetryPolicy()
	files := writer.NewFileWriter(util.Backoff{
		MaxAttempts: attempts,
		BaseDelay:   base,
		MaxDelay:    ceiling,
	}, logger)
	files.SetRetryObserver(collector.RecordWriteRetry)

	client := api.NewClient(logger)
	client.SetLatencyObserver(collector.ObserveModelCall)

	return &session{
		cfg:     cfg,
		secrets: secrets,
		layout:  layout,
		logger:  logger,
		logFile: logFile,
		files:   files,
		metrics: collector,
		client:  client,
	}, nil
}

func (s *session) close() {
	if s.logFile != nil {
		_ = s.logFile.Sync()
		_ = s.logFile.Close()
	}
}

func (s *session) mainModel() *api.Model {
	mc := s.cfg.Models["main"]
	return s.client.Bind(mc, s.secrets.GetAPIKey(mc.BaseURL))
}

// probe warns when the model endpoint does not answer. Unavailability only
// becomes fatal if the first record also cannot be generated.
func (s *session) probe(ctx context.Context) {
	if s.cfg.Mode.UseRealAzure && !s.cfg.Mode.InjectRealData {
		return
	}
	model := s.mainModel()
	if err := model.Ping(ctx); err != nil {
		s.logger.Warn("Model endpoint is not responding", "model", model.Name(), "error", err)
		return
	}
	s.logger.Info("Model endpoint is up", "model", model.Name())
}

// source returns where baselines for job come from
func (s *session) source(ctx context.Context, job models.GenerationJob) (orchestrator.Source, error) {
	if !job.UseRealData {
		mc := s.cfg.Models["main"]
		gen := generator.New(s.mainModel(), s.cfg.PromptTemplates,
			time.Duration(mc.CallTimeoutSeconds)*time.Second, s.logger)
		return orchestrator.NewSyntheticSource(gen, job), nil
	}

	if s.extracted == nil {
		if s.secrets.AzureAccessToken == "" {
			return nil, fmt.Errorf("AZURE_ACCESS_TOKEN must be set when mode.use_real_azure is true")
		}
		records, err := extract.NewClient(s.cfg.Azure, s.secrets.AzureAccessToken, s.logger).FetchRecords(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to extract chats: %w", err)
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("no chats with bot replies found")
		}
		s.extracted = records
	}
	return orchestrator.NewExtractedSource(s.extracted), nil
}

func (s *session) newOrchestrator(
	layout *writer.Layout,
	job models.GenerationJob,
	src orchestrator.Source,
	decide orchestrator.ResumeDecider,
) (*orchestrator.Orchestrator, error) {
	corpus, err := writer.OpenCorpus(s.files, layout, s.logger)
	if err != nil {
		return nil, err
	}

	rw := s.cfg.RewriteModel()
	rewriter := injector.NewModelRewriter(
		s.client.Bind(rw, s.secrets.GetAPIKey(rw.BaseURL)),
		s.cfg.PromptTemplates.ToxicityRewrite,
		s.logger)

	attempts, base, ceiling := s.cfg.RecordRetryPolicy()
	deps := orchestrator.Deps{
		Source:   src,
		Injector: injector.New(job.Rates, job.Seed, s.logger, injector.WithRewriter(rewriter)),
		Store:    checkpoint.NewStore(layout, s.files, s.logger),
		Corpus:   corpus,
		Layout:   layout,
		Retry:    util.Backoff{MaxAttempts: attempts, BaseDelay: base, MaxDelay: ceiling},
		Decide:   decide,
		Metrics:  s.metrics,
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		deps.Progress = os.Stderr
	}
	return orchestrator.New(job, deps, s.logger), nil
}

// decider picks how an interrupted run is continued: --restart declines,
// --yes or a non-interactive stdin accepts, otherwise the user is asked.
func (s *session) decider() orchestrator.ResumeDecider {
	switch {
	case restart:
		return func(*models.CheckpointState) (bool, error) { return false, nil }
	case assumeYes || !term.IsTerminal(int(os.Stdin.Fd())):
		return orchestrator.AlwaysResume
	}
	return func(state *models.CheckpointState) (bool, error) {
		return promptResume(os.Stdin, os.Stderr, state)
	}
}

// withMetrics runs fn, serving the metrics endpoint alongside when configured
func (s *session) withMetrics(ctx context.Context, fn func(ctx context.Context) error) error {
	addr := s.cfg.Metrics.ListenAddr
	if addr == "" {
		return fn(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		return metrics.Serve(runCtx, addr, s.logger)
	})
	g.Go(func() error {
		defer cancel()
		return fn(runCtx)
	})
	return g.Wait()
}

// finish reports the summaries and fails the command when nothing was produced
func (s *session) finish(summaries []models.RunSummary) error {
	total := 0
	interrupted := false
	for _, sum := range summaries {
		total += sum.TotalCompleted()
		interrupted = interrupted || sum.Interrupted
		s.logger.Info("Run summary",
			"run_id", sum.RunID,
			"baseline", sum.BaselinePath,
			"comparator", sum.ComparatorPath,
			"checkpoint", sum.CheckpointPath,
			"completed_total", sum.TotalCompleted(),
			"failed", sum.Failed,
			"skipped", sum.Skipped)
	}

	if interrupted {
		s.logger.Warn("Generation interrupted, run the same command again to resume")
	}
	if total == 0 {
		return fmt.Errorf("no records were completed")
	}
	s.logger.Info("All done", "metrics", s.metrics.GetMetricsSummary())
	return nil
}
