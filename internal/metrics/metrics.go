package metrics

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lamim/convoforge/pkg/models"
)

var (
	// Model metrics
	modelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoforge_model_call_duration_seconds",
			Help:    "Model call duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
		[]string{"model", "status"},
	)

	// Record metrics
	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoforge_records_total",
			Help: "Records finalized by outcome",
		},
		[]string{"status"}, // "completed", "failed", "skipped"
	)

	recordDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convoforge_record_duration_seconds",
			Help:    "Wall time to generate, inject and persist one record",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
		},
	)

	injectionLabels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoforge_injection_labels_total",
			Help: "Defects injected into comparator records by category",
		},
		[]string{"category"},
	)

	// Storage metrics
	writeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoforge_write_retries_total",
			Help: "Transient file errors that were retried, by operation",
		},
		[]string{"op"},
	)

	resumeIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoforge_resume_index",
			Help: "Record index the current run resumed from",
		},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger

	mu        sync.Mutex
	completed int
	failed    int
	skipped   int
	retries   int
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// ObserveModelCall records one model call. Its signature matches api.LatencyObserver.
func (c *Collector) ObserveModelCall(model string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	modelCallDuration.WithLabelValues(model, status).Observe(duration.Seconds())
}

// RecordCompleted counts a persisted pair and its labels
func (c *Collector) RecordCompleted(labels []models.InjectionLabel, duration time.Duration) {
	recordsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
	recordDuration.Observe(duration.Seconds())
	for _, l := range labels {
		injectionLabels.WithLabelValues(string(l.Category)).Inc()
	}

	c.mu.Lock()
	c.completed++
	c.mu.Unlock()
}

// RecordFailed counts a record that exhausted its attempts
func (c *Collector) RecordFailed() {
	recordsTotal.WithLabelValues(string(models.StatusFailed)).Inc()

	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

// RecordSkipped counts a record an earlier run already gave up on
func (c *Collector) RecordSkipped() {
	recordsTotal.WithLabelValues("skipped").Inc()

	c.mu.Lock()
	c.skipped++
	c.mu.Unlock()
}

// RecordWriteRetry counts one retried file operation
func (c *Collector) RecordWriteRetry(op string) {
	writeRetries.WithLabelValues(op).Inc()

	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
}

// SetResumeIndex publishes where the current run started
func (c *Collector) SetResumeIndex(index int) {
	resumeIndex.Set(float64(index))
}

// GetMetricsSummary returns a one-line summary of what this collector saw
func (c *Collector) GetMetricsSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("completed=%d failed=%d skipped=%d write_retries=%d",
		c.completed, c.failed, c.skipped, c.retries)
}
