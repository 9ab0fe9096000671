package writer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lamim/convoforge/pkg/models"
)

// CorpusWriter keeps the baseline and comparator collections aligned by
// record index and rewrites both files atomically on every change.
type CorpusWriter struct {
	files      *FileWriter
	layout     *Layout
	baseline   *collection
	comparator *collection
	mu         sync.Mutex
	logger     *slog.Logger
}

// OpenCorpus loads any existing outputs under layout
func OpenCorpus(files *FileWriter, layout *Layout, logger *slog.Logger) (*CorpusWriter, error) {
	baseline, err := loadCollection(layout.BaselinePath())
	if err != nil {
		return nil, err
	}
	comparator, err := loadCollection(layout.ComparatorPath())
	if err != nil {
		return nil, err
	}

	if len(baseline.records) > 0 || len(comparator.records) > 0 {
		logger.Info("Loaded existing corpora",
			"baseline", len(baseline.records),
			"comparator", len(comparator.records))
	}

	return &CorpusWriter{
		files:      files,
		layout:     layout,
		baseline:   baseline,
		comparator: comparator,
		logger:     logger,
	}, nil
}

// Put stores a pair and persists both corpora. It returns only after both
// files are durably replaced.
func (cw *CorpusWriter) Put(ctx context.Context, pair models.ConversationPair) error {
	if pair.Baseline.Index != pair.Comparator.Index {
		return fmt.Errorf("pair index mismatch: baseline %d, comparator %d",
			pair.Baseline.Index, pair.Comparator.Index)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	idx := pair.Index()
	cw.baseline.records[idx] = pair.Baseline
	cw.comparator.records[idx] = pair.Comparator
	return cw.flush(ctx)
}

// Has reports whether both corpora contain index
func (cw *CorpusWriter) Has(index int) bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	_, inBaseline := cw.baseline.records[index]
	_, inComparator := cw.comparator.records[index]
	return inBaseline && inComparator
}

// Remove drops index from both corpora if present
func (cw *CorpusWriter) Remove(ctx context.Context, index int) error {
	return cw.Prune(ctx, func(i int) bool { return i != index })
}

// Prune drops every record whose index keep rejects. Used on resume to discard
// records written by a run that died before checkpointing them.
func (cw *CorpusWriter) Prune(ctx context.Context, keep func(index int) bool) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	dropped := 0
	for _, c := range []*collection{cw.baseline, cw.comparator} {
		for idx := range c.records {
			if !keep(idx) {
				delete(c.records, idx)
				dropped++
			}
		}
	}
	if dropped == 0 {
		return nil
	}

	cw.logger.Info("Pruned unconfirmed records from corpora", "dropped", dropped)
	return cw.flush(ctx)
}

// Len returns the number of aligned pairs
func (cw *CorpusWriter) Len() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	n := 0
	for idx := range cw.baseline.records {
		if _, ok := cw.comparator.records[idx]; ok {
			n++
		}
	}
	return n
}

// Archive moves both corpus files into the archive directory and empties the
// in-memory collections.
func (cw *CorpusWriter) Archive(ctx context.Context, at time.Time) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, c := range []*collection{cw.baseline, cw.comparator} {
		if _, err := os.Stat(c.path); errors.Is(err, fs.ErrNotExist) {
			c.records = make(map[int]models.Record)
			continue
		}
		dst := cw.layout.ArchivePath(filepath.Base(c.path), at)
		if err := cw.files.Move(ctx, c.path, dst); err != nil {
			return fmt.Errorf("failed to archive corpus: %w", err)
		}
		cw.logger.Info("Archived corpus", "from", c.path, "to", dst)
		c.records = make(map[int]models.Record)
	}
	return nil
}

// flush writes baseline first, then comparator. Callers hold mu.
func (cw *CorpusWriter) flush(ctx context.Context) error {
	for _, c := range []*collection{cw.baseline, cw.comparator} {
		data, err := c.encode()
		if err != nil {
			return err
		}
		if err := cw.files.WriteAtomic(ctx, c.path, data); err != nil {
			return err
		}
	}
	return nil
}
