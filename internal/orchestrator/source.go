package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lamim/convoforge/internal/generator"
	"github.com/lamim/convoforge/pkg/models"
)

// SyntheticSource generates each baseline with the text-generation model
type SyntheticSource struct {
	gen     *generator.Generator
	persona models.PersonaProfile
	seed    int64
	turns   int
}

// NewSyntheticSource creates a source for the job's persona and turn count
func NewSyntheticSource(gen *generator.Generator, job models.GenerationJob) *SyntheticSource {
	return &SyntheticSource{
		gen:     gen,
		persona: job.Persona,
		seed:    job.Seed,
		turns:   job.TurnsPerRecord,
	}
}

// Baseline implements Source
func (s *SyntheticSource) Baseline(ctx context.Context, index int) (models.Record, error) {
	persona := generator.Enrich(s.persona, s.seed, index)
	rec, err := s.gen.Generate(ctx, persona, s.turns)
	if err != nil {
		return models.Record{}, err
	}
	rec.Index = index
	rec.SessionID = uuid.NewString()
	return rec, nil
}

// ExtractedSource replays records fetched from the real tenant
type ExtractedSource struct {
	records []models.Record
}

// NewExtractedSource wraps already-fetched records. Order must be stable
// across fetches for resume to line up.
func NewExtractedSource(records []models.Record) *ExtractedSource {
	return &ExtractedSource{records: records}
}

// Len caps the run target
func (s *ExtractedSource) Len() int {
	return len(s.records)
}

// Baseline implements Source
func (s *ExtractedSource) Baseline(_ context.Context, index int) (models.Record, error) {
	if index < 0 || index >= len(s.records) {
		return models.Record{}, fmt.Errorf("no extracted record at index %d (have %d)", index, len(s.records))
	}
	rec := s.records[index].Clone()
	rec.Index = index
	return rec, nil
}
