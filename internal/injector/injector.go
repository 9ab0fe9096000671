// Package injector derives comparator conversations from baselines by
// splicing labeled defects into individual turns.
package injector

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/lamim/convoforge/pkg/models"
)

// Injector applies configured defect rates to baseline records
type Injector struct {
	rates     models.Rates
	seed      int64
	rewriter  Rewriter
	validator EntityValidator
	logger    *slog.Logger
}

// Option customizes an Injector
type Option func(*Injector)

// WithRewriter sets the model used for toxicity rewrites. Without one, toxic
// phrasing is spliced in from a fixed set.
func WithRewriter(r Rewriter) Option {
	return func(i *Injector) { i.rewriter = r }
}

// WithValidator replaces the default PII pattern check
func WithValidator(v EntityValidator) Option {
	return func(i *Injector) { i.validator = v }
}

// New creates an injector. Rates are copied.
func New(rates models.Rates, seed int64, logger *slog.Logger, opts ...Option) *Injector {
	copied := make(models.Rates, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	inj := &Injector{
		rates:     copied,
		seed:      seed,
		validator: PatternValidator{},
		logger:    logger.With("component", "injector"),
	}
	for _, opt := range opts {
		opt(inj)
	}
	return inj
}

// recordRand returns the random stream for one record. It depends only on the
// seed and index, never on how many records were processed before.
func (i *Injector) recordRand(index int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(i.seed), uint64(index)))
}

// Inject returns the comparator for baseline. Every category gets its own
// Bernoulli trial in DefectCategories order, and each triggered defect lands
// on a different turn. The baseline is never modified.
//
// For a given seed and index the triggered categories, their target turns and
// every non-model splice are identical across runs. Text from a Rewriter is
// only as repeatable as the backend behind it.
func (i *Injector) Inject(ctx context.Context, baseline models.Record) (models.Record, error) {
	comparator := baseline.Clone()
	comparator.Labels = nil

	rng := i.recordRand(baseline.Index)
	faker := gofakeit.New(int64(rng.Uint64()>>1) | 1)
	used := make(map[int]bool)

	for _, category := range models.DefectCategories {
		rate := i.rates[category]
		roll := rng.Float64()
		// A NaN rate never fires
		if !(roll < rate) {
			continue
		}

		turn, ok := pickTurn(rng, comparator.Turns, speakerFor(category), used)
		if !ok {
			i.logger.Debug("No free turn for defect",
				"record_index", baseline.Index,
				"category", category)
			continue
		}

		text := comparator.Turns[turn].Text
		var (
			sp  splice
			err error
		)
		switch category {
		case models.DefectPII:
			sp, ok = i.pii(rng, faker, text)
		case models.DefectToxicity:
			sp, err = i.toxicity(ctx, rng, text, baseline.Index)
		case models.DefectHallucination:
			sp = hallucinate(rng, text)
		case models.DefectNegativeSentiment:
			sp = frustrate(rng)
		}
		if err != nil {
			return models.Record{}, fmt.Errorf("record %d %s injection: %w", baseline.Index, category, err)
		}
		if !ok {
			continue
		}

		used[turn] = true
		comparator.Turns[turn].Text = sp.apply(text)
		label := sp.label(category, turn)
		label.Rate = rate
		label.Roll = roll
		if category == models.DefectHallucination {
			label.Reference = baseline.ReferenceAnswer
		}
		comparator.Labels = append(comparator.Labels, label)
	}

	return comparator, nil
}

func speakerFor(category models.DefectCategory) models.Speaker {
	if category == models.DefectNegativeSentiment {
		return models.SpeakerUser
	}
	return models.SpeakerAssistant
}

func pickTurn(rng *rand.Rand, turns []models.Turn, role models.Speaker, used map[int]bool) (int, bool) {
	var candidates []int
	for idx, t := range turns {
		if t.Role == role && !used[idx] && t.Text != "" {
			candidates = append(candidates, idx)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rng.IntN(len(candidates))], true
}

// splice replaces text[start:start+len(original)] with injected
type splice struct {
	start    int
	original string
	injected string
}

func (s splice) apply(text string) string {
	return text[:s.start] + s.injected + text[s.start+len(s.original):]
}

func (s splice) label(category models.DefectCategory, turn int) models.InjectionLabel {
	return models.InjectionLabel{
		Category:  category,
		TurnIndex: turn,
		Start:     s.start,
		End:       s.start + len(s.injected),
		Original:  s.original,
		Injected:  s.injected,
	}
}
