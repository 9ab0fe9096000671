package injector

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/lamim/convoforge/internal/api"
	"github.com/lamim/convoforge/internal/util"
)

// Rewriter turns a polite turn into a hostile one on the same topic
type Rewriter interface {
	Rewrite(ctx context.Context, text string) (string, error)
}

// ModelRewriter asks the text-generation model for the hostile version.
// Calls are greedy and seeded from the turn text, which makes reruns repeat
// on backends that honor both. Byte-identical output is still up to the
// backend; the injector's decisions and every non-model splice are
// reproducible regardless.
type ModelRewriter struct {
	model    api.ChatModel
	template string
	logger   *slog.Logger
}

// NewModelRewriter creates a rewriter. template receives the turn as {{.Text}}.
func NewModelRewriter(model api.ChatModel, template string, logger *slog.Logger) *ModelRewriter {
	return &ModelRewriter{
		model:    model,
		template: template,
		logger:   logger.With("component", "rewriter"),
	}
}

// Rewrite implements Rewriter
func (r *ModelRewriter) Rewrite(ctx context.Context, text string) (string, error) {
	prompt, err := util.RenderPrompt(r.template, map[string]interface{}{
		"Text": text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render rewrite template: %w", err)
	}

	resp, err := r.model.Complete(ctx, []api.Message{
		{Role: api.RoleUser, Content: prompt},
	}, api.CallOptions{Greedy: true, Seed: rewriteSeed(text)})
	if err != nil {
		return "", err
	}

	r.logger.Debug("Received rewrite", "length", len(resp), "first_200_chars", util.Preview(resp, 200))

	out := util.CleanReply(resp)
	if out == "" {
		return "", errors.New("rewrite was empty")
	}
	return out, nil
}

// rewriteSeed is never 0, which would send no seed at all
func rewriteSeed(text string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return int64(h.Sum32()) + 1
}

var insults = []string{
	"This is a stupid question.",
	"Read the manual, you idiot.",
	"Honestly, how do you not know this already?",
	"I can't believe I have to explain this again.",
}

// toxicity rewrites the whole turn through the model when one is configured.
// A failed or unchanged rewrite falls back to a hostile opener, so the defect
// is always present once its trial succeeded.
func (i *Injector) toxicity(ctx context.Context, rng *rand.Rand, text string, index int) (splice, error) {
	fallback := insults[rng.IntN(len(insults))]

	if i.rewriter != nil {
		rewritten, err := i.rewriter.Rewrite(ctx, text)
		if ctx.Err() != nil {
			return splice{}, ctx.Err()
		}
		if err == nil && rewritten != strings.TrimSpace(text) {
			return splice{start: 0, original: text, injected: rewritten}, nil
		}
		i.logger.Warn("Toxicity rewrite unusable, using fixed phrasing",
			"record_index", index,
			"error", err)
	}

	return splice{start: 0, injected: fallback + " "}, nil
}

var frustratedOpeners = []string{
	"This system is garbage.",
	"I am furious.",
	"Why is IT always so slow?",
	"This is the third time I'm asking.",
}

// frustrate prefixes a user turn with a frustrated opener
func frustrate(rng *rand.Rand) splice {
	return splice{start: 0, injected: frustratedOpeners[rng.IntN(len(frustratedOpeners))] + " "}
}
