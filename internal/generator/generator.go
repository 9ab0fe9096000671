// Package generator drives the text-generation model through one multi-turn
// conversation per call. It knows nothing about checkpoints or resume.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lamim/convoforge/internal/api"
	"github.com/lamim/convoforge/internal/config"
	"github.com/lamim/convoforge/internal/util"
	"github.com/lamim/convoforge/pkg/models"
)

var (
	// ErrGenerationTimeout means a single model call overran its deadline
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrGenerationMalformed means the model answered with empty or unusable output
	ErrGenerationMalformed = errors.New("malformed generation output")
)

// Generator produces baseline conversations
type Generator struct {
	model       api.ChatModel
	templates   config.PromptTemplates
	callTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a generator. callTimeout bounds each model call, not the whole record.
func New(model api.ChatModel, templates config.PromptTemplates, callTimeout time.Duration, logger *slog.Logger) *Generator {
	return &Generator{
		model:       model,
		templates:   templates,
		callTimeout: callTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

type opening struct {
	Question        string `json:"question"`
	ReferenceAnswer string `json:"reference_answer"`
}

// Generate produces one conversation of turnCount turns, alternating user and
// assistant and starting with the user. The persona must already be enriched
// with a topic and participant.
func (g *Generator) Generate(ctx context.Context, persona models.PersonaProfile, turnCount int) (models.Record, error) {
	if turnCount < 2 {
		return models.Record{}, fmt.Errorf("turn count must be at least 2 (got %d)", turnCount)
	}

	vars := map[string]interface{}{
		"EmployeeName":  persona.Participant.Name,
		"Department":    persona.Participant.Department,
		"UserRole":      persona.UserRole,
		"AssistantRole": persona.AssistantRole,
		"Topic":         persona.Topic,
		"Style":         persona.Style,
	}

	open, err := g.open(ctx, vars)
	if err != nil {
		return models.Record{}, err
	}
	vars["ReferenceAnswer"] = open.ReferenceAnswer

	turns := make([]models.Turn, 0, turnCount)
	turns = append(turns, models.Turn{Role: models.SpeakerUser, Text: open.Question})

	for len(turns) < turnCount {
		role := models.SpeakerAssistant
		if len(turns)%2 == 0 {
			role = models.SpeakerUser
		}

		text, err := g.nextTurn(ctx, role, vars, turns)
		if err != nil {
			return models.Record{}, fmt.Errorf("turn %d (%s): %w", len(turns), role, err)
		}
		turns = append(turns, models.Turn{Role: role, Text: text})
	}

	return models.Record{
		Persona:         persona.Name,
		Topic:           persona.Topic,
		Participant:     persona.Participant,
		Turns:           turns,
		ReferenceAnswer: open.ReferenceAnswer,
		Source:          models.SourceSynthetic,
		GeneratedAt:     g.now().UTC(),
		Status:          models.StatusCompleted,
	}, nil
}

func (g *Generator) open(ctx context.Context, vars map[string]interface{}) (opening, error) {
	prompt, err := util.RenderPrompt(g.templates.Opening, vars)
	if err != nil {
		return opening{}, fmt.Errorf("failed to render opening template: %w", err)
	}

	raw, err := g.call(ctx, []api.Message{{Role: api.RoleUser, Content: prompt}}, api.CallOptions{JSON: true})
	if err != nil {
		return opening{}, fmt.Errorf("opening: %w", err)
	}

	var out opening
	if err := util.DecodeJSONObject(util.StripReasoning(raw), &out); err != nil {
		return opening{}, fmt.Errorf("%w: opening: %w", ErrGenerationMalformed, err)
	}
	out.Question = util.CleanTurnText(out.Question)
	out.ReferenceAnswer = strings.TrimSpace(out.ReferenceAnswer)
	if out.Question == "" {
		return opening{}, fmt.Errorf("%w: opening has no question", ErrGenerationMalformed)
	}
	if problem := turnProblem(out.Question, nil); problem != "" {
		return opening{}, fmt.Errorf("%w: opening %s", ErrGenerationMalformed, problem)
	}
	return out, nil
}

func (g *Generator) nextTurn(ctx context.Context, role models.Speaker, vars map[string]interface{}, history []models.Turn) (string, error) {
	tmpl := g.templates.AssistantSystem
	if role == models.SpeakerUser {
		tmpl = g.templates.UserSystem
	}
	system, err := util.RenderPrompt(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("failed to render %s system template: %w", role, err)
	}

	raw, err := g.call(ctx, buildMessages(system, role, history), api.CallOptions{})
	if err != nil {
		return "", err
	}

	text := util.CleanReply(raw)
	if problem := turnProblem(text, history); problem != "" {
		return "", fmt.Errorf("%w: %s turn %s", ErrGenerationMalformed, role, problem)
	}
	return text, nil
}

// buildMessages renders history from the point of view of speaker: the model
// always plays "assistant", so when it speaks for the user the roles flip.
func buildMessages(system string, speaker models.Speaker, history []models.Turn) []api.Message {
	messages := make([]api.Message, 0, len(history)+1)
	messages = append(messages, api.Message{Role: api.RoleSystem, Content: system})
	for _, turn := range history {
		role := api.RoleUser
		if turn.Role == speaker {
			role = api.RoleAssistant
		}
		messages = append(messages, api.Message{Role: role, Content: turn.Text})
	}
	return messages
}

// call applies the per-call timeout and maps its expiry to ErrGenerationTimeout
func (g *Generator) call(ctx context.Context, messages []api.Message, opts api.CallOptions) (string, error) {
	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := g.model.Complete(callCtx, messages, opts)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrGenerationTimeout, g.callTimeout)
		}
		return "", err
	}

	g.logger.Debug("Model call finished",
		"model", g.model.Name(),
		"messages", len(messages),
		"duration", time.Since(start))
	return text, nil
}
