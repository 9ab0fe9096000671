// Package extract pulls real chat transcripts from a Graph-style API and
// shapes them into conversation records.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/lamim/convoforge/internal/config"
	"github.com/lamim/convoforge/pkg/models"
)

// PersonaName is stamped on every extracted record
const PersonaName = "azure"

// Client reads chat threads with a bearer token
type Client struct {
	baseURL    string
	token      string
	botUserID  string
	maxThreads int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the configured tenant
func NewClient(cfg config.AzureConfig, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.GraphBaseURL, "/"),
		token:      token,
		botUserID:  cfg.BotUserID,
		maxThreads: cfg.MaxThreads,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "extract"),
	}
}

type chat struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type message struct {
	ID              string    `json:"id"`
	CreatedDateTime time.Time `json:"createdDateTime"`
	From            *struct {
		User *identity `json:"user"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

func (m message) sender() identity {
	if m.From == nil || m.From.User == nil {
		return identity{}
	}
	return *m.From.User
}

type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// FetchRecords lists up to maxThreads chats and turns each one with at least
// one prompt/reply exchange into a record. Records are ordered by the time of
// their first message so repeated fetches line up with checkpointed indices.
func (c *Client) FetchRecords(ctx context.Context) ([]models.Record, error) {
	chats, err := c.listChats(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Fetched chat threads", "count", len(chats))

	var records []models.Record
	for _, ch := range chats {
		msgs, err := c.listMessages(ctx, ch.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Skipping chat thread", "chat_id", ch.ID, "error", err)
			continue
		}
		if rec, ok := c.toRecord(ch, msgs); ok {
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].GeneratedAt.Equal(records[j].GeneratedAt) {
			return records[i].GeneratedAt.Before(records[j].GeneratedAt)
		}
		return records[i].SessionID < records[j].SessionID
	})
	for i := range records {
		records[i].Index = i
	}
	return records, nil
}

func (c *Client) listChats(ctx context.Context) ([]chat, error) {
	var chats []chat
	next := c.baseURL + "/chats"
	for next != "" && (c.maxThreads <= 0 || len(chats) < c.maxThreads) {
		var p page[chat]
		if err := c.get(ctx, next, &p); err != nil {
			return nil, fmt.Errorf("failed to list chats: %w", err)
		}
		chats = append(chats, p.Value...)
		next = p.NextLink
	}
	if c.maxThreads > 0 && len(chats) > c.maxThreads {
		chats = chats[:c.maxThreads]
	}
	return chats, nil
}

func (c *Client) listMessages(ctx context.Context, chatID string) ([]message, error) {
	var msgs []message
	next := c.baseURL + "/chats/" + url.PathEscape(chatID) + "/messages"
	for next != "" {
		var p page[message]
		if err := c.get(ctx, next, &p); err != nil {
			return nil, err
		}
		msgs = append(msgs, p.Value...)
		next = p.NextLink
	}
	return msgs, nil
}

func (c *Client) get(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// toRecord pairs each non-bot message with the bot reply that directly follows it
func (c *Client) toRecord(ch chat, msgs []message) (models.Record, bool) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedDateTime.Before(msgs[j].CreatedDateTime)
	})

	var (
		turns       []models.Turn
		participant models.Participant
		started     time.Time
	)
	for i := 0; i+1 < len(msgs); i++ {
		prompt, reply := msgs[i], msgs[i+1]
		if prompt.sender().ID == c.botUserID || reply.sender().ID != c.botUserID {
			continue
		}
		promptText := StripHTML(prompt.Body.Content)
		replyText := StripHTML(reply.Body.Content)
		if promptText == "" || replyText == "" {
			continue
		}

		if len(turns) == 0 {
			participant.Name = prompt.sender().DisplayName
			started = prompt.CreatedDateTime
		}
		turns = append(turns,
			models.Turn{Role: models.SpeakerUser, Text: promptText},
			models.Turn{Role: models.SpeakerAssistant, Text: replyText},
		)
		i++
	}
	if len(turns) == 0 {
		return models.Record{}, false
	}

	topic := ch.Topic
	if topic == "" {
		topic = "General Chat"
	}
	return models.Record{
		SessionID:   ch.ID,
		Persona:     PersonaName,
		Topic:       topic,
		Participant: participant,
		Turns:       turns,
		Source:      models.SourceAzure,
		GeneratedAt: started.UTC(),
		Status:      models.StatusCompleted,
	}, true
}
