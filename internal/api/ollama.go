package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// ollamaChat calls the native Ollama /api/chat endpoint without streaming
func (m *Model) ollamaChat(ctx context.Context, messages []Message, opts CallOptions) (string, error) {
	reqBody := ollamaChatRequest{
		Model:    m.cfg.ModelName,
		Messages: messages,
		Stream:   false,
		Options: &ollamaOptions{
			Temperature: opts.temperature(m.cfg.Temperature),
			TopP:        m.cfg.TopP,
			NumPredict:  m.cfg.MaxOutputTokens,
			Seed:        opts.Seed,
		},
	}
	if opts.JSON {
		reqBody.Format = "json"
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := json.NewEncoder(buf).Encode(reqBody); err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	url := strings.TrimRight(m.cfg.BaseURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := m.client.send(ctx, m.httpClient, req)
	if err != nil {
		return "", err
	}

	var chatResp ollamaChatResponse
	if status != http.StatusOK {
		if json.Unmarshal(body, &chatResp) == nil && chatResp.Error != "" {
			return "", &APIError{
				Message:    chatResp.Error,
				StatusCode: status,
				Retryable:  m.client.isStatusCodeRetryable(status),
			}
		}
		return "", m.client.statusError(status, body)
	}

	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}

	return chatResp.Message.Content, nil
}
