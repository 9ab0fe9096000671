package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lamim/convoforge/internal/config"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests
	DefaultHTTPTimeout = 600 * time.Second
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
)

// ErrModelUnavailable means the model service did not answer at all
// (connection refused, reset, or no response before the transport gave up).
var ErrModelUnavailable = errors.New("model service unavailable")

// LatencyObserver receives the outcome of every model call
type LatencyObserver func(model string, elapsed time.Duration, err error)

// Client handles HTTP requests to local text-generation services
type Client struct {
	limiters       *endpointLimiters
	logger         *slog.Logger
	baseRetryDelay time.Duration
	observe        LatencyObserver
}

// NewClient creates a new API client
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		limiters:       newEndpointLimiters(logger),
		logger:         logger,
		baseRetryDelay: DefaultBaseRetryDelay,
	}
}

// SetLatencyObserver installs a hook called after each model call
func (c *Client) SetLatencyObserver(fn LatencyObserver) {
	c.observe = fn
}

// CallOptions tweak a single completion
type CallOptions struct {
	JSON   bool  // Ask the backend for a JSON object response
	Greedy bool  // Sample at temperature 0 whatever the model config says
	Seed   int64 // Sampling seed for backends that honor one; 0 sends none
}

// temperature is nil when the backend default should apply
func (o CallOptions) temperature(configured float64) *float64 {
	if o.Greedy {
		zero := 0.0
		return &zero
	}
	if configured == 0 {
		return nil
	}
	return &configured
}

// ChatModel is a conversation-capable text-generation backend
type ChatModel interface {
	Complete(ctx context.Context, messages []Message, opts CallOptions) (string, error)
	Name() string
}

// Model binds a client to one configured endpoint
type Model struct {
	client     *Client
	cfg        config.ModelConfig
	apiKey     string
	httpClient *http.Client
}

// Bind returns a ChatModel for the given model configuration
func (c *Client) Bind(cfg config.ModelConfig, apiKey string) *Model {
	timeout := DefaultHTTPTimeout
	if cfg.HTTPTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	}
	return &Model{
		client:     c,
		cfg:        cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the backend and model
func (m *Model) Name() string {
	return fmt.Sprintf("%s (%s)", m.cfg.ModelName, m.cfg.Backend)
}

// Complete sends the conversation and returns the generated text
func (m *Model) Complete(ctx context.Context, messages []Message, opts CallOptions) (string, error) {
	start := time.Now()
	text, err := m.complete(ctx, messages, opts)
	if m.client.observe != nil {
		m.client.observe(m.cfg.ModelName, time.Since(start), err)
	}
	return text, err
}

func (m *Model) complete(ctx context.Context, messages []Message, opts CallOptions) (string, error) {
	if m.cfg.Backend == "ollama" {
		return m.client.withRetries(ctx, m.cfg, func() (string, error) {
			return m.ollamaChat(ctx, messages, opts)
		})
	}

	resp, err := m.client.ChatCompletion(ctx, m.cfg, m.apiKey, messages, opts, m.httpClient)
	if err != nil {
		return "", err
	}
	if resp.Truncated() {
		m.client.logger.Debug("Model reply hit the token limit", "model", m.cfg.ModelName)
	}
	return resp.Text(), nil
}

// Ping checks that the model endpoint answers at all
func (m *Model) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	base := strings.TrimRight(m.cfg.BaseURL, "/")
	endpoint := base + "/models"
	if m.cfg.Backend == "ollama" {
		endpoint = base + "/api/tags"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("probe failed: %v", err)}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &APIError{Message: "probe failed", StatusCode: resp.StatusCode}
	}
	return nil
}

// ChatCompletion posts messages to an OpenAI-compatible endpoint, retrying
// transient failures under the model's rate limit
func (c *Client) ChatCompletion(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
	opts CallOptions,
	httpClient *http.Client,
) (*ChatResponse, error) {
	req := ChatRequest{
		Model:       modelCfg.ModelName,
		Messages:    messages,
		Temperature: opts.temperature(modelCfg.Temperature),
		TopP:        modelCfg.TopP,
		MaxTokens:   modelCfg.MaxOutputTokens,
		Seed:        opts.Seed,
	}
	if opts.JSON {
		req.Format = &wireFormat{Type: "json_object"}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	var resp *ChatResponse
	_, err := c.withRetries(ctx, modelCfg, func() (string, error) {
		r, err := c.doRequest(ctx, httpClient, modelCfg.BaseURL, apiKey, req)
		if err != nil {
			return "", err
		}
		resp = r
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// withRetries rate-limits and retries one logical model call
func (c *Client) withRetries(ctx context.Context, modelCfg config.ModelConfig, do func() (string, error)) (string, error) {
	modelID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)
	maxRetries := max(modelCfg.MaxRetries, 0)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay

			// Rate limit errors back off harder (3^n)
			if c.isRateLimitError(lastErr) {
				backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
			}

			jitter := time.Duration(float64(backoff) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
			sleepDuration := backoff + jitter

			c.logger.Warn("Retrying model request",
				"attempt", attempt,
				"max_retries", maxRetries,
				"backoff", sleepDuration,
				"model", modelCfg.ModelName,
				"is_rate_limit", c.isRateLimitError(lastErr),
				"error", lastErr)

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(sleepDuration):
			}
		}

		if err := c.limiters.wait(ctx, modelID, modelCfg.RateLimitPerMinute); err != nil {
			return "", fmt.Errorf("rate limiter wait failed: %w", err)
		}

		text, err := do()
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		if !c.isRetryable(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(
	ctx context.Context,
	httpClient *http.Client,
	baseURL string,
	apiKey string,
	req ChatRequest,
) (*ChatResponse, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	respBody, status, err := c.send(ctx, httpClient, httpReq)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, c.statusError(status, respBody)
	}

	var resp ChatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}

	return &resp, nil
}

// send performs the request and reads the whole body. Transport failures
// surface as an APIError with StatusCode 0; caller cancellation as ctx.Err().
func (c *Client) send(ctx context.Context, httpClient *http.Client, req *http.Request) ([]byte, int, error) {
	httpResp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &APIError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Timeout:   isTimeout(err),
			Retryable: true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &APIError{
			Message:   fmt.Sprintf("failed to read response: %v", err),
			Responded: true,
			Timeout:   isTimeout(err),
			Retryable: true,
		}
	}
	return respBody, httpResp.StatusCode, nil
}

func (c *Client) statusError(status int, respBody []byte) error {
	isRetryable := c.isStatusCodeRetryable(status)

	var errResp errorBody
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
		return &APIError{
			Message:    errResp.Error.Message,
			StatusCode: status,
			Type:       errResp.Error.Type,
			Code:       errResp.Error.Code,
			Retryable:  isRetryable,
		}
	}

	return &APIError{
		Message:    fmt.Sprintf("API request failed with status %d: %s", status, string(respBody)),
		StatusCode: status,
		Retryable:  isRetryable,
	}
}

func (c *Client) isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

func (c *Client) isRateLimitError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func (c *Client) isStatusCodeRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// APIError represents an error returned by the API
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
	Timeout    bool // The HTTP client gave up waiting
	Responded  bool // The server answered but the body was cut short
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}

// Is matches ErrModelUnavailable when the service never answered, and
// context.DeadlineExceeded when the HTTP client timed out. A slow model is
// a timeout, not an outage.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrModelUnavailable:
		return e.StatusCode == 0 && !e.Timeout && !e.Responded
	case context.DeadlineExceeded:
		return e.Timeout
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsUnavailable reports whether err means the model service could not be reached
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrModelUnavailable)
}
