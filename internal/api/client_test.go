package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/lamim/convoforge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

const okCompletion = `{
	"id": "test-123",
	"object": "chat.completion",
	"created": 1234567890,
	"model": "test-model",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "Test response"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func TestChatCompletion_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Authorization header 'Bearer test-key', got '%s'", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type 'application/json', got '%s'", r.Header.Get("Content-Type"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Format == nil || req.Format.Type != "json_object" {
			t.Errorf("expected json_object response format, got %+v", req.Format)
		}
		if req.Temperature == nil || *req.Temperature != 0.7 {
			t.Errorf("expected configured temperature 0.7, got %v", req.Temperature)
		}
		if req.Seed != 0 {
			t.Errorf("expected no seed, got %d", req.Seed)
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okCompletion))
	}))
	defer server.Close()

	model := NewClient(testLogger()).Bind(config.ModelConfig{
		BaseURL:            server.URL + "/v1/",
		ModelName:          "test-model",
		Temperature:        0.7,
		TopP:               1.0,
		MaxOutputTokens:    100,
		RateLimitPerMinute: 6000,
	}, "test-key")

	text, err := model.Complete(context.Background(), []Message{{Role: "user", Content: "Test message"}}, CallOptions{JSON: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if text != "Test response" {
		t.Errorf("Expected content 'Test response', got '%s'", text)
	}
}

func TestChatCompletion_GreedySeededCall(t *testing.T) {
	var raw map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		_, _ = w.Write([]byte(okCompletion))
	}))
	defer server.Close()

	model := NewClient(testLogger()).Bind(config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test",
		Temperature:        0.9,
		RateLimitPerMinute: 6000,
	}, "")

	_, err := model.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, CallOptions{Greedy: true, Seed: 42})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	// An explicit zero must reach the wire, not be dropped as empty
	if temp, ok := raw["temperature"]; !ok || temp != 0.0 {
		t.Errorf("expected temperature 0 on the wire, got %v (present=%v)", temp, ok)
	}
	if raw["seed"] != 42.0 {
		t.Errorf("expected seed 42, got %v", raw["seed"])
	}
}

func TestOllamaChat_GreedySeededCall(t *testing.T) {
	var req ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		_, _ = w.Write([]byte(`{"message": {"role": "assistant", "content": "ok"}, "done": true}`))
	}))
	defer server.Close()

	model := NewClient(testLogger()).Bind(config.ModelConfig{
		Backend:            "ollama",
		BaseURL:            server.URL,
		ModelName:          "llama3.1:8b",
		Temperature:        0.8,
		RateLimitPerMinute: 6000,
	}, "")

	_, err := model.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, CallOptions{Greedy: true, Seed: 9})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if req.Options == nil || req.Options.Temperature == nil || *req.Options.Temperature != 0 {
		t.Fatalf("expected temperature 0, got %+v", req.Options)
	}
	if req.Options.Seed != 9 {
		t.Errorf("expected seed 9, got %d", req.Options.Seed)
	}
}

func TestChatCompletion_RetryOn500(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attemptCount.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "Server error"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okCompletion))
	}))
	defer server.Close()

	client := NewClient(testLogger())
	client.baseRetryDelay = time.Millisecond

	model := client.Bind(config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test",
		RateLimitPerMinute: 6000,
		MaxRetries:         3,
	}, "")

	text, err := model.Complete(context.Background(), []Message{{Role: "user", Content: "test"}}, CallOptions{})
	if err != nil {
		t.Fatalf("Expected success after retries, got error: %v", err)
	}
	if attemptCount.Load() != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", attemptCount.Load())
	}
	if text != "Test response" {
		t.Errorf("Expected 'Test response', got '%s'", text)
	}
}

func TestChatCompletion_BadRequestNotRetried(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "context too long", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	client := NewClient(testLogger())
	client.baseRetryDelay = time.Millisecond
	model := client.Bind(config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test",
		RateLimitPerMinute: 6000,
		MaxRetries:         3,
	}, "")

	_, err := model.Complete(context.Background(), []Message{{Role: "user", Content: "x"}}, CallOptions{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if IsUnavailable(err) {
		t.Error("a 400 response must not be classified as unavailable")
	}
	if attemptCount.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", attemptCount.Load())
	}
}

func TestComplete_Unavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	var observed atomic.Int32
	client := NewClient(testLogger())
	client.baseRetryDelay = time.Millisecond
	client.SetLatencyObserver(func(model string, _ time.Duration, err error) {
		if model == "test" && err != nil {
			observed.Add(1)
		}
	})

	model := client.Bind(config.ModelConfig{
		Backend:            "ollama",
		BaseURL:            "http://" + addr,
		ModelName:          "test",
		RateLimitPerMinute: 6000,
		MaxRetries:         1,
	}, "")

	_, err = model.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, CallOptions{})
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if observed.Load() != 1 {
		t.Errorf("expected one observed failure, got %d", observed.Load())
	}
	if err := model.Ping(context.Background()); !IsUnavailable(err) {
		t.Errorf("Ping() = %v, want unavailable", err)
	}
}

func TestComplete_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	model := NewClient(testLogger()).Bind(config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "slow",
		RateLimitPerMinute: 6000,
		MaxRetries:         2,
	}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := model.Complete(ctx, []Message{{Role: "user", Content: "hi"}}, CallOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if IsUnavailable(err) {
		t.Error("a caller timeout must not be classified as unavailable")
	}
}

func TestComplete_HTTPTimeoutIsNotUnavailable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(testLogger())
	client.baseRetryDelay = time.Millisecond
	model := client.Bind(config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "slow",
		RateLimitPerMinute: 6000,
		MaxRetries:         1,
	}, "")
	model.httpClient.Timeout = 30 * time.Millisecond

	_, err := model.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, CallOptions{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Timeout {
		t.Fatalf("expected timed out APIError, got %v", err)
	}
	if IsUnavailable(err) {
		t.Error("an HTTP client timeout must not be classified as unavailable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestComplete_TruncatedBodyIsNotUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 200\r\n\r\n{\"id\":")
		_ = buf.Flush()
		_ = conn.Close()
	}))
	defer server.Close()

	client := NewClient(testLogger())
	client.baseRetryDelay = time.Millisecond
	model := client.Bind(config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "cut",
		RateLimitPerMinute: 6000,
	}, "")

	_, err := model.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, CallOptions{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Responded {
		t.Fatalf("expected APIError for a cut-short body, got %v", err)
	}
	if IsUnavailable(err) {
		t.Error("a server that answered must not be classified as unavailable")
	}
}

func TestOllamaChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			var req ollamaChatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad request body: %v", err)
			}
			if req.Stream {
				t.Error("expected non-streaming request")
			}
			if req.Format != "json" {
				t.Errorf("expected json format, got %q", req.Format)
			}
			if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
				t.Errorf("unexpected messages %+v", req.Messages)
			}
			_, _ = w.Write([]byte(`{"message": {"role": "assistant", "content": "{\"ok\": true}"}, "done": true}`))
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models": []}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	model := NewClient(testLogger()).Bind(config.ModelConfig{
		Backend:            "ollama",
		BaseURL:            server.URL,
		ModelName:          "llama3.1:8b",
		RateLimitPerMinute: 6000,
	}, "")

	text, err := model.Complete(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, CallOptions{JSON: true})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text != `{"ok": true}` {
		t.Errorf("unexpected text %q", text)
	}
	if err := model.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if model.Name() != "llama3.1:8b (ollama)" {
		t.Errorf("Name() = %q", model.Name())
	}
}

func TestEndpointLimiters_FirstRateWins(t *testing.T) {
	limiters := newEndpointLimiters(testLogger())
	a := limiters.forKey("m", 60)
	b := limiters.forKey("m", 120)
	if a != b {
		t.Error("expected the first limiter to be reused")
	}
	if limiters.forKey("other", 60) == a {
		t.Error("expected a distinct limiter per endpoint")
	}
	if got := limiters.forKey("unpaced", 0).Limit(); got != rate.Inf {
		t.Errorf("rpm 0 limit = %v, want Inf", got)
	}
}
