package api

// Chat roles as the wire protocol names them. Conversation turns map
// customer to RoleUser and assistant to RoleAssistant.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the chat history sent to a model
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of a /chat/completions call. Only the sampling
// knobs the generator configures are sent.
type ChatRequest struct {
	Model       string      `json:"model"`
	Messages    []Message   `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        float64     `json:"top_p,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Seed        int64       `json:"seed,omitempty"`
	Format      *wireFormat `json:"response_format,omitempty"`
}

type wireFormat struct {
	Type string `json:"type"`
}

// ChatResponse keeps the parts of a completion the caller reads
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// Text returns the first choice's content
func (r *ChatResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Truncated reports whether the model stopped on its token limit
func (r *ChatResponse) Truncated() bool {
	return len(r.Choices) > 0 && r.Choices[0].FinishReason == "length"
}

// errorBody is the error envelope of OpenAI-compatible servers
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
