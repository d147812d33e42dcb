package adapters

import (
	"encoding/json"
	"strings"
)

// ChatMessage is one OpenAI chat message. Content stays raw so multimodal
// payloads pass through openai-family upstreams untouched.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Text extracts a best-effort plain-text view of the message content: a
// string content is returned as-is, an array is flattened by concatenating
// its text parts.
func (m ChatMessage) Text() string {
	trimmed := strings.TrimSpace(string(m.Content))
	if trimmed == "" {
		return ""
	}
	var asString string
	if errString := json.Unmarshal(m.Content, &asString); errString == nil {
		return asString
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if errParts := json.Unmarshal(m.Content, &parts); errParts != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Type == "" || part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// TextContent wraps plain text as a raw JSON string for ChatMessage.Content.
func TextContent(text string) json.RawMessage {
	raw, _ := json.Marshal(text)
	return raw
}

// ChatRequest is the client-facing OpenAI chat completion request. Fields
// outside this set are dropped on the way upstream.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// IsZero reports whether no tokens were accounted.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// ChatChoice is one completion choice in a buffered response.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      json.RawMessage `json:"message"`
	FinishReason *string         `json:"finish_reason"`
}

// ChatResponse is the client-facing OpenAI chat completion response.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// ModelInfo is one entry of the /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the /v1/models listing envelope.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// EstimateTokens approximates a token count from text length when the
// upstream reports no usage. Four characters per token, rounded up.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64((len(text) + 3) / 4)
}

// EstimateMessagesTokens sums the estimate over a message list.
func EstimateMessagesTokens(messages []ChatMessage) int64 {
	var total int64
	for _, message := range messages {
		total += EstimateTokens(message.Text())
	}
	return total
}
