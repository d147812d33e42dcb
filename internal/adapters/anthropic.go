package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
)

// anthropicVersion is the API version header required by the Messages API.
const anthropicVersion = "2023-06-01"

// anthropicDefaultMaxTokens fills the mandatory max_tokens field when the
// client omits it.
const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter serves the Anthropic Messages API.
type AnthropicAdapter struct{}

// anthropicMessage is one Messages API turn.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicRequest is the outbound Messages API payload.
type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// anthropicUsage carries the Messages API token counts.
type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// anthropicResponse is the buffered Messages API reply.
type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

// BuildRequest splits the chat messages into the Anthropic system string plus
// messages form and attaches the x-api-key authentication.
func (a *AnthropicAdapter) BuildRequest(ctx context.Context, entry catalog.Entry, req *ChatRequest) (*http.Request, error) {
	base := BaseURL(entry)
	if base == "" {
		return nil, NewError(KindConfig, "config '"+entry.PublicName+"' has no base URL")
	}

	outbound := anthropicRequest{
		Model:       entry.ModelName,
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		outbound.MaxTokens = *req.MaxTokens
	}
	if stops := decodeStops(req.Stop); len(stops) > 0 {
		outbound.StopSequences = stops
	}

	var system []string
	for _, message := range req.Messages {
		switch message.Role {
		case "system":
			if text := message.Text(); text != "" {
				system = append(system, text)
			}
		case "assistant":
			outbound.Messages = append(outbound.Messages, anthropicMessage{Role: "assistant", Content: message.Text()})
		default:
			outbound.Messages = append(outbound.Messages, anthropicMessage{Role: "user", Content: message.Text()})
		}
	}
	outbound.System = strings.Join(system, "\n\n")

	body, errMarshal := json.Marshal(&outbound)
	if errMarshal != nil {
		return nil, NewError(KindConfig, "marshal upstream payload: "+errMarshal.Error())
	}

	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(body))
	if errNew != nil {
		return nil, NewError(KindConfig, "build upstream request: "+errNew.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", entry.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	applyEntryHeaders(httpReq, entry)
	return httpReq, nil
}

// TranslateResponse recombines the Anthropic content blocks into a single
// OpenAI assistant message.
func (a *AnthropicAdapter) TranslateResponse(entry catalog.Entry, body []byte) ([]byte, Usage, error) {
	var upstream anthropicResponse
	if errUnmarshal := json.Unmarshal(body, &upstream); errUnmarshal != nil {
		return nil, Usage{}, NewError(KindUpstream, "upstream returned a non-JSON body")
	}

	var text strings.Builder
	for _, block := range upstream.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	usage := Usage{
		PromptTokens:     upstream.Usage.InputTokens,
		CompletionTokens: upstream.Usage.OutputTokens,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	finish := anthropicFinishReason(upstream.StopReason)
	message, _ := json.Marshal(map[string]any{"role": "assistant", "content": text.String()})
	response := ChatResponse{
		ID:      upstream.ID,
		Object:  "chat.completion",
		Created: time.Now().UTC().Unix(),
		Model:   entry.PublicName,
		Choices: []ChatChoice{{Index: 0, Message: message, FinishReason: &finish}},
		Usage:   &usage,
	}

	translated, errMarshal := json.Marshal(&response)
	if errMarshal != nil {
		return nil, Usage{}, NewError(KindUpstream, "re-encode upstream body: "+errMarshal.Error())
	}
	return translated, usage, nil
}

// NewChunkTranslator starts a Messages API stream translation.
func (a *AnthropicAdapter) NewChunkTranslator(entry catalog.Entry) ChunkTranslator {
	return &anthropicChunkTranslator{entry: entry, id: newChunkID(), created: time.Now().UTC().Unix()}
}

// ListModels fetches the upstream model listing.
func (a *AnthropicAdapter) ListModels(ctx context.Context, client *http.Client, entry catalog.Entry) ([]string, error) {
	base := BaseURL(entry)
	if base == "" {
		return nil, NewError(KindConfig, "config '"+entry.PublicName+"' has no base URL")
	}
	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/models", nil)
	if errNew != nil {
		return nil, NewError(KindConfig, "build models request: "+errNew.Error())
	}
	httpReq.Header.Set("x-api-key", entry.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	applyEntryHeaders(httpReq, entry)

	resp, errDo := client.Do(httpReq)
	if errDo != nil {
		return nil, NewError(ClassifyTransport(errDo), errDo.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, StatusError(resp.StatusCode, "model listing failed")
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if errDecode := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&listing); errDecode != nil {
		return nil, NewError(KindUpstream, "decode model listing: "+errDecode.Error())
	}
	ids := make([]string, 0, len(listing.Data))
	for _, model := range listing.Data {
		if model.ID != "" {
			ids = append(ids, model.ID)
		}
	}
	return ids, nil
}

// Health issues a one-token message as a cheap probe.
func (a *AnthropicAdapter) Health(ctx context.Context, client *http.Client, entry catalog.Entry) (int64, int, error) {
	one := 1
	probe := &ChatRequest{
		Model:     entry.PublicName,
		Messages:  []ChatMessage{{Role: "user", Content: TextContent("ping")}},
		MaxTokens: &one,
	}
	httpReq, errBuild := a.BuildRequest(ctx, entry, probe)
	if errBuild != nil {
		return 0, 0, errBuild
	}

	started := time.Now()
	resp, errDo := client.Do(httpReq)
	rtt := time.Since(started).Milliseconds()
	if errDo != nil {
		return rtt, 0, NewError(ClassifyTransport(errDo), errDo.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return rtt, 0, StatusError(resp.StatusCode, "health probe failed")
	}
	return rtt, 1, nil
}

// anthropicChunkTranslator converts Messages API SSE events into OpenAI
// chunks. Event payloads carry their type inline, so the translator ignores
// SSE event lines entirely.
type anthropicChunkTranslator struct {
	entry   catalog.Entry
	id      string
	created int64
	usage   Usage
}

// anthropicEvent is the union of the Messages API stream payloads.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string         `json:"id"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

// Translate maps one Messages API event to OpenAI chunks.
func (t *anthropicChunkTranslator) Translate(data []byte) ([][]byte, error) {
	var event anthropicEvent
	if errUnmarshal := json.Unmarshal(data, &event); errUnmarshal != nil {
		return nil, fmt.Errorf("parse stream event: %w", errUnmarshal)
	}

	switch event.Type {
	case "message_start":
		if event.Message.ID != "" {
			t.id = event.Message.ID
		}
		t.usage.PromptTokens = event.Message.Usage.InputTokens
		t.usage.TotalTokens = t.usage.PromptTokens + t.usage.CompletionTokens
		return marshalChunk(t.chunk(map[string]any{"role": "assistant"}, nil))
	case "content_block_delta":
		if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
			return nil, nil
		}
		return marshalChunk(t.chunk(map[string]any{"content": event.Delta.Text}, nil))
	case "message_delta":
		if event.Usage.OutputTokens > 0 {
			t.usage.CompletionTokens = event.Usage.OutputTokens
			t.usage.TotalTokens = t.usage.PromptTokens + t.usage.CompletionTokens
		}
		finish := anthropicFinishReason(event.Delta.StopReason)
		return marshalChunk(t.chunk(map[string]any{}, &finish))
	default:
		// ping, content_block_start/stop, message_stop carry nothing to relay.
		return nil, nil
	}
}

// Usage returns the accumulated token counts.
func (t *anthropicChunkTranslator) Usage() Usage {
	return t.usage
}

// chunk assembles one OpenAI-shaped streaming chunk.
func (t *anthropicChunkTranslator) chunk(delta map[string]any, finish *string) map[string]any {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != nil {
		choice["finish_reason"] = *finish
	} else {
		choice["finish_reason"] = nil
	}
	return map[string]any{
		"id":      t.id,
		"object":  "chat.completion.chunk",
		"created": t.created,
		"model":   t.entry.PublicName,
		"choices": []any{choice},
	}
}

// anthropicFinishReason maps stop reasons to OpenAI finish reasons.
func anthropicFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// decodeStops normalizes the OpenAI stop field (string or array) into a
// string slice.
func decodeStops(raw json.RawMessage) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var single string
	if json.Unmarshal(trimmed, &single) == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var many []string
	if json.Unmarshal(trimmed, &many) == nil {
		return many
	}
	return nil
}
