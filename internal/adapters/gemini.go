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

// GeminiAdapter serves the Google AI Studio REST surface (not Vertex).
type GeminiAdapter struct{}

// geminiPart is one content part.
type geminiPart struct {
	Text string `json:"text"`
}

// geminiContent is one conversation turn.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiRequest is the outbound generateContent payload.
type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

// geminiGenConfig mirrors the generationConfig object.
type geminiGenConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// geminiResponse is a generateContent reply, buffered or one stream chunk.
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// BuildRequest maps OpenAI chat messages to the Gemini contents shape,
// lifting system messages into the system instruction.
func (a *GeminiAdapter) BuildRequest(ctx context.Context, entry catalog.Entry, req *ChatRequest) (*http.Request, error) {
	base := BaseURL(entry)
	if base == "" {
		return nil, NewError(KindConfig, "config '"+entry.PublicName+"' has no base URL")
	}

	outbound := geminiRequest{}
	var system []string
	for _, message := range req.Messages {
		text := message.Text()
		switch message.Role {
		case "system":
			if text != "" {
				system = append(system, text)
			}
		case "assistant":
			outbound.Contents = append(outbound.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}})
		default:
			outbound.Contents = append(outbound.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: text}}})
		}
	}
	if len(system) > 0 {
		outbound.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	if req.MaxTokens != nil || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		outbound.GenerationConfig = &geminiGenConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   decodeStops(req.Stop),
		}
	}

	body, errMarshal := json.Marshal(&outbound)
	if errMarshal != nil {
		return nil, NewError(KindConfig, "marshal upstream payload: "+errMarshal.Error())
	}

	action := ":generateContent"
	if req.Stream {
		action = ":streamGenerateContent?alt=sse"
	}
	url := base + "/models/" + entry.ModelName + action

	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if errNew != nil {
		return nil, NewError(KindConfig, "build upstream request: "+errNew.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", entry.APIKey)
	applyEntryHeaders(httpReq, entry)
	return httpReq, nil
}

// TranslateResponse maps candidates back to OpenAI choices.
func (a *GeminiAdapter) TranslateResponse(entry catalog.Entry, body []byte) ([]byte, Usage, error) {
	var upstream geminiResponse
	if errUnmarshal := json.Unmarshal(body, &upstream); errUnmarshal != nil {
		return nil, Usage{}, NewError(KindUpstream, "upstream returned a non-JSON body")
	}

	var usage Usage
	if upstream.UsageMetadata != nil {
		usage.PromptTokens = upstream.UsageMetadata.PromptTokenCount
		usage.CompletionTokens = upstream.UsageMetadata.CandidatesTokenCount
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	choices := make([]ChatChoice, 0, len(upstream.Candidates))
	for index, candidate := range upstream.Candidates {
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
		finish := geminiFinishReason(candidate.FinishReason)
		message, _ := json.Marshal(map[string]any{"role": "assistant", "content": text.String()})
		choices = append(choices, ChatChoice{Index: index, Message: message, FinishReason: &finish})
	}

	response := ChatResponse{
		ID:      newChunkID(),
		Object:  "chat.completion",
		Created: time.Now().UTC().Unix(),
		Model:   entry.PublicName,
		Choices: choices,
		Usage:   &usage,
	}

	translated, errMarshal := json.Marshal(&response)
	if errMarshal != nil {
		return nil, Usage{}, NewError(KindUpstream, "re-encode upstream body: "+errMarshal.Error())
	}
	return translated, usage, nil
}

// NewChunkTranslator starts a streamGenerateContent translation.
func (a *GeminiAdapter) NewChunkTranslator(entry catalog.Entry) ChunkTranslator {
	return &geminiChunkTranslator{entry: entry, id: newChunkID(), created: time.Now().UTC().Unix()}
}

// ListModels fetches the AI Studio model listing.
func (a *GeminiAdapter) ListModels(ctx context.Context, client *http.Client, entry catalog.Entry) ([]string, error) {
	base := BaseURL(entry)
	if base == "" {
		return nil, NewError(KindConfig, "config '"+entry.PublicName+"' has no base URL")
	}
	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodGet, base+"/models", nil)
	if errNew != nil {
		return nil, NewError(KindConfig, "build models request: "+errNew.Error())
	}
	httpReq.Header.Set("x-goog-api-key", entry.APIKey)
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
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if errDecode := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&listing); errDecode != nil {
		return nil, NewError(KindUpstream, "decode model listing: "+errDecode.Error())
	}
	ids := make([]string, 0, len(listing.Models))
	for _, model := range listing.Models {
		ids = append(ids, strings.TrimPrefix(model.Name, "models/"))
	}
	return ids, nil
}

// Health probes the upstream via its model listing.
func (a *GeminiAdapter) Health(ctx context.Context, client *http.Client, entry catalog.Entry) (int64, int, error) {
	started := time.Now()
	ids, errList := a.ListModels(ctx, client, entry)
	rtt := time.Since(started).Milliseconds()
	if errList != nil {
		return rtt, 0, errList
	}
	return rtt, len(ids), nil
}

// geminiChunkTranslator converts streamGenerateContent SSE chunks into
// OpenAI chunks.
type geminiChunkTranslator struct {
	entry   catalog.Entry
	id      string
	created int64
	usage   Usage
	started bool
}

// Translate maps one stream chunk to OpenAI chunks.
func (t *geminiChunkTranslator) Translate(data []byte) ([][]byte, error) {
	var chunk geminiResponse
	if errUnmarshal := json.Unmarshal(data, &chunk); errUnmarshal != nil {
		return nil, fmt.Errorf("parse stream chunk: %w", errUnmarshal)
	}

	if chunk.UsageMetadata != nil {
		t.usage.PromptTokens = chunk.UsageMetadata.PromptTokenCount
		t.usage.CompletionTokens = chunk.UsageMetadata.CandidatesTokenCount
		t.usage.TotalTokens = t.usage.PromptTokens + t.usage.CompletionTokens
	}

	var out [][]byte
	for _, candidate := range chunk.Candidates {
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}

		delta := map[string]any{}
		if !t.started {
			delta["role"] = "assistant"
			t.started = true
		}
		if text.Len() > 0 {
			delta["content"] = text.String()
		}

		choice := map[string]any{"index": 0, "delta": delta, "finish_reason": nil}
		if candidate.FinishReason != "" {
			choice["finish_reason"] = geminiFinishReason(candidate.FinishReason)
		}

		raw, errMarshal := json.Marshal(map[string]any{
			"id":      t.id,
			"object":  "chat.completion.chunk",
			"created": t.created,
			"model":   t.entry.PublicName,
			"choices": []any{choice},
		})
		if errMarshal != nil {
			return nil, errMarshal
		}
		out = append(out, raw)
	}
	return out, nil
}

// Usage returns the accumulated token counts.
func (t *geminiChunkTranslator) Usage() Usage {
	return t.usage
}

// geminiFinishReason maps Gemini finish reasons to OpenAI finish reasons.
func geminiFinishReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}
