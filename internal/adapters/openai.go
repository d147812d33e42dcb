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
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"
)

// OpenAIAdapter serves the OpenAI REST protocol. It also backs openrouter,
// lmstudio and openai_compatible configs, which differ only in base URL and
// authentication requirements.
type OpenAIAdapter struct{}

// BuildRequest rewrites the chat payload for the upstream and attaches
// bearer authentication when a key is configured.
func (a *OpenAIAdapter) BuildRequest(ctx context.Context, entry catalog.Entry, req *ChatRequest) (*http.Request, error) {
	base := BaseURL(entry)
	if base == "" {
		return nil, NewError(KindConfig, "config '"+entry.PublicName+"' has no base URL")
	}

	outbound := *req
	outbound.Model = entry.ModelName

	body, errMarshal := json.Marshal(&outbound)
	if errMarshal != nil {
		return nil, NewError(KindConfig, "marshal upstream payload: "+errMarshal.Error())
	}

	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if errNew != nil {
		return nil, NewError(KindConfig, "build upstream request: "+errNew.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if entry.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+entry.APIKey)
	}
	applyEntryHeaders(httpReq, entry)
	return httpReq, nil
}

// TranslateResponse rewrites the model field to the public name and extracts
// usage, estimating completion tokens for openai_compatible upstreams that
// report none.
func (a *OpenAIAdapter) TranslateResponse(entry catalog.Entry, body []byte) ([]byte, Usage, error) {
	var payload map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal != nil {
		return nil, Usage{}, NewError(KindUpstream, "upstream returned a non-JSON body")
	}

	payload["model"], _ = json.Marshal(entry.PublicName)

	var usage Usage
	if raw, ok := payload["usage"]; ok {
		_ = json.Unmarshal(raw, &usage)
	}
	if usage.IsZero() && entry.ServiceType == models.ServiceTypeOpenAICompatible {
		usage.CompletionTokens = EstimateTokens(choicesText(payload["choices"]))
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	translated, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return nil, Usage{}, NewError(KindUpstream, "re-encode upstream body: "+errMarshal.Error())
	}
	return translated, usage, nil
}

// NewChunkTranslator starts an OpenAI-protocol stream translation.
func (a *OpenAIAdapter) NewChunkTranslator(entry catalog.Entry) ChunkTranslator {
	return &openAIChunkTranslator{entry: entry}
}

// ListModels fetches the upstream model listing.
func (a *OpenAIAdapter) ListModels(ctx context.Context, client *http.Client, entry catalog.Entry) ([]string, error) {
	base := BaseURL(entry)
	if base == "" {
		return nil, NewError(KindConfig, "config '"+entry.PublicName+"' has no base URL")
	}
	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodGet, base+"/models", nil)
	if errNew != nil {
		return nil, NewError(KindConfig, "build models request: "+errNew.Error())
	}
	if entry.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+entry.APIKey)
	}
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

// Health probes the upstream via its model listing.
func (a *OpenAIAdapter) Health(ctx context.Context, client *http.Client, entry catalog.Entry) (int64, int, error) {
	started := time.Now()
	ids, errList := a.ListModels(ctx, client, entry)
	rtt := time.Since(started).Milliseconds()
	if errList != nil {
		return rtt, 0, errList
	}
	return rtt, len(ids), nil
}

// openAIChunkTranslator rewrites OpenAI streaming chunks in place.
type openAIChunkTranslator struct {
	entry     catalog.Entry
	usage     Usage
	seenChars int
}

// Translate rewrites the model field of one streamed chunk.
func (t *openAIChunkTranslator) Translate(data []byte) ([][]byte, error) {
	var payload map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal(data, &payload); errUnmarshal != nil {
		return nil, fmt.Errorf("parse stream chunk: %w", errUnmarshal)
	}
	payload["model"], _ = json.Marshal(t.entry.PublicName)

	if raw, ok := payload["usage"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		var usage Usage
		if json.Unmarshal(raw, &usage) == nil && !usage.IsZero() {
			t.usage = usage
		}
	}
	t.seenChars += deltaTextLen(payload["choices"])

	return marshalChunk(payload)
}

// Usage returns reported usage, estimating completion tokens for
// openai_compatible upstreams that never reported any.
func (t *openAIChunkTranslator) Usage() Usage {
	usage := t.usage
	if usage.IsZero() && t.entry.ServiceType == models.ServiceTypeOpenAICompatible && t.seenChars > 0 {
		usage.CompletionTokens = int64((t.seenChars + 3) / 4)
		usage.TotalTokens = usage.CompletionTokens
	}
	return usage
}

// choicesText concatenates message content text across buffered choices.
func choicesText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if errUnmarshal := json.Unmarshal(raw, &choices); errUnmarshal != nil {
		return ""
	}
	var b strings.Builder
	for _, choice := range choices {
		b.WriteString(choice.Message.Content)
	}
	return b.String()
}

// deltaTextLen sums delta content length across streamed choices.
func deltaTextLen(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	}
	if errUnmarshal := json.Unmarshal(raw, &choices); errUnmarshal != nil {
		return 0
	}
	total := 0
	for _, choice := range choices {
		total += len(choice.Delta.Content)
	}
	return total
}
