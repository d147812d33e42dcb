package adapters

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"
)

func geminiEntry() catalog.Entry {
	return catalog.Entry{
		ID:          2,
		ServiceType: models.ServiceTypeGemini,
		PublicName:  "gemini-pro",
		ModelName:   "gemini-2.5-pro",
		APIKey:      "AIza-test",
	}
}

func TestGeminiBuildRequest_MapsContents(t *testing.T) {
	adapter := &GeminiAdapter{}
	maxTokens := 64
	req := &ChatRequest{
		Model: "gemini-pro",
		Messages: []ChatMessage{
			{Role: "system", Content: TextContent("Be brief.")},
			{Role: "user", Content: TextContent("hi")},
			{Role: "assistant", Content: TextContent("hello")},
		},
		MaxTokens: &maxTokens,
	}

	httpReq, errBuild := adapter.BuildRequest(context.Background(), geminiEntry(), req)
	if errBuild != nil {
		t.Fatalf("build request: %v", errBuild)
	}
	wantURL := "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:generateContent"
	if httpReq.URL.String() != wantURL {
		t.Fatalf("unexpected url %s", httpReq.URL)
	}
	if httpReq.Header.Get("x-goog-api-key") != "AIza-test" {
		t.Fatalf("missing api key header")
	}

	body, _ := io.ReadAll(httpReq.Body)
	var outbound geminiRequest
	if errUnmarshal := json.Unmarshal(body, &outbound); errUnmarshal != nil {
		t.Fatalf("parse outbound: %v", errUnmarshal)
	}
	if outbound.SystemInstruction == nil || outbound.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Fatalf("system message must become the system instruction")
	}
	if len(outbound.Contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(outbound.Contents))
	}
	if outbound.Contents[0].Role != "user" || outbound.Contents[1].Role != "model" {
		t.Fatalf("unexpected roles: %+v", outbound.Contents)
	}
	if outbound.GenerationConfig == nil || *outbound.GenerationConfig.MaxOutputTokens != 64 {
		t.Fatalf("max tokens not mapped")
	}
}

func TestGeminiBuildRequest_StreamURL(t *testing.T) {
	adapter := &GeminiAdapter{}
	req := &ChatRequest{
		Model:    "gemini-pro",
		Messages: []ChatMessage{{Role: "user", Content: TextContent("hi")}},
		Stream:   true,
	}
	httpReq, errBuild := adapter.BuildRequest(context.Background(), geminiEntry(), req)
	if errBuild != nil {
		t.Fatalf("build request: %v", errBuild)
	}
	want := "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse"
	if httpReq.URL.String() != want {
		t.Fatalf("unexpected stream url %s", httpReq.URL)
	}
}

func TestGeminiTranslateResponse(t *testing.T) {
	adapter := &GeminiAdapter{}
	upstream := `{
		"candidates": [{"content": {"parts": [{"text": "Hello"}, {"text": " world"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 2, "totalTokenCount": 10}
	}`

	translated, usage, errTranslate := adapter.TranslateResponse(geminiEntry(), []byte(upstream))
	if errTranslate != nil {
		t.Fatalf("translate: %v", errTranslate)
	}
	if usage.PromptTokens != 8 || usage.CompletionTokens != 2 {
		t.Fatalf("unexpected usage: %+v", usage)
	}

	var response ChatResponse
	if errUnmarshal := json.Unmarshal(translated, &response); errUnmarshal != nil {
		t.Fatalf("parse translated: %v", errUnmarshal)
	}
	if response.Model != "gemini-pro" {
		t.Fatalf("model must be the public name, got %q", response.Model)
	}
	var message struct {
		Content string `json:"content"`
	}
	if errUnmarshal := json.Unmarshal(response.Choices[0].Message, &message); errUnmarshal != nil {
		t.Fatalf("parse message: %v", errUnmarshal)
	}
	if message.Content != "Hello world" {
		t.Fatalf("parts not joined: %q", message.Content)
	}
}

func TestGeminiChunkTranslator(t *testing.T) {
	translator := (&GeminiAdapter{}).NewChunkTranslator(geminiEntry())

	chunks, errTranslate := translator.Translate([]byte(
		`{"candidates":[{"content":{"parts":[{"text":"Hi"}]}}]}`,
	))
	if errTranslate != nil {
		t.Fatalf("translate: %v", errTranslate)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if errUnmarshal := json.Unmarshal(chunks[0], &parsed); errUnmarshal != nil {
		t.Fatalf("parse chunk: %v", errUnmarshal)
	}
	if parsed.Model != "gemini-pro" {
		t.Fatalf("chunk model must be the public name")
	}
	if parsed.Choices[0].Delta.Role != "assistant" || parsed.Choices[0].Delta.Content != "Hi" {
		t.Fatalf("unexpected first delta: %+v", parsed.Choices[0].Delta)
	}

	if _, errFinal := translator.Translate([]byte(
		`{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1}}`,
	)); errFinal != nil {
		t.Fatalf("translate final: %v", errFinal)
	}
	usage := translator.Usage()
	if usage.PromptTokens != 3 || usage.CompletionTokens != 1 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}
