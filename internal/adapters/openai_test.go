package adapters

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"
)

func openAIEntry() catalog.Entry {
	return catalog.Entry{
		ID:          3,
		ServiceType: models.ServiceTypeOpenAI,
		PublicName:  "gpt-4",
		ModelName:   "gpt-4-0613",
		APIKey:      "sk-test",
		Headers:     map[string]string{"X-Org": "acme"},
	}
}

func TestOpenAIBuildRequest_RewritesModel(t *testing.T) {
	adapter := &OpenAIAdapter{}
	req := &ChatRequest{
		Model:    "gpt-4",
		Messages: []ChatMessage{{Role: "user", Content: TextContent("hi")}},
	}

	httpReq, errBuild := adapter.BuildRequest(context.Background(), openAIEntry(), req)
	if errBuild != nil {
		t.Fatalf("build request: %v", errBuild)
	}
	if httpReq.URL.String() != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected url %s", httpReq.URL)
	}
	if httpReq.Header.Get("Authorization") != "Bearer sk-test" {
		t.Fatalf("missing bearer auth")
	}
	if httpReq.Header.Get("X-Org") != "acme" {
		t.Fatalf("extra config headers not applied")
	}

	body, _ := io.ReadAll(httpReq.Body)
	var outbound map[string]any
	if errUnmarshal := json.Unmarshal(body, &outbound); errUnmarshal != nil {
		t.Fatalf("parse outbound: %v", errUnmarshal)
	}
	if outbound["model"] != "gpt-4-0613" {
		t.Fatalf("model must be rewritten upstream, got %v", outbound["model"])
	}
}

func TestOpenAIBuildRequest_CompatRequiresBaseURL(t *testing.T) {
	adapter := &OpenAIAdapter{}
	entry := catalog.Entry{ServiceType: models.ServiceTypeOpenAICompatible, PublicName: "local"}
	req := &ChatRequest{Model: "local", Messages: []ChatMessage{{Role: "user", Content: TextContent("hi")}}}
	if _, errBuild := adapter.BuildRequest(context.Background(), entry, req); errBuild == nil {
		t.Fatalf("expected error for missing base URL")
	}
}

func TestOpenAITranslateResponse_RewritesModelAndKeepsRest(t *testing.T) {
	adapter := &OpenAIAdapter{}
	upstream := `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-4-0613",
		"system_fingerprint": "fp_abc",
		"choices": [{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
		"usage": {"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6}
	}`

	translated, usage, errTranslate := adapter.TranslateResponse(openAIEntry(), []byte(upstream))
	if errTranslate != nil {
		t.Fatalf("translate: %v", errTranslate)
	}
	if usage.PromptTokens != 4 || usage.CompletionTokens != 2 {
		t.Fatalf("unexpected usage: %+v", usage)
	}

	var parsed map[string]any
	if errUnmarshal := json.Unmarshal(translated, &parsed); errUnmarshal != nil {
		t.Fatalf("parse translated: %v", errUnmarshal)
	}
	if parsed["model"] != "gpt-4" {
		t.Fatalf("model must be the public name, got %v", parsed["model"])
	}
	if parsed["system_fingerprint"] != "fp_abc" {
		t.Fatalf("unknown fields must pass through")
	}
}

func TestOpenAITranslateResponse_CompatEstimatesUsage(t *testing.T) {
	adapter := &OpenAIAdapter{}
	entry := catalog.Entry{
		ServiceType: models.ServiceTypeOpenAICompatible,
		PublicName:  "local-llama",
		ModelName:   "llama-3",
		BaseURL:     "http://127.0.0.1:8080/v1",
	}
	upstream := `{
		"id": "x",
		"model": "llama-3",
		"choices": [{"index":0,"message":{"role":"assistant","content":"twelve chars"},"finish_reason":"stop"}]
	}`

	_, usage, errTranslate := adapter.TranslateResponse(entry, []byte(upstream))
	if errTranslate != nil {
		t.Fatalf("translate: %v", errTranslate)
	}
	if usage.CompletionTokens != 3 {
		t.Fatalf("expected ceil(12/4)=3 estimated tokens, got %d", usage.CompletionTokens)
	}
}

func TestOpenAIChunkTranslator_CapturesUsage(t *testing.T) {
	translator := (&OpenAIAdapter{}).NewChunkTranslator(openAIEntry())

	chunks, errTranslate := translator.Translate([]byte(
		`{"id":"c1","model":"gpt-4-0613","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
	))
	if errTranslate != nil {
		t.Fatalf("translate: %v", errTranslate)
	}
	var parsed map[string]any
	if errUnmarshal := json.Unmarshal(chunks[0], &parsed); errUnmarshal != nil {
		t.Fatalf("parse chunk: %v", errUnmarshal)
	}
	if parsed["model"] != "gpt-4" {
		t.Fatalf("chunk model must be the public name, got %v", parsed["model"])
	}

	if _, errFinal := translator.Translate([]byte(
		`{"id":"c1","model":"gpt-4-0613","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`,
	)); errFinal != nil {
		t.Fatalf("translate final: %v", errFinal)
	}
	usage := translator.Usage()
	if usage.PromptTokens != 5 || usage.CompletionTokens != 7 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty text must estimate 0, got %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("expected rounding up to 2, got %d", got)
	}
}

func TestVSCodeProxyPinsModel(t *testing.T) {
	adapter := &VSCodeProxyAdapter{}
	entry := catalog.Entry{
		ServiceType: models.ServiceTypeVSCodeProxy,
		PublicName:  "editor-model",
		ModelName:   "anything",
	}
	req := &ChatRequest{Model: "editor-model", Messages: []ChatMessage{{Role: "user", Content: TextContent("hi")}}}

	httpReq, errBuild := adapter.BuildRequest(context.Background(), entry, req)
	if errBuild != nil {
		t.Fatalf("build request: %v", errBuild)
	}
	if httpReq.URL.String() != "http://127.0.0.1:3000/v1/chat/completions" {
		t.Fatalf("unexpected url %s", httpReq.URL)
	}
	if httpReq.Header.Get("Authorization") != "" {
		t.Fatalf("vscode proxy requests must not carry credentials")
	}

	body, _ := io.ReadAll(httpReq.Body)
	var outbound map[string]any
	if errUnmarshal := json.Unmarshal(body, &outbound); errUnmarshal != nil {
		t.Fatalf("parse outbound: %v", errUnmarshal)
	}
	if outbound["model"] != "vscode-lm-proxy" {
		t.Fatalf("model must be pinned to the proxy token, got %v", outbound["model"])
	}

	translated, _, errTranslate := adapter.TranslateResponse(entry, []byte(`{"model":"gpt-4o","choices":[]}`))
	if errTranslate != nil {
		t.Fatalf("translate: %v", errTranslate)
	}
	var parsed map[string]any
	_ = json.Unmarshal(translated, &parsed)
	if parsed["model"] != "editor-model" {
		t.Fatalf("response model must be rewritten to the public name, got %v", parsed["model"])
	}
}
