package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"
)

// Default base URLs per service type. An empty default means the config must
// carry its own base URL.
var defaultBaseURLs = map[models.ServiceType]string{
	models.ServiceTypeOpenAI:           "https://api.openai.com/v1",
	models.ServiceTypeAnthropic:        "https://api.anthropic.com",
	models.ServiceTypeGemini:           "https://generativelanguage.googleapis.com/v1beta",
	models.ServiceTypeOpenRouter:       "https://openrouter.ai/api/v1",
	models.ServiceTypeVSCodeProxy:      "http://127.0.0.1:3000",
	models.ServiceTypeLMStudio:         "http://127.0.0.1:1234/v1",
	models.ServiceTypeOpenAICompatible: "",
	models.ServiceTypeNone:             "",
}

// BaseURL resolves the effective base URL for an entry.
func BaseURL(entry catalog.Entry) string {
	if base := strings.TrimRight(strings.TrimSpace(entry.BaseURL), "/"); base != "" {
		return base
	}
	return defaultBaseURLs[entry.ServiceType]
}

// ChunkTranslator converts upstream SSE data payloads into OpenAI-shaped
// chunk payloads for one streaming response. Implementations may be
// stateful and are never shared across requests.
type ChunkTranslator interface {
	// Translate maps one upstream data payload to zero or more OpenAI chunk
	// payloads. A payload that fails to parse is dropped by returning no
	// chunks and the parse error.
	Translate(data []byte) ([][]byte, error)
	// Usage returns the tokens accumulated so far.
	Usage() Usage
}

// Adapter translates between the OpenAI client contract and one upstream
// provider protocol. One stateless instance serves every config of its
// service type.
type Adapter interface {
	// ListModels probes the upstream for advertised model identifiers.
	ListModels(ctx context.Context, client *http.Client, entry catalog.Entry) ([]string, error)
	// Health runs a cheap probe and reports round-trip time and the number
	// of advertised models when known.
	Health(ctx context.Context, client *http.Client, entry catalog.Entry) (rttMs int64, modelCount int, err error)
	// BuildRequest rewrites the client payload into an authenticated
	// upstream HTTP request.
	BuildRequest(ctx context.Context, entry catalog.Entry, req *ChatRequest) (*http.Request, error)
	// TranslateResponse rewrites a buffered upstream body into an OpenAI
	// response with the public model name.
	TranslateResponse(entry catalog.Entry, body []byte) ([]byte, Usage, error)
	// NewChunkTranslator starts a streaming translation for one request.
	NewChunkTranslator(entry catalog.Entry) ChunkTranslator
}

// Registry dispatches service types to their adapters.
type Registry struct {
	byType map[models.ServiceType]Adapter
}

// NewRegistry builds the registry with every supported adapter installed.
func NewRegistry() *Registry {
	openAI := &OpenAIAdapter{}
	return &Registry{
		byType: map[models.ServiceType]Adapter{
			models.ServiceTypeOpenAI:           openAI,
			models.ServiceTypeOpenRouter:       openAI,
			models.ServiceTypeLMStudio:         openAI,
			models.ServiceTypeOpenAICompatible: openAI,
			models.ServiceTypeAnthropic:        &AnthropicAdapter{},
			models.ServiceTypeGemini:           &GeminiAdapter{},
			models.ServiceTypeVSCodeProxy:      &VSCodeProxyAdapter{},
		},
	}
}

// ForServiceType returns the adapter for a service type. Unknown or "none"
// types yield a config error.
func (r *Registry) ForServiceType(serviceType models.ServiceType) (Adapter, error) {
	if r == nil {
		return nil, NewError(KindConfig, "adapter registry not initialized")
	}
	adapter, ok := r.byType[serviceType]
	if !ok {
		return nil, NewError(KindConfig, "service type '"+string(serviceType)+"' does not accept traffic")
	}
	return adapter, nil
}

// applyEntryHeaders sets the config's extra headers on an outbound request.
func applyEntryHeaders(req *http.Request, entry catalog.Entry) {
	for name, value := range entry.Headers {
		if strings.TrimSpace(name) == "" {
			continue
		}
		req.Header.Set(name, value)
	}
}

// newChunkID mints a chunk id for synthesized streaming responses.
func newChunkID() string {
	return "chatcmpl-" + strings.ReplaceAll(time.Now().UTC().Format("20060102150405.000000000"), ".", "")
}

// marshalChunk renders a chunk object as a single output frame. A marshal
// failure is returned to the caller.
func marshalChunk(chunk any) ([][]byte, error) {
	raw, errMarshal := json.Marshal(chunk)
	if errMarshal != nil {
		return nil, errMarshal
	}
	return [][]byte{raw}, nil
}
