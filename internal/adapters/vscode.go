package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
)

// vscodeProxyModel is the fixed model token the VS Code language-model proxy
// recognises; the proxy resolves it to whatever model is selected in the
// editor.
const vscodeProxyModel = "vscode-lm-proxy"

// VSCodeProxyAdapter forwards to a local VS Code language-model proxy. The
// upstream is assumed trusted and local, so no API key is sent; the model is
// pinned to the proxy's fixed token and rewritten back to the public name on
// the way out.
type VSCodeProxyAdapter struct{}

// BuildRequest pins the model token and forwards the payload unauthenticated.
func (a *VSCodeProxyAdapter) BuildRequest(ctx context.Context, entry catalog.Entry, req *ChatRequest) (*http.Request, error) {
	base := BaseURL(entry)
	if base == "" {
		return nil, NewError(KindConfig, "config '"+entry.PublicName+"' has no base URL")
	}

	outbound := *req
	outbound.Model = vscodeProxyModel

	body, errMarshal := json.Marshal(&outbound)
	if errMarshal != nil {
		return nil, NewError(KindConfig, "marshal upstream payload: "+errMarshal.Error())
	}

	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/chat/completions", bytes.NewReader(body))
	if errNew != nil {
		return nil, NewError(KindConfig, "build upstream request: "+errNew.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyEntryHeaders(httpReq, entry)
	return httpReq, nil
}

// TranslateResponse rewrites the model field back to the public name.
func (a *VSCodeProxyAdapter) TranslateResponse(entry catalog.Entry, body []byte) ([]byte, Usage, error) {
	var payload map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal != nil {
		return nil, Usage{}, NewError(KindUpstream, "upstream returned a non-JSON body")
	}

	payload["model"], _ = json.Marshal(entry.PublicName)

	var usage Usage
	if raw, ok := payload["usage"]; ok {
		_ = json.Unmarshal(raw, &usage)
	}

	translated, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return nil, Usage{}, NewError(KindUpstream, "re-encode upstream body: "+errMarshal.Error())
	}
	return translated, usage, nil
}

// NewChunkTranslator starts a passthrough stream translation.
func (a *VSCodeProxyAdapter) NewChunkTranslator(entry catalog.Entry) ChunkTranslator {
	return &vscodeChunkTranslator{entry: entry}
}

// ListModels fetches the proxy's model listing.
func (a *VSCodeProxyAdapter) ListModels(ctx context.Context, client *http.Client, entry catalog.Entry) ([]string, error) {
	base := BaseURL(entry)
	if base == "" {
		return nil, NewError(KindConfig, "config '"+entry.PublicName+"' has no base URL")
	}
	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/models", nil)
	if errNew != nil {
		return nil, NewError(KindConfig, "build models request: "+errNew.Error())
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

// Health probes the proxy via its model listing.
func (a *VSCodeProxyAdapter) Health(ctx context.Context, client *http.Client, entry catalog.Entry) (int64, int, error) {
	started := time.Now()
	ids, errList := a.ListModels(ctx, client, entry)
	rtt := time.Since(started).Milliseconds()
	if errList != nil {
		return rtt, 0, errList
	}
	return rtt, len(ids), nil
}

// vscodeChunkTranslator rewrites the model field of passthrough chunks.
type vscodeChunkTranslator struct {
	entry catalog.Entry
	usage Usage
}

// Translate rewrites one streamed chunk.
func (t *vscodeChunkTranslator) Translate(data []byte) ([][]byte, error) {
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
	return marshalChunk(payload)
}

// Usage returns the last reported usage.
func (t *vscodeChunkTranslator) Usage() Usage {
	return t.usage
}
