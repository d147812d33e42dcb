package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/adapters"
	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// maxBufferedBody caps buffered upstream response bodies.
const maxBufferedBody = 32 << 20

// handleListModels returns the enabled configs visible on this endpoint in
// the OpenAI model listing shape.
func (s *Server) handleListModels(c *gin.Context) {
	entries := s.store.Current().VisibleOn(s.kind)
	data := make([]adapters.ModelInfo, 0, len(entries))
	for _, entry := range entries {
		data = append(data, adapters.ModelInfo{
			ID:      entry.PublicName,
			Object:  "model",
			Created: entry.CreatedAt.UTC().Unix(),
			OwnedBy: string(entry.ServiceType),
		})
	}
	c.JSON(http.StatusOK, adapters.ModelsResponse{Object: "list", Data: data})
}

// handleChatCompletions is the primary proxy path.
func (s *Server) handleChatCompletions(c *gin.Context) {
	started := time.Now()

	var req adapters.ChatRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		writeInvalidRequest(c, "Invalid request body: "+errBind.Error(), "")
		s.meter(c, started, "", nil, adapters.Usage{}, models.UsageStatusClientError, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeInvalidRequest(c, "Model name is required", "model")
		s.meter(c, started, "", nil, adapters.Usage{}, models.UsageStatusClientError, "model name is required")
		return
	}
	if len(req.Messages) == 0 {
		writeInvalidRequest(c, "At least one message is required", "messages")
		s.meter(c, started, req.Model, nil, adapters.Usage{}, models.UsageStatusClientError, "messages are required")
		return
	}

	s.dispatch(c, started, &req)
}

// completionRequest is the legacy /v1/completions payload.
type completionRequest struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	MaxTokens   *int            `json:"max_tokens"`
	Temperature *float64        `json:"temperature"`
	TopP        *float64        `json:"top_p"`
	Stream      bool            `json:"stream"`
	Stop        json.RawMessage `json:"stop"`
	User        string          `json:"user"`
}

// handleCompletions serves the legacy surface by synthesizing a
// single-user-message chat request.
func (s *Server) handleCompletions(c *gin.Context) {
	started := time.Now()

	var legacy completionRequest
	if errBind := c.ShouldBindJSON(&legacy); errBind != nil {
		writeInvalidRequest(c, "Invalid request body: "+errBind.Error(), "")
		s.meter(c, started, "", nil, adapters.Usage{}, models.UsageStatusClientError, "invalid request body")
		return
	}
	if strings.TrimSpace(legacy.Model) == "" {
		writeInvalidRequest(c, "Model name is required", "model")
		s.meter(c, started, "", nil, adapters.Usage{}, models.UsageStatusClientError, "model name is required")
		return
	}

	prompt := decodePrompt(legacy.Prompt)
	req := adapters.ChatRequest{
		Model:       legacy.Model,
		Messages:    []adapters.ChatMessage{{Role: "user", Content: adapters.TextContent(prompt)}},
		MaxTokens:   legacy.MaxTokens,
		Temperature: legacy.Temperature,
		TopP:        legacy.TopP,
		Stream:      legacy.Stream,
		Stop:        legacy.Stop,
		User:        legacy.User,
	}
	s.dispatch(c, started, &req)
}

// dispatch resolves the config, applies the endpoint filter, and relays the
// request through the provider adapter.
func (s *Server) dispatch(c *gin.Context, started time.Time, req *adapters.ChatRequest) {
	snapshot := s.store.Current()

	entry, found := snapshot.Lookup(req.Model)
	if !found {
		writeModelNotFound(c, req.Model)
		s.meter(c, started, req.Model, nil, adapters.Usage{}, models.UsageStatusClientError, "model '"+req.Model+"' not found")
		return
	}
	if !entry.VisibleOn(s.kind) {
		writeModelNotAvailable(c, req.Model)
		s.meter(c, started, req.Model, &entry, adapters.Usage{}, models.UsageStatusClientError, "model not available on "+string(s.kind)+" endpoint")
		return
	}

	adapter, errAdapter := s.registry.ForServiceType(entry.ServiceType)
	if errAdapter != nil {
		writeAdapterError(c, errAdapter)
		s.meter(c, started, req.Model, &entry, adapters.Usage{}, usageStatusFor(errAdapter), errAdapter.Error())
		return
	}

	// Bounded dispatch: wait for an upstream slot, bailing out if the
	// client goes away first.
	select {
	case s.sem <- struct{}{}:
	case <-c.Request.Context().Done():
		s.meter(c, started, req.Model, &entry, adapters.Usage{}, models.UsageStatusClientError, "client closed connection")
		return
	}
	defer func() { <-s.sem }()
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.totalTimeout)
	defer cancel()

	httpReq, errBuild := adapter.BuildRequest(ctx, entry, req)
	if errBuild != nil {
		writeAdapterError(c, errBuild)
		s.meter(c, started, req.Model, &entry, adapters.Usage{}, usageStatusFor(errBuild), errBuild.Error())
		return
	}

	resp, errDo := s.client.Do(httpReq)
	if errDo != nil {
		if c.Request.Context().Err() != nil {
			s.meter(c, started, req.Model, &entry, adapters.Usage{}, models.UsageStatusClientError, "client closed connection")
			return
		}
		upstreamErr := adapters.NewError(adapters.ClassifyTransport(errDo), "upstream request failed")
		writeAdapterError(c, upstreamErr)
		s.meter(c, started, req.Model, &entry, adapters.Usage{}, usageStatusFor(upstreamErr), errDo.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		message := upstreamErrorMessage(resp.Body)
		upstreamErr := adapters.StatusError(resp.StatusCode, message)
		writeAdapterError(c, upstreamErr)
		s.meter(c, started, req.Model, &entry, adapters.Usage{}, usageStatusFor(upstreamErr), upstreamErr.Error())
		return
	}

	if req.Stream {
		tokens, status, errMessage := s.relayStream(c, entry, adapter, resp.Body)
		s.meter(c, started, req.Model, &entry, s.supplementUsage(req, entry, tokens, status), status, errMessage)
		return
	}

	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if errRead != nil {
		status := models.UsageStatusUpstreamError
		errMessage := "read upstream body: " + errRead.Error()
		if c.Request.Context().Err() != nil {
			status = models.UsageStatusClientError
			errMessage = "client closed connection"
		} else if ctx.Err() == context.DeadlineExceeded {
			status = models.UsageStatusTimeout
			errMessage = "upstream total deadline exceeded"
			writeAdapterError(c, adapters.NewError(adapters.KindTimeout, "upstream timed out"))
		} else {
			writeAdapterError(c, adapters.NewError(adapters.KindUpstream, "upstream connection failed"))
		}
		s.meter(c, started, req.Model, &entry, adapters.Usage{}, status, errMessage)
		return
	}

	translated, tokens, errTranslate := adapter.TranslateResponse(entry, body)
	if errTranslate != nil {
		writeAdapterError(c, errTranslate)
		s.meter(c, started, req.Model, &entry, adapters.Usage{}, usageStatusFor(errTranslate), errTranslate.Error())
		return
	}

	c.Data(http.StatusOK, "application/json", translated)
	s.meter(c, started, req.Model, &entry, s.supplementUsage(req, entry, tokens, models.UsageStatusSuccess), models.UsageStatusSuccess, "")
}

// supplementUsage fills a best-effort prompt estimate for
// openai_compatible upstreams that reported nothing.
func (s *Server) supplementUsage(req *adapters.ChatRequest, entry catalog.Entry, tokens adapters.Usage, status models.UsageStatus) adapters.Usage {
	if status != models.UsageStatusSuccess {
		return tokens
	}
	if entry.ServiceType == models.ServiceTypeOpenAICompatible && tokens.PromptTokens == 0 {
		tokens.PromptTokens = adapters.EstimateMessagesTokens(req.Messages)
		tokens.TotalTokens = tokens.PromptTokens + tokens.CompletionTokens
	}
	return tokens
}

// meter builds the usage record for this request and hands it to the
// recorder, then emits the per-request log line.
func (s *Server) meter(c *gin.Context, started time.Time, publicName string, entry *catalog.Entry, tokens adapters.Usage, status models.UsageStatus, errMessage string) {
	var configID *uint64
	if entry != nil {
		id := entry.ID
		configID = &id
	}
	elapsed := time.Since(started).Milliseconds()

	record := models.UsageRecord{
		Timestamp:      time.Now().UTC(),
		ClientIP:       c.ClientIP(),
		PublicName:     publicName,
		ConfigID:       configID,
		InputTokens:    tokens.PromptTokens,
		OutputTokens:   tokens.CompletionTokens,
		ResponseTimeMs: elapsed,
		Status:         status,
		ErrorMessage:   errMessage,
	}
	s.recorder.Record(record)

	fields := log.Fields{
		"method":           c.Request.Method,
		"path":             c.Request.URL.Path,
		"endpoint":         string(s.kind),
		"public_name":      publicName,
		"client_ip":        record.ClientIP,
		"status":           string(status),
		"response_time_ms": elapsed,
		"tokens":           tokens.PromptTokens + tokens.CompletionTokens,
	}
	if status == models.UsageStatusSuccess {
		log.WithFields(fields).Info("request completed")
	} else {
		log.WithFields(fields).WithField("error", errMessage).Error("request failed")
	}
}

// decodePrompt normalizes the legacy prompt field (string or string array).
func decodePrompt(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var single string
	if json.Unmarshal(raw, &single) == nil {
		return single
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return strings.Join(many, "\n")
	}
	return ""
}

// handleHealth is the shallow liveness probe with runtime gauges.
func (s *Server) handleHealth(c *gin.Context) {
	dbStatus := "ok"
	if errPing := pingDB(c.Request.Context(), s.db); errPing != nil {
		dbStatus = "unreachable"
	}

	status := "ok"
	if dbStatus != "ok" {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"checks": gin.H{
			"db":          dbStatus,
			"queue_depth": s.recorder.Depth(),
			"dropped":     s.recorder.Dropped(),
			"in_flight":   s.InFlight(),
		},
	})
}
