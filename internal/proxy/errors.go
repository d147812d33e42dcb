package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tsubotan1985/clads-llm-bridge/internal/adapters"
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"

	"github.com/gin-gonic/gin"
)

// errorBody is the OpenAI-shaped error envelope returned to clients.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail carries the error fields clients match on.
type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// writeInvalidRequest responds 400 for malformed requests.
func writeInvalidRequest(c *gin.Context, message, param string) {
	c.JSON(http.StatusBadRequest, errorBody{Error: errorDetail{
		Message: message,
		Type:    "invalid_request_error",
		Param:   param,
	}})
}

// writeModelNotFound responds 404 for unknown public names.
func writeModelNotFound(c *gin.Context, publicName string) {
	c.JSON(http.StatusNotFound, errorBody{Error: errorDetail{
		Message: "Model '" + publicName + "' not found",
		Type:    "invalid_request_error",
		Param:   "model",
		Code:    "model_not_found",
	}})
}

// writeModelNotAvailable responds 403 when the endpoint filter rejects the
// model.
func writeModelNotAvailable(c *gin.Context, publicName string) {
	c.JSON(http.StatusForbidden, errorBody{Error: errorDetail{
		Message: "Model '" + publicName + "' is not available on this endpoint",
		Type:    "permission_denied",
		Param:   "model",
		Code:    "model_not_available_on_endpoint",
	}})
}

// writeAdapterError maps a classified adapter failure onto the client-facing
// status table. The upstream's own body is never forwarded, only its
// message text.
func writeAdapterError(c *gin.Context, err error) {
	kind := adapters.KindOf(err)
	message := clientMessage(err)

	switch kind {
	case adapters.KindAuth:
		c.JSON(http.StatusUnauthorized, errorBody{Error: errorDetail{Message: message, Type: "authentication_error"}})
	case adapters.KindRateLimit:
		c.JSON(http.StatusTooManyRequests, errorBody{Error: errorDetail{Message: message, Type: "rate_limit_error"}})
	case adapters.KindTimeout:
		c.JSON(http.StatusGatewayTimeout, errorBody{Error: errorDetail{Message: message, Type: "timeout"}})
	case adapters.KindClient:
		c.JSON(http.StatusBadRequest, errorBody{Error: errorDetail{Message: message, Type: "invalid_request_error"}})
	case adapters.KindConfig:
		c.JSON(http.StatusInternalServerError, errorBody{Error: errorDetail{Message: message, Type: "internal_error"}})
	default:
		c.JSON(http.StatusBadGateway, errorBody{Error: errorDetail{Message: message, Type: "upstream_error"}})
	}
}

// usageStatusFor folds adapter kinds into the usage record status set.
func usageStatusFor(err error) models.UsageStatus {
	switch adapters.KindOf(err) {
	case adapters.KindTimeout:
		return models.UsageStatusTimeout
	case adapters.KindClient, adapters.KindAuth, adapters.KindRateLimit:
		return models.UsageStatusClientError
	default:
		return models.UsageStatusUpstreamError
	}
}

// clientMessage extracts the safe message text from an adapter error.
func clientMessage(err error) string {
	var adapterErr *adapters.Error
	if errors.As(err, &adapterErr) && adapterErr.Message != "" {
		return adapterErr.Message
	}
	return "upstream request failed"
}

// upstreamErrorMessage pulls the message out of an upstream error body,
// falling back to a generic text so upstream identifiers never leak.
func upstreamErrorMessage(body io.Reader) string {
	raw, errRead := io.ReadAll(io.LimitReader(body, 64<<10))
	if errRead != nil || len(raw) == 0 {
		return "upstream request failed"
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if errUnmarshal := json.Unmarshal(raw, &envelope); errUnmarshal == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return "upstream request failed"
}
