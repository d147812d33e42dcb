package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tsubotan1985/clads-llm-bridge/internal/adapters"
	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Stream scanning limits.
const (
	// streamScanInitial is the initial scanner buffer.
	streamScanInitial = 64 * 1024
	// streamScanMax caps one upstream SSE line.
	streamScanMax = 1 << 20
)

var (
	ssePrefix = []byte("data:")
	sseDone   = []byte("[DONE]")
)

// relayStream forwards upstream SSE frames to the client, translating each
// data payload and flushing immediately. Chunks arrive in upstream order;
// the stream always terminates with exactly one [DONE] frame. An upstream
// close mid-stream is recovered locally by terminating cleanly.
func (s *Server) relayStream(c *gin.Context, entry catalog.Entry, adapter adapters.Adapter, body io.Reader) (adapters.Usage, models.UsageStatus, string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	translator := adapter.NewChunkTranslator(entry)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, streamScanInitial), streamScanMax)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, ssePrefix) {
			// Event-name and comment lines carry nothing to relay.
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, ssePrefix))
		if bytes.Equal(payload, sseDone) {
			break
		}

		chunks, errTranslate := translator.Translate(payload)
		if errTranslate != nil {
			// A malformed chunk is dropped; the stream continues.
			log.WithError(errTranslate).Debug("proxy: dropping untranslatable stream chunk")
			continue
		}
		for _, chunk := range chunks {
			fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
			c.Writer.Flush()
		}
	}

	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()

	tokens := translator.Usage()
	if errScan := scanner.Err(); errScan != nil {
		switch {
		case c.Request.Context().Err() == context.Canceled:
			return tokens, models.UsageStatusClientError, "client closed connection"
		case adapters.ClassifyTransport(errScan) == adapters.KindTimeout:
			return tokens, models.UsageStatusTimeout, "upstream deadline exceeded mid-stream"
		default:
			// Upstream closed mid-stream; the client got a clean [DONE].
			log.WithError(errScan).Warn("proxy: upstream closed mid-stream")
		}
	}
	return tokens, models.UsageStatusSuccess, ""
}

// pingDB checks database reachability for health reporting.
func pingDB(ctx context.Context, conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("proxy: nil db")
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return errDB
	}
	return sqlDB.PingContext(ctx)
}
