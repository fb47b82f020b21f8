// Package api exposes the HTTP surface: the websocket endpoint, health and
// system event ingestion.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/internal/events"
	logger "github.com/Gopher0727/ChatCore/middleware/log"
)

const maxEventBody = 64 << 10

// Gateway is the websocket side of the server.
type Gateway interface {
	ServeWS(c *gin.Context)
	ConnectionCount() int
}

// Ingestor publishes a raw system event request.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte) (*events.Result, error)
}

// Handler serves the HTTP surface of a node.
type Handler struct {
	gateway  Gateway
	ingestor Ingestor
	rooms    func() int
	logger   *logger.Logger
}

// NewHandler wires the HTTP handlers. rooms reports the local room count and
// may be nil.
func NewHandler(gateway Gateway, ingestor Ingestor, rooms func() int, log *logger.Logger) *Handler {
	return &Handler{gateway: gateway, ingestor: ingestor, rooms: rooms, logger: log}
}

// SetupRoutes registers every route on r.
func SetupRoutes(r *gin.Engine, h *Handler, mw *MiddlewareManager) {
	r.Use(mw.Recovery(), mw.TraceID(), mw.Logger(), mw.CORS())

	r.GET("/health", h.Health)
	r.GET("/ws", h.gateway.ServeWS)

	v1 := r.Group("/api/v1")
	v1.Use(mw.JWTAuth(), mw.RateLimit("system-events"))
	{
		v1.POST("/system-events", h.PublishSystemEvent)
	}
}

// Health reports liveness with connection and room counts.
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"connections": h.gateway.ConnectionCount(),
	}
	if h.rooms != nil {
		body["rooms"] = h.rooms()
	}
	c.JSON(http.StatusOK, body)
}

// PublishSystemEvent accepts {"event": {...}, "persist": bool, "room": string}.
func (h *Handler) PublishSystemEvent(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(raw) > maxEventBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "event too large"})
		return
	}

	res, err := h.ingestor.Ingest(c.Request.Context(), raw)
	if err != nil {
		if errors.Is(err, events.ErrInvalidEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "failed to publish system event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish event"})
		return
	}
	c.JSON(http.StatusAccepted, res)
}
