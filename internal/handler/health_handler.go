package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthChecker reports whether the event bus connection is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Pinger reports whether the saga log store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check HTTP requests
type HealthHandler struct {
	bus   HealthChecker
	store Pinger
}

// NewHealthHandler creates a new HealthHandler. A nil store means the
// in-memory repositories are in use; they cannot be disconnected.
func NewHealthHandler(eventBus HealthChecker, store Pinger) *HealthHandler {
	return &HealthHandler{bus: eventBus, store: store}
}

// Health reports connectivity of the two backing dependencies
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	busConnected := h.bus != nil && h.bus.HealthCheck(ctx) == nil

	storeConnected := true
	if h.store != nil {
		storeConnected = h.store.Ping(ctx) == nil
	}

	status := "healthy"
	code := http.StatusOK
	if !busConnected || !storeConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":          status,
		"bus_connected":   busConnected,
		"store_connected": storeConnected,
	})
}
