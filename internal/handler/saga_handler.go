// Package handler exposes the read-only HTTP surface of the
// coordinator: saga lookups, event history and health. Nothing here
// mutates saga state; writes only ever happen through the bus.
package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/response"
)

// SagaReader is the query surface the coordinator offers the API
type SagaReader interface {
	GetSaga(ctx context.Context, partnerID string) (*domain.Saga, error)
	History(ctx context.Context, partnerID string, limit int) ([]*domain.SagaLogEntry, error)
	ActiveSagas(ctx context.Context) ([]domain.Saga, error)
}

// SagaHandler handles saga query HTTP requests
type SagaHandler struct {
	sagas SagaReader
}

// NewSagaHandler creates a new saga handler
func NewSagaHandler(sagas SagaReader) *SagaHandler {
	return &SagaHandler{sagas: sagas}
}

// GetSaga handles GET /api/v1/sagas/:partnerID
func (h *SagaHandler) GetSaga(c *gin.Context) {
	partnerID := c.Param("partnerID")
	if partnerID == "" {
		response.BadRequest(c, "partner id is required")
		return
	}

	saga, err := h.sagas.GetSaga(c.Request.Context(), partnerID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			response.NotFound(c, "no saga for partner "+partnerID)
			return
		}
		response.InternalError(c, err)
		return
	}

	response.Success(c, saga)
}

// GetSagaLog handles GET /api/v1/sagas/:partnerID/log. The entries come
// back in arrival order; limit truncates to the first N.
func (h *SagaHandler) GetSagaLog(c *gin.Context) {
	partnerID := c.Param("partnerID")
	if partnerID == "" {
		response.BadRequest(c, "partner id is required")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := h.sagas.History(c.Request.Context(), partnerID, limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if len(entries) == 0 {
		response.NotFound(c, "no recorded events for partner "+partnerID)
		return
	}

	response.SuccessWithMeta(c, entries, gin.H{"count": len(entries)})
}

// ListActiveSagas handles GET /api/v1/sagas
func (h *SagaHandler) ListActiveSagas(c *gin.Context) {
	active, err := h.sagas.ActiveSagas(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}

	response.SuccessWithMeta(c, active, gin.H{"total": len(active)})
}
