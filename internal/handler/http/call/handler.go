package call

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/middleware"
	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/response"
)

// HistoryLister pages through a user's archived calls
type HistoryLister interface {
	ListByUser(ctx context.Context, userID string, limit int, pageState []byte) ([]domain.CallHistoryEntry, []byte, error)
}

// Handler handles call history HTTP requests
type Handler struct {
	history HistoryLister
}

// NewHandler creates a new call history handler
func NewHandler(history HistoryLister) *Handler {
	return &Handler{
		history: history,
	}
}

// HistoryResponse is one page of call history
type HistoryResponse struct {
	Calls      []domain.CallHistoryEntry `json:"calls"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

// GetHistory lists the caller's finished calls, newest first
// GET /v1/calls/history?limit=20&cursor=...
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.ValidationError(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var pageState []byte
	if cursor := c.Query("cursor"); cursor != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			response.ValidationError(c, "Invalid cursor")
			return
		}
		pageState = decoded
	}

	calls, next, err := h.history.ListByUser(c.Request.Context(), userID, limit, pageState)
	if err != nil {
		logger.Error("Failed to list call history", zap.String("user_id", userID), zap.Error(err))
		response.FromError(c, err)
		return
	}
	if calls == nil {
		calls = []domain.CallHistoryEntry{}
	}

	out := HistoryResponse{Calls: calls}
	if len(next) > 0 {
		out.NextCursor = base64.RawURLEncoding.EncodeToString(next)
	}
	response.Success(c, http.StatusOK, out)
}
