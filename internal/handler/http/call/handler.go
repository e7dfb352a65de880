package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"commlink-backend/internal/domain"
	"commlink-backend/pkg/constants"
	"commlink-backend/pkg/response"
)

// HistoryService is the read side of the call service used over REST
type HistoryService interface {
	Status(ctx context.Context, userID, callID uuid.UUID) (*domain.CallRecord, error)
	Participants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipantRecord, error)
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
}

// Handler serves call history and status over REST
type Handler struct {
	service HistoryService
}

// NewHandler creates a call HTTP handler
func NewHandler(service HistoryService) *Handler {
	return &Handler{service: service}
}

// GetCall returns the current state of one call the user took part in
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "invalid call id")
		return
	}

	rec, err := h.service.Status(c.Request.Context(), userID, callID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	// Roster is best effort; the call itself is the answer
	participants, err := h.service.Participants(c.Request.Context(), callID)
	if err != nil {
		participants = nil
	}

	response.Success(c, http.StatusOK, gin.H{
		"call":         rec,
		"participants": participants,
	})
}

// GetHistory returns the user's recent calls, newest first
// GET /v1/calls?limit=20&offset=0
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(constants.DefaultPageSize)))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	records, err := h.service.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  records,
		"limit":  limit,
		"offset": offset,
	})
}

// authedUser pulls the authenticated user out of the gin context
func authedUser(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "authentication required")
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "invalid user context")
		return uuid.Nil, false
	}
	return userID, true
}
