// Package gateway is the HTTP surface of the workspace API.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/auth"
	"github.com/bizmatters/collab/event-relay/internal/database"
	"github.com/bizmatters/collab/event-relay/internal/logging"
	"github.com/bizmatters/collab/event-relay/internal/models"
)

const (
	defaultExhaustedLimit = 50
	maxExhaustedLimit     = 500
)

// WorkspaceDeleter is the part of workspace.Service the handlers call
type WorkspaceDeleter interface {
	DeleteChannel(ctx context.Context, workspaceID, channelID uuid.UUID, actor string) error
	DeleteWorkspace(ctx context.Context, workspaceID uuid.UUID, actor string) error
}

// OutboxInspector is the read-only part of outbox.Store exposed to operators
type OutboxInspector interface {
	ListExhausted(ctx context.Context, maxAttempts, limit int) ([]models.OutboxEvent, error)
	CountByStatus(ctx context.Context, maxAttempts int) (models.OutboxStats, error)
}

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	workspaces  WorkspaceDeleter
	outbox      OutboxInspector
	maxAttempts int
	logger      *zap.Logger
}

// NewHandler creates a new gateway handler. maxAttempts must match the
// publisher so exhausted rows are reported with the same threshold.
func NewHandler(workspaces WorkspaceDeleter, outbox OutboxInspector, maxAttempts int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		workspaces:  workspaces,
		outbox:      outbox,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// DeleteChannel godoc
// @Summary Delete channel
// @Description Delete a channel and announce channel.deleted
// @Tags channels
// @Param workspaceId path string true "Workspace ID"
// @Param channelId path string true "Channel ID"
// @Success 204
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /workspaces/{workspaceId}/channels/{channelId} [delete]
func (h *Handler) DeleteChannel(c *gin.Context) {
	workspaceID, ok := pathUUID(c, "workspaceId")
	if !ok {
		return
	}
	channelID, ok := pathUUID(c, "channelId")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	err := h.workspaces.DeleteChannel(ctx, workspaceID, channelID, c.GetString(auth.UserIDKey))
	if err != nil {
		h.writeError(c, err, "Channel not found", zap.String("channel_id", channelID.String()))
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteWorkspace godoc
// @Summary Delete workspace
// @Description Delete a workspace with its channels and announce workspace.deleted
// @Tags workspaces
// @Param workspaceId path string true "Workspace ID"
// @Success 204
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /workspaces/{workspaceId} [delete]
func (h *Handler) DeleteWorkspace(c *gin.Context) {
	workspaceID, ok := pathUUID(c, "workspaceId")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.workspaces.DeleteWorkspace(ctx, workspaceID, c.GetString(auth.UserIDKey)); err != nil {
		h.writeError(c, err, "Workspace not found", zap.String("workspace_id", workspaceID.String()))
		return
	}

	c.Status(http.StatusNoContent)
}

// ExhaustedEventsResponse lists outbox rows the publisher gave up on
type ExhaustedEventsResponse struct {
	Events      []models.OutboxEvent `json:"events"`
	MaxAttempts int                  `json:"maxAttempts"`
}

// ListExhaustedEvents godoc
// @Summary List exhausted outbox events
// @Description Failed outbox rows at or past the retry limit, oldest first
// @Tags admin
// @Produce json
// @Param limit query int false "Maximum rows (default 50, max 500)"
// @Success 200 {object} ExhaustedEventsResponse
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /admin/outbox/exhausted [get]
func (h *Handler) ListExhaustedEvents(c *gin.Context) {
	limit := defaultExhaustedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxExhaustedLimit {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "Invalid limit",
				Code:    models.ErrCodeInvalidRequest,
				Details: map[string]string{"limit": "must be between 1 and 500"},
			})
			return
		}
		limit = n
	}

	events, err := h.outbox.ListExhausted(c.Request.Context(), h.maxAttempts, limit)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	if events == nil {
		events = []models.OutboxEvent{}
	}

	c.JSON(http.StatusOK, ExhaustedEventsResponse{Events: events, MaxAttempts: h.maxAttempts})
}

// OutboxStats godoc
// @Summary Outbox status counts
// @Tags admin
// @Produce json
// @Success 200 {object} models.OutboxStats
// @Security BearerAuth
// @Router /admin/outbox/stats [get]
func (h *Handler) OutboxStats(c *gin.Context) {
	stats, err := h.outbox.CountByStatus(c.Request.Context(), h.maxAttempts)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid " + name,
			Code:    models.ErrCodeInvalidRequest,
			Details: map[string]string{name: "must be a UUID"},
		})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps service errors onto responses. notFound is the message used
// for database.ErrNotFound.
func (h *Handler) writeError(c *gin.Context, err error, notFound string, fields ...zap.Field) {
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx, h.logger)

	switch {
	case notFound != "" && errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: notFound, Code: models.ErrCodeNotFound})
	case errors.Is(err, database.ErrConflict):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: "Conflicting change", Code: models.ErrCodeAlreadyExists})
	case errors.Is(err, context.DeadlineExceeded):
		logging.Warn(ctx, logger, "request timed out", append(fields, zap.Error(err))...)
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "Request timed out", Code: models.ErrCodeUnavailable})
	default:
		_ = c.Error(err)
		logging.Error(ctx, logger, "request failed", append(fields, zap.Error(err))...)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Internal error", Code: models.ErrCodeInternalError})
	}
}
