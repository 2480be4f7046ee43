package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/famfinance/pipeline/internal/pipeline"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
)

type AnalyticsHandler struct {
	store  store.Store
	queue  queue.Enqueuer
	logger logger.Logger
}

func NewAnalyticsHandler(st store.Store, q queue.Enqueuer, log logger.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		store:  st,
		queue:  q,
		logger: log,
	}
}

// GetMonthlySummary returns the precomputed rollup for one month.
func (h *AnalyticsHandler) GetMonthlySummary(c *gin.Context) {
	workspaceID := c.Query("workspaceId")
	currency := c.Query("currency")
	year, errY := strconv.Atoi(c.Query("year"))
	month, errM := strconv.Atoi(c.Query("month"))
	if workspaceID == "" || currency == "" || errY != nil || errM != nil || month < 1 || month > 12 {
		h.handleError(c, http.StatusBadRequest, "workspaceId, year, month and currency are required", nil)
		return
	}

	rollup, err := h.store.GetMonthlyRollup(c.Request.Context(), workspaceID, year, month, currency)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "No rollup for this month", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to load rollup", err)
		return
	}

	c.JSON(http.StatusOK, rollup)
}

type DetectRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
}

// TriggerSubscriptionDetect enqueues a detection pass over the workspace.
func (h *AnalyticsHandler) TriggerSubscriptionDetect(c *gin.Context) {
	var req DetectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	payload := pipeline.SubscriptionDetectPayload{WorkspaceID: req.WorkspaceID}
	jobID := pipeline.SubscriptionDetectJobID(req.WorkspaceID)
	if err := h.queue.Enqueue(c.Request.Context(), queue.TaskSubscriptionDetect, jobID, payload); err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to enqueue detection", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"workspaceId": req.WorkspaceID,
		"jobId":       jobID,
	})
}

func (h *AnalyticsHandler) handleError(c *gin.Context, status int, message string, err error) {
	if err != nil {
		h.logger.Error(message, logger.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: http.StatusText(status), Message: message})
}
