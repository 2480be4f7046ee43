package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/famfinance/pipeline/internal/pipeline"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
)

type EmailHandler struct {
	store  store.Store
	queue  queue.Enqueuer
	logger logger.Logger
}

func NewEmailHandler(st store.Store, q queue.Enqueuer, log logger.Logger) *EmailHandler {
	return &EmailHandler{
		store:  st,
		queue:  q,
		logger: log,
	}
}

type SyncRequest struct {
	WorkspaceID  string                 `json:"workspaceId" binding:"required"`
	MockMessages []pipeline.MockMessage `json:"mockMessages,omitempty"`
}

// TriggerSync enqueues an email_sync job for a connected account. The job id
// is per account, so a sync already pending absorbs repeated triggers.
func (h *EmailHandler) TriggerSync(c *gin.Context) {
	connectedID := c.Param("id")
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	payload := pipeline.EmailSyncPayload{
		WorkspaceID:  req.WorkspaceID,
		ConnectedID:  connectedID,
		MockMessages: req.MockMessages,
	}
	jobID := pipeline.EmailSyncJobID(connectedID)
	if err := h.queue.Enqueue(c.Request.Context(), queue.TaskEmailSync, jobID, payload); err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to enqueue sync", err)
		return
	}

	h.logger.Info("email sync enqueued", logger.String("connectedId", connectedID))
	c.JSON(http.StatusAccepted, gin.H{
		"connectedId": connectedID,
		"jobId":       jobID,
	})
}

func (h *EmailHandler) handleError(c *gin.Context, status int, message string, err error) {
	if err != nil {
		h.logger.Error(message, logger.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: http.StatusText(status), Message: message})
}
