package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/famfinance/pipeline/internal/models"
	"github.com/famfinance/pipeline/internal/pipeline"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
	"github.com/famfinance/pipeline/pkg/storage"
)

const presignExpiry = 15 * time.Minute

type DocumentHandler struct {
	store  store.Store
	blobs  storage.Storage
	queue  queue.Enqueuer
	logger logger.Logger
}

func NewDocumentHandler(st store.Store, blobs storage.Storage, q queue.Enqueuer, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		store:  st,
		blobs:  blobs,
		queue:  q,
		logger: log,
	}
}

type UploadURLRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	Filename    string `json:"filename" binding:"required"`
	MimeType    string `json:"mimeType" binding:"required"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type UploadURLResponse struct {
	DocumentID string `json:"documentId"`
	StorageKey string `json:"storageKey"`
	UploadURL  string `json:"uploadUrl"`
}

// CreateUploadURL registers a document and hands the client a presigned URL
// to upload the bytes directly to the blob store.
func (h *DocumentHandler) CreateUploadURL(c *gin.Context) {
	var req UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	docID := uuid.New().String()
	key := fmt.Sprintf("workspaces/%s/uploads/%s/%s", req.WorkspaceID, docID, pipeline.SafeFilename(req.Filename))

	doc := &models.Document{
		ID:          docID,
		WorkspaceID: req.WorkspaceID,
		Filename:    req.Filename,
		MimeType:    req.MimeType,
		SizeBytes:   req.SizeBytes,
		StorageKey:  key,
	}
	if err := h.store.CreateDocument(c.Request.Context(), doc); err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to create document", err)
		return
	}

	uploadURL, err := h.blobs.PresignPut(c.Request.Context(), key, req.MimeType, presignExpiry)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to presign upload", err)
		return
	}

	c.JSON(http.StatusOK, UploadURLResponse{
		DocumentID: doc.ID,
		StorageKey: key,
		UploadURL:  uploadURL,
	})
}

type CompleteUploadRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
}

// CompleteUpload verifies the client actually uploaded the object, creates
// the PENDING extraction and kicks off the pipeline.
func (h *DocumentHandler) CompleteUpload(c *gin.Context) {
	docID := c.Param("id")
	var req CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	doc, err := h.store.GetDocument(c.Request.Context(), req.WorkspaceID, docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Document not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to load document", err)
		return
	}

	exists, err := h.blobs.Exists(c.Request.Context(), doc.StorageKey)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to check upload", err)
		return
	}
	if !exists {
		h.handleError(c, http.StatusConflict, "Upload not found in storage", nil)
		return
	}

	ex, err := h.store.UpsertExtraction(c.Request.Context(), doc.WorkspaceID, doc.ID, pipeline.Engine)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to create extraction", err)
		return
	}

	payload := pipeline.DocTaskPayload{
		WorkspaceID:  doc.WorkspaceID,
		DocumentID:   doc.ID,
		ExtractionID: ex.ID,
		Engine:       pipeline.Engine,
	}
	jobID := pipeline.DocExtractJobID(doc.ID, pipeline.Engine)
	if err := h.queue.Enqueue(c.Request.Context(), queue.TaskDocExtract, jobID, payload); err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to enqueue extraction", err)
		return
	}

	h.logger.Info("upload completed, extraction enqueued",
		logger.String("documentId", doc.ID),
		logger.String("extractionId", ex.ID),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"documentId":   doc.ID,
		"extractionId": ex.ID,
		"engine":       ex.Engine,
		"status":       string(ex.Status),
	})
}

// GetExtractionStatus reports the current pipeline state for a document.
func (h *DocumentHandler) GetExtractionStatus(c *gin.Context) {
	docID := c.Param("id")
	workspaceID := c.Query("workspaceId")
	if workspaceID == "" {
		h.handleError(c, http.StatusBadRequest, "workspaceId is required", nil)
		return
	}

	ex, err := h.store.GetDocumentExtraction(c.Request.Context(), workspaceID, docID, pipeline.Engine)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Extraction not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to load extraction", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"extractionId": ex.ID,
		"documentId":   ex.DocumentID,
		"engine":       ex.Engine,
		"status":       string(ex.Status),
		"errorCode":    ex.ErrorCode,
		"errorMessage": ex.ErrorMessage,
		"startedAt":    ex.StartedAt,
		"finishedAt":   ex.FinishedAt,
	})
}

func (h *DocumentHandler) handleError(c *gin.Context, status int, message string, err error) {
	if err != nil {
		h.logger.Error(message, logger.Error(err))
	}
	resp := ErrorResponse{Error: http.StatusText(status), Message: message}
	c.JSON(status, resp)
}
