package handlers

import (
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
	"github.com/famfinance/pipeline/pkg/storage"
)

type Handlers struct {
	Document  *DocumentHandler
	Email     *EmailHandler
	Analytics *AnalyticsHandler
}

func NewHandlers(st store.Store, blobs storage.Storage, q queue.Enqueuer, log logger.Logger) *Handlers {
	return &Handlers{
		Document:  NewDocumentHandler(st, blobs, q, log),
		Email:     NewEmailHandler(st, q, log),
		Analytics: NewAnalyticsHandler(st, q, log),
	}
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
