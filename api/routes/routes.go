package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/famfinance/pipeline/api/handlers"
	"github.com/famfinance/pipeline/api/middleware"
)

// SetupRoutes wires all HTTP endpoints.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")

	docs := v1.Group("/documents")
	{
		docs.POST("/upload-url", h.Document.CreateUploadURL)
		docs.POST("/:id/complete", h.Document.CompleteUpload)
		docs.GET("/:id/extraction", h.Document.GetExtractionStatus)
	}

	email := v1.Group("/email")
	{
		email.POST("/accounts/:id/sync", h.Email.TriggerSync)
	}

	analytics := v1.Group("/analytics")
	{
		analytics.GET("/monthly", h.Analytics.GetMonthlySummary)
		analytics.POST("/subscriptions/detect", h.Analytics.TriggerSubscriptionDetect)
	}
}
