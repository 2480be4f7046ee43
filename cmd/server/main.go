package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/famfinance/pipeline/api/handlers"
	"github.com/famfinance/pipeline/api/routes"
	"github.com/famfinance/pipeline/config"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/internal/store/memory"
	"github.com/famfinance/pipeline/internal/store/postgres"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
	"github.com/famfinance/pipeline/pkg/storage"
)

func main() {
	cfg := config.Get()

	log, err := logger.NewLogger(
		logger.WithLevel(cfg.LogLevel),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/app.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	st, err := buildStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to init store", logger.Error(err))
	}

	blobs, err := storage.NewStorage(storage.StorageType(cfg.StorageBackend), log)
	if err != nil {
		log.Fatal("Failed to init storage", logger.Error(err))
	}

	q := queue.NewClient(cfg.RedisAddr, cfg.RedisDB, log)
	defer q.Close()
	if err := q.Ping(context.Background()); err != nil {
		log.Fatal("Failed to reach redis", logger.Error(err))
	}

	h := handlers.NewHandlers(st, blobs, q, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		log.Info("Server starting", logger.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}

func buildStore(cfg *config.Config, log logger.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return memory.New(), nil
	case "postgres":
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return postgres.New(cfg.DatabaseURL, log)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}
}
