package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/famfinance/pipeline/config"
	"github.com/famfinance/pipeline/internal/extract"
	"github.com/famfinance/pipeline/internal/pipeline"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/internal/store/memory"
	"github.com/famfinance/pipeline/internal/store/postgres"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
	"github.com/famfinance/pipeline/pkg/storage"
	"github.com/famfinance/pipeline/pkg/worker"
)

func main() {
	cfg := config.Get()

	log, err := logger.NewLogger(
		logger.WithLevel(cfg.LogLevel),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/worker.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	st, err := buildStore(cfg, log)
	if err != nil {
		log.Error("Failed to init store", logger.Error(err))
		os.Exit(1)
	}

	blobs, err := storage.NewStorage(storage.StorageType(cfg.StorageBackend), log)
	if err != nil {
		log.Error("Failed to init storage", logger.Error(err))
		os.Exit(1)
	}

	q := queue.NewClient(cfg.RedisAddr, cfg.RedisDB, log)
	defer q.Close()
	if err := q.Ping(context.Background()); err != nil {
		log.Error("Failed to reach redis", logger.Error(err))
		os.Exit(1)
	}

	extractor := extract.New(log)
	p := pipeline.New(st, blobs, q, extractor, log)

	workerCfg := &worker.Config{
		RedisAddr:   cfg.RedisAddr,
		RedisDB:     cfg.RedisDB,
		Concurrency: cfg.WorkerConcurrency,
	}
	w := worker.New(workerCfg, p, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	log.Info("Worker starting", logger.Int("concurrency", cfg.WorkerConcurrency))
	if err := w.Run(ctx); err != nil {
		log.Error("Worker exited with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Worker stopped")
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
