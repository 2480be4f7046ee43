// Package worker hosts the asynq server that consumes the stage queues. It
// owns the retryable-vs-terminal decision: a StageError with Retryable=false
// is wrapped in asynq.SkipRetry so the queue archives it instead of
// redelivering.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/famfinance/pipeline/internal/pipeline"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
)

type Config struct {
	RedisAddr   string
	RedisDB     int
	Concurrency int
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger logger.Logger
}

// RetryDelay implements the exponential policy: base 30s, doubling per
// attempt, capped so a long outage does not push jobs out for days.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := queue.RetryBase
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= 6*time.Hour {
			return 6 * time.Hour
		}
	}
	return delay
}

func New(cfg *Config, p *pipeline.Pipeline, log logger.Logger) *Worker {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency:    cfg.Concurrency,
			Queues:         queue.Weights(),
			RetryDelayFunc: RetryDelay,
		},
	)

	w := &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		logger: log,
	}

	w.mux.HandleFunc(queue.TaskEmailSync, stageHandler(log, queue.TaskEmailSync, p.EmailSync))
	w.mux.HandleFunc(queue.TaskEmailParse, stageHandler(log, queue.TaskEmailParse, p.EmailParse))
	w.mux.HandleFunc(queue.TaskDocExtract, stageHandler(log, queue.TaskDocExtract, p.DocExtract))
	w.mux.HandleFunc(queue.TaskNormalize, stageHandler(log, queue.TaskNormalize, p.Normalize))
	w.mux.HandleFunc(queue.TaskTxUpsert, stageHandler(log, queue.TaskTxUpsert, p.TxUpsert))
	w.mux.HandleFunc(queue.TaskRollupMonthly, stageHandler(log, queue.TaskRollupMonthly, p.RollupMonthly))
	w.mux.HandleFunc(queue.TaskSubscriptionDetect, stageHandler(log, queue.TaskSubscriptionDetect, p.DetectSubscriptions))

	return w
}

// stageHandler adapts one typed stage function to an asynq handler. The
// stage's outcome/error split maps onto the queue: an outcome acks, a
// retryable error is redelivered with backoff, a terminal error skips retry.
func stageHandler[P any](log logger.Logger, name string, fn func(context.Context, P) (pipeline.Outcome, error)) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload P
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			log.Error("malformed task payload",
				logger.String("task", name),
				logger.Error(err),
			)
			return fmt.Errorf("unmarshal %s payload: %v: %w", name, err, asynq.SkipRetry)
		}

		outcome, err := fn(ctx, payload)
		if err != nil {
			var stageErr *pipeline.StageError
			if errors.As(err, &stageErr) && !stageErr.Retryable {
				log.Error("stage failed terminally",
					logger.String("task", name),
					logger.String("code", stageErr.Code),
					logger.Error(err),
				)
				return fmt.Errorf("%s: %v: %w", name, err, asynq.SkipRetry)
			}
			log.Warn("stage failed, queue will retry",
				logger.String("task", name),
				logger.Error(err),
			)
			return fmt.Errorf("%s: %w", name, err)
		}

		log.Info("stage completed",
			logger.String("task", name),
			logger.String("outcome", string(outcome)),
		)
		return nil
	}
}

// Run consumes until ctx is cancelled, then drains in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start worker server: %w", err)
	}

	<-ctx.Done()
	w.logger.Info("worker shutting down")
	w.server.Shutdown()
	return nil
}

// Stop aborts without waiting for in-flight jobs; tests only.
func (w *Worker) Stop() {
	w.server.Stop()
	w.server.Shutdown()
}
