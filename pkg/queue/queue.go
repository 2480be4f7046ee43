// Package queue wraps asynq behind the small Enqueuer interface the pipeline
// stages depend on. Task type names double as queue names: one named queue
// per stage, each with its own retry budget.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/famfinance/pipeline/pkg/logger"
)

const (
	TaskEmailSync          = "email_sync"
	TaskEmailParse         = "email_parse"
	TaskDocExtract         = "doc_extract"
	TaskNormalize          = "normalize"
	TaskTxUpsert           = "tx_upsert"
	TaskRollupMonthly      = "rollup_monthly"
	TaskSubscriptionDetect = "subscription_detect"
)

// Enqueuer is what stages and API handlers publish through. Injected
// everywhere; no package-level queue handles.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType, taskID string, payload any) error
}

// RetryBase is the first retry delay; each further attempt doubles it.
const RetryBase = 30 * time.Second

// maxRetryFor returns the retry count per task type. Document-lineage and
// rollup jobs get 8 total attempts, the rest 3 (asynq counts retries after
// the first delivery, hence the minus one).
func maxRetryFor(taskType string) int {
	switch taskType {
	case TaskDocExtract, TaskNormalize, TaskTxUpsert, TaskRollupMonthly:
		return 7
	default:
		return 2
	}
}

// Weights gives every stage queue equal consumer share.
func Weights() map[string]int {
	return map[string]int{
		TaskEmailSync:          1,
		TaskEmailParse:         1,
		TaskDocExtract:         1,
		TaskNormalize:          1,
		TaskTxUpsert:           1,
		TaskRollupMonthly:      1,
		TaskSubscriptionDetect: 1,
	}
}

// Client is the asynq-backed Enqueuer.
type Client struct {
	client *asynq.Client
	redis  *redis.Client
	logger logger.Logger
}

var _ Enqueuer = (*Client)(nil)

func NewClient(redisAddr string, redisDB int, log logger.Logger) *Client {
	opt := asynq.RedisClientOpt{Addr: redisAddr, DB: redisDB}
	return &Client{
		client: asynq.NewClient(opt),
		redis:  redis.NewClient(&redis.Options{Addr: redisAddr, DB: redisDB}),
		logger: log,
	}
}

// Enqueue publishes one task under a deterministic id. An id conflict means
// the same job is already pending, which is exactly the coalescing the
// pipeline wants, so it is not an error.
func (c *Client) Enqueue(ctx context.Context, taskType, taskID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", taskType, err)
	}

	opts := []asynq.Option{
		asynq.Queue(taskType),
		asynq.TaskID(taskID),
		asynq.MaxRetry(maxRetryFor(taskType)),
		asynq.Timeout(10 * time.Minute),
		asynq.Retention(24 * time.Hour),
	}

	_, err = c.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			c.logger.Debug("task already pending, coalesced",
				logger.String("task", taskType),
				logger.String("taskId", taskID),
			)
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}

	c.logger.Debug("task enqueued",
		logger.String("task", taskType),
		logger.String("taskId", taskID),
	)
	return nil
}

// Ping verifies the redis transport is reachable so entry points fail fast
// on startup instead of at first enqueue.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return err
	}
	return c.redis.Close()
}
