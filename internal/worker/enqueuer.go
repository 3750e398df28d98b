package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/kelpejol/paygate/internal/feedback"
)

var _ feedback.Dispatcher = (*Enqueuer)(nil)

// EnqueuerOptions tunes the tasks an Enqueuer creates.
type EnqueuerOptions struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// Enqueuer is a feedback.Dispatcher backed by asynq.
type Enqueuer struct {
	client *asynq.Client
	opts   EnqueuerOptions
	log    zerolog.Logger
}

// NewEnqueuer connects an asynq client to redis.
func NewEnqueuer(redis asynq.RedisConnOpt, opts EnqueuerOptions, logger zerolog.Logger) *Enqueuer {
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &Enqueuer{
		client: asynq.NewClient(redis),
		opts:   opts,
		log:    logger.With().Str("component", "recompute_enqueuer").Logger(),
	}
}

// Dispatch enqueues a recompute of chunkIDs.
func (e *Enqueuer) Dispatch(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	task, err := NewRecomputeTask(chunkIDs)
	if err != nil {
		return err
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.opts.Queue),
		asynq.MaxRetry(e.opts.MaxRetry),
		asynq.Timeout(e.opts.Timeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue recompute: %w", err)
	}

	e.log.Debug().
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Int("chunks", len(chunkIDs)).
		Msg("recompute enqueued")
	return nil
}

// Close releases the client's redis connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
