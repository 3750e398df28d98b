package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/kelpejol/paygate/internal/feedback"
)

// ServerOptions configures the asynq server that runs recomputes.
type ServerOptions struct {
	Concurrency     int
	Queue           string
	ShutdownTimeout time.Duration
}

// NewServer creates an asynq server that logs through logger.
func NewServer(redis asynq.RedisConnOpt, opts ServerOptions, logger zerolog.Logger) *asynq.Server {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	log := logger.With().Str("component", "recompute_worker").Logger()

	return asynq.NewServer(redis, asynq.Config{
		Concurrency:     opts.Concurrency,
		Queues:          map[string]int{opts.Queue: 1},
		ShutdownTimeout: opts.ShutdownTimeout,
		Logger:          NewLogger(log),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Error().Err(err).
				Str("task_type", task.Type()).
				Int("retried", retried).
				Int("max_retry", maxRetry).
				Msg("task failed")
		}),
	})
}

// NewMux routes recompute tasks to r.
func NewMux(r feedback.Recomputer, logger zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRecomputeSignals, HandleRecompute(r, logger))
	return mux
}

// HandleRecompute decodes a recompute task and runs it. A payload that
// cannot be decoded is not retried.
func HandleRecompute(r feedback.Recomputer, logger zerolog.Logger) asynq.HandlerFunc {
	log := logger.With().Str("component", "recompute_worker").Logger()
	return func(ctx context.Context, task *asynq.Task) error {
		var p RecomputePayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("decode recompute payload: %v: %w", err, asynq.SkipRetry)
		}
		if len(p.ChunkIDs) == 0 {
			return nil
		}

		start := time.Now()
		if err := r.RecomputeSignals(ctx, p.ChunkIDs); err != nil {
			return err
		}
		log.Debug().
			Int("chunks", len(p.ChunkIDs)).
			Dur("duration_ms", time.Since(start)).
			Msg("recompute task done")
		return nil
	}
}
