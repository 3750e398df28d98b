// Package worker moves signal recomputes onto a durable asynq queue so
// they survive a restart of the process that accepted the rating.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TypeRecomputeSignals is the asynq task type for a signal recompute.
const TypeRecomputeSignals = "signals:recompute"

// DefaultQueue is the queue recompute tasks are enqueued on.
const DefaultQueue = "feedback"

// RecomputePayload is the JSON body of a recompute task.
type RecomputePayload struct {
	ChunkIDs []string `json:"chunk_ids"`
}

// NewRecomputeTask builds a recompute task for chunkIDs.
func NewRecomputeTask(chunkIDs []string, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(RecomputePayload{ChunkIDs: chunkIDs})
	if err != nil {
		return nil, fmt.Errorf("encode recompute payload: %w", err)
	}
	return asynq.NewTask(TypeRecomputeSignals, payload, opts...), nil
}
