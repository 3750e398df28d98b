// Package audit records best-effort administrative events (credit grants,
// rating submissions, expiry releases).
//
// Audit writes never sit on the hot path. Record enqueues and returns at
// once; a fixed pool of workers drains the queue into a Sink with retries
// and exponential backoff. When the queue is full the event is dropped and
// a warning is logged. Nothing that fails here fails the operation that
// produced the event.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink persists audit events.
type Sink interface {
	WriteEvent(ctx context.Context, e Event) error
}

// Options tunes a Recorder. Zero values take defaults.
type Options struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	InitialDelay time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Recorder queues events and writes them asynchronously.
type Recorder struct {
	sink  Sink
	log   zerolog.Logger
	opts  Options
	queue chan Event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts opts.Workers background writers.
func NewRecorder(sink Sink, logger zerolog.Logger, opts Options) *Recorder {
	opts = opts.withDefaults()
	r := &Recorder{
		sink:  sink,
		log:   logger.With().Str("component", "audit").Logger(),
		opts:  opts,
		queue: make(chan Event, opts.QueueSize),
	}

	r.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go r.worker(i)
	}

	r.log.Info().
		Int("num_workers", opts.Workers).
		Int("queue_size", opts.QueueSize).
		Msg("audit workers started")

	return r
}

// Record enqueues e without blocking. ID and CreatedAt are filled in when
// empty.
func (r *Recorder) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.Warn().Str("action", e.Action).Msg("audit recorder closed, dropping event")
		return
	}

	select {
	case r.queue <- e:
	default:
		r.log.Warn().
			Str("action", e.Action).
			Str("subject", e.Subject).
			Msg("audit queue full, dropping event")
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info().Msg("audit recorder stopped")
}

func (r *Recorder) worker(workerID int) {
	defer r.wg.Done()

	logger := r.log.With().Int("worker_id", workerID).Logger()

	for e := range r.queue {
		backoff := r.opts.InitialDelay

		for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
			err := r.sink.WriteEvent(ctx, e)
			cancel()

			if err == nil {
				break
			}

			if attempt < r.opts.MaxAttempts {
				logger.Warn().Err(err).
					Int("attempt", attempt).
					Str("action", e.Action).
					Msg("audit write failed, retrying")
				time.Sleep(backoff)
				backoff *= 2
			} else {
				logger.Error().Err(err).
					Str("event_id", e.ID).
					Str("action", e.Action).
					Msg("audit write failed after all retries")
			}
		}
	}
}
