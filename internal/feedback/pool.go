package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Recomputer is what a Pool runs for each job. *Engine implements it.
type Recomputer interface {
	RecomputeSignals(ctx context.Context, chunkIDs []string) error
}

// PoolOptions tunes a Pool. Zero values take defaults.
type PoolOptions struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	InitialDelay time.Duration
	JobTimeout   time.Duration
}

// Pool is an in-process Dispatcher: a bounded queue drained by a fixed
// number of workers, each retrying a failed recompute with exponential
// backoff. Dispatch never blocks; a full queue is reported as
// ErrDispatcherFull.
type Pool struct {
	opts  PoolOptions
	log   zerolog.Logger
	queue chan []string
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewPool creates a pool. Jobs are buffered until Start is called.
func NewPool(opts PoolOptions, logger zerolog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 100 * time.Millisecond
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	return &Pool{
		opts:  opts,
		log:   logger.With().Str("component", "recompute_pool").Logger(),
		queue: make(chan []string, opts.QueueSize),
	}
}

// Start launches the workers against r. Calling Start twice is a no-op.
func (p *Pool) Start(r Recomputer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.wg.Add(p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		go p.worker(i, r)
	}

	p.log.Info().
		Int("num_workers", p.opts.Workers).
		Int("queue_size", p.opts.QueueSize).
		Msg("recompute workers started")
}

// Dispatch queues chunkIDs.
func (p *Pool) Dispatch(_ context.Context, chunkIDs []string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrDispatcherClose
	}

	job := append([]string(nil), chunkIDs...)
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrDispatcherFull
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
	p.log.Info().Msg("recompute pool stopped")
}

func (p *Pool) worker(workerID int, r Recomputer) {
	defer p.wg.Done()

	logger := p.log.With().Int("worker_id", workerID).Logger()

	for job := range p.queue {
		backoff := p.opts.InitialDelay

		for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.JobTimeout)
			err := r.RecomputeSignals(ctx, job)
			cancel()

			if err == nil {
				break
			}

			if attempt < p.opts.MaxAttempts {
				logger.Warn().Err(err).
					Int("attempt", attempt).
					Int("chunks", len(job)).
					Msg("recompute failed, retrying")
				time.Sleep(backoff)
				backoff *= 2
			} else {
				logger.Error().Err(err).
					Strs("chunk_ids", job).
					Msg("recompute failed after all retries")
			}
		}
	}
}
