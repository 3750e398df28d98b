// Package feedback turns user ratings into bounded re-ranking multipliers
// for retrieval chunks.
//
// Ratings arrive for a message or a whole thread and cite the chunks the
// answer was built from. Each chunk's ratings are aggregated into a Signal
// whose multiplier lies in [MinMultiplier, MaxMultiplier]; a chunk with no
// ratings is neutral (multiplier 1). Ranking code reads multipliers through
// the Engine, which serves them from a short-lived MultiplierCache.
//
// Recompute is asynchronous. Submitting or deleting a rating hands the
// cited chunk ids to a Dispatcher (an in-process Pool or a queue) and
// returns; the dispatcher later calls RecomputeSignals, which rewrites the
// signals and invalidates the whole cache.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/paygate/internal/audit"
)

// Dispatcher schedules a recompute of chunkIDs. Dispatch must not block on
// the recompute itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, chunkIDs []string) error
}

// Broadcaster tells other instances to drop their caches.
type Broadcaster interface {
	Publish(ctx context.Context) error
}

// Auditor receives best-effort audit events.
type Auditor interface {
	Record(event audit.Event)
}

// Engine is the feedback-weighting engine.
type Engine struct {
	store       Store
	cache       *MultiplierCache
	dispatcher  Dispatcher
	broadcaster Broadcaster
	auditor     Auditor
	metrics     *Metrics
	log         zerolog.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache replaces the default 30s cache.
func WithCache(c *MultiplierCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithDispatcher sets where recomputes are sent.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithBroadcaster publishes cache invalidations to other instances.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

// WithAuditor records rating submissions and deletions.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now for signal and rating timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine over store.
func NewEngine(store Store, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   logger.With().Str("component", "feedback").Logger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NewMultiplierCache(DefaultCacheTTL, e.now)
	}
	return e
}

// Cache returns the engine's multiplier cache.
func (e *Engine) Cache() *MultiplierCache {
	return e.cache
}

// SetDispatcher replaces the dispatcher. Used when the dispatcher needs the
// engine to be built first.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// Multiplier returns chunkID's multiplier, 1 when it has no signal. A store
// failure degrades to 1 and is logged; it is never returned.
func (e *Engine) Multiplier(ctx context.Context, chunkID string) float64 {
	if v, ok := e.cache.Get(chunkID); ok {
		e.metrics.cacheLookup(true)
		return v
	}
	e.metrics.cacheLookup(false)

	signals, err := e.store.Signals(ctx, []string{chunkID})
	if err != nil {
		e.metrics.storeError()
		e.log.Warn().Err(err).Str("chunk_id", chunkID).Msg("signal lookup failed, using neutral multiplier")
		return NeutralMultiplier
	}

	m := NeutralMultiplier
	if s, ok := signals[chunkID]; ok {
		m = s.Multiplier
	}
	e.cache.Set(chunkID, m)
	return m
}

// Multipliers is the batch form of Multiplier. Every requested id is
// present in the result.
func (e *Engine) Multipliers(ctx context.Context, chunkIDs []string) map[string]float64 {
	out := make(map[string]float64, len(chunkIDs))
	var misses []string
	for _, id := range dedupe(chunkIDs) {
		if v, ok := e.cache.Get(id); ok {
			e.metrics.cacheLookup(true)
			out[id] = v
			continue
		}
		e.metrics.cacheLookup(false)
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out
	}

	signals, err := e.store.Signals(ctx, misses)
	if err != nil {
		e.metrics.storeError()
		e.log.Warn().Err(err).Int("chunks", len(misses)).Msg("signal lookup failed, using neutral multipliers")
		for _, id := range misses {
			out[id] = NeutralMultiplier
		}
		return out
	}

	for _, id := range misses {
		m := NeutralMultiplier
		if s, ok := signals[id]; ok {
			m = s.Multiplier
		}
		e.cache.Set(id, m)
		out[id] = m
	}
	return out
}

// Signal returns the stored signal for chunkID and whether one exists.
func (e *Engine) Signal(ctx context.Context, chunkID string) (Signal, bool, error) {
	signals, err := e.store.Signals(ctx, []string{chunkID})
	if err != nil {
		return Signal{}, false, fmt.Errorf("signal lookup: %w", err)
	}
	s, ok := signals[chunkID]
	return s, ok, nil
}

// RecomputeSignals rebuilds the signal of every distinct chunk id from all
// ratings citing it, deleting signals with no ratings left, and then
// invalidates the whole cache. It is idempotent. A failure on one chunk
// does not stop the others; all failures are returned joined.
func (e *Engine) RecomputeSignals(ctx context.Context, chunkIDs []string) error {
	ids := dedupe(chunkIDs)
	if len(ids) == 0 {
		return nil
	}
	start := time.Now()
	defer e.metrics.recomputeBatch(start)

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.recomputeChunk(ctx, id); err != nil {
			e.metrics.recompute("error")
			e.log.Error().Err(err).Str("chunk_id", id).Msg("signal recompute failed")
			errs = append(errs, fmt.Errorf("chunk %s: %w", id, err))
		}
	}

	e.cache.Invalidate()
	if e.broadcaster != nil {
		if err := e.broadcaster.Publish(ctx); err != nil {
			e.log.Warn().Err(err).Msg("cache invalidation broadcast failed")
		}
	}

	e.log.Debug().
		Int("chunks", len(ids)).
		Int("failed", len(errs)).
		Dur("duration_ms", time.Since(start)).
		Msg("signals recomputed")

	return errors.Join(errs...)
}

func (e *Engine) recomputeChunk(ctx context.Context, chunkID string) error {
	stats, err := e.store.ChunkStats(ctx, chunkID)
	if err != nil {
		return err
	}
	if stats.RatingCount == 0 {
		if err := e.store.DeleteSignal(ctx, chunkID); err != nil {
			return err
		}
		e.metrics.recompute("deleted")
		return nil
	}

	s := CalculateRetrievalMultiplier(stats.AvgRating, stats.RatingCount, stats.Low, stats.High)
	s.ChunkID = chunkID
	s.DocID = stats.DocID
	s.UpdatedAt = e.now().UTC()
	if err := e.store.UpsertSignal(ctx, s); err != nil {
		return err
	}
	e.metrics.recompute("updated")
	return nil
}

// InvalidateLocal drops this instance's cache without broadcasting. It is
// the handler for invalidations published by other instances.
func (e *Engine) InvalidateLocal() {
	e.cache.Invalidate()
}

// SubmitRating validates and stores r, then schedules a recompute of the
// chunks it cites. The returned rating carries its assigned id.
func (e *Engine) SubmitRating(ctx context.Context, r Rating) (Rating, error) {
	if err := r.Validate(); err != nil {
		return Rating{}, err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.now().UTC()
	}

	if err := e.store.InsertRating(ctx, r); err != nil {
		return Rating{}, fmt.Errorf("store rating: %w", err)
	}

	chunks := r.ChunkIDs()
	e.log.Info().
		Str("rating_id", r.ID).
		Str("source", string(r.Source)).
		Str("target_id", r.TargetID).
		Int("rating", r.Rating).
		Int("chunks", len(chunks)).
		Msg("rating submitted")

	if e.auditor != nil {
		e.auditor.Record(audit.Event{
			ActorID: r.UserID,
			Action:  "rating.submit",
			Subject: r.TargetID,
			Payload: map[string]any{"rating_id": r.ID, "rating": r.Rating, "source": string(r.Source)},
		})
	}

	e.Enqueue(chunks)
	return r, nil
}

// DeleteRating removes a rating and schedules a recompute of the chunks it
// cited.
func (e *Engine) DeleteRating(ctx context.Context, ratingID, actorID string) error {
	chunks, err := e.store.DeleteRating(ctx, ratingID)
	if err != nil {
		if errors.Is(err, ErrRatingNotFound) {
			return err
		}
		return fmt.Errorf("delete rating: %w", err)
	}

	e.log.Info().Str("rating_id", ratingID).Int("chunks", len(chunks)).Msg("rating deleted")
	if e.auditor != nil {
		e.auditor.Record(audit.Event{
			ActorID: actorID,
			Action:  "rating.delete",
			Subject: ratingID,
			Payload: map[string]any{"chunk_ids": chunks},
		})
	}

	e.Enqueue(chunks)
	return nil
}

// Enqueue schedules a recompute of chunkIDs and returns at once. Without a
// dispatcher the recompute runs on its own goroutine.
func (e *Engine) Enqueue(chunkIDs []string) {
	ids := dedupe(chunkIDs)
	if len(ids) == 0 {
		return
	}

	if e.dispatcher == nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.RecomputeSignals(ctx, ids); err != nil {
				e.log.Error().Err(err).Msg("background recompute failed")
			}
		}()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.dispatcher.Dispatch(ctx, ids)
	e.metrics.dispatch(err)
	if err != nil {
		e.log.Warn().Err(err).Strs("chunk_ids", ids).Msg("recompute dispatch failed")
	}
}
