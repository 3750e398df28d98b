package feedback

import "context"

// Store persists ratings and the signals derived from them.
type Store interface {
	// InsertRating stores r with its citations.
	InsertRating(ctx context.Context, r Rating) error
	// DeleteRating removes the rating and returns the chunk ids it cited.
	DeleteRating(ctx context.Context, ratingID string) ([]string, error)
	// ChunkStats aggregates every rating, from either source, that cites
	// chunkID.
	ChunkStats(ctx context.Context, chunkID string) (Stats, error)

	UpsertSignal(ctx context.Context, s Signal) error
	DeleteSignal(ctx context.Context, chunkID string) error
	// Signals returns the stored signals for chunkIDs. Chunks without a
	// signal are absent from the map.
	Signals(ctx context.Context, chunkIDs []string) (map[string]Signal, error)
}
