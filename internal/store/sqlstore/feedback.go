package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kelpejol/paygate/internal/feedback"
)

var _ feedback.Store = (*Store)(nil)

// InsertRating stores a rating and its citations in one transaction.
// A chunk cited twice by the same rating is stored once.
func (s *Store) InsertRating(ctx context.Context, r feedback.Rating) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO feedback_ratings (id, source, target_id, user_id, rating, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), r.ID, string(r.Source), r.TargetID, nullString(r.UserID), r.Rating, nullString(r.Comment), millis(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert rating failed: %w", err)
		}

		for _, c := range r.Citations {
			if c.ChunkID == "" {
				continue
			}
			_, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO feedback_citations (rating_id, chunk_id, doc_id)
				VALUES (?, ?, ?)
				ON CONFLICT (rating_id, chunk_id) DO NOTHING
			`), r.ID, c.ChunkID, nullString(c.DocID))
			if err != nil {
				return fmt.Errorf("insert citation failed: %w", err)
			}
		}
		return nil
	})
}

// DeleteRating removes a rating with its citations and returns the cited
// chunk ids.
func (s *Store) DeleteRating(ctx context.Context, ratingID string) ([]string, error) {
	var chunkIDs []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT chunk_id FROM feedback_citations WHERE rating_id = ? ORDER BY chunk_id
		`), ratingID)
		if err != nil {
			return fmt.Errorf("citations query failed: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("citation scan failed: %w", err)
			}
			chunkIDs = append(chunkIDs, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM feedback_citations WHERE rating_id = ?`), ratingID); err != nil {
			return fmt.Errorf("delete citations failed: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM feedback_ratings WHERE id = ?`), ratingID)
		if err != nil {
			return fmt.Errorf("delete rating failed: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return feedback.ErrRatingNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunkIDs, nil
}

// ChunkStats aggregates the ratings citing chunkID.
func (s *Store) ChunkStats(ctx context.Context, chunkID string) (feedback.Stats, error) {
	var (
		st    feedback.Stats
		avg   sql.NullFloat64
		low   sql.NullInt64
		high  sql.NullInt64
		docID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT
			COUNT(*),
			AVG(r.rating),
			SUM(CASE WHEN r.rating <= 2 THEN 1 ELSE 0 END),
			SUM(CASE WHEN r.rating >= 4 THEN 1 ELSE 0 END),
			MAX(c.doc_id)
		FROM feedback_citations c
		JOIN feedback_ratings r ON r.id = c.rating_id
		WHERE c.chunk_id = ?
	`), chunkID).Scan(&st.RatingCount, &avg, &low, &high, &docID)
	if err != nil {
		return feedback.Stats{}, fmt.Errorf("chunk stats query failed: %w", err)
	}
	st.AvgRating = avg.Float64
	st.Low = int(low.Int64)
	st.High = int(high.Int64)
	st.DocID = docID.String
	return st, nil
}

// UpsertSignal writes the latest aggregate for a chunk.
func (s *Store) UpsertSignal(ctx context.Context, sig feedback.Signal) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO retrieval_signals (
			chunk_id, doc_id, rating_count, avg_rating, low_rating_count,
			high_rating_count, confidence, multiplier, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chunk_id) DO UPDATE SET
			doc_id = excluded.doc_id,
			rating_count = excluded.rating_count,
			avg_rating = excluded.avg_rating,
			low_rating_count = excluded.low_rating_count,
			high_rating_count = excluded.high_rating_count,
			confidence = excluded.confidence,
			multiplier = excluded.multiplier,
			updated_at = excluded.updated_at
	`), sig.ChunkID, nullString(sig.DocID), sig.RatingCount, sig.AvgRating, sig.LowRatingCount,
		sig.HighRatingCount, sig.Confidence, sig.Multiplier, millis(sig.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert signal failed: %w", err)
	}
	return nil
}

// DeleteSignal removes a chunk's signal. Deleting a missing signal is not
// an error.
func (s *Store) DeleteSignal(ctx context.Context, chunkID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM retrieval_signals WHERE chunk_id = ?`), chunkID); err != nil {
		return fmt.Errorf("delete signal failed: %w", err)
	}
	return nil
}

// Signals loads the stored signals for chunkIDs.
func (s *Store) Signals(ctx context.Context, chunkIDs []string) (map[string]feedback.Signal, error) {
	out := make(map[string]feedback.Signal, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT chunk_id, doc_id, rating_count, avg_rating, low_rating_count,
			high_rating_count, confidence, multiplier, updated_at
		FROM retrieval_signals
		WHERE chunk_id IN (`+placeholders(len(chunkIDs))+`)
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("signals query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sig       feedback.Signal
			docID     sql.NullString
			updatedAt int64
		)
		if err := rows.Scan(&sig.ChunkID, &docID, &sig.RatingCount, &sig.AvgRating, &sig.LowRatingCount,
			&sig.HighRatingCount, &sig.Confidence, &sig.Multiplier, &updatedAt); err != nil {
			return nil, fmt.Errorf("signal scan failed: %w", err)
		}
		sig.DocID = docID.String
		sig.UpdatedAt = fromMillis(updatedAt)
		out[sig.ChunkID] = sig
	}
	return out, rows.Err()
}

// Rating loads one rating with its citations.
func (s *Store) Rating(ctx context.Context, ratingID string) (*feedback.Rating, error) {
	var (
		r               feedback.Rating
		source          string
		userID, comment sql.NullString
		createdAt       int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, source, target_id, user_id, rating, comment, created_at
		FROM feedback_ratings WHERE id = ?
	`), ratingID).Scan(&r.ID, &source, &r.TargetID, &userID, &r.Rating, &comment, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, feedback.ErrRatingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rating query failed: %w", err)
	}
	r.Source = feedback.Source(source)
	r.UserID = userID.String
	r.Comment = comment.String
	r.CreatedAt = fromMillis(createdAt)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT chunk_id, doc_id FROM feedback_citations WHERE rating_id = ? ORDER BY chunk_id
	`), ratingID)
	if err != nil {
		return nil, fmt.Errorf("citations query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c     feedback.Citation
			docID sql.NullString
		)
		if err := rows.Scan(&c.ChunkID, &docID); err != nil {
			return nil, fmt.Errorf("citation scan failed: %w", err)
		}
		c.DocID = docID.String
		r.Citations = append(r.Citations, c)
	}
	return &r, rows.Err()
}
