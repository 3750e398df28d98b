package feedback

import (
	"errors"
	"time"
)

var (
	ErrInvalidRating   = errors.New("feedback: rating must be between 1 and 5")
	ErrInvalidSource   = errors.New("feedback: source must be message or thread")
	ErrMissingTarget   = errors.New("feedback: target id is required")
	ErrRatingNotFound  = errors.New("feedback: rating not found")
	ErrDispatcherFull  = errors.New("feedback: recompute queue full")
	ErrDispatcherClose = errors.New("feedback: dispatcher closed")
)

// Source says what a rating was attached to.
type Source string

const (
	SourceMessage Source = "message"
	SourceThread  Source = "thread"
)

// Citation is one retrieval chunk referenced by a rated answer.
type Citation struct {
	ChunkID string `json:"chunk_id"`
	DocID   string `json:"doc_id,omitempty"`
}

// Rating is a user's 1-5 score for a message or a whole thread.
type Rating struct {
	ID        string     `json:"id"`
	Source    Source     `json:"source"`
	TargetID  string     `json:"target_id"`
	UserID    string     `json:"user_id,omitempty"`
	Rating    int        `json:"rating"`
	Comment   string     `json:"comment,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Validate checks the rating's fields.
func (r Rating) Validate() error {
	if r.Rating < 1 || r.Rating > 5 {
		return ErrInvalidRating
	}
	if r.Source != SourceMessage && r.Source != SourceThread {
		return ErrInvalidSource
	}
	if r.TargetID == "" {
		return ErrMissingTarget
	}
	return nil
}

// ChunkIDs returns the distinct chunk ids cited by r, in citation order.
func (r Rating) ChunkIDs() []string {
	ids := make([]string, 0, len(r.Citations))
	for _, c := range r.Citations {
		ids = append(ids, c.ChunkID)
	}
	return dedupe(ids)
}

// Signal is the aggregated feedback for one retrieval chunk.
type Signal struct {
	ChunkID         string    `json:"chunk_id"`
	DocID           string    `json:"doc_id,omitempty"`
	RatingCount     int       `json:"rating_count"`
	AvgRating       float64   `json:"avg_rating"`
	LowRatingCount  int       `json:"low_rating_count"`
	HighRatingCount int       `json:"high_rating_count"`
	Confidence      float64   `json:"confidence"`
	Multiplier      float64   `json:"multiplier"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Stats is the raw rating aggregate for one chunk across both sources.
// Low counts ratings <= 2 and High counts ratings >= 4.
type Stats struct {
	DocID       string
	RatingCount int
	AvgRating   float64
	Low         int
	High        int
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
