package feedback

// Scoring constants.
const (
	// StrongSignalCount is the rating count at which confidence reaches 1.
	StrongSignalCount = 8
	// LightSignalCount: below this many ratings confidence is halved.
	LightSignalCount = 3

	// NeutralRating is the midpoint of the 1-5 scale.
	NeutralRating = 3.0
	// BaseWeight scales the normalized average into [-0.2, 0.2].
	BaseWeight = 0.2
	// LowRatingPenalty is applied per unit share of ratings <= 2.
	LowRatingPenalty = 0.18
	// HighRatingBoost is applied per unit share of ratings >= 4.
	HighRatingBoost = 0.08

	// MinMultiplier and MaxMultiplier bound every multiplier. Negative
	// feedback may move a chunk further than positive feedback can.
	MinMultiplier = 0.7
	MaxMultiplier = 1.2

	// NeutralMultiplier applies to chunks without ratings.
	NeutralMultiplier = 1.0
)

// CalculateRetrievalMultiplier turns aggregated ratings into a bounded,
// confidence-scaled ranking multiplier. The returned Signal carries the
// clamped inputs, the confidence and the multiplier; ChunkID, DocID and
// UpdatedAt are left for the caller.
func CalculateRetrievalMultiplier(avgRating float64, ratingCount, low, high int) Signal {
	if ratingCount <= 0 {
		return Signal{Multiplier: NeutralMultiplier}
	}

	avg := clamp(avgRating, 1, 5)
	low = clampInt(low, 0, ratingCount)
	high = clampInt(high, 0, ratingCount)
	count := float64(ratingCount)

	confidence := min(1, count/StrongSignalCount)
	if ratingCount < LightSignalCount {
		confidence *= 0.5
	}

	base := ((avg - NeutralRating) / 2) * BaseWeight
	lowPenalty := float64(low) / count * LowRatingPenalty
	highBoost := float64(high) / count * HighRatingBoost

	adjustment := (base - lowPenalty + highBoost) * confidence

	return Signal{
		RatingCount:     ratingCount,
		AvgRating:       avg,
		LowRatingCount:  low,
		HighRatingCount: high,
		Confidence:      confidence,
		Multiplier:      clamp(NeutralMultiplier+adjustment, MinMultiplier, MaxMultiplier),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
