package feedback

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateRetrievalMultiplier(t *testing.T) {
	tests := []struct {
		name       string
		avg        float64
		count      int
		low, high  int
		multiplier float64
		confidence float64
	}{
		{"no ratings", 4.5, 0, 0, 0, 1.0, 0},
		{"mostly negative", 1.5, 10, 8, 0, 0.706, 1},
		{"mostly positive clamps at ceiling", 4.7, 10, 0, 8, 1.2, 1},
		{"neutral average", 3, 8, 0, 0, 1.0, 1},
		{"single five star is damped", 5, 1, 0, 1, 1 + (0.2+0.08)*0.0625, 0.0625},
		{"two one stars", 1, 2, 2, 0, 1 - (0.2+0.18)*0.125, 0.125},
		{"three ratings at full light weight", 4, 3, 0, 3, 1 + (0.1+0.08)*0.375, 0.375},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := CalculateRetrievalMultiplier(tt.avg, tt.count, tt.low, tt.high)
			assert.InDelta(t, tt.multiplier, s.Multiplier, 1e-9)
			assert.InDelta(t, tt.confidence, s.Confidence, 1e-9)
		})
	}
}

func TestCalculateRetrievalMultiplierClampsInputs(t *testing.T) {
	s := CalculateRetrievalMultiplier(9, 4, -3, 12)
	assert.Equal(t, 5.0, s.AvgRating)
	assert.Equal(t, 0, s.LowRatingCount)
	assert.Equal(t, 4, s.HighRatingCount)

	s = CalculateRetrievalMultiplier(-2, 4, 40, 0)
	assert.Equal(t, 1.0, s.AvgRating)
	assert.Equal(t, 4, s.LowRatingCount)
}

func TestMultiplierAlwaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		count := rng.Intn(50)
		s := CalculateRetrievalMultiplier(rng.Float64()*8-2, count, rng.Intn(60)-5, rng.Intn(60)-5)
		if count == 0 {
			assert.Equal(t, 1.0, s.Multiplier)
			continue
		}
		assert.GreaterOrEqual(t, s.Multiplier, MinMultiplier)
		assert.LessOrEqual(t, s.Multiplier, MaxMultiplier)
		assert.GreaterOrEqual(t, s.Confidence, 0.0)
		assert.LessOrEqual(t, s.Confidence, 1.0)
	}
}
