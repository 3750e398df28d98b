package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "production")

	logger.Info().Msg("dropped")
	logger.Warn().Str("user_id", "user-1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, ServiceName, line["service"])
	assert.Equal(t, "production", line["environment"])
	assert.Equal(t, "user-1", line["user_id"])
	assert.Contains(t, line, "time")
}

func TestDevelopmentLoggerIsConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "development")

	logger.Debug().Msg("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestLevelFallback(t *testing.T) {
	for _, lvl := range []string{"", "shouting"} {
		logger := NewWithWriter(&bytes.Buffer{}, lvl, "production")
		assert.Equal(t, zerolog.InfoLevel, logger.GetLevel(), lvl)
	}
	assert.Equal(t, zerolog.ErrorLevel, NewWithWriter(&bytes.Buffer{}, "error", "staging").GetLevel())
}
