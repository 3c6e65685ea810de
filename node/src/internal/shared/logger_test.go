package shared

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", "json", &buf)
	require.NoError(t, err)

	logger.Debug().Uint32("seq", 7).Msg("ledger closed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ledger closed", line["message"])
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, float64(7), line["seq"])
	assert.Equal(t, "cloudledger", line["service"])
}

func TestNewLoggerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn", "console", &buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	_, err := NewLogger("loud", "json", nil)
	assert.Error(t, err)
	_, err = NewLogger("info", "xml", nil)
	assert.Error(t, err)
}
