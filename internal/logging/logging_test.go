package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobals(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestSetup_JSON(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer

	require.NoError(t, Setup("warn", "json", "relay", &buf))

	log.Info().Msg("dropped")
	log.Warn().Str("queue", "start-chat").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "relay", entry["service"])
	assert.Equal(t, "start-chat", entry["queue"])
}

func TestSetup_Console(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer

	require.NoError(t, Setup("DEBUG", "console", "", &buf))
	log.Debug().Msg("hello console")

	assert.Contains(t, buf.String(), "hello console")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestSetup_Errors(t *testing.T) {
	restoreGlobals(t)

	assert.Error(t, Setup("loud", "json", "", nil))
	assert.Error(t, Setup("info", "xml", "", nil))
}
