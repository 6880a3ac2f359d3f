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

// Not parallel: the logger is process global.
func TestJSONOutputCarriesEvent(t *testing.T) {
	var buf bytes.Buffer
	initLogger(&buf, false, false)
	defer InitLogger(false, true)

	LogRequest("10.0.0.1", "announce", 42, 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "request_received", line["event"])
	assert.Equal(t, "announce", line["op"])
	assert.Equal(t, "info", line["level"])
	assert.Contains(t, line, "time")
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	initLogger(&buf, true, false)
	defer InitLogger(false, true)

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	initLogger(&buf, false, false)
	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
}

func TestAnetLoggerWarn(t *testing.T) {
	var buf bytes.Buffer
	initLogger(&buf, false, false)
	defer InitLogger(false, true)

	AnetLogger{}.Warnf("pool %s", "drained")
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "pool drained")
}
