package cmd

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/llmgate/internal/protocol"
)

func TestFanout(t *testing.T) {
	var info, debug bytes.Buffer
	h := fanout{
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	log := slog.New(h).With("component", "test")

	log.Debug("only json")
	log.Info("both")

	assert.NotContains(t, info.String(), "only json")
	assert.Contains(t, info.String(), "component=test")
	assert.Contains(t, debug.String(), `"msg":"only json"`)
	assert.Contains(t, debug.String(), `"component":"test"`)
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "(not set)", maskString(""))
	assert.Equal(t, "*****", maskString("short"))
	assert.Equal(t, "sk-a*****wxyz", maskString("sk-abcdefwxyz"))
}

func TestParseTask(t *testing.T) {
	task, err := parseTask("default")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskDefault, task)

	task, err = parseTask("longContext")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskLongContext, task)

	_, err = parseTask("vision")
	assert.ErrorContains(t, err, "unknown task type")
}
