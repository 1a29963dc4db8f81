package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestZapLogger_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZapLogger(Config{Level: InfoLevel, Format: "json", Output: &buf})

	logger.Debug("hidden")
	logger.With(AgentID("billing")).Info("registered", Int("queue_size", 10))
	logger.Error("failed", Err(assert.AnError))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)

	assert.Equal(t, "registered", entries[0]["message"])
	assert.Equal(t, "billing", entries[0]["agent_id"])
	assert.Equal(t, float64(10), entries[0]["queue_size"])

	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, assert.AnError.Error(), entries[1]["error"])
}

func TestZapLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZapLogger(Config{Level: DebugLevel, Format: "json", Output: &buf})

	ctx := WithAgentID(WithMessageID(context.Background(), "m-1"), "a-1")
	logger.WithContext(ctx).Debug("handled")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "m-1", entries[0]["message_id"])
	assert.Equal(t, "a-1", entries[0]["agent_id"])

	plain := logger.WithContext(context.Background())
	assert.Same(t, logger, plain)
}

func TestWithDoesNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewZapLogger(Config{Level: InfoLevel, Format: "json", Output: &buf})

	a := base.With(String("k", "a"))
	_ = base.With(String("k", "b"))
	a.Info("x")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0]["k"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
}
