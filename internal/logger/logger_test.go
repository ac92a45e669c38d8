package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "INFO", Format: "json", Output: &buf})
	l.Debug("hidden")
	l.Info("shown", "range", "3")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "3", line["range"])
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "DEBUG", Format: "text", Output: &buf})

	assert.Same(t, base, FromContext(context.Background(), base))

	ctx := WithQueryID(context.Background(), "q-1")
	FromContext(ctx, base).Info("hello")
	assert.Contains(t, buf.String(), "query_id=q-1")
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}
