package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-read-model-cache/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in), in)
	}
}

// TestContextHandler_RequestID 請求 ID 應自動附加到每一筆日誌
func TestContextHandler_RequestID(t *testing.T) {
	var buf bytes.Buffer
	l := logger.NewWithWriter(&buf, logger.Options{Level: "debug", Format: "json"})

	ctx := logger.WithRequestID(context.Background(), "req-42")
	l.With("component", "test").InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, "test", entry["component"])
}

func TestMetrics(t *testing.T) {
	var buf bytes.Buffer
	l := logger.NewWithWriter(&buf, logger.Options{Format: "json"})

	logger.Metrics(context.Background(), l, "projection.rebuild", 1500*time.Microsecond, slog.Int("records", 3))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "projection.rebuild", entry["operation"])
	assert.Equal(t, 1.5, entry["duration_ms"])
	assert.Equal(t, float64(3), entry["records"])
}
