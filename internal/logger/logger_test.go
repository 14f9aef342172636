package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferCloser struct {
	bytes.Buffer
}

func (*bufferCloser) Close() error { return nil }

func jsonLines(t *testing.T, buf *bufferCloser) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, LevelCritical, ParseLevel("critical"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))

	assert.Equal(t, "CRITICAL", LevelName(LevelCritical))
	assert.Equal(t, "WARN", LevelName(slog.LevelWarn))
}

func TestLoggerManager_ComponentAndContext(t *testing.T) {
	buf := &bufferCloser{}
	lm := newLoggerManager(config.LoggingConfig{
		Level:         "info",
		Format:        "json",
		ContextFields: map[string]string{"service": "ohlcv-history"},
	}, buf)

	ctx, runID := NewRunContext(context.Background())
	ctx = WithMarket(ctx, "ETH-USD")
	ctx = WithGranularity(ctx, "1m")
	require.NotEmpty(t, runID)
	assert.Equal(t, runID, GetRunID(ctx))

	cl := lm.GetComponentLogger("ingest")
	assert.Same(t, cl.Logger, lm.GetComponentLogger("ingest").Logger)

	run := lm.WithComponentContext(ctx, "ingest")
	assert.NotSame(t, cl.Logger, run.Logger)

	run.Info("window stored", "rows", 300)
	run.Debug("hidden at info level")
	run.Error("window failed", "error", errors.New("boom"))
	Critical(ctx, lm.WithContext(ctx), "run halted")

	lines := jsonLines(t, buf)
	require.Len(t, lines, 3)

	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "ingest", lines[0]["component"])
	assert.Equal(t, runID, lines[0]["run_id"])
	assert.Equal(t, "ETH-USD", lines[0]["market"])
	assert.Equal(t, "1m", lines[0]["granularity"])
	assert.Equal(t, "ohlcv-history", lines[0]["service"])
	assert.EqualValues(t, 300, lines[0]["rows"])

	assert.Equal(t, "boom", lines[1]["error"])
	assert.Equal(t, "CRITICAL", lines[2]["level"])
	assert.Equal(t, runID, lines[2]["run_id"])
}

func TestLoggerManager_CriticalOnlyFiltersErrors(t *testing.T) {
	buf := &bufferCloser{}
	lm := newLoggerManager(config.LoggingConfig{Level: "critical", Format: "json"}, buf)

	lm.GetLogger().Error("not shown")
	Critical(context.Background(), lm.GetLogger(), "shown")

	lines := jsonLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
}

func TestOpenOutput(t *testing.T) {
	dir := t.TempDir()

	t.Run("file requires a path", func(t *testing.T) {
		_, err := openOutput(config.LoggingConfig{Output: "file"}, os.Stdout)
		assert.Error(t, err)
	})

	t.Run("both writes to console and file", func(t *testing.T) {
		path := filepath.Join(dir, "logs", "history.log")
		console := &bytes.Buffer{}
		w, err := openOutput(config.LoggingConfig{Output: "both", FilePath: path, MaxSize: 1}, console)
		require.NoError(t, err)

		_, err = w.Write([]byte("hello\n"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		assert.Equal(t, "hello\n", console.String())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(data))
	})

	t.Run("stdout by default", func(t *testing.T) {
		console := &bytes.Buffer{}
		w, err := openOutput(config.LoggingConfig{Output: "stdout"}, console)
		require.NoError(t, err)
		_, _ = w.Write([]byte("x"))
		assert.Equal(t, "x", console.String())
		assert.NoError(t, w.Close())
	})
}

func TestTimedOperation(t *testing.T) {
	buf := &bufferCloser{}
	lm := newLoggerManager(config.LoggingConfig{Level: "info", Format: "json"}, buf)

	require.NoError(t, TimedOperation(lm.GetLogger(), "analyze", func() error { return nil }))
	err := TimedOperation(lm.GetLogger(), "ingest", func() error { return errors.New("halted") })
	assert.EqualError(t, err, "halted")

	lines := jsonLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "analyze", lines[0]["operation"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "ingest failed", lines[1]["msg"])
}

func TestWithComponentContext_NoRunAttributes(t *testing.T) {
	lm := newLoggerManager(config.LoggingConfig{Level: "info", Format: "json"}, &bufferCloser{})
	cl := lm.WithComponentContext(context.Background(), "storage")
	assert.Same(t, lm.GetComponentLogger("storage").Logger, cl.Logger)
	assert.Empty(t, GetRunID(context.Background()))
}
