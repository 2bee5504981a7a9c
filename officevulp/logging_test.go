package officevulp

import (
	"bytes"
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, expected := range tests {
		lvl, err := ParseLogLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, expected, lvl.Level(), name)
	}

	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelInfo)
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: lvl})

	logFunc := discordgoLoggerFunc(context.Background(), handler)

	logFunc(discordgo.LogDebug, 0, "hidden %d", 1)
	assert.Empty(t, buf.String())

	logFunc(discordgo.LogError, 0, "websocket closed\n%s", "reconnecting")
	out := buf.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, "websocket closedreconnecting")

	buf.Reset()
	logFunc(99, 0, "unknown level")
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestNewLogHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelWarn)
	logger := slog.New(newLogHandler(&buf, lvl))

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Warn("loud")
	assert.Contains(t, buf.String(), "loud")

	lvl.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}
