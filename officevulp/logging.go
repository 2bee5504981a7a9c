package officevulp

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"os"
	"strings"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

// newLogHandler returns the tint handler used by every component, writing
// to w at the given level.
func newLogHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		w, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// discordgoLoggerFunc returns a function suitable for [discordgo.Logger],
// forwarding discordgo's printf-style log lines to the given handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// ParseLogLevel parses the given level name (DEBUG, INFO, WARN, ERROR,
// case-insensitive) into a new [slog.LevelVar].
func ParseLogLevel(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}
