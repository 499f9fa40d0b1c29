package main

import (
	"log/slog"
	"os"

	"github.com/parlancehq/parlance/internal/config"
)

// newLevelVar returns a LevelVar initialised from the configured log level.
// Keeping the level in a LevelVar lets the config watcher retune it without
// replacing the logger.
func newLevelVar(level config.LogLevel) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(slogLevel(level))
	return v
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
