package main

import (
	"io"

	"github.com/goodtune/rotator/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogger configures the logger based on configuration. Records go to
// console unless logging.file is set, in which case the file is rotated by
// size and age.
func setupLogger(cfg config.LoggingConfig, console io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	if cfg.File != "" {
		out := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		return zerolog.New(out).With().Timestamp().Logger()
	}

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: console}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(console).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
