package logging

import (
	"log/slog"
	"os"
	"strings"

	"recall/internal/config"
)

// SetupLogger configures structured logging for the application and
// installs it as the slog default.
func SetupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.IsDevelopment(),
	}

	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// RequestLogger creates a logger with request-specific fields.
func RequestLogger(requestID, method, path string) *slog.Logger {
	return slog.Default().With(
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("path", path),
	)
}
