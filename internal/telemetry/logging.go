// Package telemetry wires process-wide structured logging and OpenTelemetry
// tracing/metrics, grounded on libs/go/core/logging and libs/go/core/otelinit:
// one process-wide slog logger tagged with a service field, and OTLP/gRPC
// exporters that degrade to no-op providers on dial failure rather than
// failing startup.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the process-wide slog logger: JSON or text per
// jsonMode, tagged with service. Mirrors logging.Init but takes its
// settings from internal/config instead of reading the environment
// directly, since config.Load already layered env/file/defaults.
func InitLogging(service string, jsonMode bool, level string) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromString(level)}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", jsonMode, "level", level)
	return logger
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
